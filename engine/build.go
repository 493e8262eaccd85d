package engine

import (
	"context"
	"fmt"
	"os"

	"DetCurator/config"
	iface "DetCurator/interface"

	"go.uber.org/zap"
)

// BuildRegistry loads every configured model. A model that fails to load is
// logged and left out; the registry is frozen and returned either way, so a
// fleet with two of three models still serves the two.
func BuildRegistry(ctx context.Context, cfg *config.Config, renderer Renderer, log *zap.Logger) *Registry {
	reg := NewRegistry()
	for _, mc := range cfg.Models {
		m, err := buildModel(ctx, cfg, mc, renderer)
		if err != nil {
			log.Warn("model not loaded", zap.String("model", mc.Name), zap.String("family", mc.Family), zap.Error(err))
			continue
		}
		if err := reg.Register(mc.Name, m); err != nil {
			_ = m.Close()
			log.Warn("model not registered", zap.String("model", mc.Name), zap.Error(err))
			continue
		}
		info := m.Info()
		log.Info("model loaded",
			zap.String("model", mc.Name),
			zap.String("family", mc.Family),
			zap.Int("classes", len(info.Classes)),
			zap.Float32("conf", info.Conf),
			zap.Float32("iou", info.Iou))
	}
	reg.Freeze()
	if reg.Len() == 0 {
		log.Error("no models loaded, inference endpoints will report every model as missing")
	}
	return reg
}

func buildModel(ctx context.Context, cfg *config.Config, mc config.ModelConfig, renderer Renderer) (Model, error) {
	info := iface.ModelInfo{
		Name:      mc.Name,
		Family:    mc.Family,
		ModelPath: mc.ModelPath,
		Endpoint:  mc.Endpoint,
		Conf:      mc.Conf,
		Iou:       mc.Iou,
	}
	switch mc.Family {
	case config.FamilyONNX, config.FamilyOpenCV:
		if err := requireFile(mc.ModelPath); err != nil {
			return nil, err
		}
		names, err := LoadNames(mc.Names, mc.LabelsPath)
		if err != nil {
			return nil, fmt.Errorf("load labels: %w", err)
		}
		var det TupleDetector
		if mc.Family == config.FamilyONNX {
			if err := InitONNX(cfg.OnnxLibrary); err != nil {
				return nil, err
			}
			det, err = NewONNXDetector(ONNXParam{
				ModelPath: mc.ModelPath,
				Names:     names,
				InputSize: mc.InputSize,
				Layout:    mc.Layout,
				Conf:      mc.Conf,
				Iou:       mc.Iou,
			})
		} else {
			det, err = NewCVDetector(CVParam{
				ModelPath:  mc.ModelPath,
				ConfigPath: mc.ConfigPath,
				Names:      names,
				InputSize:  mc.InputSize,
				Conf:       mc.Conf,
			})
		}
		if err != nil {
			return nil, err
		}
		return NewTupleModel(info, det, renderer), nil
	case config.FamilyHTTP:
		det, err := NewHTTPDetector(ctx, mc.Endpoint, mc.Timeout)
		if err != nil {
			return nil, err
		}
		return NewResultModel(info, det), nil
	case config.FamilyGRPC:
		remote := mc.RemoteName
		if remote == "" {
			remote = mc.Name
		}
		det, err := NewGRPCDetector(ctx, mc.Endpoint, remote, mc.Timeout)
		if err != nil {
			return nil, err
		}
		return NewResultModel(info, det), nil
	default:
		return nil, fmt.Errorf("unsupported family %q", mc.Family)
	}
}

func requireFile(path string) error {
	if path == "" {
		return fmt.Errorf("model path is empty")
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model artifact missing: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("model artifact %s is a directory", path)
	}
	return nil
}
