package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	iface "DetCurator/interface"
)

// tupleModel adapts a TupleDetector: raw tuples are normalized against the
// detector's own label table and drawn by a Renderer.
type tupleModel struct {
	mu       sync.Mutex
	name     string
	info     iface.ModelInfo
	detector TupleDetector
	renderer Renderer
}

// NewTupleModel wraps a tuple-family backend.
func NewTupleModel(info iface.ModelInfo, detector TupleDetector, renderer Renderer) Model {
	info.Classes = detector.Names()
	return &tupleModel{name: info.Name, info: info, detector: detector, renderer: renderer}
}

func (m *tupleModel) Infer(ctx context.Context, img image.Image) (inf *iface.Inference, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer recoverInference(m.name, &err)

	if img == nil {
		return nil, &iface.InferenceError{Model: m.name, Err: errors.New("nil image")}
	}
	raw, err := m.detector.Detect(ctx, img)
	if err != nil {
		return nil, &iface.InferenceError{Model: m.name, Err: err}
	}
	names := m.detector.Names()
	dets := iface.Normalize(raw, names)
	rendered, err := m.renderer.Render(img, dets)
	if err != nil {
		return nil, &iface.InferenceError{Model: m.name, Err: fmt.Errorf("render: %w", err)}
	}
	return &iface.Inference{Detections: dets, Rendered: rendered, Classes: names}, nil
}

func (m *tupleModel) Classes() []string     { return m.detector.Names() }
func (m *tupleModel) Info() iface.ModelInfo { return m.info }
func (m *tupleModel) Family() Family        { return FamilyTuple }
func (m *tupleModel) Close() error          { return m.detector.Close() }

// resultModel adapts a ResultDetector whose prediction renders itself.
type resultModel struct {
	mu       sync.Mutex
	name     string
	info     iface.ModelInfo
	detector ResultDetector
}

func NewResultModel(info iface.ModelInfo, detector ResultDetector) Model {
	info.Classes = detector.Names()
	return &resultModel{name: info.Name, info: info, detector: detector}
}

func (m *resultModel) Infer(ctx context.Context, img image.Image) (inf *iface.Inference, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer recoverInference(m.name, &err)

	if img == nil {
		return nil, &iface.InferenceError{Model: m.name, Err: errors.New("nil image")}
	}
	pred, err := m.detector.Predict(ctx, img)
	if err != nil {
		return nil, &iface.InferenceError{Model: m.name, Err: err}
	}
	names := pred.Names()
	dets := iface.Normalize(pred.Boxes(), names)
	rendered, err := pred.Render()
	if err != nil {
		return nil, &iface.InferenceError{Model: m.name, Err: fmt.Errorf("render: %w", err)}
	}
	return &iface.Inference{Detections: dets, Rendered: rendered, Classes: names}, nil
}

func (m *resultModel) Classes() []string     { return m.detector.Names() }
func (m *resultModel) Info() iface.ModelInfo { return m.info }
func (m *resultModel) Family() Family        { return FamilyResult }
func (m *resultModel) Close() error          { return m.detector.Close() }

// recoverInference turns a backend panic into an InferenceError so one broken
// model cannot take the worker down.
func recoverInference(model string, err *error) {
	if r := recover(); r != nil {
		*err = &iface.InferenceError{Model: model, Err: fmt.Errorf("panic: %v", r)}
	}
}
