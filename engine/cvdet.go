package engine

import (
	"context"
	"fmt"
	"image"
	"os"

	iface "DetCurator/interface"

	"gocv.io/x/gocv"
)

type CVParam struct {
	ModelPath  string
	ConfigPath string
	Names      []string
	InputSize  int
	Conf       float32
}

// CVDetector runs an SSD-style network through OpenCV DNN. Output rows are
// [batch, class, conf, x1, y1, x2, y2] with coordinates relative to the image.
type CVDetector struct {
	param CVParam
	net   gocv.Net
}

func NewCVDetector(param CVParam) (*CVDetector, error) {
	if _, err := os.Stat(param.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	if param.ConfigPath != "" {
		if _, err := os.Stat(param.ConfigPath); err != nil {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
	}
	net := gocv.ReadNet(param.ModelPath, param.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network %s", param.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}
	return &CVDetector{param: param, net: net}, nil
}

func (d *CVDetector) Detect(ctx context.Context, img image.Image) ([]iface.RawBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	size := d.param.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(size, size), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return parseSSD(output, float64(mat.Cols()), float64(mat.Rows()), d.param.Conf), nil
}

func parseSSD(output gocv.Mat, width, height float64, conf float32) []iface.RawBox {
	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	var boxes []iface.RawBox
	for i := 0; i < rows.Rows(); i++ {
		score := rows.GetFloatAt(i, 2)
		if score < conf {
			continue
		}
		x1 := clampF(float64(rows.GetFloatAt(i, 3))*width, 0, width)
		y1 := clampF(float64(rows.GetFloatAt(i, 4))*height, 0, height)
		x2 := clampF(float64(rows.GetFloatAt(i, 5))*width, 0, width)
		y2 := clampF(float64(rows.GetFloatAt(i, 6))*height, 0, height)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		boxes = append(boxes, iface.RawBox{
			X1: x1, Y1: y1, X2: x2, Y2: y2,
			Conf:  float64(score),
			Class: int(rows.GetFloatAt(i, 1)),
		})
	}
	return boxes
}

func (d *CVDetector) Names() []string { return d.param.Names }

func (d *CVDetector) Close() error {
	return d.net.Close()
}
