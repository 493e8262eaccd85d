package engine

import (
	"context"
	"image"

	iface "DetCurator/interface"
)

type Family string

const (
	// FamilyTuple backends return flat (x1,y1,x2,y2,conf,class) tuples and
	// need a separate rendering step.
	FamilyTuple Family = "tuple"
	// FamilyResult backends return a result object carrying its own boxes,
	// rendering and label table.
	FamilyResult Family = "result"
)

type TupleDetector interface {
	Detect(ctx context.Context, img image.Image) ([]iface.RawBox, error)
	Names() []string
	Close() error
}

// Prediction is the result object of a FamilyResult backend.
type Prediction interface {
	Boxes() []iface.RawBox
	Render() ([]byte, error)
	Names() []string
}

type ResultDetector interface {
	Predict(ctx context.Context, img image.Image) (Prediction, error)
	Names() []string
	Close() error
}

// Renderer draws canonical detections on img and returns the encoded result.
type Renderer interface {
	Render(img image.Image, dets []iface.Detection) ([]byte, error)
}

// Model is the uniform capability every registry entry exposes, whatever the
// backend family behind it.
type Model interface {
	Infer(ctx context.Context, img image.Image) (*iface.Inference, error)
	Classes() []string
	Info() iface.ModelInfo
	Family() Family
	Close() error
}
