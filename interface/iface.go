package iface

import (
	"encoding/json"
	"image"
	"math"
	"strconv"
)

// RawBox is one detection as a backend reports it, before label lookup and rounding.
type RawBox struct {
	X1, Y1, X2, Y2 float64
	Conf           float64
	Class          int
}

// Detection is the canonical record every backend is translated into.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Inference is what an adapter hands back for one image.
type Inference struct {
	Detections []Detection
	Rendered   []byte
	Classes    []string
}

// Frame is one decoded upload. Original is encoded once and shared by every
// model result produced from the frame.
type Frame struct {
	Filename string
	Image    image.Image
	Original []byte
}

type ModelResult struct {
	Model      string
	Detections []Detection
	Rendered   []byte
	Original   []byte
	Err        string
}

func (r ModelResult) Failed() bool {
	return r.Err != ""
}

func (r ModelResult) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Err})
	}
	dets := r.Detections
	if dets == nil {
		dets = []Detection{}
	}
	return json.Marshal(struct {
		Detections []Detection `json:"detections"`
		Rendered   []byte      `json:"image_base64"`
		Original   []byte      `json:"original_image_base64"`
	}{dets, r.Rendered, r.Original})
}

type BatchResult struct {
	Filename string                 `json:"filename"`
	Results  map[string]ModelResult `json:"results"`
}

// ApprovalRecord is one curation decision. Approved is a pointer so that a
// missing flag can be told apart from an explicit false.
type ApprovalRecord struct {
	Filename   string
	Model      string
	Approved   *bool
	Detections []Detection
	Image      []byte
}

// ModelInfo describes a loaded model for status endpoints and logs.
type ModelInfo struct {
	Name      string   `json:"name"`
	Family    string   `json:"family"`
	ModelPath string   `json:"model_path,omitempty"`
	Endpoint  string   `json:"endpoint,omitempty"`
	Classes   []string `json:"classes"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
}

// Round rounds v to the given number of decimals the way Python's round()
// does: correctly rounded from the exact binary value, ties to even.
func Round(v float64, decimals int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// Normalize maps raw boxes through names and applies the presentation
// rounding: 4 decimals for confidence, 2 for coordinates. Order is kept.
func Normalize(raw []RawBox, names []string) []Detection {
	dets := make([]Detection, 0, len(raw))
	for _, b := range raw {
		dets = append(dets, Detection{
			Class:      ClassName(names, b.Class),
			Confidence: Round(clamp01(b.Conf), 4),
			BBox: [4]float64{
				Round(b.X1, 2),
				Round(b.Y1, 2),
				Round(b.X2, 2),
				Round(b.Y2, 2),
			},
		})
	}
	return dets
}

// ClassName looks idx up in names, falling back to "class_<idx>".
func ClassName(names []string, idx int) string {
	if idx >= 0 && idx < len(names) && names[idx] != "" {
		return names[idx]
	}
	return "class_" + strconv.Itoa(idx)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
