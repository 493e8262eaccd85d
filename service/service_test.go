package service

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"DetCurator/engine"
	iface "DetCurator/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockDetector struct {
	names []string
	boxes []iface.RawBox
	err   error
	panic bool
	calls atomic.Int32
}

func (m *MockDetector) Detect(ctx context.Context, img image.Image) ([]iface.RawBox, error) {
	m.calls.Add(1)
	if m.panic {
		panic("tensor shape mismatch")
	}
	return m.boxes, m.err
}
func (m *MockDetector) Names() []string { return m.names }
func (m *MockDetector) Close() error    { return nil }

type MockRenderer struct{}

func (MockRenderer) Render(img image.Image, dets []iface.Detection) ([]byte, error) {
	return []byte("rendered"), nil
}

func newRegistry(t *testing.T, dets map[string]*MockDetector) *engine.Registry {
	t.Helper()
	reg := engine.NewRegistry()
	for name, d := range dets {
		m := engine.NewTupleModel(iface.ModelInfo{Name: name, Family: "onnx"}, d, MockRenderer{})
		require.NoError(t, reg.Register(name, m))
	}
	reg.Freeze()
	return reg
}

func testFrame() iface.Frame {
	return iface.Frame{
		Filename: "bag.jpg",
		Image:    image.NewRGBA(image.Rect(0, 0, 64, 64)),
		Original: []byte("original-jpeg"),
	}
}

func TestPredictOne(t *testing.T) {
	reg := newRegistry(t, map[string]*MockDetector{
		"yolov5": {names: []string{"Knife"}, boxes: []iface.RawBox{{X1: 10.123, Y1: 20.456, X2: 110.789, Y2: 220.001, Conf: 0.87654, Class: 0}}},
	})
	p := NewPredictor(reg, 2, nil)
	defer p.Close()

	res := p.PredictOne(context.Background(), testFrame(), "yolov5")
	require.False(t, res.Failed(), res.Err)
	assert.Equal(t, "yolov5", res.Model)
	assert.Equal(t, []iface.Detection{{Class: "Knife", Confidence: 0.8765, BBox: [4]float64{10.12, 20.46, 110.79, 220}}}, res.Detections)
	assert.Equal(t, []byte("rendered"), res.Rendered)
	assert.Equal(t, []byte("original-jpeg"), res.Original)
}

func TestPredictOneUnknownModel(t *testing.T) {
	det := &MockDetector{names: []string{"Knife"}}
	p := NewPredictor(newRegistry(t, map[string]*MockDetector{"yolov5": det}), 1, nil)
	defer p.Close()

	res := p.PredictOne(context.Background(), testFrame(), "yolov9")
	assert.True(t, res.Failed())
	assert.Contains(t, res.Err, "model not found")
	assert.Zero(t, det.calls.Load())

	_, err := p.Lookup("yolov9")
	assert.ErrorIs(t, err, iface.ErrModelNotFound)
}

func TestPredictOneMatchesPredictAll(t *testing.T) {
	reg := newRegistry(t, map[string]*MockDetector{
		"yolov5": {names: []string{"Knife", "Gun"}, boxes: []iface.RawBox{{X1: 1, Y1: 2, X2: 3, Y2: 4, Conf: 0.5, Class: 1}}},
		"ssd":    {names: []string{"person"}, boxes: []iface.RawBox{{X1: 5, Y1: 6, X2: 7, Y2: 8, Conf: 0.33333, Class: 0}}},
	})
	p := NewPredictor(reg, 3, nil)
	defer p.Close()

	frame := testFrame()
	all := p.PredictAll(context.Background(), frame)
	assert.Equal(t, "bag.jpg", all.Filename)
	require.Len(t, all.Results, 2)
	for _, name := range p.Models() {
		assert.Equal(t, p.PredictOne(context.Background(), frame, name), all.Results[name])
	}
}

func TestPredictAllIsolatesFailures(t *testing.T) {
	reg := newRegistry(t, map[string]*MockDetector{
		"a": {names: []string{"Knife"}, boxes: []iface.RawBox{{Conf: 0.9}}},
		"b": {names: []string{"Knife"}, err: errors.New("session run failed")},
		"c": {names: []string{"Knife"}},
		"d": {names: []string{"Knife"}, panic: true},
	})
	p := NewPredictor(reg, 2, nil)
	defer p.Close()

	res := p.PredictAll(context.Background(), testFrame())
	require.Len(t, res.Results, 4)
	failed := 0
	for _, r := range res.Results {
		if r.Failed() {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Contains(t, res.Results["b"].Err, "session run failed")
	assert.Contains(t, res.Results["d"].Err, "panic")
	assert.Len(t, res.Results["a"].Detections, 1)
	assert.Empty(t, res.Results["c"].Detections)
	assert.False(t, res.Results["c"].Failed())

	// workers survive a panicking model
	again := p.PredictOne(context.Background(), testFrame(), "a")
	assert.False(t, again.Failed())
}

func TestPredictAllCancelled(t *testing.T) {
	det := &MockDetector{names: []string{"Knife"}}
	p := NewPredictor(newRegistry(t, map[string]*MockDetector{"a": det}), 1, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.PredictAll(ctx, testFrame())
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results["a"].Failed())
	assert.Zero(t, det.calls.Load())
}
