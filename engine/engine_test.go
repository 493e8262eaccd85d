package engine

import (
	"context"
	"errors"
	"image"
	"testing"

	iface "DetCurator/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockTupleDetector struct {
	boxes  []iface.RawBox
	names  []string
	err    error
	panics bool
	closed bool
}

func (m *MockTupleDetector) Detect(ctx context.Context, img image.Image) ([]iface.RawBox, error) {
	if m.panics {
		panic("tensor shape mismatch")
	}
	return m.boxes, m.err
}
func (m *MockTupleDetector) Names() []string { return m.names }
func (m *MockTupleDetector) Close() error    { m.closed = true; return nil }

type MockRenderer struct {
	calls int
	last  []iface.Detection
}

func (r *MockRenderer) Render(img image.Image, dets []iface.Detection) ([]byte, error) {
	r.calls++
	r.last = dets
	return []byte("rendered"), nil
}

type MockPrediction struct {
	boxes []iface.RawBox
	names []string
}

func (p *MockPrediction) Boxes() []iface.RawBox   { return p.boxes }
func (p *MockPrediction) Render() ([]byte, error) { return []byte("self-rendered"), nil }
func (p *MockPrediction) Names() []string         { return p.names }

type MockResultDetector struct {
	pred *MockPrediction
	err  error
}

func (m *MockResultDetector) Predict(ctx context.Context, img image.Image) (Prediction, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.pred, nil
}
func (m *MockResultDetector) Names() []string { return m.pred.names }
func (m *MockResultDetector) Close() error    { return nil }

var testImage = image.NewRGBA(image.Rect(0, 0, 64, 64))

func TestTupleModel_Infer(t *testing.T) {
	det := &MockTupleDetector{
		names: []string{"Straight_Knife", "Scissor"},
		boxes: []iface.RawBox{
			{X1: 10.123, Y1: 10.456, X2: 50.789, Y2: 50.001, Conf: 0.912345, Class: 1},
			{X1: 1, Y1: 2, X2: 3, Y2: 4, Conf: 0.5, Class: 7},
		},
	}
	renderer := &MockRenderer{}
	m := NewTupleModel(iface.ModelInfo{Name: "yolov5"}, det, renderer)

	inf, err := m.Infer(context.Background(), testImage)
	require.NoError(t, err)
	require.Len(t, inf.Detections, 2)
	assert.Equal(t, iface.Detection{Class: "Scissor", Confidence: 0.9123, BBox: [4]float64{10.12, 10.46, 50.79, 50}}, inf.Detections[0])
	assert.Equal(t, "class_7", inf.Detections[1].Class)
	assert.Equal(t, []byte("rendered"), inf.Rendered)
	assert.Equal(t, 1, renderer.calls)
	assert.Equal(t, inf.Detections, renderer.last)
	assert.Equal(t, FamilyTuple, m.Family())
	assert.Equal(t, []string{"Straight_Knife", "Scissor"}, m.Info().Classes)

	require.NoError(t, m.Close())
	assert.True(t, det.closed)
}

func TestTupleModel_InferErrors(t *testing.T) {
	t.Run("backend error", func(t *testing.T) {
		m := NewTupleModel(iface.ModelInfo{Name: "broken"}, &MockTupleDetector{err: errors.New("session lost")}, &MockRenderer{})
		_, err := m.Infer(context.Background(), testImage)
		assert.ErrorIs(t, err, iface.ErrInference)
		assert.NotErrorIs(t, err, iface.ErrModelNotFound)
		var ie *iface.InferenceError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "broken", ie.Model)
	})
	t.Run("panic", func(t *testing.T) {
		m := NewTupleModel(iface.ModelInfo{Name: "panicky"}, &MockTupleDetector{panics: true}, &MockRenderer{})
		_, err := m.Infer(context.Background(), testImage)
		assert.ErrorIs(t, err, iface.ErrInference)
		assert.Contains(t, err.Error(), "tensor shape mismatch")
	})
	t.Run("nil image", func(t *testing.T) {
		m := NewTupleModel(iface.ModelInfo{Name: "m"}, &MockTupleDetector{}, &MockRenderer{})
		_, err := m.Infer(context.Background(), nil)
		assert.ErrorIs(t, err, iface.ErrInference)
	})
}

func TestResultModel_Infer(t *testing.T) {
	det := &MockResultDetector{pred: &MockPrediction{
		names: []string{"Knife"},
		boxes: []iface.RawBox{{X1: 10, Y1: 10, X2: 50, Y2: 50, Conf: 0.91, Class: 0}},
	}}
	m := NewResultModel(iface.ModelInfo{Name: "detr"}, det)

	inf, err := m.Infer(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, []iface.Detection{{Class: "Knife", Confidence: 0.91, BBox: [4]float64{10, 10, 50, 50}}}, inf.Detections)
	assert.Equal(t, []byte("self-rendered"), inf.Rendered)
	assert.Equal(t, FamilyResult, m.Family())

	det.err = errors.New("timeout")
	_, err = m.Infer(context.Background(), testImage)
	assert.ErrorIs(t, err, iface.ErrInference)
}

func TestLabelSpacesAreNotShared(t *testing.T) {
	box := []iface.RawBox{{X1: 0, Y1: 0, X2: 1, Y2: 1, Conf: 0.9, Class: 0}}
	a := NewTupleModel(iface.ModelInfo{Name: "a"}, &MockTupleDetector{boxes: box, names: []string{"Knife"}}, &MockRenderer{})
	b := NewTupleModel(iface.ModelInfo{Name: "b"}, &MockTupleDetector{boxes: box, names: []string{"person"}}, &MockRenderer{})

	ia, err := a.Infer(context.Background(), testImage)
	require.NoError(t, err)
	ib, err := b.Infer(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, "Knife", ia.Detections[0].Class)
	assert.Equal(t, "person", ib.Detections[0].Class)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewTupleModel(iface.ModelInfo{Name: "yolov5"}, &MockTupleDetector{}, &MockRenderer{})

	require.NoError(t, reg.Register("yolov8", m))
	require.NoError(t, reg.Register("yolov5", m))
	assert.Error(t, reg.Register("yolov5", m))
	assert.Error(t, reg.Register("", m))
	assert.Error(t, reg.Register("nil", nil))

	got, err := reg.Get("yolov5")
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = reg.Get("yolov9")
	assert.ErrorIs(t, err, iface.ErrModelNotFound)
	assert.NotErrorIs(t, err, iface.ErrInference)

	assert.Equal(t, []string{"yolov5", "yolov8"}, reg.Names())
	assert.Equal(t, 2, reg.Len())

	reg.Freeze()
	assert.ErrorIs(t, reg.Register("late", m), ErrRegistryFrozen)
	assert.NoError(t, reg.Close())
}
