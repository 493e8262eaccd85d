package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	iface "DetCurator/interface"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitONNX initializes the ONNX Runtime environment once per process.
// libPath may be empty to use the platform default library name.
func InitONNX(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return ortErr
}

// ShutdownONNX tears the environment down; call after every session is closed.
func ShutdownONNX() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

type ONNXParam struct {
	ModelPath string
	Names     []string
	InputSize int
	Layout    string
	Conf      float32
	Iou       float32
}

// ONNXDetector runs a YOLOv5/YOLOv8 ONNX export. It is a tuple-family
// backend: it only produces boxes, drawing is left to the adapter.
type ONNXDetector struct {
	param        ONNXParam
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	outDims      [2]int
}

func NewONNXDetector(param ONNXParam) (*ONNXDetector, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("ONNX environment not initialized")
	}
	inputs, outputs, err := ort.GetInputOutputInfo(param.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}
	outShape := outputs[0].Dimensions
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unexpected output rank %d", len(outShape))
	}
	outDims := [2]int{int(outShape[1]), int(outShape[2])}
	if outDims[0] <= 0 || outDims[1] <= 0 {
		return nil, fmt.Errorf("dynamic output shape %v is not supported", outShape)
	}
	if param.Layout == "" {
		param.Layout = guessLayout(outDims)
	}

	size := int64(param.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, outShape[1], outShape[2]))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(param.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXDetector{
		param:        param,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		outDims:      outDims,
	}, nil
}

// guessLayout relies on YOLOv8 exports putting the (small) attribute axis
// before the (large) candidate axis.
func guessLayout(dims [2]int) string {
	if dims[0] < dims[1] {
		return LayoutYOLOv8
	}
	return LayoutYOLOv5
}

func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) ([]iface.RawBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, lb := preprocess(img, d.param.InputSize)
	copy(d.inputTensor.GetData(), data)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	boxes, err := decodeYOLO(d.outputTensor.GetData(), d.outDims, d.param.Layout, len(d.param.Names), d.param.Conf, lb)
	if err != nil {
		return nil, err
	}
	return nms(boxes, d.param.Iou), nil
}

func (d *ONNXDetector) Names() []string { return d.param.Names }

func (d *ONNXDetector) Close() error {
	var errs []error
	if d.session != nil {
		errs = append(errs, d.session.Destroy())
	}
	if d.inputTensor != nil {
		errs = append(errs, d.inputTensor.Destroy())
	}
	if d.outputTensor != nil {
		errs = append(errs, d.outputTensor.Destroy())
	}
	return errors.Join(errs...)
}
