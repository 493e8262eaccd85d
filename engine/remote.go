package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"DetCurator/imaging"
	iface "DetCurator/interface"

	"github.com/go-resty/resty/v2"
	"gocv.io/x/gocv"
)

// remotePrediction is the wire form shared by the HTTP and gRPC backends:
// boxes are [x1, y1, x2, y2, conf, class] rows in original pixels.
type remotePrediction struct {
	RawBoxes [][]float64 `json:"boxes"`
	Labels   []string    `json:"names"`
	Image    string      `json:"image_base64"`
}

func (p *remotePrediction) Boxes() []iface.RawBox {
	boxes := make([]iface.RawBox, 0, len(p.RawBoxes))
	for _, b := range p.RawBoxes {
		if len(b) < 6 {
			continue
		}
		boxes = append(boxes, iface.RawBox{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3], Conf: b[4], Class: int(b[5])})
	}
	return boxes
}

func (p *remotePrediction) Names() []string { return p.Labels }

func (p *remotePrediction) Render() ([]byte, error) {
	if p.Image == "" {
		return nil, errors.New("backend returned no rendered image")
	}
	return imaging.DecodeBase64(p.Image)
}

func (p *remotePrediction) validate() error {
	for i, b := range p.RawBoxes {
		if len(b) < 6 {
			return fmt.Errorf("box %d has %d values, want 6", i, len(b))
		}
	}
	return nil
}

// encodeForWire re-encodes the decoded RGB image as JPEG for upload.
func encodeForWire(img image.Image) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return imaging.EncodeJPEG(mat)
}

// HTTPDetector calls a remote inference service that answers POST /detect
// (multipart "file") and GET /classes.
type HTTPDetector struct {
	client *resty.Client
	names  []string
}

func NewHTTPDetector(ctx context.Context, endpoint string, timeout time.Duration) (*HTTPDetector, error) {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(timeout)
	var classes struct {
		Classes []string `json:"classes"`
	}
	resp, err := client.R().SetContext(ctx).SetResult(&classes).Get("/classes")
	if err != nil {
		return nil, fmt.Errorf("fetch classes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch classes: server returned %s", resp.Status())
	}
	return &HTTPDetector{client: client, names: classes.Classes}, nil
}

func (d *HTTPDetector) Predict(ctx context.Context, img image.Image) (Prediction, error) {
	data, err := encodeForWire(img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	var pred remotePrediction
	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", "image.jpg", bytes.NewReader(data)).
		SetResult(&pred).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned %s, body: %s", resp.Status(), resp.String())
	}
	if err := pred.validate(); err != nil {
		return nil, err
	}
	if len(pred.Labels) == 0 {
		pred.Labels = d.names
	}
	return &pred, nil
}

func (d *HTTPDetector) Names() []string { return d.names }

func (d *HTTPDetector) Close() error { return nil }

// base64JPEG is used by the gRPC wire form, which carries the image as text.
func base64JPEG(img image.Image) (string, error) {
	data, err := encodeForWire(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
