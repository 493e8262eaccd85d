package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// The gRPC detector protocol uses google.protobuf.Struct for both directions.
//
//	Detect:  {"model": string, "image": base64 jpeg} -> {"boxes", "names", "image_base64"}
//	Classes: {"model": string}                       -> {"classes": [string]}
const (
	GRPCServiceName   = "detcurator.Detector"
	GRPCDetectMethod  = "/" + GRPCServiceName + "/Detect"
	GRPCClassesMethod = "/" + GRPCServiceName + "/Classes"
)

// GRPCDetector is a result-family backend served by a remote node over gRPC.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	model   string
	timeout time.Duration
	names   []string
}

func NewGRPCDetector(ctx context.Context, endpoint, model string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCDetector, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	d := &GRPCDetector{conn: conn, model: model, timeout: timeout}

	req, _ := structpb.NewStruct(map[string]any{"model": model})
	resp := &structpb.Struct{}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Invoke(callCtx, GRPCClassesMethod, req, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fetch classes: %w", err)
	}
	for _, v := range resp.GetFields()["classes"].GetListValue().GetValues() {
		d.names = append(d.names, v.GetStringValue())
	}
	return d, nil
}

func (d *GRPCDetector) Predict(ctx context.Context, img image.Image) (Prediction, error) {
	encoded, err := base64JPEG(img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"model": d.model, "image": encoded})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.conn.Invoke(callCtx, GRPCDetectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("remote detect: %w", err)
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var pred remotePrediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := pred.validate(); err != nil {
		return nil, err
	}
	if len(pred.Labels) == 0 {
		pred.Labels = d.names
	}
	return &pred, nil
}

func (d *GRPCDetector) Names() []string { return d.names }

func (d *GRPCDetector) Close() error { return d.conn.Close() }
