package proto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net"
	"slices"
	"strconv"
	"strings"

	"DetCurator/engine"
	"DetCurator/imaging"
	iface "DetCurator/interface"
	"DetCurator/monitor"
	"DetCurator/service"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DetectorServer is the server side of the detcurator.Detector protocol.
type DetectorServer interface {
	Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Classes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// DecodeFunc turns uploaded bytes into an RGB image and its JPEG encoding.
type DecodeFunc func(data []byte) (image.Image, []byte, error)

// Server exposes the local registry to other DetCurator nodes, which consume
// it through the grpc model family.
type Server struct {
	predictor    *service.Predictor
	defaultModel string
	decode       DecodeFunc
	log          *zap.Logger
}

func NewServer(p *service.Predictor, defaultModel string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{predictor: p, defaultModel: defaultModel, decode: imaging.Decode, log: log}
}

// WithDecoder replaces the image decoder.
func (s *Server) WithDecoder(fn DecodeFunc) *Server {
	s.decode = fn
	return s
}

func (s *Server) modelName(req *structpb.Struct) string {
	if name := req.GetFields()["model"].GetStringValue(); name != "" {
		return name
	}
	return s.defaultModel
}

func (s *Server) lookup(name string) (engine.Model, error) {
	m, err := s.predictor.Lookup(name)
	if errors.Is(err, iface.ErrModelNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return m, err
}

func (s *Server) Classes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	m, err := s.lookup(s.modelName(req))
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"classes": stringList(m.Classes())})
}

func (s *Server) Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	name := s.modelName(req)
	m, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	raw, err := imaging.DecodeBase64(req.GetFields()["image"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image: %v", err)
	}
	img, original, err := s.decode(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}

	res := s.predictor.PredictOne(ctx, iface.Frame{Filename: "grpc", Image: img, Original: original}, name)
	if res.Failed() {
		s.log.Warn("grpc detect failed", zap.String("model", name), zap.String("error", res.Err))
		return nil, status.Error(codes.Internal, res.Err)
	}

	names := m.Classes()
	boxes := make([]any, 0, len(res.Detections))
	for _, d := range res.Detections {
		boxes = append(boxes, []any{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3], d.Confidence, float64(classIndex(names, d.Class))})
	}
	return structpb.NewStruct(map[string]any{
		"boxes":        boxes,
		"names":        stringList(names),
		"image_base64": base64.StdEncoding.EncodeToString(res.Rendered),
	})
}

// classIndex maps a canonical class name back to its index, including the
// "class_<n>" fallback names.
func classIndex(names []string, class string) int {
	if i := slices.Index(names, class); i >= 0 {
		return i
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(class, "class_")); err == nil {
		return n
	}
	return -1
}

func stringList(v []string) []any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}

func structHandler(call func(DetectorServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DetectorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: engine.GRPCServiceName,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: structHandler(DetectorServer.Detect, engine.GRPCDetectMethod)},
		{MethodName: "Classes", Handler: structHandler(DetectorServer.Classes, engine.GRPCClassesMethod)},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&detectorServiceDesc, srv)
}

// StartGRPCServer listens on port and serves srv in the background. Stop the
// returned server with GracefulStop.
func StartGRPCServer(port int, srv DetectorServer, log *zap.Logger) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterDetectorServer(s, srv)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
