package api

import (
	"image"

	"DetCurator/imaging"
	"DetCurator/monitor"
	"DetCurator/service"
	"DetCurator/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const APIVersion = "1.0.0"

// Decoder turns uploaded bytes into an RGB image and its JPEG encoding.
type Decoder func(data []byte) (image.Image, []byte, error)

type Options struct {
	DefaultModel string
	MaxUploadMB  int
}

type Handler struct {
	predictor *service.Predictor
	store     *store.ApprovalStore
	opts      Options
	decode    Decoder
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func New(p *service.Predictor, s *store.ApprovalStore, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 32
	}
	return &Handler{
		predictor: p,
		store:     s,
		opts:      opts,
		decode:    imaging.Decode,
		log:       log,
		upgrader:  newUpgrader(),
	}
}

// WithDecoder replaces the image decoder.
func (h *Handler) WithDecoder(d Decoder) *Handler {
	h.decode = d
	return h
}

func (h *Handler) maxUploadBytes() int64 {
	return int64(h.opts.MaxUploadMB) << 20
}

// Router builds the gin engine with every endpoint mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = h.maxUploadBytes()
	r.Use(gin.Recovery(), RequestLogger(h.log), CORS())

	r.POST("/predict/", h.Predict)
	r.POST("/predict-multiple/", h.PredictMultiple)
	r.POST("/predict-all/", h.PredictAll)
	r.POST("/save-approved/", h.SaveApproved)
	r.GET("/classes/", h.Classes)
	r.GET("/models/", h.Models)
	r.GET("/health/", h.Health)
	r.GET("/version/", h.Version)
	r.GET("/approvals/", h.Approvals)
	r.GET("/ws/predict-all", h.StreamPredictAll)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}
