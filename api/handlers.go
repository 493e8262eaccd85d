package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"runtime"
	"strconv"

	"DetCurator/imaging"
	iface "DetCurator/interface"
	"DetCurator/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// modelParam reads model_name from the form, then the query string, then
// falls back to the configured default.
func (h *Handler) modelParam(c *gin.Context) string {
	if name := c.PostForm("model_name"); name != "" {
		return name
	}
	if name := c.Query("model_name"); name != "" {
		return name
	}
	return h.opts.DefaultModel
}

func uploadedFiles(c *gin.Context) ([]*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("multipart form: %w", err)
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		return nil, errors.New(`no files uploaded under "files"`)
	}
	return files, nil
}

func (h *Handler) readFrame(fh *multipart.FileHeader) (iface.Frame, error) {
	f, err := fh.Open()
	if err != nil {
		return iface.Frame{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes()+1))
	if err != nil {
		return iface.Frame{}, err
	}
	if int64(len(data)) > h.maxUploadBytes() {
		return iface.Frame{}, fmt.Errorf("file exceeds %d MB", h.opts.MaxUploadMB)
	}
	img, original, err := h.decode(data)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("decode image: %w", err)
	}
	return iface.Frame{Filename: fh.Filename, Image: img, Original: original}, nil
}

func errorJSON(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}

// Predict runs one model over every uploaded file.
func (h *Handler) Predict(c *gin.Context) {
	h.predictFiles(c, "image_base64")
}

// PredictMultiple is Predict with the rendered image under
// "rendered_image_base64", for clients of the older batch endpoint.
func (h *Handler) PredictMultiple(c *gin.Context) {
	h.predictFiles(c, "rendered_image_base64")
}

func (h *Handler) predictFiles(c *gin.Context, imageKey string) {
	files, err := uploadedFiles(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	model := h.modelParam(c)
	if _, err := h.predictor.Lookup(model); err != nil {
		errorJSON(c, http.StatusNotFound, err)
		return
	}

	out := make([]gin.H, 0, len(files))
	for _, fh := range files {
		frame, err := h.readFrame(fh)
		if err != nil {
			out = append(out, gin.H{"filename": fh.Filename, "model_name": model, "error": err.Error()})
			continue
		}
		res := h.predictor.PredictOne(c.Request.Context(), frame, model)
		if res.Failed() {
			out = append(out, gin.H{"filename": fh.Filename, "model_name": model, "error": res.Err})
			continue
		}
		dets := res.Detections
		if dets == nil {
			dets = []iface.Detection{}
		}
		out = append(out, gin.H{
			"filename":   fh.Filename,
			"model_name": model,
			"detections": dets,
			imageKey:     base64.StdEncoding.EncodeToString(res.Rendered),
		})
	}
	c.JSON(http.StatusOK, out)
}

// PredictAll runs every loaded model over every uploaded file.
func (h *Handler) PredictAll(c *gin.Context) {
	files, err := uploadedFiles(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	out := make([]any, 0, len(files))
	for _, fh := range files {
		frame, err := h.readFrame(fh)
		if err != nil {
			out = append(out, gin.H{"filename": fh.Filename, "error": err.Error()})
			continue
		}
		out = append(out, h.predictor.PredictAll(c.Request.Context(), frame))
	}
	c.JSON(http.StatusOK, out)
}

type saveRequest struct {
	Filename      string          `json:"filename"`
	ModelName     string          `json:"model_name"`
	OriginalImage string          `json:"original_image"`
	Detections    []saveDetection `json:"detections"`
	Approved      *bool           `json:"approved"`
}

// saveDetection takes bbox as a slice so a wrong arity is reported instead of
// being padded or truncated into [4]float64.
type saveDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

func toDetections(in []saveDetection) ([]iface.Detection, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]iface.Detection, 0, len(in))
	for i, d := range in {
		if len(d.BBox) != 4 {
			return nil, &iface.ValidationError{
				Field:  "detections",
				Reason: fmt.Sprintf("detection %d: bbox must have 4 values, got %d", i, len(d.BBox)),
			}
		}
		out = append(out, iface.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       [4]float64{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
		})
	}
	return out, nil
}

// SaveApproved persists one curation decision.
func (h *Handler) SaveApproved(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.saveFailed(c, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	dets, err := toDetections(req.Detections)
	if err != nil {
		h.saveFailed(c, http.StatusBadRequest, err)
		return
	}
	rec := iface.ApprovalRecord{
		Filename:   req.Filename,
		Model:      req.ModelName,
		Approved:   req.Approved,
		Detections: dets,
	}
	if req.OriginalImage != "" {
		img, err := base64DecodeImage(req.OriginalImage)
		if err != nil {
			h.saveFailed(c, http.StatusBadRequest, err)
			return
		}
		rec.Image = img
	}

	err = h.store.Save(c.Request.Context(), rec)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, iface.ErrValidation):
		h.saveFailed(c, http.StatusBadRequest, err)
	default:
		h.log.Error("approval not saved", zap.String("filename", req.Filename), zap.Error(err))
		h.saveFailed(c, http.StatusInternalServerError, err)
	}
}

func base64DecodeImage(s string) ([]byte, error) {
	img, err := imaging.DecodeBase64(s)
	if err != nil {
		return nil, &iface.ValidationError{Field: "original_image", Reason: err.Error()}
	}
	return img, nil
}

func (h *Handler) saveFailed(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

// Classes returns the label table of one model.
func (h *Handler) Classes(c *gin.Context) {
	name := h.modelParam(c)
	m, err := h.predictor.Lookup(name)
	if err != nil {
		errorJSON(c, http.StatusNotFound, err)
		return
	}
	classes := m.Classes()
	if classes == nil {
		classes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"model": name, "classes": classes})
}

// Models describes every loaded model.
func (h *Handler) Models(c *gin.Context) {
	names := h.predictor.Models()
	infos := make([]iface.ModelInfo, 0, len(names))
	for _, name := range names {
		m, err := h.predictor.Lookup(name)
		if err != nil {
			continue
		}
		infos = append(infos, m.Info())
	}
	c.JSON(http.StatusOK, infos)
}

func (h *Handler) Health(c *gin.Context) {
	names := h.predictor.Models()
	status := "ok"
	if len(names) == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "models_loaded": names})
}

func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api_version":      APIVersion,
		"go_version":       runtime.Version(),
		"gocv_version":     gocv.Version(),
		"opencv_version":   gocv.OpenCVVersion(),
		"models_available": h.predictor.Models(),
	})
}

// Approvals lists catalogued decisions, newest first.
func (h *Handler) Approvals(c *gin.Context) {
	cat := h.store.Catalog()
	if cat == nil {
		errorJSON(c, http.StatusServiceUnavailable, errors.New("approval catalog is disabled"))
		return
	}
	f := store.Filter{Model: c.Query("model_name"), Limit: 100}
	if v := c.Query("approved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, fmt.Errorf("approved: %w", err))
			return
		}
		f.Approved = &b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer, got %q", v))
			return
		}
		f.Limit = n
	}
	entries, err := cat.List(c.Request.Context(), f)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
