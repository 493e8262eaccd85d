package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	iface "DetCurator/interface"
	"DetCurator/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ApprovedDir    = "approved"
	NotApprovedDir = "not-approved"
	imagesDir      = "images"
	metaExt        = ".txt"
)

// metadata is the sidecar written next to the images directory.
type metadata struct {
	Model      string            `json:"model"`
	Approved   bool              `json:"approved"`
	Detections []iface.Detection `json:"detections"`
}

// ApprovalStore persists curation decisions under root. The catalog is
// optional.
type ApprovalStore struct {
	root    string
	catalog *Catalog
	log     *zap.Logger
}

func NewApprovalStore(root string, catalog *Catalog, log *zap.Logger) *ApprovalStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ApprovalStore{root: root, catalog: catalog, log: log}
}

func (s *ApprovalStore) Root() string { return s.root }

// Catalog returns the attached catalog, or nil.
func (s *ApprovalStore) Catalog() *Catalog { return s.catalog }

// Partition returns the directory a decision lands in.
func (s *ApprovalStore) Partition(approved bool) string {
	if approved {
		return filepath.Join(s.root, ApprovedDir)
	}
	return filepath.Join(s.root, NotApprovedDir)
}

// ImagePath and MetaPath give the final locations for filename.
func (s *ApprovalStore) ImagePath(approved bool, filename string) string {
	return filepath.Join(s.Partition(approved), imagesDir, filename)
}

func (s *ApprovalStore) MetaPath(approved bool, filename string) string {
	return filepath.Join(s.Partition(approved), baseName(filename)+metaExt)
}

// Save validates rec, then stores the image (first write wins) and the
// metadata (last write wins) in the partition chosen by rec.Approved.
func (s *ApprovalStore) Save(ctx context.Context, rec iface.ApprovalRecord) (err error) {
	filename, err := validate(rec)
	if err != nil {
		return err
	}
	approved := *rec.Approved
	defer func() { monitor.ObserveApproval(approved, err) }()

	imgPath := s.ImagePath(approved, filename)
	if err := os.MkdirAll(filepath.Dir(imgPath), 0o755); err != nil {
		return &iface.StorageError{Op: "mkdir", Path: filepath.Dir(imgPath), Err: err}
	}
	stored, err := writeOnce(imgPath, rec.Image)
	if err != nil {
		return err
	}

	dets := rec.Detections
	if dets == nil {
		dets = []iface.Detection{}
	}
	meta, err := json.MarshalIndent(metadata{Model: rec.Model, Approved: approved, Detections: dets}, "", "  ")
	if err != nil {
		return &iface.StorageError{Op: "encode", Path: filename, Err: err}
	}
	metaPath := s.MetaPath(approved, filename)
	if err := replaceFile(metaPath, meta); err != nil {
		return err
	}

	s.log.Info("approval saved",
		zap.String("filename", filename),
		zap.String("model", rec.Model),
		zap.Bool("approved", approved),
		zap.Bool("image_written", stored),
		zap.Int("detections", len(dets)))

	if s.catalog != nil {
		entry := &Entry{
			Filename:   filename,
			Model:      rec.Model,
			Approved:   approved,
			Detections: dets,
			ImagePath:  imgPath,
			MetaPath:   metaPath,
		}
		if cerr := s.catalog.Record(ctx, entry); cerr != nil {
			s.log.Error("catalog append failed", zap.String("filename", filename), zap.Error(cerr))
		}
	}
	return nil
}

func validate(rec iface.ApprovalRecord) (string, error) {
	name := strings.TrimSpace(rec.Filename)
	switch {
	case name == "":
		return "", &iface.ValidationError{Field: "filename", Reason: "is required"}
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return "", &iface.ValidationError{Field: "filename", Reason: "must be a bare file name"}
	case name == "." || name == "..":
		return "", &iface.ValidationError{Field: "filename", Reason: "must be a bare file name"}
	case baseName(name) == "":
		return "", &iface.ValidationError{Field: "filename", Reason: "has an empty base name"}
	}
	if strings.TrimSpace(rec.Model) == "" {
		return "", &iface.ValidationError{Field: "model_name", Reason: "is required"}
	}
	if len(rec.Image) == 0 {
		return "", &iface.ValidationError{Field: "original_image", Reason: "is required"}
	}
	if rec.Approved == nil {
		return "", &iface.ValidationError{Field: "approved", Reason: "is required"}
	}
	for i, d := range rec.Detections {
		if err := validateDetection(d); err != "" {
			return "", &iface.ValidationError{Field: "detections", Reason: fmt.Sprintf("detection %d: %s", i, err)}
		}
	}
	return name, nil
}

func validateDetection(d iface.Detection) string {
	for _, v := range append(d.BBox[:], d.Confidence) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "values must be finite"
		}
	}
	x1, y1, x2, y2 := d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]
	switch {
	case x1 >= x2 || y1 >= y2:
		return "bbox must satisfy x1 < x2 and y1 < y2"
	case d.Confidence < 0 || d.Confidence > 1:
		return "confidence must be within [0, 1]"
	}
	return ""
}

// baseName strips the last extension: "bag.01.jpg" -> "bag.01".
func baseName(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

// writeOnce stores data at path unless a file is already there. The content
// becomes visible in one step through a hard link, so readers never observe
// a partial image. It reports whether this call wrote the file.
func writeOnce(path string, data []byte) (bool, error) {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, &iface.StorageError{Op: "link", Path: path, Err: err}
	}
	return true, nil
}

// replaceFile atomically overwrites path with data.
func replaceFile(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &iface.StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", &iface.StorageError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", &iface.StorageError{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", &iface.StorageError{Op: "sync", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", &iface.StorageError{Op: "close", Path: path, Err: err}
	}
	return path, nil
}
