package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	iface "DetCurator/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func boolPtr(v bool) *bool { return &v }

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func readMeta(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestSaveKnifeExample(t *testing.T) {
	root := t.TempDir()
	s := NewApprovalStore(root, nil, nil)

	rec := iface.ApprovalRecord{
		Filename: "bag_001.jpg",
		Model:    "yolov5",
		Approved: boolPtr(true),
		Detections: []iface.Detection{
			{Class: "Knife", Confidence: 0.8765, BBox: [4]float64{10.12, 20.46, 110.79, 220}},
		},
		Image: []byte("jpeg-bytes"),
	}
	require.NoError(t, s.Save(context.Background(), rec))

	assert.ElementsMatch(t, []string{"approved/images/bag_001.jpg", "approved/bag_001.txt"}, listFiles(t, root))

	img, err := os.ReadFile(filepath.Join(root, "approved", "images", "bag_001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), img)

	raw, err := os.ReadFile(filepath.Join(root, "approved", "bag_001.txt"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "yolov5",
		"approved": true,
		"detections": [{"class": "Knife", "confidence": 0.8765, "bbox": [10.12, 20.46, 110.79, 220]}]
	}`, string(raw))
	assert.Contains(t, string(raw), "\n  \"model\"")
}

func TestSaveTwiceKeepsFirstImage(t *testing.T) {
	root := t.TempDir()
	s := NewApprovalStore(root, nil, nil)
	ctx := context.Background()

	first := iface.ApprovalRecord{Filename: "x.png", Model: "yolov5", Approved: boolPtr(false), Image: []byte("first")}
	second := iface.ApprovalRecord{Filename: "x.png", Model: "ssd", Approved: boolPtr(false), Image: []byte("second"),
		Detections: []iface.Detection{{Class: "Gun", Confidence: 0.5, BBox: [4]float64{1, 2, 3, 4}}}}
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))

	img, err := os.ReadFile(s.ImagePath(false, "x.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), img)

	meta := readMeta(t, s.MetaPath(false, "x.png"))
	assert.Equal(t, "ssd", meta["model"])
	assert.Equal(t, false, meta["approved"])
	assert.Len(t, meta["detections"], 1)

	assert.ElementsMatch(t, []string{"not-approved/images/x.png", "not-approved/x.txt"}, listFiles(t, root))
}

func TestSaveConcurrentSameFilename(t *testing.T) {
	root := t.TempDir()
	s := NewApprovalStore(root, nil, nil)

	var wg sync.WaitGroup
	payloads := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb"), []byte("cccccccc"), []byte("dddddddd")}
	for _, p := range payloads {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			assert.NoError(t, s.Save(context.Background(), iface.ApprovalRecord{
				Filename: "race.jpg", Model: "m", Approved: boolPtr(true), Image: p,
			}))
		}(p)
	}
	wg.Wait()

	img, err := os.ReadFile(s.ImagePath(true, "race.jpg"))
	require.NoError(t, err)
	assert.Contains(t, payloads, img)
	assert.ElementsMatch(t, []string{"approved/images/race.jpg", "approved/race.txt"}, listFiles(t, root))
}

func TestSavePartitionsAreDisjoint(t *testing.T) {
	root := t.TempDir()
	s := NewApprovalStore(root, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true), Image: []byte("a")}))
	require.NoError(t, s.Save(ctx, iface.ApprovalRecord{Filename: "b.jpg", Model: "m", Approved: boolPtr(false), Image: []byte("b")}))

	assert.ElementsMatch(t, []string{
		"approved/images/a.jpg", "approved/a.txt",
		"not-approved/images/b.jpg", "not-approved/b.txt",
	}, listFiles(t, root))
}

func TestSaveValidation(t *testing.T) {
	cases := []struct {
		name  string
		rec   iface.ApprovalRecord
		field string
	}{
		{"missing approved", iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Image: []byte("x")}, "approved"},
		{"missing filename", iface.ApprovalRecord{Model: "m", Approved: boolPtr(true), Image: []byte("x")}, "filename"},
		{"path traversal", iface.ApprovalRecord{Filename: "../etc/passwd", Model: "m", Approved: boolPtr(true), Image: []byte("x")}, "filename"},
		{"dot dot", iface.ApprovalRecord{Filename: "..", Model: "m", Approved: boolPtr(true), Image: []byte("x")}, "filename"},
		{"backslash", iface.ApprovalRecord{Filename: `a\b.jpg`, Model: "m", Approved: boolPtr(true), Image: []byte("x")}, "filename"},
		{"empty base name", iface.ApprovalRecord{Filename: ".jpg", Model: "m", Approved: boolPtr(true), Image: []byte("x")}, "filename"},
		{"missing model", iface.ApprovalRecord{Filename: "a.jpg", Approved: boolPtr(true), Image: []byte("x")}, "model_name"},
		{"missing image", iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true)}, "original_image"},
		{"zero width box", iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true), Image: []byte("x"),
			Detections: []iface.Detection{{Class: "Knife", Confidence: 0.9, BBox: [4]float64{10, 10, 10, 50}}}}, "detections"},
		{"inverted box", iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true), Image: []byte("x"),
			Detections: []iface.Detection{{Class: "Knife", Confidence: 0.9, BBox: [4]float64{10, 60, 50, 50}}}}, "detections"},
		{"nan confidence", iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true), Image: []byte("x"),
			Detections: []iface.Detection{{Class: "Knife", Confidence: math.NaN(), BBox: [4]float64{1, 2, 3, 4}}}}, "detections"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			s := NewApprovalStore(root, nil, nil)
			err := s.Save(context.Background(), tc.rec)
			require.ErrorIs(t, err, iface.ErrValidation)
			var verr *iface.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.Empty(t, listFiles(t, root))
			entries, _ := os.ReadDir(root)
			assert.Empty(t, entries)
		})
	}
}

func TestSaveStorageError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not dir"), 0o644))

	s := NewApprovalStore(blocker, nil, nil)
	err := s.Save(context.Background(), iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(true), Image: []byte("x")})
	require.ErrorIs(t, err, iface.ErrStorage)
	assert.NotErrorIs(t, err, iface.ErrValidation)
}

func TestSaveRecordsCatalog(t *testing.T) {
	root := t.TempDir()
	cat, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	core, logs := observer.New(zap.InfoLevel)
	s := NewApprovalStore(root, cat, zap.New(core))
	require.NoError(t, s.Save(context.Background(), iface.ApprovalRecord{
		Filename: "bag_001.jpg", Model: "yolov5", Approved: boolPtr(true), Image: []byte("x"),
		Detections: []iface.Detection{{Class: "Knife", Confidence: 0.9, BBox: [4]float64{1, 2, 3, 4}}},
	}))
	assert.Equal(t, 1, logs.FilterMessage("approval saved").Len())

	entries, err := cat.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bag_001.jpg", entries[0].Filename)
	assert.True(t, entries[0].Approved)
	assert.Equal(t, s.ImagePath(true, "bag_001.jpg"), entries[0].ImagePath)
	assert.Equal(t, "Knife", entries[0].Detections[0].Class)
}

func TestSaveCatalogFailureIsLogged(t *testing.T) {
	cat, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	core, logs := observer.New(zap.InfoLevel)
	s := NewApprovalStore(t.TempDir(), cat, zap.New(core))
	err = s.Save(context.Background(), iface.ApprovalRecord{Filename: "a.jpg", Model: "m", Approved: boolPtr(false), Image: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("catalog append failed").Len())
}
