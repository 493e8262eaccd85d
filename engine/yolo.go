package engine

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sort"

	iface "DetCurator/interface"

	"github.com/nfnt/resize"
)

const (
	LayoutYOLOv5 = "yolov5" // [1, N, 5+C]: cx, cy, w, h, obj, class scores
	LayoutYOLOv8 = "yolov8" // [1, 4+C, N]: cx, cy, w, h, class scores
)

// letterbox is the transform between the original image and the square
// network input.
type letterbox struct {
	scale      float64
	padX, padY float64
	width      float64
	height     float64
}

// preprocess letterboxes img into a size×size RGB canvas and returns it as a
// CHW float32 tensor scaled to [0,1].
func preprocess(img image.Image, size int) ([]float32, letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	padX, padY := (size-nw)/2, (size-nh)/2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.RGBA{R: 114, G: 114, B: 114, A: 255}}, image.Point{}, draw.Src)
	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	draw.Draw(canvas, image.Rect(padX, padY, padX+nw, padY+nh), resized, resized.Bounds().Min, draw.Src)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			p := row[x*4:]
			data[i] = float32(p[0]) / 255
			data[plane+i] = float32(p[1]) / 255
			data[2*plane+i] = float32(p[2]) / 255
		}
	}
	return data, letterbox{
		scale:  scale,
		padX:   float64(padX),
		padY:   float64(padY),
		width:  float64(w),
		height: float64(h),
	}
}

// toOriginal maps a network-space box back to original pixel coordinates.
func (lb letterbox) toOriginal(cx, cy, bw, bh float64) (x1, y1, x2, y2 float64) {
	x1 = clampF((cx-bw/2-lb.padX)/lb.scale, 0, lb.width)
	y1 = clampF((cy-bh/2-lb.padY)/lb.scale, 0, lb.height)
	x2 = clampF((cx+bw/2-lb.padX)/lb.scale, 0, lb.width)
	y2 = clampF((cy+bh/2-lb.padY)/lb.scale, 0, lb.height)
	return
}

// decodeYOLO turns a raw YOLO output tensor (batch 1) into candidate boxes
// above conf. dims is the output shape without the batch axis.
func decodeYOLO(out []float32, dims [2]int, layout string, numClasses int, conf float32, lb letterbox) ([]iface.RawBox, error) {
	var rows, attrs int
	var at func(row, attr int) float32
	switch layout {
	case LayoutYOLOv5:
		rows, attrs = dims[0], dims[1]
		at = func(r, a int) float32 { return out[r*attrs+a] }
	case LayoutYOLOv8:
		attrs, rows = dims[0], dims[1]
		at = func(r, a int) float32 { return out[a*rows+r] }
	default:
		return nil, fmt.Errorf("unknown output layout %q", layout)
	}
	if rows*attrs > len(out) {
		return nil, fmt.Errorf("output has %d values, shape needs %d", len(out), rows*attrs)
	}

	first := 4
	if layout == LayoutYOLOv5 {
		first = 5
	}
	classes := attrs - first
	if classes <= 0 {
		return nil, fmt.Errorf("output has %d attributes, no room for class scores", attrs)
	}
	if numClasses > 0 && numClasses != classes {
		return nil, fmt.Errorf("model predicts %d classes, label table has %d", classes, numClasses)
	}

	var boxes []iface.RawBox
	for r := 0; r < rows; r++ {
		obj := float32(1)
		if layout == LayoutYOLOv5 {
			obj = at(r, 4)
			if obj < conf {
				continue
			}
		}
		best, bestScore := 0, float32(0)
		for c := 0; c < classes; c++ {
			if s := at(r, first+c); s > bestScore {
				best, bestScore = c, s
			}
		}
		score := obj * bestScore
		if score < conf {
			continue
		}
		x1, y1, x2, y2 := lb.toOriginal(float64(at(r, 0)), float64(at(r, 1)), float64(at(r, 2)), float64(at(r, 3)))
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		boxes = append(boxes, iface.RawBox{X1: x1, Y1: y1, X2: x2, Y2: y2, Conf: float64(score), Class: best})
	}
	return boxes, nil
}

// nms runs class-wise non-maximum suppression and returns the survivors in
// descending confidence order.
func nms(boxes []iface.RawBox, iou float32) []iface.RawBox {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Conf > boxes[j].Conf })
	kept := make([]iface.RawBox, 0, len(boxes))
	suppressed := make([]bool, len(boxes))
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if !suppressed[j] && boxes[j].Class == boxes[i].Class && overlap(boxes[i], boxes[j]) > float64(iou) {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func overlap(a, b iface.RawBox) float64 {
	ix := min(a.X2, b.X2) - max(a.X1, b.X1)
	iy := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
