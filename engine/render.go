package engine

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"DetCurator/imaging"
	iface "DetCurator/interface"

	"gocv.io/x/gocv"
)

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56},
	{R: 255, G: 157, B: 151},
	{R: 255, G: 112, B: 31},
	{R: 255, G: 178, B: 29},
	{R: 207, G: 210, B: 49},
	{R: 72, G: 249, B: 10},
	{R: 26, G: 147, B: 52},
	{R: 0, G: 212, B: 187},
	{R: 44, G: 153, B: 168},
	{R: 0, G: 194, B: 255},
}

// CVRenderer draws boxes and labels with OpenCV and encodes the result as JPEG.
type CVRenderer struct {
	Thickness int
	FontScale float64
}

func NewCVRenderer() *CVRenderer {
	return &CVRenderer{Thickness: 2, FontScale: 0.5}
}

func (r *CVRenderer) Render(img image.Image, dets []iface.Detection) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	classColor := map[string]color.RGBA{}
	for _, d := range dets {
		c, ok := classColor[d.Class]
		if !ok {
			c = palette[len(classColor)%len(palette)]
			classColor[d.Class] = c
		}
		rect := image.Rect(
			int(math.Round(d.BBox[0])), int(math.Round(d.BBox[1])),
			int(math.Round(d.BBox[2])), int(math.Round(d.BBox[3])),
		)
		if err := gocv.Rectangle(&mat, rect, c, r.Thickness); err != nil {
			return nil, fmt.Errorf("draw rectangle: %w", err)
		}
		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		y := rect.Min.Y - 5
		if y < 10 {
			y = rect.Min.Y + 15
		}
		if err := gocv.PutText(&mat, label, image.Pt(rect.Min.X, y), gocv.FontHersheySimplex, r.FontScale, c, 1); err != nil {
			return nil, fmt.Errorf("draw text: %w", err)
		}
	}
	return imaging.EncodeJPEG(mat)
}
