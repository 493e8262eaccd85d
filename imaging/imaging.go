package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gocv.io/x/gocv"
)

var ErrEmptyImage = errors.New("decoded image is empty or unsupported format")

// DecodeMat decodes an encoded image (jpeg, png, bmp, webp...) into a BGR Mat.
// The caller owns the returned Mat.
func DecodeMat(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), ErrEmptyImage
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), ErrEmptyImage
	}
	return mat, nil
}

// EncodeJPEG encodes mat as JPEG and copies the bytes out of the native buffer.
func EncodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// Decode turns uploaded bytes into an RGB image plus the bytes to keep as the
// original: JPEG and PNG uploads are kept as sent, other formats are
// re-encoded as JPEG.
func Decode(data []byte) (image.Image, []byte, error) {
	mat, err := DecodeMat(data)
	if err != nil {
		return nil, nil, err
	}
	defer mat.Close()

	img, err := mat.ToImage()
	if err != nil {
		return nil, nil, fmt.Errorf("convert to image: %w", err)
	}
	if keepAsSent(data) {
		return img, bytes.Clone(data), nil
	}
	original, err := EncodeJPEG(mat)
	if err != nil {
		return nil, nil, fmt.Errorf("encode original: %w", err)
	}
	return img, original, nil
}

func keepAsSent(data []byte) bool {
	mime := mimetype.Detect(data)
	return mime.Is("image/jpeg") || mime.Is("image/png")
}

// DecodeBase64 accepts plain base64 or a data URL ("data:image/jpeg;base64,...").
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	if s == "" {
		return nil, errors.New("empty base64 payload")
	}
	return base64.StdEncoding.DecodeString(s)
}
