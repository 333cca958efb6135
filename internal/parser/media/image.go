// Package media prepares plant photographs for upload.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
)

// DefaultMaxDimension bounds the longest edge of an uploaded image.
const DefaultMaxDimension = 1920

// DefaultJPEGQuality is used when an image has to be re-encoded.
const DefaultJPEGQuality = 82

// Prepared is an image ready for the image store.
type Prepared struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Resized     bool
}

// Preparer validates and downsizes images before upload.
type Preparer struct {
	maxDimension int
	jpegQuality  int
}

// NewPreparer creates a Preparer. A non-positive maxDimension uses the default.
func NewPreparer(maxDimension int) *Preparer {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Preparer{
		maxDimension: maxDimension,
		jpegQuality:  DefaultJPEGQuality,
	}
}

// DetectContentType returns the MIME type of data.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsImage reports whether data looks like an image payload.
func IsImage(data []byte) bool {
	return strings.HasPrefix(DetectContentType(data), "image/")
}

// Prepare checks that data is an image and shrinks it so the longest edge is
// at most the configured dimension. Images that are already small enough, or
// that decode with an unsupported codec, pass through untouched.
func (p *Preparer) Prepare(name string, data []byte) (*Prepared, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("image %q is empty", name))
	}

	contentType := DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("file %q is %s, not an image", name, contentType))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		// e.g. HEIC: the image store can still accept the original bytes
		return &Prepared{Data: data, ContentType: contentType}, nil
	}

	bounds := img.Bounds()
	if bounds.Dx() <= p.maxDimension && bounds.Dy() <= p.maxDimension {
		return &Prepared{
			Data:        data,
			ContentType: contentType,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
		}, nil
	}

	resized := imaging.Fit(img, p.maxDimension, p.maxDimension, imaging.Lanczos)
	out, outType, err := p.encode(resized, contentType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode resized image", err)
	}

	return &Prepared{
		Data:        out,
		ContentType: outType,
		Width:       resized.Bounds().Dx(),
		Height:      resized.Bounds().Dy(),
		Resized:     true,
	}, nil
}

// encode writes img as PNG when the source was PNG, otherwise as JPEG.
func (p *Preparer) encode(img image.Image, sourceType string) ([]byte, string, error) {
	var buf bytes.Buffer
	if sourceType == "image/png" {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}

	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.jpegQuality)); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
