// Package enhance defines the image-enhancement capability the pipeline
// consumes. The actual enhancement primitives (skew correction, CLAHE,
// denoising) live outside this service; the Scanner only depends on the
// Enhancer interface.
package enhance

import (
	"bytes"
	"context"
)

// Result is the outcome of one enhancement pass.
type Result struct {
	Image   []byte
	Applied []string
}

// Enhancer is the external capability: enhance(image) → (image, applied[]).
type Enhancer interface {
	Enhance(ctx context.Context, image []byte) (Result, error)
}

// PassThrough returns the input unchanged. Used when no enhancement
// backend is configured; the Scanner still produces a usable (if
// unimproved) enhanced-image field.
type PassThrough struct{}

func (PassThrough) Enhance(_ context.Context, image []byte) (Result, error) {
	return Result{Image: image}, nil
}

// Supported image formats by magic number.
var magics = []struct {
	format string
	prefix []byte
}{
	{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"tiff", []byte{'I', 'I', 0x2A, 0x00}},
	{"tiff", []byte{'M', 'M', 0x00, 0x2A}},
	{"webp", []byte{'R', 'I', 'F', 'F'}},
}

// DetectFormat sniffs the image format from its leading bytes.
func DetectFormat(image []byte) (string, bool) {
	for _, m := range magics {
		if bytes.HasPrefix(image, m.prefix) {
			if m.format == "webp" && (len(image) < 12 || !bytes.Equal(image[8:12], []byte("WEBP"))) {
				continue
			}
			return m.format, true
		}
	}
	return "", false
}
