// Package ocr provides the optical character recognition engines used on
// scanned invoice pages: a local tesseract runner and a Google Document AI
// client. The engine is chosen by configuration, never probed at runtime.
package ocr

import (
	"context"
)

// PageResult is the recognition output for one page image. Confidence is a
// mean word confidence in 0..1; currently only logged, reserved for tuning.
type PageResult struct {
	Text       string
	Confidence float32
}

// Engine turns one rendered page image into text.
type Engine interface {
	Recognize(ctx context.Context, imagePath string) (PageResult, error)
	Name() string
}
