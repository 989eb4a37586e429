// Package extract turns invoice PDF bytes into per-page text, either through
// the native text layer (digital documents) or page rasterization plus OCR
// (scanned documents).
package extract

import (
	"context"

	"github.com/facturanube/facturanube/constants"
)

// PageText is the extracted text of one page. Pages are 1-based and ordered.
type PageText struct {
	Page int
	Text string
}

// TextExtractor is the pipeline's view of this package.
type TextExtractor interface {
	// Extract dispatches on the classification; unknown documents take the
	// scanned path since OCR degrades gracefully on text PDFs.
	Extract(ctx context.Context, pdfBytes []byte, c constants.Classification) ([]PageText, error)

	// ExtractScanned forces the OCR path, used by the state machine when the
	// digital strategy fails despite a digital classification, and for
	// higher-fidelity retries.
	ExtractScanned(ctx context.Context, pdfBytes []byte, dpi int) ([]PageText, error)
}

// TotalChars sums text length across pages, the field extractor's
// text-density signal.
func TotalChars(pages []PageText) int {
	n := 0
	for _, p := range pages {
		n += len(p.Text)
	}
	return n
}
