package extract

import (
	"bytes"
	"fmt"
	"strings"

	ledong "github.com/ledongthuc/pdf"

	"github.com/facturanube/facturanube/internal/common"
)

// extractDigital pulls the native text layer page by page. An empty result
// despite a digital classification signals a misclassification; the caller
// (the state machine, not this package) falls back to OCR.
func extractDigital(pdfBytes []byte) (pages []PageText, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &common.ExtractionError{
				Stage: "digital",
				Cause: fmt.Errorf("text layer read panicked: %v", r),
			}
		}
	}()

	reader, rerr := ledong.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if rerr != nil {
		return nil, &common.ExtractionError{Stage: "digital", Cause: fmt.Errorf("open pdf: %w", rerr)}
	}

	numPages := reader.NumPage()
	total := 0
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, terr := page.GetPlainText(nil)
		if terr != nil {
			continue
		}
		text = strings.TrimSpace(text)
		total += len(text)
		pages = append(pages, PageText{Page: i, Text: text})
	}

	if total == 0 {
		return nil, &common.ExtractionError{
			Stage: "digital",
			Cause: fmt.Errorf("no text layer despite digital classification (%d pages)", numPages),
		}
	}
	return pages, nil
}
