// Package classify decides whether an invoice PDF is a scanned image or a
// digitally generated document, based on the density of its extractable text
// layer.
package classify

import (
	"bytes"
	"fmt"
	"strings"

	ledong "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/facturanube/facturanube/constants"
)

// DefaultMinCharsPerPage is the text-layer density below which a PDF is
// treated as scanned. Invoices with a real text layer land well above this.
const DefaultMinCharsPerPage = 200

// Result describes one classification pass. Pure data, no side effects.
type Result struct {
	Classification constants.Classification
	PageCount      int
	CharsPerPage   float64
	HasImages      bool
}

// Classifier inspects PDF bytes. Safe to share across goroutines.
type Classifier struct {
	MinCharsPerPage float64
}

func New(minCharsPerPage float64) *Classifier {
	if minCharsPerPage <= 0 {
		minCharsPerPage = DefaultMinCharsPerPage
	}
	return &Classifier{MinCharsPerPage: minCharsPerPage}
}

// Classify never returns an error: a malformed or unreadable PDF yields
// Unknown and the caller picks the fallback (the OCR path degrades gracefully
// on already-text PDFs).
func (c *Classifier) Classify(pdfBytes []byte) Result {
	res := Result{Classification: constants.ClassificationUnknown}

	pageCount, hasImages, structErr := inspectStructure(pdfBytes)
	res.PageCount = pageCount
	res.HasImages = hasImages

	chars, textPages, textErr := textLayerChars(pdfBytes)
	if textErr != nil && structErr != nil {
		return res
	}
	if res.PageCount == 0 {
		res.PageCount = textPages
	}
	if res.PageCount == 0 {
		return res
	}

	res.CharsPerPage = float64(chars) / float64(res.PageCount)
	res.Classification = decide(res.CharsPerPage, c.MinCharsPerPage, res.HasImages)
	return res
}

// decide turns the collected signals into a classification. A scan is a
// page-sized raster per page, so sparse text without a single image stream
// cannot be one; that case stays Unknown and the caller's OCR fallback
// covers both readings.
func decide(charsPerPage, minCharsPerPage float64, hasImages bool) constants.Classification {
	switch {
	case charsPerPage >= minCharsPerPage:
		return constants.ClassificationDigital
	case hasImages:
		return constants.ClassificationScanned
	default:
		return constants.ClassificationUnknown
	}
}

// inspectStructure reads the PDF with pdfcpu for a page count and an
// image-stream signal. Recovers parser panics into errors.
func inspectStructure(pdfBytes []byte) (pages int, hasImages bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf structure inspection panicked: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	ctx, rerr := api.ReadValidateAndOptimize(bytes.NewReader(pdfBytes), conf)
	if rerr != nil {
		return 0, false, fmt.Errorf("pdfcpu read: %w", rerr)
	}
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
			hasImages = true
			break
		}
	}
	return ctx.PageCount, hasImages, nil
}

// textLayerChars counts extractable text-layer characters across all pages.
func textLayerChars(pdfBytes []byte) (chars int, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("text layer read panicked: %v", r)
		}
	}()

	reader, rerr := ledong.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if rerr != nil {
		return 0, 0, fmt.Errorf("open pdf: %w", rerr)
	}

	pages = reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, terr := page.GetPlainText(nil)
		if terr != nil {
			continue
		}
		chars += len(strings.TrimSpace(text))
	}
	return chars, pages, nil
}
