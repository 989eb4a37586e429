package fields

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/extract"
)

// InvoiceExtractor is the pipeline's view of this package.
type InvoiceExtractor interface {
	Extract(ctx context.Context, pages []extract.PageText) (*entity.ExtractedInvoice, error)
}

// Extractor runs the rule layer, then asks the AI layer (when configured)
// for whatever the rules left unresolved. Extraction is deterministic for a
// given text when the AI layer is disabled, and idempotent either way.
type Extractor struct {
	ai           AIClient // nil disables the second layer
	tolerance    decimal.Decimal
	minCharsPage int
	logger       *slog.Logger
}

type ExtractorOption func(*Extractor)

func WithAI(ai AIClient) ExtractorOption {
	return func(e *Extractor) { e.ai = ai }
}

// WithAmountTolerance sets the allowed |net+taxes-total| slack in pesos
// before confidence is demoted.
func WithAmountTolerance(pesos int64) ExtractorOption {
	return func(e *Extractor) { e.tolerance = decimal.NewFromInt(pesos) }
}

// WithMinCharsPerPage sets the text-density floor under which a failed
// extraction is considered retryable (a better OCR pass may help).
func WithMinCharsPerPage(n int) ExtractorOption {
	return func(e *Extractor) { e.minCharsPage = n }
}

func NewExtractor(logger *slog.Logger, opts ...ExtractorOption) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		tolerance:    decimal.NewFromInt(1),
		minCharsPage: 200,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) Extract(ctx context.Context, pages []extract.PageText) (*entity.ExtractedInvoice, error) {
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	text := strings.Join(texts, "\n")

	matches := runRules(text)

	var missing []Field
	for _, f := range allFields {
		if _, ok := matches[f]; !ok {
			missing = append(missing, f)
		}
	}

	if e.ai != nil && len(missing) > 0 {
		resolved, err := e.ai.ResolveFields(ctx, text, missing)
		if err != nil {
			// the AI layer is best effort; a dead model must not sink a
			// document the rules already covered
			e.logger.Warn("ai field resolution failed", "ai", e.ai.Name(), "error", err)
		}
		for f, v := range resolved {
			matches[f] = Match{Value: v, Origin: OriginAI}
		}
	}

	// a total can be reconstructed from the summary block
	if _, ok := matches[FieldTotal]; !ok {
		if net, nok := amountOf(matches, FieldNet); nok {
			if tax, tok := amountOf(matches, FieldTax); tok {
				matches[FieldTotal] = Match{Value: net.Add(tax).String(), Origin: matches[FieldNet].Origin}
			}
		}
	}

	if err := e.checkMandatory(matches, pages); err != nil {
		return nil, err
	}

	inv := e.build(matches, text)
	e.logger.Debug("fields extracted",
		"confidence", inv.Confidence,
		"emitter_rut", inv.EmitterRUT,
		"total", inv.Total,
		"line_items", len(inv.LineItems),
	)
	return inv, nil
}

func (e *Extractor) checkMandatory(matches map[Field]Match, pages []extract.PageText) error {
	var missing []string
	for _, f := range mandatoryFields {
		if !e.usable(f, matches) {
			missing = append(missing, string(f))
		}
	}
	if len(missing) == 0 {
		return nil
	}

	// sparse text means the document was probably badly OCRed; a retry at
	// higher fidelity can change the outcome, rich text cannot
	perPage := 0
	if len(pages) > 0 {
		perPage = extract.TotalChars(pages) / len(pages)
	}
	return &common.FieldFailure{
		MissingFields: missing,
		Retryable:     perPage < e.minCharsPage,
	}
}

// usable reports whether the field is present and parseable.
func (e *Extractor) usable(f Field, matches map[Field]Match) bool {
	m, ok := matches[f]
	if !ok {
		return false
	}
	switch f {
	case FieldIssueDate:
		_, err := time.Parse("2006-01-02", m.Value)
		return err == nil
	case FieldNet, FieldTax, FieldAdditionalTax, FieldTotal:
		_, ok := parseAmount(m.Value)
		return ok
	case FieldEmitterRUT, FieldRecipientRUT:
		return WellFormedRUT(NormalizeRUT(m.Value))
	default:
		return m.Value != ""
	}
}

func (e *Extractor) build(matches map[Field]Match, text string) *entity.ExtractedInvoice {
	inv := &entity.ExtractedInvoice{Currency: "CLP"}

	fromAI := false
	get := func(f Field) (string, bool) {
		m, ok := matches[f]
		if !ok {
			return "", false
		}
		if m.Origin == OriginAI {
			fromAI = true
		}
		return m.Value, true
	}

	if v, ok := get(FieldEmitterRUT); ok {
		rut := NormalizeRUT(v)
		inv.EmitterRUT = FormatRUT(rut)
		if !ValidateRUT(rut) {
			e.logger.Debug("emitter RUT fails módulo-11", "rut", inv.EmitterRUT)
		}
	}
	if v, ok := get(FieldRecipientRUT); ok {
		if rut := NormalizeRUT(v); WellFormedRUT(rut) {
			inv.RecipientRUT = FormatRUT(rut)
		}
	}
	if v, ok := get(FieldEmitterName); ok {
		inv.EmitterName = v
	}
	if v, ok := get(FieldRecipientName); ok {
		inv.RecipientName = v
	}
	if v, ok := get(FieldInvoiceNumber); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			inv.InvoiceNumber = n
		}
	}
	if v, ok := get(FieldIssueDate); ok {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			inv.IssueDate = t
		}
	}
	if v, ok := get(FieldNet); ok {
		if d, pok := parseAmount(v); pok {
			inv.Net = d
		}
	}
	if v, ok := get(FieldTax); ok {
		if d, pok := parseAmount(v); pok {
			inv.Tax = d
		}
	}
	if v, ok := get(FieldAdditionalTax); ok {
		if d, pok := parseAmount(v); pok {
			inv.AdditionalTax = d
		}
	}
	if v, ok := get(FieldTotal); ok {
		if d, pok := parseAmount(v); pok {
			inv.Total = d
		}
	}

	inv.LineItems = parseLineItems(text)

	inv.Confidence = constants.ConfidenceRuleMatched
	if fromAI {
		inv.Confidence = constants.ConfidenceHeuristicMatched
	}

	// cross-validate the summary block when all three amounts are known
	if !inv.Net.IsZero() && !inv.Tax.IsZero() && !inv.Total.IsZero() {
		want := inv.Net.Add(inv.Tax).Add(inv.AdditionalTax)
		if want.Sub(inv.Total).Abs().GreaterThan(e.tolerance) {
			e.logger.Warn("amount cross-check failed",
				"net", inv.Net, "tax", inv.Tax,
				"additional_tax", inv.AdditionalTax,
				"total", inv.Total,
			)
			inv.Confidence = constants.ConfidencePartial
		}
	}

	return inv
}

func amountOf(matches map[Field]Match, f Field) (decimal.Decimal, bool) {
	m, ok := matches[f]
	if !ok {
		return decimal.Zero, false
	}
	return parseAmount(m.Value)
}
