package fields

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/extract"
)

const sampleInvoice = `R.U.T.: 76.123.456-7
COMERCIAL EJEMPLO S.A.
FACTURA N° 4155
Fecha Emision: 06 de Julio del 2023
SEÑOR(ES): DISTRIBUIDORA ANDES LTDA
R.U.T.: 96.543.210-K
MONTO NETO $ 100000
I.V.A. 19% $ 19000
TOTAL $ 119000
`

type fakeAI struct {
	replies map[Field]string
	err     error
	asked   [][]Field
}

func (f *fakeAI) ResolveFields(_ context.Context, _ string, missing []Field) (map[Field]string, error) {
	f.asked = append(f.asked, missing)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[Field]string)
	for _, m := range missing {
		if v, ok := f.replies[m]; ok {
			out[m] = v
		}
	}
	return out, nil
}

func (f *fakeAI) Name() string { return "fake" }

func pagesOf(text string) []extract.PageText {
	return []extract.PageText{{Page: 1, Text: text}}
}

func TestExtractRuleLayer(t *testing.T) {
	e := NewExtractor(nil)

	inv, err := e.Extract(context.Background(), pagesOf(sampleInvoice))
	require.NoError(t, err)

	assert.Equal(t, "76.123.456-7", inv.EmitterRUT)
	assert.Equal(t, "96.543.210-K", inv.RecipientRUT)
	assert.Equal(t, "COMERCIAL EJEMPLO S.A.", inv.EmitterName)
	assert.Equal(t, "DISTRIBUIDORA ANDES LTDA", inv.RecipientName)
	assert.Equal(t, int64(4155), inv.InvoiceNumber)
	assert.Equal(t, "2023-07-06", inv.IssueDate.Format("2006-01-02"))
	assert.True(t, inv.Net.Equal(decimal.NewFromInt(100000)), "net = %s", inv.Net)
	assert.True(t, inv.Tax.Equal(decimal.NewFromInt(19000)), "tax = %s", inv.Tax)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(119000)), "total = %s", inv.Total)
	assert.Equal(t, "CLP", inv.Currency)
	assert.Equal(t, constants.ConfidenceRuleMatched, inv.Confidence)
}

func TestExtractIsDeterministic(t *testing.T) {
	e := NewExtractor(nil)

	first, err := e.Extract(context.Background(), pagesOf(sampleInvoice))
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), pagesOf(sampleInvoice))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtractTotalFromNetPlusTax(t *testing.T) {
	text := strings.Replace(sampleInvoice, "TOTAL $ 119000\n", "", 1)
	e := NewExtractor(nil)

	inv, err := e.Extract(context.Background(), pagesOf(text))
	require.NoError(t, err)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(119000)), "total = %s", inv.Total)
	assert.Equal(t, constants.ConfidenceRuleMatched, inv.Confidence)
}

func TestExtractTotalIgnoresSubtotal(t *testing.T) {
	// the summary block of facturas with detail tables carries a SUBTOTAL
	// line above TOTAL; the total rule must not stop there
	text := strings.Replace(sampleInvoice,
		"TOTAL $ 119000\n",
		"SUBTOTAL $ 100000\nTOTAL $ 119000\n", 1)
	e := NewExtractor(nil)

	inv, err := e.Extract(context.Background(), pagesOf(text))
	require.NoError(t, err)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(119000)), "total = %s", inv.Total)
	assert.Equal(t, constants.ConfidenceRuleMatched, inv.Confidence)
}

func TestExtractMissingMandatoryFields(t *testing.T) {
	t.Run("sparse text is retryable", func(t *testing.T) {
		e := NewExtractor(nil)
		_, err := e.Extract(context.Background(), pagesOf("ilegible"))

		var ff *common.FieldFailure
		require.ErrorAs(t, err, &ff)
		assert.True(t, ff.Retryable)
		assert.Contains(t, ff.MissingFields, "emitter_rut")
		assert.Contains(t, ff.MissingFields, "total_amount")
		assert.Contains(t, ff.MissingFields, "issue_date")
	})

	t.Run("dense text is not retryable", func(t *testing.T) {
		e := NewExtractor(nil)
		text := strings.Repeat("texto sin datos de factura ", 40)
		_, err := e.Extract(context.Background(), pagesOf(text))

		var ff *common.FieldFailure
		require.ErrorAs(t, err, &ff)
		assert.False(t, ff.Retryable)
	})
}

func TestExtractAmountMismatchDemotesConfidence(t *testing.T) {
	text := strings.Replace(sampleInvoice, "TOTAL $ 119000", "TOTAL $ 125000", 1)
	e := NewExtractor(nil)

	inv, err := e.Extract(context.Background(), pagesOf(text))
	require.NoError(t, err)
	assert.Equal(t, constants.ConfidencePartial, inv.Confidence)
}

func TestExtractAILayerFillsGaps(t *testing.T) {
	// strip the date so the rule layer comes up short
	text := strings.Replace(sampleInvoice, "Fecha Emision: 06 de Julio del 2023\n", "", 1)
	ai := &fakeAI{replies: map[Field]string{FieldIssueDate: "2023-07-06"}}
	e := NewExtractor(nil, WithAI(ai))

	inv, err := e.Extract(context.Background(), pagesOf(text))
	require.NoError(t, err)

	assert.Equal(t, "2023-07-06", inv.IssueDate.Format("2006-01-02"))
	assert.Equal(t, constants.ConfidenceHeuristicMatched, inv.Confidence)
	require.Len(t, ai.asked, 1)
	assert.Contains(t, ai.asked[0], FieldIssueDate)
	assert.NotContains(t, ai.asked[0], FieldTotal, "resolved fields must not be re-asked")
}

func TestExtractAIFailureDoesNotSinkRuleResult(t *testing.T) {
	ai := &fakeAI{err: errors.New("model unavailable")}
	e := NewExtractor(nil, WithAI(ai))

	inv, err := e.Extract(context.Background(), pagesOf(sampleInvoice))
	require.NoError(t, err)
	assert.Equal(t, constants.ConfidenceRuleMatched, inv.Confidence)
}

func TestParseLineItems(t *testing.T) {
	text := `DETALLE
SERVICIO DE TRANSPORTE  2 25000 50000
ARRIENDO GRUA  1 50000 50000
TOTAL $ 100000
`
	items := parseLineItems(text)
	require.Len(t, items, 2)
	assert.Equal(t, "SERVICIO DE TRANSPORTE", items[0].Description)
	assert.True(t, items[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, items[0].UnitPrice.Equal(decimal.NewFromInt(25000)))
	assert.True(t, items[0].Subtotal.Equal(decimal.NewFromInt(50000)))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"119000", 119000, true},
		{"119.000", 119000, true},
		{"1.190.000", 1190000, true},
		{"$ 119,000", 119000, true},
		{"", 0, false},
		{"$.", 0, false},
	}
	for _, tt := range tests {
		d, ok := parseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.True(t, d.Equal(decimal.NewFromInt(tt.want)), "%s -> %s", tt.in, d)
		}
	}
}
