package fields

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturanube/facturanube/internal/entity"
)

// The rule layer. Patterns target the layout of Chilean facturas: RUT in the
// letterhead box, "FACTURA N°", "Fecha Emision", the MONTO NETO / IVA / TOTAL
// summary block. Every rule is a plain regex; no network, no state.

var (
	invoiceNumberRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)FACTURA\s+N[°º*]?\s*(\d+)`),
		regexp.MustCompile(`(?mi)(?:^|\s)N[°º*]\s*(\d+)`),
		regexp.MustCompile(`(?i)N[úu]mero\s+(?:de\s+)?Factura[:\s]*(\d+)`),
	}

	// textual ("06 de Julio del 2023") and numeric (06/07/2023) issue dates
	dateTextualRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Fecha\s+Emisi[oó]n[:\s]+(\d{1,2})\s+de\s+([a-zA-Z]+)\s+del?\s+(\d{4})`),
		regexp.MustCompile(`(?i)Emisi[oó]n[:\s]+(\d{1,2})\s+de\s+([a-zA-Z]+)\s+del?\s+(\d{4})`),
	}
	dateNumericRe = regexp.MustCompile(`(?i)Fecha[:\s]+(\d{1,2})[/-](\d{1,2})[/-](\d{4})`)

	// the emitter name sits on the line(s) after the letterhead R.U.T.
	emitterNameRe = regexp.MustCompile(`(?ms)^R\.?U\.?T.*?\n+\s*([A-ZÁÉÍÓÚÑ][A-ZÁÉÍÓÚÑ\s.]+?)\n`)

	recipientNameRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)SE[ÑN]OR\s*\(?\s*ES\s*\)?\s*[:\s]+([A-ZÁÉÍÓÚÑ][A-ZÁÉÍÓÚÑ\s.]+?)(?:\n|R\.U\.T)`),
		regexp.MustCompile(`(?i)CLIENTE[:\s]+([A-ZÁÉÍÓÚÑ][A-ZÁÉÍÓÚÑ\s.]+?)(?:\n|R\.U\.T)`),
	}

	netRe = regexp.MustCompile(`(?i)MONTO\s+NETO[:\s]*\$?\s*=?\s*([\d.,]+)`)
	taxRe = regexp.MustCompile(`(?i)I\.?V\.?A\.?[:\s]*(?:\d+\s*%)?\s*[:\s]*\$?\s*=?\s*([\d.,]+)`)
	// \b keeps SUBTOTAL lines from matching
	totalRe      = regexp.MustCompile(`(?i)\bTOTAL[:\s]*\$?\s*=?\s*([\d.,]+)`)
	addTaxRe     = regexp.MustCompile(`(?i)IMPUESTO\s+ADICIONAL[:\s]*\$?\s*=?\s*([\d.,]+)`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	// "<description>  <qty> <unit price> <subtotal>" detail rows
	lineItemRe = regexp.MustCompile(`(?m)^\s*(\S.{2,59}?)\s{2,}(\d+(?:[.,]\d+)?)\s+\$?\s*([\d.,]+)\s+\$?\s*([\d.,]+)\s*$`)
)

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

// runRules resolves everything the deterministic layer can see in the text.
func runRules(text string) map[Field]Match {
	out := make(map[Field]Match)

	ruts := findRUTs(text)
	if len(ruts) > 0 {
		out[FieldEmitterRUT] = Match{Value: ruts[0]}
	}
	if len(ruts) > 1 {
		out[FieldRecipientRUT] = Match{Value: ruts[1]}
	}

	for _, re := range invoiceNumberRes {
		if m := re.FindStringSubmatch(text); m != nil {
			out[FieldInvoiceNumber] = Match{Value: m[1]}
			break
		}
	}

	if v, ok := findIssueDate(text); ok {
		out[FieldIssueDate] = Match{Value: v}
	}

	if m := emitterNameRe.FindStringSubmatch(text); m != nil {
		if name := cleanName(m[1]); len(name) > 2 {
			out[FieldEmitterName] = Match{Value: name}
		}
	}
	for _, re := range recipientNameRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if name := cleanName(m[1]); len(name) > 2 {
				out[FieldRecipientName] = Match{Value: name}
				break
			}
		}
	}

	if m := netRe.FindStringSubmatch(text); m != nil {
		out[FieldNet] = Match{Value: m[1]}
	}
	if m := taxRe.FindStringSubmatch(text); m != nil {
		out[FieldTax] = Match{Value: m[1]}
	}
	if m := totalRe.FindStringSubmatch(text); m != nil {
		out[FieldTotal] = Match{Value: m[1]}
	}
	if m := addTaxRe.FindStringSubmatch(text); m != nil {
		out[FieldAdditionalTax] = Match{Value: m[1]}
	}

	return out
}

func findIssueDate(text string) (string, bool) {
	for _, re := range dateTextualRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		month, ok := spanishMonths[strings.ToLower(m[2])]
		if !ok {
			continue
		}
		day, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[3])
		if d, ok := buildDate(year, int(month), day); ok {
			return d, true
		}
	}
	if m := dateNumericRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if d, ok := buildDate(year, month, day); ok {
			return d, true
		}
	}
	return "", false
}

// buildDate rejects rolled-over dates like 31/02.
func buildDate(year, month, day int) (string, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func cleanName(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// parseAmount reads a Chilean peso amount: grouping dots/commas are
// separators, not decimals ("1.190.000" -> 1190000).
func parseAmount(s string) (decimal.Decimal, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parseLineItems pulls detail rows on a best-effort basis; facturas without a
// recognizable table just yield none.
func parseLineItems(text string) []entity.LineItem {
	var items []entity.LineItem
	for _, m := range lineItemRe.FindAllStringSubmatch(text, -1) {
		qty, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", "."))
		if err != nil {
			continue
		}
		unit, ok := parseAmount(m[3])
		if !ok {
			continue
		}
		sub, ok := parseAmount(m[4])
		if !ok {
			continue
		}
		desc := cleanName(m[1])
		if desc == "" || strings.Contains(strings.ToUpper(desc), "TOTAL") {
			continue
		}
		items = append(items, entity.LineItem{
			Description: desc,
			Quantity:    qty,
			UnitPrice:   unit,
			Subtotal:    sub,
		})
	}
	return items
}
