package fields

import (
	"regexp"
	"strings"
)

// rutCandidateRe tolerates the characters OCR routinely confuses inside
// Chilean tax ids (0/O, 1/I, 1/l); NormalizeRUT repairs them afterwards.
var rutCandidateRe = regexp.MustCompile(`[\dOIl]{1,2}\.[\dOIl]{3}\.[\dOIl]{3}\s*-\s*[\dkKOIl]|[\dOIl]{7,8}\s*-\s*[\dkKOIl]`)

var rutOCRReplacer = strings.NewReplacer("O", "0", "o", "0", "I", "1", "l", "1")

// NormalizeRUT repairs OCR character confusion, strips grouping dots and
// spaces, and upper-cases the verifier: "76.123.456- 7" -> "76123456-7".
func NormalizeRUT(raw string) string {
	s := rutOCRReplacer.Replace(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ToUpper(s)
	return s
}

// FormatRUT renders a normalized RUT in the canonical dotted form:
// "76123456-7" -> "76.123.456-7".
func FormatRUT(normalized string) string {
	body, dv, ok := splitRUT(normalized)
	if !ok {
		return normalized
	}
	var groups []string
	for len(body) > 3 {
		groups = append([]string{body[len(body)-3:]}, groups...)
		body = body[:len(body)-3]
	}
	groups = append([]string{body}, groups...)
	return strings.Join(groups, ".") + "-" + dv
}

// ValidateRUT checks the módulo-11 verifier digit of a normalized RUT.
func ValidateRUT(normalized string) bool {
	body, dv, ok := splitRUT(normalized)
	if !ok {
		return false
	}

	sum := 0
	mul := 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * mul
		if mul < 7 {
			mul++
		} else {
			mul = 2
		}
	}

	mod := sum % 11
	want := "0"
	switch 11 - mod {
	case 11:
		want = "0"
	case 10:
		want = "K"
	default:
		want = string(rune('0' + 11 - mod))
	}
	return dv == want
}

func splitRUT(normalized string) (body, dv string, ok bool) {
	normalized = strings.ReplaceAll(normalized, "-", "")
	if len(normalized) < 2 || len(normalized) > 9 {
		return "", "", false
	}
	body, dv = normalized[:len(normalized)-1], normalized[len(normalized)-1:]
	for _, r := range body {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	if dv != "K" && (dv[0] < '0' || dv[0] > '9') {
		return "", "", false
	}
	return body, dv, true
}

// WellFormedRUT reports whether a normalized RUT has the right shape. The
// checksum is deliberately not required here: real invoices carry RUTs that
// fail módulo-11, and extraction must not lose them.
func WellFormedRUT(normalized string) bool {
	_, _, ok := splitRUT(normalized)
	return ok
}

// findRUTs returns all distinct well-formed RUTs in document order,
// normalized. The first is conventionally the emitter, the second the
// recipient (Chilean invoices put the emitter's RUT in the letterhead).
func findRUTs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range rutCandidateRe.FindAllString(text, -1) {
		rut := NormalizeRUT(m)
		if seen[rut] || !WellFormedRUT(rut) {
			continue
		}
		seen[rut] = true
		out = append(out, rut)
	}
	return out
}
