// Package fields turns extracted invoice text into structured fields. A
// deterministic rule layer runs first; an optional AI layer fills in only
// what the rules could not resolve.
package fields

// Field names the extractable invoice fields. The string values double as
// the keys of the AI layer's JSON reply.
type Field string

const (
	FieldEmitterRUT    Field = "emitter_rut"
	FieldRecipientRUT  Field = "recipient_rut"
	FieldEmitterName   Field = "emitter_name"
	FieldRecipientName Field = "recipient_name"
	FieldInvoiceNumber Field = "invoice_number"
	FieldIssueDate     Field = "issue_date"
	FieldNet           Field = "net_amount"
	FieldTax           Field = "tax_amount"
	FieldAdditionalTax Field = "additional_tax"
	FieldTotal         Field = "total_amount"
)

// allFields is the fixed resolution order; keeps extraction deterministic.
var allFields = []Field{
	FieldEmitterRUT,
	FieldRecipientRUT,
	FieldEmitterName,
	FieldRecipientName,
	FieldInvoiceNumber,
	FieldIssueDate,
	FieldNet,
	FieldTax,
	FieldAdditionalTax,
	FieldTotal,
}

// mandatoryFields must be present for an extraction to succeed.
var mandatoryFields = []Field{FieldEmitterRUT, FieldIssueDate, FieldTotal}

// Origin records which layer produced a field value.
type Origin int

const (
	OriginRule Origin = iota
	OriginAI
)

// Match is one resolved field value, still in string form.
type Match struct {
	Value  string
	Origin Origin
}
