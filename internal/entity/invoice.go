package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/facturanube/facturanube/constants"
)

// LineItem is one detail row of an invoice. Order is preserved.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// ExtractedInvoice is the structured result of a completed job. It exists if
// and only if its ProcessingJob reached COMPLETED; it is never written
// partially.
type ExtractedInvoice struct {
	ID            uuid.UUID            `json:"id"`
	JobID         uuid.UUID            `json:"job_id"`
	DocumentID    uuid.UUID            `json:"document_id"`
	EmitterName   string               `json:"emitter_name"`
	EmitterRUT    string               `json:"emitter_rut"`
	RecipientName string               `json:"recipient_name,omitempty"`
	RecipientRUT  string               `json:"recipient_rut,omitempty"`
	InvoiceNumber int64                `json:"invoice_number"`
	IssueDate     time.Time            `json:"issue_date"`
	Net           decimal.Decimal      `json:"net"`
	Tax           decimal.Decimal      `json:"tax"`
	AdditionalTax decimal.Decimal      `json:"additional_tax"`
	Total         decimal.Decimal      `json:"total"`
	Currency      string               `json:"currency"`
	LineItems     []LineItem           `json:"line_items,omitempty"`
	Confidence    constants.Confidence `json:"confidence"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Correction is one human override applied to an ExtractedInvoice. The
// original extracted values are kept as an audit snapshot; a correction never
// re-runs extraction.
type Correction struct {
	ID          uuid.UUID `json:"id"`
	InvoiceID   uuid.UUID `json:"invoice_id"`
	CorrectedBy uuid.UUID `json:"corrected_by"`
	Original    []byte    `json:"original"`  // JSON snapshot before the override
	Corrected   []byte    `json:"corrected"` // JSON snapshot after the override
	CreatedAt   time.Time `json:"created_at"`
}
