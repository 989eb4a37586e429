package entity

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceDocument represents an uploaded PDF for data transfer between layers.
// Immutable after creation except the storage reference, which is finalized
// once the blob store accepts the bytes.
type InvoiceDocument struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	UploadedBy  uuid.UUID `json:"uploaded_by"`
	Filename    string    `json:"filename"`
	StorageRef  string    `json:"storage_ref"`
	ContentHash []byte    `json:"content_hash"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
