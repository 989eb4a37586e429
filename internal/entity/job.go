package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/facturanube/facturanube/constants"
)

// StageError is the structured last_error recorded on a job. Cleared when the
// failed stage later succeeds.
type StageError struct {
	Stage     constants.Stage `json:"stage"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// ProcessingJob tracks one pass of the pipeline over an InvoiceDocument.
// Owned by the state machine; mutated only through repository transitions.
type ProcessingJob struct {
	ID              uuid.UUID                `json:"id"`
	DocumentID      uuid.UUID                `json:"document_id"`
	TenantID        uuid.UUID                `json:"tenant_id"`
	Status          constants.JobStatus      `json:"status"`
	Classification  constants.Classification `json:"classification"`
	AttemptCount    int                      `json:"attempt_count"`
	LastError       *StageError              `json:"last_error,omitempty"`
	CancelRequested bool                     `json:"cancel_requested"`
	RawText         *string                  `json:"raw_text,omitempty"`
	ExtractionMS    *int64                   `json:"extraction_ms,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}
