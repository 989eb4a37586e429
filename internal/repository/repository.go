// Package repository persists documents, jobs and extraction results. Job
// status changes go through compare-and-swap transitions so that concurrent
// workers and the recovery sweep can never both advance the same job.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/entity"
)

// ErrStaleTransition means the job was not in the expected status: another
// writer got there first. The caller must re-read the job and decide.
var ErrStaleTransition = errors.New("job status changed underneath transition")

// ErrActiveJobExists means the document already has a non-terminal job. The
// idx_jobs_active_document partial unique index enforces this, so concurrent
// creators race on the insert rather than on a read.
var ErrActiveJobExists = errors.New("document already has an active job")

// TransitionUpdate carries the optional column updates applied together with
// a status transition.
type TransitionUpdate struct {
	Classification   *constants.Classification
	LastError        *entity.StageError
	ClearError       bool
	IncrementAttempt bool
	RawText          *string
	ExtractionMS     *int64
}

// CorrectionRequest is a full corrected invoice plus who corrected it.
type CorrectionRequest struct {
	InvoiceID   uuid.UUID
	CorrectedBy uuid.UUID
	Corrected   *entity.ExtractedInvoice
}

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.InvoiceDocument) error
	Get(ctx context.Context, id uuid.UUID) (*entity.InvoiceDocument, error)
	// FindByHash looks up a prior upload of identical bytes for the tenant.
	// Returns nil without error when there is none.
	FindByHash(ctx context.Context, tenantID uuid.UUID, hash []byte) (*entity.InvoiceDocument, error)
}

type JobRepository interface {
	Create(ctx context.Context, job *entity.ProcessingJob) error
	Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingJob, error)
	GetByDocument(ctx context.Context, documentID uuid.UUID) (*entity.ProcessingJob, error)

	// Transition moves the job from one status to another atomically,
	// returning ErrStaleTransition when the job is no longer in "from".
	Transition(ctx context.Context, id uuid.UUID, from, to constants.JobStatus, upd TransitionUpdate) error

	// RequestCancel flags a non-terminal job for cancellation. The running
	// stage finishes; the state machine honors the flag at the next
	// transition. Reports whether the flag was set.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)

	// ListByStatus returns the oldest jobs in a status, for pickup.
	ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.ProcessingJob, error)

	// RequeueStuck moves jobs that sat in an in-progress status past the
	// cutoff back to RETRY_PENDING and returns their ids. Covers workers
	// that died mid-stage.
	RequeueStuck(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

type InvoiceRepository interface {
	// CreateWithCompletion inserts the invoice and moves its job from
	// fromStatus to COMPLETED in one transaction. Either both happen or
	// neither does; ErrStaleTransition rolls the insert back.
	CreateWithCompletion(ctx context.Context, inv *entity.ExtractedInvoice, fromStatus constants.JobStatus, upd TransitionUpdate) error

	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractedInvoice, error)
	GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.ExtractedInvoice, error)
	List(ctx context.Context, tenantID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.ExtractedInvoice, error)

	// ApplyCorrection overwrites invoice fields with the corrected values
	// and records before/after snapshots in the audit table, atomically.
	ApplyCorrection(ctx context.Context, req *CorrectionRequest) (*entity.ExtractedInvoice, error)
	ListCorrections(ctx context.Context, invoiceID uuid.UUID) ([]*entity.Correction, error)
}

// Repositories bundles the three stores a backend provides.
type Repositories struct {
	Documents DocumentRepository
	Jobs      JobRepository
	Invoices  InvoiceRepository
}
