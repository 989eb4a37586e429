// Package service is the application facade: uploads, status, corrections
// and listings. Entry points (CLI, HTTP handlers) call this, never the
// repositories directly.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/blobstore"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/fields"
	"github.com/facturanube/facturanube/internal/repository"
	"github.com/facturanube/facturanube/internal/worker"
)

var pdfMagic = []byte("%PDF-")

type Service struct {
	blobs  blobstore.Store
	repos  *repository.Repositories
	queue  worker.Queue
	logger *slog.Logger
}

func NewService(blobs blobstore.Store, repos *repository.Repositories, queue worker.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{blobs: blobs, repos: repos, queue: queue, logger: logger}
}

type UploadRequest struct {
	TenantID   uuid.UUID
	UploadedBy uuid.UUID
	Filename   string
	Data       []byte
}

type UploadResult struct {
	DocumentID uuid.UUID
	JobID      uuid.UUID
	// DuplicateOf points at an earlier document with identical bytes for the
	// same tenant. Advisory: the upload still goes through.
	DuplicateOf uuid.UUID
}

// Upload stores the PDF, registers the document, and queues a processing
// job. The blob write happens first; if it fails nothing is recorded.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.TenantID == uuid.Nil || req.UploadedBy == uuid.Nil {
		return nil, common.WrapError(common.ErrInvalidInput, "tenant_id and uploaded_by are required")
	}
	if len(req.Data) == 0 {
		return nil, common.WrapError(common.ErrInvalidInput, "empty document")
	}
	if !bytes.HasPrefix(req.Data, pdfMagic) {
		return nil, common.WrapError(common.ErrInvalidInput, "document is not a PDF")
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "factura.pdf"
	}

	hash := sha256.Sum256(req.Data)
	res := &UploadResult{DocumentID: uuid.New(), JobID: uuid.New()}

	if prior, err := s.repos.Documents.FindByHash(ctx, req.TenantID, hash[:]); err == nil && prior != nil {
		s.logger.Info("duplicate upload detected",
			"tenant_id", req.TenantID, "prior_document_id", prior.ID)
		res.DuplicateOf = prior.ID
	}

	ref, err := s.blobs.Put(ctx, req.TenantID, res.DocumentID, req.Data)
	if err != nil {
		s.logger.Error("blob store rejected upload", "tenant_id", req.TenantID, "error", err)
		return nil, err
	}

	doc := &entity.InvoiceDocument{
		ID:          res.DocumentID,
		TenantID:    req.TenantID,
		UploadedBy:  req.UploadedBy,
		Filename:    filename,
		StorageRef:  ref,
		ContentHash: hash[:],
	}
	if err := s.repos.Documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	job := &entity.ProcessingJob{
		ID:             res.JobID,
		DocumentID:     res.DocumentID,
		TenantID:       req.TenantID,
		Status:         constants.JobStatusUploaded,
		Classification: constants.ClassificationUnknown,
	}
	if err := s.repos.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	// a full queue is fine, the sweep picks the job up from UPLOADED
	if err := s.queue.Enqueue(ctx, worker.Task{JobID: res.JobID}); err != nil && !errors.Is(err, worker.ErrQueueFull) {
		s.logger.Warn("enqueue failed, job will be swept", "job_id", res.JobID, "error", err)
	}

	s.logger.Info("document uploaded",
		"tenant_id", req.TenantID, "document_id", res.DocumentID,
		"job_id", res.JobID, "bytes", len(req.Data),
	)
	return res, nil
}

type StatusResult struct {
	JobID      uuid.UUID
	DocumentID uuid.UUID
	// State is the user-visible status; retry mechanics stay internal.
	State  string
	Detail string
	// Invoice is set once the job completed.
	Invoice *entity.ExtractedInvoice
}

func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*StatusResult, error) {
	job, err := s.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		State:      job.Status.UserVisible(),
	}
	if job.Status == constants.JobStatusFailed && job.LastError != nil {
		res.Detail = job.LastError.Message
	}
	if job.Status == constants.JobStatusCompleted {
		inv, err := s.repos.Invoices.GetByJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		res.Invoice = inv
	}
	return res, nil
}

// Cancel flags the job; the running stage finishes before the flag is
// honored. Reports whether there was anything left to cancel.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	ok, err := s.repos.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("cancellation requested", "job_id", jobID)
	}
	return ok, nil
}

// Reprocess opens a fresh job over an already-stored document. The previous
// job and its result, if any, are left untouched.
func (s *Service) Reprocess(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	doc, err := s.repos.Documents.Get(ctx, documentID)
	if err != nil {
		return uuid.Nil, err
	}

	job := &entity.ProcessingJob{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		TenantID:       doc.TenantID,
		Status:         constants.JobStatusUploaded,
		Classification: constants.ClassificationUnknown,
	}
	// the one-active-job-per-document index turns concurrent reprocess
	// requests into a single winner
	if err := s.repos.Jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return uuid.Nil, common.WrapError(common.ErrInvalidInput, "document already has a job in flight")
		}
		return uuid.Nil, err
	}
	if err := s.queue.Enqueue(ctx, worker.Task{JobID: job.ID}); err != nil && !errors.Is(err, worker.ErrQueueFull) {
		s.logger.Warn("enqueue failed, job will be swept", "job_id", job.ID, "error", err)
	}

	s.logger.Info("document requeued for processing", "document_id", documentID, "job_id", job.ID)
	return job.ID, nil
}

type CorrectRequest struct {
	InvoiceID   uuid.UUID
	CorrectedBy uuid.UUID
	Corrected   *entity.ExtractedInvoice
}

// Correct overwrites extracted values with human-reviewed ones and keeps the
// original as an audit snapshot. Extraction is not re-run.
func (s *Service) Correct(ctx context.Context, req CorrectRequest) (*entity.ExtractedInvoice, error) {
	if req.CorrectedBy == uuid.Nil {
		return nil, common.WrapError(common.ErrInvalidInput, "corrected_by is required")
	}
	if req.Corrected == nil {
		return nil, common.WrapError(common.ErrInvalidInput, "corrected invoice is required")
	}
	if rut := req.Corrected.EmitterRUT; rut != "" {
		norm := fields.NormalizeRUT(rut)
		if !fields.WellFormedRUT(norm) {
			return nil, common.WrapError(common.ErrInvalidInput, "emitter RUT is malformed")
		}
		if !fields.ValidateRUT(norm) {
			s.logger.Warn("corrected emitter RUT fails módulo-11", "invoice_id", req.InvoiceID)
		}
	}
	if req.Corrected.Total.IsNegative() {
		return nil, common.WrapError(common.ErrInvalidInput, "total cannot be negative")
	}

	return s.repos.Invoices.ApplyCorrection(ctx, &repository.CorrectionRequest{
		InvoiceID:   req.InvoiceID,
		CorrectedBy: req.CorrectedBy,
		Corrected:   req.Corrected,
	})
}

func (s *Service) ListInvoices(ctx context.Context, tenantID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.ExtractedInvoice, error) {
	if tenantID == uuid.Nil {
		return nil, common.WrapError(common.ErrInvalidInput, "tenant_id is required")
	}
	return s.repos.Invoices.List(ctx, tenantID, fromDate, toDate)
}

func (s *Service) ListCorrections(ctx context.Context, invoiceID uuid.UUID) ([]*entity.Correction, error) {
	return s.repos.Invoices.ListCorrections(ctx, invoiceID)
}
