// Package processor drives a job through the processing state machine:
// CLASSIFYING, EXTRACTING_TEXT, EXTRACTING_FIELDS, then COMPLETED or a retry.
// Every status change is a compare-and-swap; losing the swap means another
// worker owns the job and this one walks away.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/blobstore"
	"github.com/facturanube/facturanube/internal/classify"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/extract"
	"github.com/facturanube/facturanube/internal/fields"
	"github.com/facturanube/facturanube/internal/repository"
)

type Config struct {
	MaxAttempts int // total runs a job gets before FAILED, default 3
	RetryDPI    int // raster DPI used on re-entries, default 450
}

// DocumentClassifier is satisfied by classify.Classifier.
type DocumentClassifier interface {
	Classify(pdfBytes []byte) classify.Result
}

type Processor struct {
	cfg        Config
	blobs      blobstore.Store
	repos      *repository.Repositories
	classifier DocumentClassifier
	texts      extract.TextExtractor
	fields     fields.InvoiceExtractor
	logger     *slog.Logger
}

func New(
	cfg Config,
	blobs blobstore.Store,
	repos *repository.Repositories,
	classifier DocumentClassifier,
	texts extract.TextExtractor,
	fe fields.InvoiceExtractor,
	logger *slog.Logger,
) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDPI <= 0 {
		cfg.RetryDPI = 450
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:        cfg,
		blobs:      blobs,
		repos:      repos,
		classifier: classifier,
		texts:      texts,
		fields:     fe,
		logger:     logger,
	}
}

// Process runs one full pass over a job. Safe to call with jobs in any
// status: terminal and in-flight jobs are left alone. Returns an error only
// for infrastructure problems; domain failures are recorded on the job.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case constants.JobStatusUploaded, constants.JobStatusRetryPending:
	default:
		// terminal, or another worker is mid-stage
		p.logger.Debug("job not runnable", "job_id", jobID, "status", job.Status)
		return nil
	}

	if job.CancelRequested {
		return p.cancel(ctx, job.ID, job.Status)
	}

	log := p.logger.With("job_id", job.ID, "document_id", job.DocumentID)

	// claim: whoever wins this swap owns the job for the whole pass
	upd := repository.TransitionUpdate{ClearError: true}
	if job.Status == constants.JobStatusRetryPending {
		upd.IncrementAttempt = true
	}
	if err := p.repos.Jobs.Transition(ctx, job.ID, job.Status, constants.JobStatusClassifying, upd); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			log.Debug("lost job claim")
			return nil
		}
		return err
	}
	attempt := job.AttemptCount
	if upd.IncrementAttempt {
		attempt++
	}
	log = log.With("attempt", attempt)
	log.Info("processing started", "from", job.Status)

	data, err := p.loadDocument(ctx, job.DocumentID)
	if err != nil {
		return p.fail(ctx, job.ID, constants.JobStatusClassifying, constants.StageClassify, attempt, err)
	}

	// stage 1: classification. Never fails the job; an undecidable document
	// just takes the OCR path.
	result := p.classifier.Classify(data)
	log.Info("document classified",
		"classification", result.Classification,
		"pages", result.PageCount,
		"chars_per_page", result.CharsPerPage,
		"has_images", result.HasImages,
	)

	if done, err := p.advance(ctx, job.ID, constants.JobStatusClassifying, constants.JobStatusExtractingText,
		repository.TransitionUpdate{Classification: &result.Classification}); done {
		return err
	}

	// stage 2: text extraction
	started := time.Now()
	pages, err := p.extractText(ctx, data, result.Classification, attempt, log)
	if err != nil {
		return p.fail(ctx, job.ID, constants.JobStatusExtractingText, constants.StageExtractText, attempt, err)
	}
	elapsed := time.Since(started).Milliseconds()
	rawText := joinPages(pages)
	log.Info("text extracted", "pages", len(pages), "chars", len(rawText), "duration_ms", elapsed)

	if done, err := p.advance(ctx, job.ID, constants.JobStatusExtractingText, constants.JobStatusExtractingFields,
		repository.TransitionUpdate{RawText: &rawText, ExtractionMS: &elapsed}); done {
		return err
	}

	// stage 3: field extraction
	inv, err := p.fields.Extract(ctx, pages)
	if err != nil {
		return p.fail(ctx, job.ID, constants.JobStatusExtractingFields, constants.StageExtractFields, attempt, err)
	}
	inv.ID = uuid.New()
	inv.JobID = job.ID
	inv.DocumentID = job.DocumentID

	// stage 4: atomic persist + COMPLETED
	err = p.repos.Invoices.CreateWithCompletion(ctx, inv, constants.JobStatusExtractingFields, repository.TransitionUpdate{ClearError: true})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			log.Warn("job moved during persist, dropping result")
			return nil
		}
		return p.fail(ctx, job.ID, constants.JobStatusExtractingFields, constants.StagePersist, attempt, err)
	}

	log.Info("processing completed", "invoice_id", inv.ID, "confidence", inv.Confidence)
	return nil
}

func (p *Processor) loadDocument(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	doc, err := p.repos.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return p.blobs.Get(ctx, doc.StorageRef)
}

func (p *Processor) extractText(ctx context.Context, data []byte, c constants.Classification, attempt int, log *slog.Logger) ([]extract.PageText, error) {
	// re-entries rasterize at higher DPI; the cheap pass already failed once
	if c != constants.ClassificationDigital || attempt > 0 {
		dpi := 0
		if attempt > 0 {
			dpi = p.cfg.RetryDPI
		}
		return p.texts.ExtractScanned(ctx, data, dpi)
	}

	pages, err := p.texts.Extract(ctx, data, c)
	if err == nil {
		return pages, nil
	}

	// a digital classification with no text layer was a misclassification;
	// fall back to OCR inside the same stage
	var xerr *common.ExtractionError
	if errors.As(err, &xerr) && xerr.Stage == "digital" {
		log.Warn("digital text layer empty, falling back to ocr", "error", err)
		return p.texts.ExtractScanned(ctx, data, 0)
	}
	return nil, err
}

// advance checks the cancel flag and swaps to the next stage. done=true
// means the caller must stop, with the returned error (nil on cancel/steal).
func (p *Processor) advance(ctx context.Context, jobID uuid.UUID, from, to constants.JobStatus, upd repository.TransitionUpdate) (done bool, err error) {
	job, err := p.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return true, err
	}
	if job.CancelRequested {
		return true, p.cancel(ctx, jobID, from)
	}

	if err := p.repos.Jobs.Transition(ctx, jobID, from, to, upd); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			p.logger.Warn("job stolen mid-pass", "job_id", jobID, "from", from)
			return true, nil
		}
		return true, err
	}
	return false, nil
}

func (p *Processor) cancel(ctx context.Context, jobID uuid.UUID, from constants.JobStatus) error {
	err := p.repos.Jobs.Transition(ctx, jobID, from, constants.JobStatusCancelled, repository.TransitionUpdate{})
	if errors.Is(err, repository.ErrStaleTransition) {
		return nil
	}
	if err == nil {
		p.logger.Info("job cancelled", "job_id", jobID, "from", from)
	}
	return err
}

// fail records the stage error and routes the job to RETRY_PENDING or FAILED.
// attempt is the zero-based number of the run that just failed; a job gets
// MaxAttempts runs in total.
func (p *Processor) fail(ctx context.Context, jobID uuid.UUID, from constants.JobStatus, stage constants.Stage, attempt int, cause error) error {
	retryable := common.Retryable(cause)
	to := constants.JobStatusRetryPending
	if !retryable || attempt+1 >= p.cfg.MaxAttempts {
		to = constants.JobStatusFailed
	}

	se := &entity.StageError{
		Stage:     stage,
		Message:   common.Reason(cause),
		Retryable: retryable,
	}
	p.logger.Warn("stage failed",
		"job_id", jobID, "stage", stage, "attempt", attempt,
		"retryable", retryable, "next", to, "error", cause,
	)

	err := p.repos.Jobs.Transition(ctx, jobID, from, to, repository.TransitionUpdate{LastError: se})
	if errors.Is(err, repository.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record stage failure: %w", err)
	}
	return nil
}

func joinPages(pages []extract.PageText) string {
	texts := make([]string, len(pages))
	for i, pg := range pages {
		texts[i] = pg.Text
	}
	return strings.Join(texts, "\n")
}
