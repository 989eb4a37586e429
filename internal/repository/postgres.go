package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
)

// NewPostgres builds the repository set on a pgx pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Repositories {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repositories{
		Documents: &pgDocumentRepository{pool: pool, logger: logger},
		Jobs:      &pgJobRepository{pool: pool, logger: logger},
		Invoices:  &pgInvoiceRepository{pool: pool, logger: logger},
	}
}

// pgExecutor is satisfied by both *pgxpool.Pool and pgx.Tx, so the CAS
// transition can run standalone or inside a transaction.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgDocumentRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const documentColumns = "id, tenant_id, uploaded_by, filename, storage_ref, content_hash, uploaded_at"

func (r *pgDocumentRepository) Create(ctx context.Context, doc *entity.InvoiceDocument) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invoice_documents (id, tenant_id, uploaded_by, filename, storage_ref, content_hash, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		doc.ID, doc.TenantID, doc.UploadedBy, doc.Filename, doc.StorageRef, doc.ContentHash)
	if err != nil {
		r.logger.Error("failed to create document", "document_id", doc.ID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	return nil
}

func (r *pgDocumentRepository) Get(ctx context.Context, id uuid.UUID) (*entity.InvoiceDocument, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM invoice_documents WHERE id = $1", id)
	return scanDocument(row)
}

func (r *pgDocumentRepository) FindByHash(ctx context.Context, tenantID uuid.UUID, hash []byte) (*entity.InvoiceDocument, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM invoice_documents
		WHERE tenant_id = $1 AND content_hash = $2
		ORDER BY uploaded_at DESC LIMIT 1`,
		tenantID, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

func scanDocument(row pgx.Row) (*entity.InvoiceDocument, error) {
	var doc entity.InvoiceDocument
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.UploadedBy, &doc.Filename,
		&doc.StorageRef, &doc.ContentHash, &doc.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "document")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	return &doc, nil
}

type pgJobRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const jobColumns = `id, document_id, tenant_id, status, classification, attempt_count,
	last_error, cancel_requested, raw_text, extraction_ms, created_at, updated_at`

func (r *pgJobRepository) Create(ctx context.Context, job *entity.ProcessingJob) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, document_id, tenant_id, status, classification, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		job.ID, job.DocumentID, job.TenantID, job.Status, job.Classification)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_jobs_active_document" {
			return ErrActiveJobExists
		}
		r.logger.Error("failed to create job", "job_id", job.ID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	return nil
}

func (r *pgJobRepository) Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM processing_jobs WHERE id = $1", id)
	return scanJob(row)
}

func (r *pgJobRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`, documentID)
	return scanJob(row)
}

func (r *pgJobRepository) Transition(ctx context.Context, id uuid.UUID, from, to constants.JobStatus, upd TransitionUpdate) error {
	err := pgTransition(ctx, r.pool, id, from, to, upd)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		r.logger.Error("job transition failed",
			"job_id", id, "from", from, "to", to, "error", err)
	}
	return err
}

// pgTransition is the CAS at the heart of the state machine: the UPDATE only
// lands if the job is still in "from".
func pgTransition(ctx context.Context, db pgExecutor, id uuid.UUID, from, to constants.JobStatus, upd TransitionUpdate) error {
	set := []string{"status = $1", "updated_at = now()"}
	args := []any{to}
	n := 2
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}

	if upd.Classification != nil {
		add("classification", *upd.Classification)
	}
	switch {
	case upd.LastError != nil:
		b, err := json.Marshal(upd.LastError)
		if err != nil {
			return &common.PersistenceError{Cause: err}
		}
		add("last_error", b)
	case upd.ClearError:
		set = append(set, "last_error = NULL")
	}
	if upd.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if upd.RawText != nil {
		add("raw_text", *upd.RawText)
	}
	if upd.ExtractionMS != nil {
		add("extraction_ms", *upd.ExtractionMS)
	}

	args = append(args, id, from)
	q := fmt.Sprintf("UPDATE processing_jobs SET %s WHERE id = $%d AND status = $%d",
		strings.Join(set, ", "), n, n+1)

	tag, err := db.Exec(ctx, q, args...)
	if err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *pgJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $3, $4)`,
		id, constants.JobStatusCompleted, constants.JobStatusFailed, constants.JobStatusCancelled)
	if err != nil {
		r.logger.Error("failed to request cancel", "job_id", id, "error", err)
		return false, &common.PersistenceError{Retryable: true, Cause: err}
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgJobRepository) ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.ProcessingJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var jobs []*entity.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *pgJobRepository) RequeueStuck(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE processing_jobs SET status = $1, updated_at = now()
		WHERE status IN ($2, $3, $4) AND updated_at < $5
		RETURNING id`,
		constants.JobStatusRetryPending,
		constants.JobStatusClassifying, constants.JobStatusExtractingText, constants.JobStatusExtractingFields,
		cutoff)
	if err != nil {
		r.logger.Error("failed to requeue stuck jobs", "error", err)
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, &common.PersistenceError{Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*entity.ProcessingJob, error) {
	var (
		job     entity.ProcessingJob
		lastErr []byte
	)
	err := row.Scan(&job.ID, &job.DocumentID, &job.TenantID, &job.Status,
		&job.Classification, &job.AttemptCount, &lastErr, &job.CancelRequested,
		&job.RawText, &job.ExtractionMS, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "job")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	if len(lastErr) > 0 {
		var se entity.StageError
		if err := json.Unmarshal(lastErr, &se); err == nil {
			job.LastError = &se
		}
	}
	return &job, nil
}

type pgInvoiceRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const invoiceColumns = `id, job_id, document_id, emitter_name, emitter_rut,
	recipient_name, recipient_rut, invoice_number, issue_date,
	net, tax, additional_tax, total, currency, line_items, confidence, created_at`

func (r *pgInvoiceRepository) CreateWithCompletion(ctx context.Context, inv *entity.ExtractedInvoice, fromStatus constants.JobStatus, upd TransitionUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer tx.Rollback(ctx)

	items, err := marshalLineItems(inv.LineItems)
	if err != nil {
		return &common.PersistenceError{Cause: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO extracted_invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())`,
		inv.ID, inv.JobID, inv.DocumentID, inv.EmitterName, inv.EmitterRUT,
		inv.RecipientName, inv.RecipientRUT, inv.InvoiceNumber, inv.IssueDate,
		inv.Net, inv.Tax, inv.AdditionalTax, inv.Total, inv.Currency, items, inv.Confidence)
	if err != nil {
		r.logger.Error("failed to insert invoice", "job_id", inv.JobID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}

	if err := pgTransition(ctx, tx, inv.JobID, fromStatus, constants.JobStatusCompleted, upd); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	r.logger.Info("invoice persisted", "invoice_id", inv.ID, "job_id", inv.JobID)
	return nil
}

func (r *pgInvoiceRepository) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractedInvoice, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE id = $1", id)
	return scanInvoice(row)
}

func (r *pgInvoiceRepository) GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.ExtractedInvoice, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE job_id = $1", jobID)
	return scanInvoice(row)
}

func (r *pgInvoiceRepository) List(ctx context.Context, tenantID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.ExtractedInvoice, error) {
	q := `SELECT ` + prefixColumns("e", invoiceColumns) + `
		FROM extracted_invoices e
		JOIN processing_jobs j ON j.id = e.job_id
		WHERE j.tenant_id = $1`
	args := []any{tenantID}
	if fromDate != nil {
		args = append(args, *fromDate)
		q += fmt.Sprintf(" AND e.issue_date >= $%d", len(args))
	}
	if toDate != nil {
		args = append(args, *toDate)
		q += fmt.Sprintf(" AND e.issue_date <= $%d", len(args))
	}
	q += " ORDER BY e.issue_date, e.created_at"

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var out []*entity.ExtractedInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *pgInvoiceRepository) ApplyCorrection(ctx context.Context, req *CorrectionRequest) (*entity.ExtractedInvoice, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE id = $1 FOR UPDATE", req.InvoiceID)
	original, err := scanInvoice(row)
	if err != nil {
		return nil, err
	}

	corrected := *req.Corrected
	corrected.ID = original.ID
	corrected.JobID = original.JobID
	corrected.DocumentID = original.DocumentID
	corrected.CreatedAt = original.CreatedAt

	items, err := marshalLineItems(corrected.LineItems)
	if err != nil {
		return nil, &common.PersistenceError{Cause: err}
	}
	_, err = tx.Exec(ctx, `
		UPDATE extracted_invoices SET
			emitter_name = $2, emitter_rut = $3, recipient_name = $4, recipient_rut = $5,
			invoice_number = $6, issue_date = $7, net = $8, tax = $9, additional_tax = $10,
			total = $11, currency = $12, line_items = $13, confidence = $14
		WHERE id = $1`,
		corrected.ID, corrected.EmitterName, corrected.EmitterRUT,
		corrected.RecipientName, corrected.RecipientRUT, corrected.InvoiceNumber,
		corrected.IssueDate, corrected.Net, corrected.Tax, corrected.AdditionalTax,
		corrected.Total, corrected.Currency, items, corrected.Confidence)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}

	origJSON, err := json.Marshal(original)
	if err != nil {
		return nil, &common.PersistenceError{Cause: err}
	}
	corrJSON, err := json.Marshal(&corrected)
	if err != nil {
		return nil, &common.PersistenceError{Cause: err}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO invoice_corrections (id, invoice_id, corrected_by, original, corrected, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), corrected.ID, req.CorrectedBy, origJSON, corrJSON)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	r.logger.Info("correction applied", "invoice_id", corrected.ID, "corrected_by", req.CorrectedBy)
	return &corrected, nil
}

func (r *pgInvoiceRepository) ListCorrections(ctx context.Context, invoiceID uuid.UUID) ([]*entity.Correction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, corrected_by, original, corrected, created_at
		FROM invoice_corrections WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var out []*entity.Correction
	for rows.Next() {
		var c entity.Correction
		if err := rows.Scan(&c.ID, &c.InvoiceID, &c.CorrectedBy, &c.Original, &c.Corrected, &c.CreatedAt); err != nil {
			return nil, &common.PersistenceError{Cause: err}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*entity.ExtractedInvoice, error) {
	var (
		inv   entity.ExtractedInvoice
		items []byte
	)
	err := row.Scan(&inv.ID, &inv.JobID, &inv.DocumentID, &inv.EmitterName, &inv.EmitterRUT,
		&inv.RecipientName, &inv.RecipientRUT, &inv.InvoiceNumber, &inv.IssueDate,
		&inv.Net, &inv.Tax, &inv.AdditionalTax, &inv.Total, &inv.Currency,
		&items, &inv.Confidence, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "invoice")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.LineItems); err != nil {
			return nil, &common.PersistenceError{Cause: err}
		}
	}
	return &inv, nil
}

func marshalLineItems(items []entity.LineItem) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
