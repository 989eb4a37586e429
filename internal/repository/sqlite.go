package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
)

// NewSQLite builds the repository set on a SQLite handle. Same contract as
// the Postgres set; timestamps are assigned in Go since there is no now().
func NewSQLite(db *sql.DB, logger *slog.Logger) *Repositories {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repositories{
		Documents: &liteDocumentRepository{db: db, logger: logger},
		Jobs:      &liteJobRepository{db: db, logger: logger},
		Invoices:  &liteInvoiceRepository{db: db, logger: logger},
	}
}

type liteDocumentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *liteDocumentRepository) Create(ctx context.Context, doc *entity.InvoiceDocument) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoice_documents (id, tenant_id, uploaded_by, filename, storage_ref, content_hash, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.UploadedBy, doc.Filename, doc.StorageRef, doc.ContentHash, time.Now().UTC())
	if err != nil {
		r.logger.Error("failed to create document", "document_id", doc.ID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	return nil
}

func (r *liteDocumentRepository) Get(ctx context.Context, id uuid.UUID) (*entity.InvoiceDocument, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM invoice_documents WHERE id = ?", id)
	return scanDocumentSQL(row)
}

func (r *liteDocumentRepository) FindByHash(ctx context.Context, tenantID uuid.UUID, hash []byte) (*entity.InvoiceDocument, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM invoice_documents
		WHERE tenant_id = ? AND content_hash = ?
		ORDER BY uploaded_at DESC LIMIT 1`,
		tenantID, hash)
	doc, err := scanDocumentSQL(row)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanDocumentSQL(row sqlRow) (*entity.InvoiceDocument, error) {
	var doc entity.InvoiceDocument
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.UploadedBy, &doc.Filename,
		&doc.StorageRef, &doc.ContentHash, &doc.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "document")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	return &doc, nil
}

type liteJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *liteJobRepository) Create(ctx context.Context, job *entity.ProcessingJob) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, document_id, tenant_id, status, classification, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, job.TenantID, job.Status, job.Classification, now, now)
	if err != nil {
		if isLiteUniqueViolation(err) {
			return ErrActiveJobExists
		}
		r.logger.Error("failed to create job", "job_id", job.ID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	return nil
}

// isLiteUniqueViolation recognizes the idx_jobs_active_document conflict,
// the only unique index on processing_jobs besides the primary key.
func isLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (r *liteJobRepository) Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM processing_jobs WHERE id = ?", id)
	return scanJobSQL(row)
}

func (r *liteJobRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_id = ? ORDER BY created_at DESC LIMIT 1`, documentID)
	return scanJobSQL(row)
}

func (r *liteJobRepository) Transition(ctx context.Context, id uuid.UUID, from, to constants.JobStatus, upd TransitionUpdate) error {
	err := liteTransition(ctx, r.db, id, from, to, upd)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		r.logger.Error("job transition failed",
			"job_id", id, "from", from, "to", to, "error", err)
	}
	return err
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func liteTransition(ctx context.Context, db sqlExecutor, id uuid.UUID, from, to constants.JobStatus, upd TransitionUpdate) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, time.Now().UTC()}

	if upd.Classification != nil {
		set = append(set, "classification = ?")
		args = append(args, *upd.Classification)
	}
	switch {
	case upd.LastError != nil:
		b, err := json.Marshal(upd.LastError)
		if err != nil {
			return &common.PersistenceError{Cause: err}
		}
		set = append(set, "last_error = ?")
		args = append(args, string(b))
	case upd.ClearError:
		set = append(set, "last_error = NULL")
	}
	if upd.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if upd.RawText != nil {
		set = append(set, "raw_text = ?")
		args = append(args, *upd.RawText)
	}
	if upd.ExtractionMS != nil {
		set = append(set, "extraction_ms = ?")
		args = append(args, *upd.ExtractionMS)
	}

	args = append(args, id, from)
	q := fmt.Sprintf("UPDATE processing_jobs SET %s WHERE id = ? AND status = ?",
		strings.Join(set, ", "))

	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &common.PersistenceError{Cause: err}
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *liteJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		time.Now().UTC(), id,
		constants.JobStatusCompleted, constants.JobStatusFailed, constants.JobStatusCancelled)
	if err != nil {
		r.logger.Error("failed to request cancel", "job_id", id, "error", err)
		return false, &common.PersistenceError{Retryable: true, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &common.PersistenceError{Cause: err}
	}
	return n > 0, nil
}

func (r *liteJobRepository) ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.ProcessingJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = ? ORDER BY updated_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var jobs []*entity.ProcessingJob
	for rows.Next() {
		job, err := scanJobSQL(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *liteJobRepository) RequeueStuck(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM processing_jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		constants.JobStatusClassifying, constants.JobStatusExtractingText, constants.JobStatusExtractingFields,
		cutoff)
	if err != nil {
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
	if err := rows.Err(); err != nil {
		return nil, &common.PersistenceError{Cause: err}
	}

	var requeued []uuid.UUID
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `
			UPDATE processing_jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?) AND updated_at < ?`,
			constants.JobStatusRetryPending, time.Now().UTC(), id,
			constants.JobStatusClassifying, constants.JobStatusExtractingText, constants.JobStatusExtractingFields,
			cutoff)
		if err != nil {
			return requeued, &common.PersistenceError{Retryable: true, Cause: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

func scanJobSQL(row sqlRow) (*entity.ProcessingJob, error) {
	var (
		job     entity.ProcessingJob
		lastErr sql.NullString
		rawText sql.NullString
		ms      sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.DocumentID, &job.TenantID, &job.Status,
		&job.Classification, &job.AttemptCount, &lastErr, &job.CancelRequested,
		&rawText, &ms, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "job")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	if lastErr.Valid && lastErr.String != "" {
		var se entity.StageError
		if err := json.Unmarshal([]byte(lastErr.String), &se); err == nil {
			job.LastError = &se
		}
	}
	if rawText.Valid {
		job.RawText = &rawText.String
	}
	if ms.Valid {
		job.ExtractionMS = &ms.Int64
	}
	return &job, nil
}

type liteInvoiceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *liteInvoiceRepository) CreateWithCompletion(ctx context.Context, inv *entity.ExtractedInvoice, fromStatus constants.JobStatus, upd TransitionUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer tx.Rollback()

	items, err := marshalLineItems(inv.LineItems)
	if err != nil {
		return &common.PersistenceError{Cause: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO extracted_invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.JobID, inv.DocumentID, inv.EmitterName, inv.EmitterRUT,
		inv.RecipientName, inv.RecipientRUT, inv.InvoiceNumber, inv.IssueDate,
		inv.Net, inv.Tax, inv.AdditionalTax, inv.Total, inv.Currency,
		nullableBytes(items), inv.Confidence, time.Now().UTC())
	if err != nil {
		r.logger.Error("failed to insert invoice", "job_id", inv.JobID, "error", err)
		return &common.PersistenceError{Retryable: true, Cause: err}
	}

	if err := liteTransition(ctx, tx, inv.JobID, fromStatus, constants.JobStatusCompleted, upd); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &common.PersistenceError{Retryable: true, Cause: err}
	}
	r.logger.Info("invoice persisted", "invoice_id", inv.ID, "job_id", inv.JobID)
	return nil
}

func (r *liteInvoiceRepository) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractedInvoice, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE id = ?", id)
	return scanInvoiceSQL(row)
}

func (r *liteInvoiceRepository) GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.ExtractedInvoice, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE job_id = ?", jobID)
	return scanInvoiceSQL(row)
}

func (r *liteInvoiceRepository) List(ctx context.Context, tenantID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.ExtractedInvoice, error) {
	q := `SELECT ` + prefixColumns("e", invoiceColumns) + `
		FROM extracted_invoices e
		JOIN processing_jobs j ON j.id = e.job_id
		WHERE j.tenant_id = ?`
	args := []any{tenantID}
	if fromDate != nil {
		q += " AND e.issue_date >= ?"
		args = append(args, *fromDate)
	}
	if toDate != nil {
		q += " AND e.issue_date <= ?"
		args = append(args, *toDate)
	}
	q += " ORDER BY e.issue_date, e.created_at"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var out []*entity.ExtractedInvoice
	for rows.Next() {
		inv, err := scanInvoiceSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *liteInvoiceRepository) ApplyCorrection(ctx context.Context, req *CorrectionRequest) (*entity.ExtractedInvoice, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM extracted_invoices WHERE id = ?", req.InvoiceID)
	original, err := scanInvoiceSQL(row)
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
	_, err = tx.ExecContext(ctx, `
		UPDATE extracted_invoices SET
			emitter_name = ?, emitter_rut = ?, recipient_name = ?, recipient_rut = ?,
			invoice_number = ?, issue_date = ?, net = ?, tax = ?, additional_tax = ?,
			total = ?, currency = ?, line_items = ?, confidence = ?
		WHERE id = ?`,
		corrected.EmitterName, corrected.EmitterRUT,
		corrected.RecipientName, corrected.RecipientRUT, corrected.InvoiceNumber,
		corrected.IssueDate, corrected.Net, corrected.Tax, corrected.AdditionalTax,
		corrected.Total, corrected.Currency, nullableBytes(items), corrected.Confidence,
		corrected.ID)
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoice_corrections (id, invoice_id, corrected_by, original, corrected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New(), corrected.ID, req.CorrectedBy, string(origJSON), string(corrJSON), time.Now().UTC())
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	r.logger.Info("correction applied", "invoice_id", corrected.ID, "corrected_by", req.CorrectedBy)
	return &corrected, nil
}

func (r *liteInvoiceRepository) ListCorrections(ctx context.Context, invoiceID uuid.UUID) ([]*entity.Correction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, invoice_id, corrected_by, original, corrected, created_at
		FROM invoice_corrections WHERE invoice_id = ? ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	defer rows.Close()

	var out []*entity.Correction
	for rows.Next() {
		var (
			c          entity.Correction
			orig, corr string
		)
		if err := rows.Scan(&c.ID, &c.InvoiceID, &c.CorrectedBy, &orig, &corr, &c.CreatedAt); err != nil {
			return nil, &common.PersistenceError{Cause: err}
		}
		c.Original = []byte(orig)
		c.Corrected = []byte(corr)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanInvoiceSQL(row sqlRow) (*entity.ExtractedInvoice, error) {
	var (
		inv   entity.ExtractedInvoice
		items sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.JobID, &inv.DocumentID, &inv.EmitterName, &inv.EmitterRUT,
		&inv.RecipientName, &inv.RecipientRUT, &inv.InvoiceNumber, &inv.IssueDate,
		&inv.Net, &inv.Tax, &inv.AdditionalTax, &inv.Total, &inv.Currency,
		&items, &inv.Confidence, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.WrapError(common.ErrNotFound, "invoice")
		}
		return nil, &common.PersistenceError{Retryable: true, Cause: err}
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &inv.LineItems); err != nil {
			return nil, &common.PersistenceError{Cause: err}
		}
	}
	return &inv, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
