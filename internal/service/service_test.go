package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/blobstore"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/repository"
	"github.com/facturanube/facturanube/internal/worker"
)

const pdfStub = "%PDF-1.4\n1 0 obj\nendobj\ntrailer\n%%EOF\n"

type recordingQueue struct {
	tasks []worker.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, t worker.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

type fixture struct {
	svc   *Service
	repos *repository.Repositories
	queue *recordingQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	db, err := repository.OpenSQLite(ctx, filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.MigrateSQLite(ctx, db))
	repos := repository.NewSQLite(db, nil)

	blobs, err := blobstore.NewLocal(filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)

	queue := &recordingQueue{}
	return &fixture{svc: NewService(blobs, repos, queue, nil), repos: repos, queue: queue}
}

func uploadOne(t *testing.T, f *fixture, tenant uuid.UUID, data string) *UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		TenantID:   tenant,
		UploadedBy: uuid.New(),
		Filename:   "factura.pdf",
		Data:       []byte(data),
	})
	require.NoError(t, err)
	return res
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"missing tenant", UploadRequest{UploadedBy: uuid.New(), Data: []byte(pdfStub)}},
		{"missing uploader", UploadRequest{TenantID: uuid.New(), Data: []byte(pdfStub)}},
		{"empty data", UploadRequest{TenantID: uuid.New(), UploadedBy: uuid.New()}},
		{"not a pdf", UploadRequest{TenantID: uuid.New(), UploadedBy: uuid.New(), Data: []byte("hola")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(ctx, tt.req)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}
	assert.Empty(t, f.queue.tasks)
}

func TestUploadCreatesJobAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	res := uploadOne(t, f, tenant, pdfStub)
	assert.Equal(t, uuid.Nil, res.DuplicateOf)

	doc, err := f.repos.Documents.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, tenant, doc.TenantID)
	assert.NotEmpty(t, doc.StorageRef)
	assert.Len(t, doc.ContentHash, 32)

	job, err := f.repos.Jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusUploaded, job.Status)
	assert.Equal(t, res.DocumentID, job.DocumentID)

	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, res.JobID, f.queue.tasks[0].JobID)
}

func TestUploadDuplicateIsAdvisory(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()

	first := uploadOne(t, f, tenant, pdfStub)
	second := uploadOne(t, f, tenant, pdfStub)

	assert.Equal(t, first.DocumentID, second.DuplicateOf)
	assert.NotEqual(t, first.DocumentID, second.DocumentID, "duplicate still gets its own document")

	// same bytes under another tenant are not a duplicate
	other := uploadOne(t, f, uuid.New(), pdfStub)
	assert.Equal(t, uuid.Nil, other.DuplicateOf)
}

func TestUploadSurvivesFullQueue(t *testing.T) {
	f := newFixture(t)
	f.queue.err = worker.ErrQueueFull

	res := uploadOne(t, f, uuid.New(), pdfStub)

	job, err := f.repos.Jobs.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusUploaded, job.Status)
}

func TestStatusStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)

	st, err := f.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "pending", st.State)
	assert.Empty(t, st.Detail)
	assert.Nil(t, st.Invoice)

	require.NoError(t, f.repos.Jobs.Transition(ctx, res.JobID,
		constants.JobStatusUploaded, constants.JobStatusExtractingText, repository.TransitionUpdate{}))
	st, err = f.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "processing", st.State)
}

func TestStatusFailedCarriesDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)

	require.NoError(t, f.repos.Jobs.Transition(ctx, res.JobID,
		constants.JobStatusUploaded, constants.JobStatusFailed, repository.TransitionUpdate{
			LastError: &entity.StageError{
				Stage:   constants.StageExtractFields,
				Message: "could not read required invoice fields: emitter_rut",
			},
		}))

	st, err := f.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Detail, "emitter_rut")
	assert.Nil(t, st.Invoice)
}

func completeJob(t *testing.T, f *fixture, res *UploadResult, total int64) *entity.ExtractedInvoice {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repos.Jobs.Transition(ctx, res.JobID,
		constants.JobStatusUploaded, constants.JobStatusExtractingFields, repository.TransitionUpdate{}))
	inv := &entity.ExtractedInvoice{
		ID:          uuid.New(),
		JobID:       res.JobID,
		DocumentID:  res.DocumentID,
		EmitterName: "COMERCIAL EJEMPLO S.A.",
		EmitterRUT:  "76.123.456-7",
		IssueDate:   time.Date(2023, 7, 6, 0, 0, 0, 0, time.UTC),
		Net:         decimal.NewFromInt(total - 19000),
		Tax:         decimal.NewFromInt(19000),
		Total:       decimal.NewFromInt(total),
		Currency:    "CLP",
		Confidence:  constants.ConfidenceRuleMatched,
	}
	require.NoError(t, f.repos.Invoices.CreateWithCompletion(ctx, inv,
		constants.JobStatusExtractingFields, repository.TransitionUpdate{ClearError: true}))
	return inv
}

func TestStatusCompletedReturnsInvoice(t *testing.T) {
	f := newFixture(t)
	res := uploadOne(t, f, uuid.New(), pdfStub)
	completeJob(t, f, res, 119000)

	st, err := f.svc.Status(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", st.State)
	require.NotNil(t, st.Invoice)
	assert.Equal(t, "76.123.456-7", st.Invoice.EmitterRUT)
	assert.True(t, st.Invoice.Total.Equal(decimal.NewFromInt(119000)))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)

	ok, err := f.svc.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, ok)

	completedRes := uploadOne(t, f, uuid.New(), pdfStub+"x")
	completeJob(t, f, completedRes, 119000)
	ok, err = f.svc.Cancel(ctx, completedRes.JobID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs have nothing to cancel")
}

func TestReprocess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)

	// the first job is still open
	_, err := f.svc.Reprocess(ctx, res.DocumentID)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	completeJob(t, f, res, 119000)

	jobID, err := f.svc.Reprocess(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.NotEqual(t, res.JobID, jobID)

	job, err := f.repos.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusUploaded, job.Status)

	// the completed result is untouched
	inv, err := f.repos.Invoices.GetByJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(119000)))
}

func TestReprocessUnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reprocess(context.Background(), uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCorrectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)
	inv := completeJob(t, f, res, 119000)

	t.Run("missing corrector", func(t *testing.T) {
		corrected := *inv
		_, err := f.svc.Correct(ctx, CorrectRequest{InvoiceID: inv.ID, Corrected: &corrected})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := f.svc.Correct(ctx, CorrectRequest{InvoiceID: inv.ID, CorrectedBy: uuid.New()})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("malformed rut", func(t *testing.T) {
		corrected := *inv
		corrected.EmitterRUT = "no-es-rut"
		_, err := f.svc.Correct(ctx, CorrectRequest{InvoiceID: inv.ID, CorrectedBy: uuid.New(), Corrected: &corrected})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("negative total", func(t *testing.T) {
		corrected := *inv
		corrected.Total = decimal.NewFromInt(-1)
		_, err := f.svc.Correct(ctx, CorrectRequest{InvoiceID: inv.ID, CorrectedBy: uuid.New(), Corrected: &corrected})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})
}

func TestCorrectAppliesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := uploadOne(t, f, uuid.New(), pdfStub)
	inv := completeJob(t, f, res, 119000)

	corrected := *inv
	corrected.Total = decimal.NewFromInt(120000)
	// checksum-invalid but well-formed, accepted with a warning
	corrected.EmitterRUT = "76.123.456-7"

	got, err := f.svc.Correct(ctx, CorrectRequest{
		InvoiceID:   inv.ID,
		CorrectedBy: uuid.New(),
		Corrected:   &corrected,
	})
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(120000)))

	audits, err := f.svc.ListCorrections(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Contains(t, string(audits[0].Original), "119000")
	assert.Contains(t, string(audits[0].Corrected), "120000")
}

func TestListInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	res := uploadOne(t, f, tenant, pdfStub)
	completeJob(t, f, res, 119000)

	_, err := f.svc.ListInvoices(ctx, uuid.Nil, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	invs, err := f.svc.ListInvoices(ctx, tenant, nil, nil)
	require.NoError(t, err)
	require.Len(t, invs, 1)

	invs, err = f.svc.ListInvoices(ctx, uuid.New(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, invs)
}
