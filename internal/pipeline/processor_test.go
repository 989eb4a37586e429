package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/classify"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/extract"
	"github.com/facturanube/facturanube/internal/repository"
)

type memBlobs struct {
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, tenantID, documentID uuid.UUID, data []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/%s", tenantID, documentID)
	m.data[ref] = data
	return ref, nil
}

func (m *memBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	b, ok := m.data[ref]
	if !ok {
		return nil, &common.StorageError{Op: "get", Cause: common.ErrNotFound}
	}
	return b, nil
}

type fakeClassifier struct {
	result classify.Result
}

func (f *fakeClassifier) Classify([]byte) classify.Result { return f.result }

type fakeTexts struct {
	pages      []extract.PageText
	extractErr error
	scannedErr error
	dpis       []int
	extracts   int
}

func (f *fakeTexts) Extract(_ context.Context, _ []byte, _ constants.Classification) ([]extract.PageText, error) {
	f.extracts++
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.pages, nil
}

func (f *fakeTexts) ExtractScanned(_ context.Context, _ []byte, dpi int) ([]extract.PageText, error) {
	f.dpis = append(f.dpis, dpi)
	if f.scannedErr != nil {
		return nil, f.scannedErr
	}
	return f.pages, nil
}

type fakeFields struct {
	invoice *entity.ExtractedInvoice
	err     error
	calls   int
}

func (f *fakeFields) Extract(_ context.Context, _ []extract.PageText) (*entity.ExtractedInvoice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	inv := *f.invoice
	return &inv, nil
}

type fixture struct {
	proc  *Processor
	repos *repository.Repositories
	blobs *memBlobs
	texts *fakeTexts
	flds  *fakeFields
	job   *entity.ProcessingJob
}

func newFixture(t *testing.T, cls DocumentClassifier, texts *fakeTexts, flds *fakeFields) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.MigrateSQLite(ctx, db))
	repos := repository.NewSQLite(db, nil)

	blobs := newMemBlobs()
	tenant := uuid.New()
	doc := &entity.InvoiceDocument{
		ID:         uuid.New(),
		TenantID:   tenant,
		UploadedBy: uuid.New(),
		Filename:   "factura.pdf",
	}
	ref, err := blobs.Put(ctx, tenant, doc.ID, []byte("%PDF-1.4 not really"))
	require.NoError(t, err)
	doc.StorageRef = ref
	doc.ContentHash = []byte{1, 2, 3}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	job := &entity.ProcessingJob{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		TenantID:       tenant,
		Status:         constants.JobStatusUploaded,
		Classification: constants.ClassificationUnknown,
	}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	proc := New(Config{MaxAttempts: 3, RetryDPI: 450}, blobs, repos, cls, texts, flds, nil)
	return &fixture{proc: proc, repos: repos, blobs: blobs, texts: texts, flds: flds, job: job}
}

func sampleInvoice() *entity.ExtractedInvoice {
	return &entity.ExtractedInvoice{
		EmitterName: "COMERCIAL EJEMPLO S.A.",
		EmitterRUT:  "76.123.456-7",
		IssueDate:   time.Date(2023, 7, 6, 0, 0, 0, 0, time.UTC),
		Net:         decimal.NewFromInt(100000),
		Tax:         decimal.NewFromInt(19000),
		Total:       decimal.NewFromInt(119000),
		Currency:    "CLP",
		Confidence:  constants.ConfidenceRuleMatched,
	}
}

func scannedResult() classify.Result {
	return classify.Result{Classification: constants.ClassificationScanned, PageCount: 1}
}

func TestProcessHappyPath(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{pages: []extract.PageText{{Page: 1, Text: "MONTO NETO $ 100000"}}}
	f := newFixture(t, &fakeClassifier{result: scannedResult()}, texts, &fakeFields{invoice: sampleInvoice()})

	require.NoError(t, f.proc.Process(ctx, f.job.ID))

	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
	assert.Equal(t, constants.ClassificationScanned, job.Classification)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Nil(t, job.LastError)
	require.NotNil(t, job.RawText)
	assert.Contains(t, *job.RawText, "MONTO NETO")
	require.NotNil(t, job.ExtractionMS)

	inv, err := f.repos.Invoices.GetByJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, f.job.ID, inv.JobID)
	assert.Equal(t, f.job.DocumentID, inv.DocumentID)
	assert.Equal(t, "76.123.456-7", inv.EmitterRUT)
}

func TestProcessRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{scannedErr: &common.ExtractionError{
		Stage: "ocr", Retryable: true, Cause: errors.New("no readable pages"),
	}}
	f := newFixture(t, &fakeClassifier{result: scannedResult()}, texts, &fakeFields{invoice: sampleInvoice()})

	// run 1 (attempt 0) and run 2 (attempt 1) park the job for retry
	for i, wantAttempts := range []int{0, 1} {
		require.NoError(t, f.proc.Process(ctx, f.job.ID))
		job, err := f.repos.Jobs.Get(ctx, f.job.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusRetryPending, job.Status, "run %d", i+1)
		assert.Equal(t, wantAttempts, job.AttemptCount)
		require.NotNil(t, job.LastError)
		assert.Equal(t, constants.StageExtractText, job.LastError.Stage)
		assert.True(t, job.LastError.Retryable)
	}

	// run 3 exhausts the budget
	require.NoError(t, f.proc.Process(ctx, f.job.ID))
	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.AttemptCount)

	// retries rasterize at the higher DPI
	require.Len(t, texts.dpis, 3)
	assert.Equal(t, 0, texts.dpis[0])
	assert.Equal(t, 450, texts.dpis[1])
	assert.Equal(t, 450, texts.dpis[2])

	// terminal jobs are left alone
	require.NoError(t, f.proc.Process(ctx, f.job.ID))
	job, err = f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status)
}

func TestProcessNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{pages: []extract.PageText{{Page: 1, Text: "texto"}}}
	flds := &fakeFields{err: &common.FieldFailure{
		MissingFields: []string{"emitter_rut"}, Retryable: false,
	}}
	f := newFixture(t, &fakeClassifier{result: scannedResult()}, texts, flds)

	require.NoError(t, f.proc.Process(ctx, f.job.ID))

	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, constants.StageExtractFields, job.LastError.Stage)
	assert.False(t, job.LastError.Retryable)
	assert.Contains(t, job.LastError.Message, "emitter_rut")
}

func TestProcessHonorsCancelRequest(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{pages: []extract.PageText{{Page: 1, Text: "texto"}}}
	f := newFixture(t, &fakeClassifier{result: scannedResult()}, texts, &fakeFields{invoice: sampleInvoice()})

	ok, err := f.repos.Jobs.RequestCancel(ctx, f.job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.proc.Process(ctx, f.job.ID))

	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, job.Status)

	_, err = f.repos.Invoices.GetByJob(ctx, f.job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestProcessDigitalFallsBackToOCR(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{
		pages: []extract.PageText{{Page: 1, Text: "texto ocr"}},
		extractErr: &common.ExtractionError{
			Stage: "digital", Cause: errors.New("no text layer"),
		},
	}
	cls := &fakeClassifier{result: classify.Result{
		Classification: constants.ClassificationDigital, PageCount: 1, CharsPerPage: 500,
	}}
	f := newFixture(t, cls, texts, &fakeFields{invoice: sampleInvoice()})

	require.NoError(t, f.proc.Process(ctx, f.job.ID))

	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
	assert.Equal(t, constants.ClassificationDigital, job.Classification)
	assert.Equal(t, 1, texts.extracts, "digital path tried first")
	assert.Equal(t, []int{0}, texts.dpis, "ocr fallback at default dpi")
}

func TestProcessLeavesInFlightJobsAlone(t *testing.T) {
	ctx := context.Background()
	texts := &fakeTexts{pages: []extract.PageText{{Page: 1, Text: "texto"}}}
	flds := &fakeFields{invoice: sampleInvoice()}
	f := newFixture(t, &fakeClassifier{result: scannedResult()}, texts, flds)

	require.NoError(t, f.repos.Jobs.Transition(ctx, f.job.ID,
		constants.JobStatusUploaded, constants.JobStatusExtractingText, repository.TransitionUpdate{}))

	require.NoError(t, f.proc.Process(ctx, f.job.ID))
	assert.Zero(t, flds.calls)

	job, err := f.repos.Jobs.Get(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusExtractingText, job.Status)
}
