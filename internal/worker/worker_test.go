package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/entity"
	"github.com/facturanube/facturanube/internal/repository"
)

type fakeJobs struct {
	repository.JobRepository

	stuck    []uuid.UUID
	byStatus map[constants.JobStatus][]*entity.ProcessingJob
	cutoffs  []time.Time
}

func (f *fakeJobs) RequeueStuck(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.stuck, nil
}

func (f *fakeJobs) ListByStatus(_ context.Context, status constants.JobStatus, limit int) ([]*entity.ProcessingJob, error) {
	jobs := f.byStatus[status]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func TestEnqueueFullQueue(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, nil, &fakeJobs{}, nil)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, Task{JobID: uuid.New()}))
	assert.ErrorIs(t, p.Enqueue(ctx, Task{JobID: uuid.New()}), ErrQueueFull)
}

func TestEnqueueCancelledContext(t *testing.T) {
	p := NewPool(Config{QueueSize: 1}, nil, &fakeJobs{}, nil)

	require.NoError(t, p.Enqueue(context.Background(), Task{JobID: uuid.New()}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// full queue and dead context; the context should win over ErrQueueFull
	err := p.Enqueue(ctx, Task{JobID: uuid.New()})
	assert.Error(t, err)
}

func TestEnqueueStampsSubmittedAt(t *testing.T) {
	p := NewPool(Config{QueueSize: 4}, nil, &fakeJobs{}, nil)

	require.NoError(t, p.Enqueue(context.Background(), Task{JobID: uuid.New()}))
	got := <-p.tasks
	assert.False(t, got.SubmittedAt.IsZero())
}

func TestSweepOncePicksUpRunnableJobs(t *testing.T) {
	retry := &entity.ProcessingJob{ID: uuid.New(), Status: constants.JobStatusRetryPending}
	fresh := &entity.ProcessingJob{ID: uuid.New(), Status: constants.JobStatusUploaded}
	jobs := &fakeJobs{
		byStatus: map[constants.JobStatus][]*entity.ProcessingJob{
			constants.JobStatusRetryPending: {retry},
			constants.JobStatusUploaded:     {fresh},
		},
	}
	p := NewPool(Config{QueueSize: 8, StuckTimeout: 10 * time.Minute}, nil, jobs, nil)

	p.sweepOnce(context.Background())

	// retries drain before fresh uploads
	first := <-p.tasks
	second := <-p.tasks
	assert.Equal(t, retry.ID, first.JobID)
	assert.Equal(t, fresh.ID, second.JobID)

	require.Len(t, jobs.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), jobs.cutoffs[0], time.Minute)
}

func TestSweepOnceStopsWhenQueueFills(t *testing.T) {
	many := make([]*entity.ProcessingJob, 5)
	for i := range many {
		many[i] = &entity.ProcessingJob{ID: uuid.New(), Status: constants.JobStatusUploaded}
	}
	jobs := &fakeJobs{byStatus: map[constants.JobStatus][]*entity.ProcessingJob{
		constants.JobStatusUploaded: many,
	}}
	p := NewPool(Config{QueueSize: 2}, nil, jobs, nil)

	p.sweepOnce(context.Background())
	assert.Len(t, p.tasks, 2)
}
