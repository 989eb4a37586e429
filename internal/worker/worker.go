// Package worker runs the processing pool: a bounded in-process queue, N
// workers draining it, and a periodic sweep that rescues jobs the queue lost
// (process restarts, full queue, workers that died mid-stage).
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/repository"
	processor "github.com/facturanube/facturanube/internal/pipeline"
)

// ErrQueueFull is returned by Enqueue when the queue has no room. The job is
// not lost: the sweep picks it up from the database later.
var ErrQueueFull = errors.New("processing queue full")

// Task is one unit of queued work.
type Task struct {
	JobID       uuid.UUID
	SubmittedAt time.Time
}

// Queue is the upload service's handle on the pool.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}

// NopQueue discards enqueues. Used by tools that share the database with a
// running daemon and rely on its sweep for pickup.
type NopQueue struct{}

func (NopQueue) Enqueue(context.Context, Task) error { return nil }

type Config struct {
	Workers       int           // default 4
	QueueSize     int           // default 256
	SweepInterval time.Duration // default 1m
	StuckTimeout  time.Duration // default 10m
	PickupBatch   int           // jobs fetched per sweep per status, default 64
}

type Pool struct {
	cfg    Config
	proc   *processor.Processor
	jobs   repository.JobRepository
	tasks  chan Task
	logger *slog.Logger
}

func NewPool(cfg Config, proc *processor.Processor, jobs repository.JobRepository, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 10 * time.Minute
	}
	if cfg.PickupBatch <= 0 {
		cfg.PickupBatch = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		proc:   proc,
		jobs:   jobs,
		tasks:  make(chan Task, cfg.QueueSize),
		logger: logger,
	}
}

func (p *Pool) Enqueue(ctx context.Context, t Task) error {
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn("queue full, deferring to sweep", "job_id", t.JobID)
		return ErrQueueFull
	}
}

// Run blocks until ctx is cancelled, then drains nothing: in-flight stages
// finish via their own context and unfinished jobs are swept on next start.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
		"sweep_interval", p.cfg.SweepInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.work(ctx, id) })
	}
	g.Go(func() error { return p.sweep(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	log := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-p.tasks:
			log.Debug("picked up job", "job_id", t.JobID, "queued_for", time.Since(t.SubmittedAt))
			if err := p.proc.Process(ctx, t.JobID); err != nil {
				log.Error("job processing errored", "job_id", t.JobID, "error", err)
			}
		}
	}
}

// sweep requeues stuck jobs and feeds runnable ones back into the queue.
// It is the only pickup path after a restart.
func (p *Pool) sweep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	// immediate first pass so a restart resumes promptly
	p.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.StuckTimeout)
	requeued, err := p.jobs.RequeueStuck(ctx, cutoff)
	if err != nil {
		p.logger.Error("stuck-job sweep failed", "error", err)
	} else if len(requeued) > 0 {
		p.logger.Warn("requeued stuck jobs", "count", len(requeued))
	}

	enqueued := 0
	for _, status := range []constants.JobStatus{constants.JobStatusRetryPending, constants.JobStatusUploaded} {
		jobs, err := p.jobs.ListByStatus(ctx, status, p.cfg.PickupBatch)
		if err != nil {
			p.logger.Error("sweep pickup failed", "status", status, "error", err)
			continue
		}
		for _, job := range jobs {
			if err := p.Enqueue(ctx, Task{JobID: job.ID}); err != nil {
				return // queue full or shutting down, try again next tick
			}
			enqueued++
		}
	}
	if enqueued > 0 {
		p.logger.Debug("sweep enqueued jobs", "count", enqueued)
	}
}
