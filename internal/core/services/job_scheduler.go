package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

// JobHandler executes a claimed (RUNNING) job and settles it.
type JobHandler func(ctx context.Context, job domain.Job)

// JobDispatcher is the in-process worker pool. It hears about claimable jobs,
// claims them through the control plane and runs the handler for the job type.
type JobDispatcher struct {
	logger   *slog.Logger
	control  *JobControlPlane
	store    ports.JobStore
	cfg      domain.DispatchConfig
	pending  chan domain.JobID
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	handlers map[domain.JobType]JobHandler
	mu       sync.RWMutex
}

var _ ports.JobNotifier = (*JobDispatcher)(nil)

func NewJobDispatcher(logger *slog.Logger, control *JobControlPlane, store ports.JobStore, cfg domain.DispatchConfig) *JobDispatcher {
	limit := cfg.Workers
	if limit <= 0 {
		limit = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	d := &JobDispatcher{
		logger:   logger,
		control:  control,
		store:    store,
		cfg:      cfg,
		pending:  make(chan domain.JobID, 1024),
		sem:      semaphore.NewWeighted(limit),
		handlers: make(map[domain.JobType]JobHandler),
	}
	control.SetNotifier(d)
	return d
}

// Register installs the handler for one job type.
func (d *JobDispatcher) Register(t domain.JobType, h JobHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// JobDispatched queues a job id for claiming. A full queue drops the id; the
// periodic sweep picks it up later.
func (d *JobDispatcher) JobDispatched(ctx context.Context, job domain.Job) {
	d.enqueue(job.ID)
}

func (d *JobDispatcher) enqueue(id domain.JobID) {
	select {
	case d.pending <- id:
	default:
		d.logger.Warn("dispatch queue full, leaving job for sweep", "job_id", id)
	}
}

// Run consumes the queue until ctx is cancelled, then waits for running handlers.
func (d *JobDispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting job dispatcher", "workers", d.cfg.Workers)

	var sweepC <-chan time.Time
	if d.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
	}
	d.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopping dispatcher, waiting for handlers")
			d.wg.Wait()
			return nil
		case <-sweepC:
			d.sweep(ctx)
		case id := <-d.pending:
			if err := d.sem.Acquire(ctx, 1); err != nil {
				continue
			}
			d.dispatch(ctx, id)
		}
	}
}

// dispatch runs with one semaphore unit held and releases it on every path.
func (d *JobDispatcher) dispatch(ctx context.Context, id domain.JobID) {
	job, outcome, err := d.control.TryClaim(ctx, id)
	if err != nil {
		d.sem.Release(1)
		d.logger.Error("claim failed", "job_id", id, "error", err)
		return
	}
	if job == nil {
		d.sem.Release(1)
		if outcome == domain.ClaimAtCapacity || outcome == domain.ClaimLockBusy {
			d.retryLater(ctx, id)
		}
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		d.sem.Release(1)
		d.logger.Error("no handler for job type", "job_id", id, "type", job.Type)
		msg := "no handler registered for job type " + string(job.Type)
		_, _ = d.control.UpdateJobStateOptimistic(ctx, id, job.Attempt, domain.JobPatch{
			State: domain.StatePtr(domain.JobStateFailed),
			Error: &msg,
		})
		return
	}

	d.wg.Add(1)
	go func(j domain.Job) {
		defer d.wg.Done()
		defer d.sem.Release(1)
		handler(ctx, j)
	}(*job)
}

func (d *JobDispatcher) retryLater(ctx context.Context, id domain.JobID) {
	time.AfterFunc(d.cfg.RetryDelay, func() {
		if ctx.Err() == nil {
			d.enqueue(id)
		}
	})
}

// sweep re-announces CREATED jobs, including those created by other processes.
func (d *JobDispatcher) sweep(ctx context.Context) {
	jobs, err := d.store.ListJobsByState(ctx, domain.JobStateCreated, time.Now().UTC().Add(time.Second), 500)
	if err != nil {
		d.logger.Error("dispatch sweep failed", "error", err)
		return
	}
	for _, j := range jobs {
		d.enqueue(j.ID)
	}
}
