package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// PassReport counts what one reconciliation pass did.
type PassReport struct {
	StaleRequeued int
	StaleFailed   int
	RetryRequeued int
	Conflicts     int
}

// StaleJobMonitor requeues RUNNING jobs whose worker went quiet and FAILED jobs
// whose backoff has elapsed. Passes are safe to run concurrently from many processes.
type StaleJobMonitor struct {
	logger  *slog.Logger
	store   ports.JobStore
	control *JobControlPlane
	cfg     domain.MonitorConfig
	// OnExhausted is told about jobs that ran out of retries so the owning workflow
	// can raise an interrupt.
	OnExhausted func(ctx context.Context, job domain.Job)
	now         func() time.Time
}

func NewStaleJobMonitor(logger *slog.Logger, store ports.JobStore, control *JobControlPlane, cfg domain.MonitorConfig) *StaleJobMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &StaleJobMonitor{
		logger:  logger,
		store:   store,
		control: control,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the monitor loop. Blocks until ctx is cancelled.
func (m *StaleJobMonitor) Run(ctx context.Context) error {
	m.logger.Info("stale job monitor started", "interval", m.cfg.Interval, "liveness_timeout", m.cfg.LivenessTimeout)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stale job monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.RunPass(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("monitor pass failed", "error", err)
			}
		}
	}
}

// RunPass performs one read-then-optimistic-write reconciliation pass.
func (m *StaleJobMonitor) RunPass(ctx context.Context) (PassReport, error) {
	var report PassReport
	now := m.now()

	stale, err := m.store.ListJobsByState(ctx, domain.JobStateRunning, now.Add(-m.cfg.LivenessTimeout), m.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		m.recoverStale(ctx, job, &report)
	}

	failed, err := m.store.ListJobsByState(ctx, domain.JobStateFailed, now, m.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list failed jobs: %w", err)
	}
	for _, job := range failed {
		if !job.Type.RetryOnFailure() || !job.RetriesLeft() {
			continue
		}
		if now.Sub(job.UpdatedAt) < m.RetryDelay(job.Attempt) {
			continue
		}
		requeued, err := m.control.RequeueJob(ctx, job.ID, job.Attempt, domain.RequeueBackoffRetry)
		switch {
		case err != nil:
			m.logger.Error("backoff requeue failed", "job_id", job.ID, "error", err)
		case requeued == nil:
			report.Conflicts++
		default:
			report.RetryRequeued++
		}
	}

	if report != (PassReport{}) {
		m.logger.Info("monitor pass", "stale_requeued", report.StaleRequeued, "stale_failed", report.StaleFailed,
			"retry_requeued", report.RetryRequeued, "conflicts", report.Conflicts)
	}
	return report, nil
}

func (m *StaleJobMonitor) recoverStale(ctx context.Context, job domain.Job, report *PassReport) {
	requeued, err := m.control.RequeueJob(ctx, job.ID, job.Attempt, domain.RequeueStaleRecovery)
	if err == nil {
		if requeued == nil {
			report.Conflicts++
		} else {
			report.StaleRequeued++
		}
		return
	}
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		m.logger.Error("stale requeue failed", "job_id", job.ID, "error", err)
		return
	}

	msg := fmt.Sprintf("worker lost after %d attempts, retry budget exhausted", job.Attempt+1)
	failed, err := m.control.UpdateJobStateOptimistic(ctx, job.ID, job.Attempt, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed),
		Error: &msg,
		Note:  string(domain.RequeueStaleRecovery) + ": retries exhausted",
	})
	if err != nil {
		m.logger.Error("failed to fail exhausted job", "job_id", job.ID, "error", err)
		return
	}
	if failed == nil {
		report.Conflicts++
		return
	}
	report.StaleFailed++
	if m.OnExhausted != nil {
		m.OnExhausted(ctx, *failed)
	}
}

// RetryDelay is the wait before a FAILED job at attempt n is retried.
func (m *StaleJobMonitor) RetryDelay(attempt int) time.Duration {
	return backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt)
}
