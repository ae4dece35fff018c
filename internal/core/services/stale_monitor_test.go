package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitorConfig() domain.MonitorConfig {
	return domain.MonitorConfig{
		Interval:        time.Second,
		LivenessTimeout: time.Minute,
		BackoffBase:     time.Second,
		BackoffMax:      time.Minute,
		BatchSize:       50,
	}
}

// claimedJob creates and claims a clip job in its own project.
func claimedJob(t *testing.T, cp *JobControlPlane, project string, maxRetries int) domain.Job {
	t.Helper()
	spec := clipSpec(domain.ProjectID(project), 0)
	spec.MaxRetries = domain.IntPtr(maxRetries)
	job, err := cp.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	claimed, err := cp.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return *claimed
}

func countNotes(job domain.Job, prefix string) int {
	n := 0
	for _, note := range job.Notes {
		if strings.HasPrefix(note, prefix) {
			n++
		}
	}
	return n
}

func TestStaleJobMonitor_ConcurrentPassesRequeueOnce(t *testing.T) {
	cp, store, _, _ := newTestControlPlane()
	var jobs []domain.Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, claimedJob(t, cp, fmt.Sprintf("proj-%d", i), 3))
	}

	later := func() time.Time { return time.Now().UTC().Add(time.Hour) }
	monitors := make([]*StaleJobMonitor, 4)
	for i := range monitors {
		monitors[i] = NewStaleJobMonitor(testLogger(), store, cp, testMonitorConfig())
		monitors[i].now = later
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []PassReport
	)
	for _, m := range monitors {
		wg.Add(1)
		go func(m *StaleJobMonitor) {
			defer wg.Done()
			r, err := m.RunPass(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	total := 0
	for _, r := range reports {
		total += r.StaleRequeued
	}
	assert.Equal(t, len(jobs), total, "every stale job is requeued exactly once")

	for _, j := range jobs {
		got, err := cp.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCreated, got.State)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, 1, countNotes(got, string(domain.RequeueStaleRecovery)))
	}
}

func TestStaleJobMonitor_FreshJobsAreLeftAlone(t *testing.T) {
	cp, store, _, _ := newTestControlPlane()
	job := claimedJob(t, cp, "proj-1", 3)

	m := NewStaleJobMonitor(testLogger(), store, cp, testMonitorConfig())
	report, err := m.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassReport{}, report)

	got, err := cp.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, got.State)
}

func TestStaleJobMonitor_ExhaustedJobFailsAndNotifies(t *testing.T) {
	cp, store, _, _ := newTestControlPlane()
	ctx := context.Background()
	job := claimedJob(t, cp, "proj-1", 1)

	m := NewStaleJobMonitor(testLogger(), store, cp, testMonitorConfig())
	m.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	var exhausted []domain.Job
	m.OnExhausted = func(ctx context.Context, j domain.Job) { exhausted = append(exhausted, j) }

	report, err := m.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleRequeued)

	again, err := cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempt)

	report, err = m.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleFailed)
	assert.Zero(t, report.RetryRequeued, "out of budget, no backoff retry either")

	got, err := cp.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "retry budget exhausted")

	require.Len(t, exhausted, 1)
	assert.Equal(t, job.ID, exhausted[0].ID)
}

func TestStaleJobMonitor_BackoffRetryOfFailedJob(t *testing.T) {
	cp, store, _, notifier := newTestControlPlane()
	ctx := context.Background()
	job := claimedJob(t, cp, "proj-1", 3)

	msg := "renderer crashed"
	_, err := cp.UpdateJobStateOptimistic(ctx, job.ID, job.Attempt, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed),
		Error: &msg,
	})
	require.NoError(t, err)

	m := NewStaleJobMonitor(testLogger(), store, cp, testMonitorConfig())

	// backoff for attempt 0 is one second; not elapsed yet
	report, err := m.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RetryRequeued)

	m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Second) }
	before := notifier.count()
	report, err = m.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RetryRequeued)
	assert.Equal(t, before+1, notifier.count(), "requeued job is dispatched again")

	got, err := cp.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCreated, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Nil(t, got.Error)
	assert.Equal(t, 1, countNotes(got, string(domain.RequeueBackoffRetry)))
}

func TestStaleJobMonitor_WorkflowFailuresAreNotRetried(t *testing.T) {
	cp, store, _, _ := newTestControlPlane()
	ctx := context.Background()
	job, err := cp.CreateJob(ctx, domain.JobSpec{
		Type:      domain.JobTypeWorkflow,
		ProjectID: "proj-1",
		Payload:   domain.WorkflowPayload{CommandID: "c1"},
	})
	require.NoError(t, err)
	claimed, err := cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{State: domain.StatePtr(domain.JobStateFailed)})
	require.NoError(t, err)

	m := NewStaleJobMonitor(testLogger(), store, cp, testMonitorConfig())
	m.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err := m.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RetryRequeued)
}

func TestStaleJobMonitor_RetryDelayIsCapped(t *testing.T) {
	m := NewStaleJobMonitor(testLogger(), nil, nil, testMonitorConfig())
	assert.Equal(t, time.Second, m.RetryDelay(0))
	assert.Equal(t, 4*time.Second, m.RetryDelay(2))
	assert.Equal(t, time.Minute, m.RetryDelay(20))
}
