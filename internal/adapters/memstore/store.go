// Package memstore keeps jobs and checkpoints in process memory. It honours the same
// guard and claim semantics as the relational stores and backs the "memory" storage
// mode and the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

type Store struct {
	mu          sync.Mutex
	jobs        map[domain.JobID]domain.Job
	order       []domain.JobID
	checkpoints map[string]domain.Checkpoint

	lockMu       sync.Mutex
	jobLocks     map[int64]*keyedLock
	projectLocks map[int64]*keyedLock
}

// keyedLock is dropped from its table once no claimer holds or waits on it.
type keyedLock struct {
	sync.Mutex
	refs int
}

var (
	_ ports.JobStore        = (*Store)(nil)
	_ ports.CheckpointStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		jobs:         make(map[domain.JobID]domain.Job),
		checkpoints:  make(map[string]domain.Checkpoint),
		jobLocks:     make(map[int64]*keyedLock),
		projectLocks: make(map[int64]*keyedLock),
	}
}

func copyJob(j domain.Job) domain.Job {
	j.Notes = append([]string(nil), j.Notes...)
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return domain.Job{}, false, fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	if job.UniqueKey != "" {
		for _, id := range s.order {
			other := s.jobs[id]
			if other.ProjectID == job.ProjectID && other.Type == job.Type &&
				other.UniqueKey == job.UniqueKey && other.State != domain.JobStateCancelled {
				return copyJob(other), false, nil
			}
		}
	}

	s.jobs[job.ID] = copyJob(job)
	s.order = append(s.order, job.ID)
	return copyJob(job), true, nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *Store) acquireLock(table map[int64]*keyedLock, key int64) *keyedLock {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := table[key]
	if !ok {
		l = &keyedLock{}
		table[key] = l
	}
	l.refs++
	return l
}

func (s *Store) releaseLock(table map[int64]*keyedLock, key int64, l *keyedLock) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(table, key)
	}
}

// ClaimJob mirrors the relational claim: a non-blocking per-job lock, then a blocking
// per-(project,type) lock around the capacity count and the flip to RUNNING.
func (s *Store) ClaimJob(ctx context.Context, req ports.ClaimRequest) (*domain.Job, domain.ClaimOutcome, error) {
	jobLock := s.acquireLock(s.jobLocks, req.LockKey)
	defer s.releaseLock(s.jobLocks, req.LockKey, jobLock)
	if !jobLock.TryLock() {
		return nil, domain.ClaimLockBusy, nil
	}
	defer jobLock.Unlock()

	projectLock := s.acquireLock(s.projectLocks, req.ProjectLockKey)
	defer s.releaseLock(s.projectLocks, req.ProjectLockKey, projectLock)
	projectLock.Lock()
	defer projectLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[req.JobID]
	if !ok {
		return nil, "", domain.ErrJobNotFound
	}
	if j.State != domain.JobStateCreated {
		return nil, domain.ClaimNotClaimable, nil
	}

	running := 0
	for _, other := range s.jobs {
		if other.ProjectID == j.ProjectID && other.Type == j.Type && other.State == domain.JobStateRunning {
			running++
		}
	}
	if running >= req.Ceiling {
		return nil, domain.ClaimAtCapacity, nil
	}

	j.State = domain.JobStateRunning
	j.UpdatedAt = req.Now
	s.jobs[j.ID] = j
	out := copyJob(j)
	return &out, domain.ClaimAcquired, nil
}

func (s *Store) UpdateJobOptimistic(ctx context.Context, id domain.JobID, expectedAttempt int, allowedFrom []domain.JobState, upd ports.JobUpdate) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Attempt != expectedAttempt || !containsState(allowedFrom, j.State) {
		return nil, nil
	}

	if upd.State != nil {
		j.State = *upd.State
	}
	if upd.IncrementAttempt {
		j.Attempt++
	}
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.ClearError {
		j.Error = nil
	}
	if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	if upd.Note != "" {
		j.Notes = append(append([]string(nil), j.Notes...), upd.Note)
	}
	j.UpdatedAt = upd.Now
	s.jobs[id] = j

	out := copyJob(j)
	return &out, nil
}

func (s *Store) ListJobsByState(ctx context.Context, state domain.JobState, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State == state && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, copyJob(j))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, id := range s.order {
		if j := s.jobs[id]; j.ProjectID == projectID {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	out := cp.Clone()
	return &out, nil
}

func (s *Store) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[cp.ThreadID] = cp.Clone()
	return nil
}

func containsState(states []domain.JobState, s domain.JobState) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}
