package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

const jobColumns = `id, type, project_id, COALESCE(unique_key, ''), state, attempt, max_retries,
	CAST(payload AS TEXT), CAST(result AS TEXT), error, CAST(notes AS TEXT), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                  domain.Job
		id, jobType, state string
		projectID          string
		payload, result    sql.NullString
		notes              sql.NullString
		createdAt, updated time.Time
	)
	if err := row.Scan(&id, &jobType, &projectID, &j.UniqueKey, &state, &j.Attempt, &j.MaxRetries,
		&payload, &result, &j.Error, &notes, &createdAt, &updated); err != nil {
		return domain.Job{}, err
	}
	j.ID = domain.JobID(id)
	j.Type = domain.JobType(jobType)
	j.ProjectID = domain.ProjectID(projectID)
	j.State = domain.JobState(state)
	j.CreatedAt = createdAt.UTC()
	j.UpdatedAt = updated.UTC()

	var err error
	if j.Payload, err = domain.DecodePayload(j.Type, []byte(payload.String)); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	if j.Result, err = domain.DecodeResult(j.Type, []byte(result.String)); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	if notes.String != "" {
		if err := json.Unmarshal([]byte(notes.String), &j.Notes); err != nil {
			return domain.Job{}, fmt.Errorf("job %s notes: %w", id, err)
		}
	}
	return j, nil
}

func loadJob(ctx context.Context, q querier, id domain.JobID) (domain.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// writeJob replaces every mutable column of an existing row.
func writeJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	var result any
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(raw)
	}
	notes, err := json.Marshal(append([]string{}, j.Notes...))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state = ?, attempt = ?, result = ?, error = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempt, result, j.Error, string(notes), j.UpdatedAt.UTC(), string(j.ID))
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repository) InsertJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	payload, err := domain.EncodePayload(job.Type, job.Payload)
	if err != nil {
		return domain.Job{}, false, err
	}
	var result any
	if raw, err := domain.EncodeResult(job.Type, job.Result); err != nil {
		return domain.Job{}, false, err
	} else if raw != nil {
		result = string(raw)
	}
	notes, err := json.Marshal(append([]string{}, job.Notes...))
	if err != nil {
		return domain.Job{}, false, err
	}
	var uniqueKey any
	if job.UniqueKey != "" {
		uniqueKey = job.UniqueKey
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if job.UniqueKey != "" {
		existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE project_id = ? AND type = ? AND unique_key = ? AND state <> 'CANCELLED'`,
			string(job.ProjectID), string(job.Type), job.UniqueKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, fmt.Errorf("load job by unique key: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (id, type, project_id, unique_key, state, attempt, max_retries,
			payload, result, error, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), string(job.Type), string(job.ProjectID), uniqueKey, string(job.State),
		job.Attempt, job.MaxRetries, string(payload), result, job.Error, string(notes),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	stored, err := loadJob(ctx, tx, job.ID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, fmt.Errorf("commit insert: %w", err)
	}
	return stored, true, nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return loadJob(ctx, r.db, id)
}

// ClaimJob takes a non-blocking lock on the job, then a blocking lock on
// (project, type) around the admission count and the flip to RUNNING.
func (r *Repository) ClaimJob(ctx context.Context, req ports.ClaimRequest) (*domain.Job, domain.ClaimOutcome, error) {
	jobLock := r.acquireLock(r.jobLocks, req.LockKey)
	defer r.releaseLock(r.jobLocks, req.LockKey, jobLock)
	if !jobLock.TryLock() {
		return nil, domain.ClaimLockBusy, nil
	}
	defer jobLock.Unlock()

	projectLock := r.acquireLock(r.projectLocks, req.ProjectLockKey)
	defer r.releaseLock(r.projectLocks, req.ProjectLockKey, projectLock)
	projectLock.Lock()
	defer projectLock.Unlock()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := loadJob(ctx, tx, req.JobID)
	if err != nil {
		return nil, "", err
	}
	if job.State != domain.JobStateCreated {
		return nil, domain.ClaimNotClaimable, nil
	}

	var running int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE project_id = ? AND type = ? AND state = 'RUNNING'`,
		string(job.ProjectID), string(job.Type)).Scan(&running); err != nil {
		return nil, "", fmt.Errorf("count running: %w", err)
	}
	if running >= req.Ceiling {
		return nil, domain.ClaimAtCapacity, nil
	}

	job.State = domain.JobStateRunning
	job.UpdatedAt = req.Now.UTC()
	if err := writeJob(ctx, tx, job); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit claim: %w", err)
	}
	return &job, domain.ClaimAcquired, nil
}

func (r *Repository) UpdateJobOptimistic(ctx context.Context, id domain.JobID, expectedAttempt int, allowedFrom []domain.JobState, upd ports.JobUpdate) (*domain.Job, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := loadJob(ctx, tx, id)
	if err != nil {
		return nil, err
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
		j.Notes = append(j.Notes, upd.Note)
	}
	j.UpdatedAt = upd.Now.UTC()

	if err := writeJob(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return &j, nil
}

func (r *Repository) ListJobsByState(ctx context.Context, state domain.JobState, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, string(state), updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *Repository) ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE project_id = ?
		ORDER BY created_at ASC, id ASC`, string(projectID))
	if err != nil {
		return nil, fmt.Errorf("list project jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func containsState(states []domain.JobState, s domain.JobState) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}
