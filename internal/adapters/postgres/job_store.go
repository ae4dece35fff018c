package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

var (
	_ ports.JobStore        = (*Store)(nil)
	_ ports.CheckpointStore = (*Store)(nil)
)

const jobColumns = `id, type, project_id, COALESCE(unique_key, ''), state, attempt, max_retries,
	payload, result, error, notes, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j                  domain.Job
		jobType, state     string
		projectID, id      string
		payload, result    []byte
		notes              []byte
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
	if j.Payload, err = domain.DecodePayload(j.Type, payload); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	if j.Result, err = domain.DecodeResult(j.Type, result); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &j.Notes); err != nil {
			return domain.Job{}, fmt.Errorf("job %s notes: %w", id, err)
		}
	}
	return j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	payload, err := domain.EncodePayload(job.Type, job.Payload)
	if err != nil {
		return domain.Job{}, false, err
	}
	result, err := domain.EncodeResult(job.Type, job.Result)
	if err != nil {
		return domain.Job{}, false, err
	}
	notes, err := json.Marshal(append([]string{}, job.Notes...))
	if err != nil {
		return domain.Job{}, false, err
	}

	// the existing live row can be cancelled between the conflict and the lookup
	for try := 0; try < 3; try++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO jobs (id, type, project_id, unique_key, state, attempt, max_retries,
				payload, result, error, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (project_id, type, unique_key)
				WHERE unique_key IS NOT NULL AND state <> 'CANCELLED'
				DO NOTHING
			RETURNING `+jobColumns,
			string(job.ID), string(job.Type), string(job.ProjectID), nullable(job.UniqueKey), string(job.State),
			job.Attempt, job.MaxRetries, payload, result, job.Error, notes, job.CreatedAt, job.UpdatedAt)

		stored, err := scanJob(row)
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
		}

		existing, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE project_id = $1 AND type = $2 AND unique_key = $3 AND state <> 'CANCELLED'`,
			string(job.ProjectID), string(job.Type), job.UniqueKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, fmt.Errorf("load job by unique key: %w", err)
		}
	}
	return domain.Job{}, false, fmt.Errorf("insert job %s: unique key %q kept conflicting", job.ID, job.UniqueKey)
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ClaimJob runs the claim transaction: a non-blocking advisory lock on the job, a
// blocking advisory lock on (project, type) for the admission count, a re-check of
// the state and the flip to RUNNING. Both locks are released at commit.
func (s *Store) ClaimJob(ctx context.Context, req ports.ClaimRequest) (*domain.Job, domain.ClaimOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, req.LockKey).Scan(&locked); err != nil {
		return nil, "", fmt.Errorf("job lock: %w", err)
	}
	if !locked {
		return nil, domain.ClaimLockBusy, nil
	}

	var state, projectID, jobType string
	err = tx.QueryRow(ctx, `SELECT state, project_id, type FROM jobs WHERE id = $1`, string(req.JobID)).
		Scan(&state, &projectID, &jobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrJobNotFound, req.JobID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load job: %w", err)
	}
	if domain.JobState(state) != domain.JobStateCreated {
		return nil, domain.ClaimNotClaimable, nil
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, req.ProjectLockKey); err != nil {
		return nil, "", fmt.Errorf("admission lock: %w", err)
	}
	var running int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE project_id = $1 AND type = $2 AND state = 'RUNNING'`,
		projectID, jobType).Scan(&running); err != nil {
		return nil, "", fmt.Errorf("count running: %w", err)
	}
	if running >= req.Ceiling {
		return nil, domain.ClaimAtCapacity, nil
	}

	job, err := scanJob(tx.QueryRow(ctx, `UPDATE jobs SET state = 'RUNNING', updated_at = $2
		WHERE id = $1 AND state = 'CREATED'
		RETURNING `+jobColumns, string(req.JobID), req.Now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ClaimNotClaimable, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("flip to running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit claim: %w", err)
	}
	return &job, domain.ClaimAcquired, nil
}

// UpdateJobOptimistic is a single conditional UPDATE keyed on (id, attempt, state).
func (s *Store) UpdateJobOptimistic(ctx context.Context, id domain.JobID, expectedAttempt int, allowedFrom []domain.JobState, upd ports.JobUpdate) (*domain.Job, error) {
	var state *string
	if upd.State != nil {
		v := string(*upd.State)
		state = &v
	}
	var result []byte
	if upd.Result != nil {
		var err error
		if result, err = json.Marshal(upd.Result); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}
	from := make([]string, len(allowedFrom))
	for i, st := range allowedFrom {
		from[i] = string(st)
	}

	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state = COALESCE($4::text, state),
			attempt = attempt + CASE WHEN $5::bool THEN 1 ELSE 0 END,
			result = COALESCE($6::jsonb, result),
			error = CASE
				WHEN $8::text IS NOT NULL THEN $8::text
				WHEN $7::bool THEN NULL
				ELSE error END,
			notes = CASE WHEN $9::text <> '' THEN notes || jsonb_build_array($9::text) ELSE notes END,
			updated_at = $10
		WHERE id = $1 AND attempt = $2 AND state = ANY($3::text[])
		RETURNING `+jobColumns,
		string(id), expectedAttempt, from, state, upd.IncrementAttempt, result, upd.ClearError, upd.Error, upd.Note, upd.Now))
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil, nil
}

func (s *Store) ListJobsByState(ctx context.Context, state domain.JobState, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(state), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE project_id = $1
		ORDER BY created_at ASC, id ASC`, string(projectID))
	if err != nil {
		return nil, fmt.Errorf("list project jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
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
