package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/manthysbr/sceneforge/internal/core/domain"
)

func (s *Store) GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// PutCheckpoint replaces the whole snapshot of the thread.
func (s *Store) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ThreadID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, version, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		cp.ThreadID, cp.Version, data, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ThreadID, err)
	}
	return nil
}
