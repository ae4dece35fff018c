package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

func (r *Repository) GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT CAST(data AS TEXT) FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

func (r *Repository) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ThreadID, err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, version, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		cp.ThreadID, cp.Version, string(data), cp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ThreadID, err)
	}
	return nil
}
