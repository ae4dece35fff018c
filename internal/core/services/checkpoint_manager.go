package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// CheckpointManager loads and saves full workflow snapshots. Every save replaces the
// previous checkpoint of the thread; there is no merging.
type CheckpointManager struct {
	logger *slog.Logger
	store  ports.CheckpointStore
	now    func() time.Time
}

func NewCheckpointManager(logger *slog.Logger, store ports.CheckpointStore) *CheckpointManager {
	return &CheckpointManager{
		logger: logger,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LoadCheckpoint returns the latest checkpoint of the thread, or nil when there is none.
func (m *CheckpointManager) LoadCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

// SaveCheckpoint stamps cp with the thread id, the next version and the save time,
// then writes it.
func (m *CheckpointManager) SaveCheckpoint(ctx context.Context, threadID string, cp *domain.Checkpoint) error {
	cp.ThreadID = threadID
	cp.Version++
	cp.UpdatedAt = m.now()
	if cp.Next == nil {
		cp.Next = []string{}
	}

	if err := m.store.PutCheckpoint(ctx, *cp); err != nil {
		cp.Version--
		return fmt.Errorf("save checkpoint %s: %w", threadID, err)
	}
	m.logger.Debug("checkpoint saved", "thread_id", threadID, "version", cp.Version, "next", cp.Next)
	return nil
}
