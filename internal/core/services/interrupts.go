package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// InterruptBroker reads, raises and resolves the interrupt embedded in a checkpoint.
// A checkpoint carries at most one unresolved interrupt.
type InterruptBroker struct {
	logger      *slog.Logger
	checkpoints *CheckpointManager
	publisher   ports.EventPublisher
}

func NewInterruptBroker(logger *slog.Logger, checkpoints *CheckpointManager, publisher ports.EventPublisher) *InterruptBroker {
	return &InterruptBroker{
		logger:      logger,
		checkpoints: checkpoints,
		publisher:   publisher,
	}
}

// Pending returns the unresolved interrupt of a stored thread, or nil.
func (b *InterruptBroker) Pending(ctx context.Context, threadID string) (*domain.InterruptValue, error) {
	cp, err := b.checkpoints.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return cp.ChannelValues.PendingInterrupt(), nil
}

// Raise attaches v to cp as the pending interrupt of node and records the node as
// the in-flight task. Any earlier interrupt is replaced.
func (b *InterruptBroker) Raise(cp *domain.Checkpoint, node string, v domain.InterruptValue) {
	v.Resolved = false
	if v.NodeName == "" {
		v.NodeName = node
	}
	cp.ChannelValues.Interrupt = &v
	cp.Tasks = []domain.TaskDescriptor{{Name: node, Interrupt: &v}}
	if v.Type.HumanActionable() {
		cp.ChannelValues.Status = domain.WorkflowStatusPaused
	} else {
		cp.ChannelValues.Status = domain.WorkflowStatusWaiting
	}
}

// Resolve marks the pending interrupt resolved, detaches it from cp and returns it.
func (b *InterruptBroker) Resolve(cp *domain.Checkpoint) (domain.InterruptValue, error) {
	pending := cp.ChannelValues.PendingInterrupt()
	if pending == nil {
		return domain.InterruptValue{}, domain.ErrNoPendingInterrupt
	}
	resolved := *pending
	resolved.Resolved = true

	cp.ChannelValues.Interrupt = nil
	cp.Tasks = nil
	return resolved, nil
}

// NotifyIntervention publishes LLM_INTERVENTION_NEEDED for a human-actionable interrupt.
func (b *InterruptBroker) NotifyIntervention(projectID domain.ProjectID, correlationID string, v domain.InterruptValue) {
	if !v.Type.HumanActionable() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to encode interrupt", "project_id", projectID, "error", err)
		return
	}
	e := domain.NewEvent(projectID, domain.EventInterventionNeeded, string(data))
	e.CorrelationID = correlationID
	b.publisher.Publish(e)
	b.logger.Info("intervention requested", "project_id", projectID, "node", v.NodeName, "type", v.Type)
}
