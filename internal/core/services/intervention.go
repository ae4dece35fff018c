package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsonmerge "github.com/apapsch/go-jsonmerge/v2"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// InterventionResolver applies an operator decision to a paused checkpoint.
type InterventionResolver struct {
	logger      *slog.Logger
	checkpoints *CheckpointManager
	broker      *InterruptBroker
	publisher   ports.EventPublisher
	now         func() time.Time
}

func NewInterventionResolver(logger *slog.Logger, checkpoints *CheckpointManager, broker *InterruptBroker, publisher ports.EventPublisher) *InterventionResolver {
	return &InterventionResolver{
		logger:      logger,
		checkpoints: checkpoints,
		broker:      broker,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type workflowFailedData struct {
	Node  string `json:"node"`
	Error string `json:"error"`
}

// Apply resolves the pending interrupt of cp according to decision. It reports
// whether the caller should keep stepping the thread. Abort saves the checkpoint
// itself and never proceeds; skip and retry leave saving to the orchestrator loop.
func (r *InterventionResolver) Apply(ctx context.Context, cp *domain.Checkpoint, decision domain.ResumeCommand, correlationID string) (bool, error) {
	if !decision.Action.Valid() {
		return false, fmt.Errorf("resolve intervention: unknown action %q", decision.Action)
	}
	resolved, err := r.broker.Resolve(cp)
	if err != nil {
		return false, err
	}
	state := &cp.ChannelValues
	now := r.now()

	switch decision.Action {
	case domain.InterventionAbort:
		msg := fmt.Sprintf("aborted by operator at %s", resolved.NodeName)
		state.Status = domain.WorkflowStatusFailed
		state.Errors = append(state.Errors, domain.ErrorEntry{
			Kind:      domain.ErrorKindError,
			Node:      resolved.NodeName,
			Function:  resolved.FunctionName,
			Message:   msg,
			Params:    resolved.Params.Clone(),
			Timestamp: now,
		})
		if err := r.checkpoints.SaveCheckpoint(ctx, cp.ThreadID, cp); err != nil {
			return false, err
		}
		publishFullState(r.publisher, r.logger, cp, correlationID)

		data, _ := json.Marshal(workflowFailedData{Node: resolved.NodeName, Error: msg})
		e := domain.NewEvent(state.ProjectID, domain.EventWorkflowFailed, string(data))
		e.CorrelationID = correlationID
		r.publisher.Publish(e)

		r.logger.Info("intervention resolved", "thread_id", cp.ThreadID, "action", decision.Action, "node", resolved.NodeName)
		return false, nil

	case domain.InterventionSkip:
		unit := resolved.CorrectionKey()
		if !state.IsSkipped(unit) {
			state.Skipped = append(state.Skipped, unit)
		}
		state.Errors = append(state.Errors, domain.ErrorEntry{
			Kind:      domain.ErrorKindSkipped,
			Node:      resolved.NodeName,
			Function:  resolved.FunctionName,
			Message:   fmt.Sprintf("skipped by operator: %s", resolved.Error),
			Params:    resolved.Params.Clone(),
			Timestamp: now,
		})
		// a whole node was skipped: step past it instead of running it again
		if resolved.Unit == "" && len(cp.Next) > 0 && cp.Next[0] == resolved.NodeName {
			cp.Next = append([]string(nil), cp.Next[1:]...)
		}

	case domain.InterventionRetry:
		merged, err := MergeParams(resolved.Params, decision.Params)
		if err != nil {
			return false, fmt.Errorf("resolve intervention: %w", err)
		}
		if state.CorrectedParams == nil {
			state.CorrectedParams = make(map[string]domain.Params)
		}
		state.CorrectedParams[resolved.CorrectionKey()] = merged
	}

	state.Status = domain.WorkflowStatusRunning
	r.logger.Info("intervention resolved", "thread_id", cp.ThreadID, "action", decision.Action, "node", resolved.NodeName)
	return true, nil
}

// MergeParams deep-merges revised into base. Keys that base does not carry are
// dropped: only the correctable surface may be revised. Values keep their Go types,
// so untouched numbers are never widened to float64.
func MergeParams(base, revised domain.Params) (domain.Params, error) {
	if len(revised) == 0 {
		return base.Clone(), nil
	}
	merger := &jsonmerge.Merger{CopyNonexistent: false}
	merged, ok := merger.Merge(plainObject(base.Clone()), plainObject(revised.Clone())).(map[string]any)
	if !ok {
		return nil, errors.New("merge params: result is not an object")
	}
	return domain.Params(merged), nil
}

// plainObject rewrites nested Params as map[string]any, the only object shape the
// merger descends into.
func plainObject(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		switch nested := v.(type) {
		case domain.Params:
			out[k] = plainObject(nested)
		case map[string]any:
			out[k] = plainObject(nested)
		default:
			out[k] = v
		}
	}
	return out
}
