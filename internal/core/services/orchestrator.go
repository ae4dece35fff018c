package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
	"github.com/manthysbr/sceneforge/internal/logging"
)

// StepOutcome is what one workflow node reports back to the orchestrator loop.
// It is one of StepContinue, StepPaused or StepFailed.
type StepOutcome interface {
	stepOutcome()
}

// StepContinue advances the thread to the next node.
type StepContinue struct{}

// StepPaused halts the thread with an interrupt; the node runs again on resume.
type StepPaused struct {
	Interrupt domain.InterruptValue
}

// StepFailed stops the thread. The node stays at the head of next.
type StepFailed struct {
	Err error
}

func (StepContinue) stepOutcome() {}
func (StepPaused) stepOutcome()   {}
func (StepFailed) stepOutcome()   {}

// WorkflowGraph is an ordered list of nodes that mutate the workflow state.
type WorkflowGraph interface {
	Nodes() []string
	RunNode(ctx context.Context, node string, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome
}

// RunOutcome summarizes where a Run call left the thread.
type RunOutcome struct {
	Status     domain.WorkflowStatus
	Interrupt  *domain.InterruptValue
	Checkpoint domain.Checkpoint
}

var errStopRequested = errors.New("stop requested")

// WorkflowOrchestrator steps a workflow thread, saving a checkpoint and publishing
// FULL_STATE after every node.
type WorkflowOrchestrator struct {
	logger      *slog.Logger
	checkpoints *CheckpointManager
	broker      *InterruptBroker
	resolver    *InterventionResolver
	graph       WorkflowGraph
	publisher   ports.EventPublisher

	mu     sync.Mutex
	tokens map[string]context.CancelCauseFunc
}

func NewWorkflowOrchestrator(logger *slog.Logger, checkpoints *CheckpointManager, broker *InterruptBroker, resolver *InterventionResolver, graph WorkflowGraph, publisher ports.EventPublisher) *WorkflowOrchestrator {
	return &WorkflowOrchestrator{
		logger:      logger,
		checkpoints: checkpoints,
		broker:      broker,
		resolver:    resolver,
		graph:       graph,
		publisher:   publisher,
		tokens:      make(map[string]context.CancelCauseFunc),
	}
}

// Stop aborts the in-flight run of threadID in this process. It reports whether
// a run was found.
func (o *WorkflowOrchestrator) Stop(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.tokens[threadID]
	if ok {
		cancel(errStopRequested)
	}
	return ok
}

// Running reports whether threadID has an active run in this process.
func (o *WorkflowOrchestrator) Running(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tokens[threadID]
	return ok
}

func (o *WorkflowOrchestrator) register(ctx context.Context, threadID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.tokens[threadID] = cancel
	o.mu.Unlock()
	return runCtx, func() {
		o.mu.Lock()
		delete(o.tokens, threadID)
		o.mu.Unlock()
		cancel(nil)
	}
}

// Run starts a thread from input, or resumes it from its latest checkpoint when
// input is nil. A non-nil resume applies an operator decision before stepping.
func (o *WorkflowOrchestrator) Run(ctx context.Context, threadID string, input *domain.WorkflowInput, resume *domain.ResumeCommand) (RunOutcome, error) {
	runCtx, release := o.register(ctx, threadID)
	defer release()

	elog := logging.NewEventLogger(o.logger, o.publisher, domain.ProjectID(threadID), uuid.New().String())

	cp, err := o.checkpoints.LoadCheckpoint(runCtx, threadID)
	if err != nil {
		return RunOutcome{}, err
	}

	if input != nil {
		fresh := newCheckpoint(threadID, *input, o.graph.Nodes())
		if cp != nil {
			fresh.Version = cp.Version
		}
		cp = &fresh
		if err := o.checkpoints.SaveCheckpoint(runCtx, threadID, cp); err != nil {
			return RunOutcome{}, err
		}
		data, _ := json.Marshal(input)
		o.publish(elog, domain.EventWorkflowStarted, string(data))
		publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
		elog.Info("workflow started", true, "scene_count", input.SceneCount)
	} else if cp == nil {
		return RunOutcome{}, fmt.Errorf("resume %s: %w", threadID, domain.ErrCheckpointNotFound)
	}

	if resume != nil {
		proceed, err := o.resolver.Apply(runCtx, cp, *resume, elog.CorrelationID())
		if err != nil {
			return outcomeOf(cp), err
		}
		if !proceed {
			return outcomeOf(cp), nil
		}
		return o.loop(runCtx, threadID, cp, elog)
	}
	if pending := cp.ChannelValues.PendingInterrupt(); pending != nil {
		if pending.Type.HumanActionable() {
			publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
			return outcomeOf(cp), nil
		}
		// a job the thread waited on has settled; run the node again to collect it
		if _, err := o.broker.Resolve(cp); err != nil {
			return outcomeOf(cp), err
		}
	}

	if len(cp.Next) == 0 {
		publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
		return outcomeOf(cp), nil
	}

	cp.ChannelValues.Status = domain.WorkflowStatusRunning
	return o.loop(runCtx, threadID, cp, elog)
}

func (o *WorkflowOrchestrator) loop(ctx context.Context, threadID string, cp *domain.Checkpoint, elog *logging.EventLogger) (RunOutcome, error) {
	for len(cp.Next) > 0 {
		node := cp.Next[0]
		if ctx.Err() != nil {
			return o.aborted(ctx, threadID, node, elog)
		}

		work := cp.Clone()
		work.Tasks = []domain.TaskDescriptor{{Name: node}}
		elog.Debug("running node", false, "node", node)
		outcome := o.graph.RunNode(ctx, node, &work.ChannelValues, elog)

		if ctx.Err() != nil {
			return o.aborted(ctx, threadID, node, elog)
		}

		switch out := outcome.(type) {
		case StepContinue:
			work.Next = append([]string(nil), work.Next[1:]...)
			work.Tasks = nil
			if err := o.checkpoints.SaveCheckpoint(ctx, threadID, &work); err != nil {
				return outcomeOf(cp), err
			}
			cp = &work
			publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())

		case StepPaused:
			o.broker.Raise(&work, node, out.Interrupt)
			if err := o.checkpoints.SaveCheckpoint(ctx, threadID, &work); err != nil {
				return outcomeOf(cp), err
			}
			cp = &work
			publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
			if out.Interrupt.Type.HumanActionable() {
				o.broker.NotifyIntervention(cp.ChannelValues.ProjectID, elog.CorrelationID(), *cp.ChannelValues.Interrupt)
				elog.Warn("workflow paused for intervention", true, "node", node, "reason", out.Interrupt.Error)
			} else {
				elog.Info("workflow waiting", false, "node", node, "interrupt", out.Interrupt.Type)
			}
			return outcomeOf(cp), nil

		case StepFailed:
			if errors.Is(out.Err, domain.ErrAborted) || errors.Is(out.Err, context.Canceled) {
				return o.aborted(ctx, threadID, node, elog)
			}
			return o.failed(ctx, threadID, &work, node, out.Err, elog)

		default:
			return o.failed(ctx, threadID, &work, node, fmt.Errorf("unknown step outcome %T", outcome), elog)
		}
	}

	cp.ChannelValues.Status = domain.WorkflowStatusCompleted
	cp.Tasks = nil
	if err := o.checkpoints.SaveCheckpoint(ctx, threadID, cp); err != nil {
		return outcomeOf(cp), err
	}
	publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
	data, _ := json.Marshal(cp)
	o.publish(elog, domain.EventWorkflowCompleted, string(data))
	elog.Info("workflow completed", true, "final_video", cp.ChannelValues.FinalVideoRef)
	return outcomeOf(cp), nil
}

func (o *WorkflowOrchestrator) failed(ctx context.Context, threadID string, work *domain.Checkpoint, node string, stepErr error, elog *logging.EventLogger) (RunOutcome, error) {
	work.ChannelValues.Status = domain.WorkflowStatusFailed
	work.Tasks = nil
	work.ChannelValues.Errors = append(work.ChannelValues.Errors, domain.ErrorEntry{
		Kind:      domain.ErrorKindError,
		Node:      node,
		Message:   stepErr.Error(),
		Timestamp: time.Now().UTC(),
	})
	if err := o.checkpoints.SaveCheckpoint(ctx, threadID, work); err != nil {
		elog.Error("failed to save failed checkpoint", false, "error", err)
	} else {
		publishFullState(o.publisher, o.logger, work, elog.CorrelationID())
	}

	data, _ := json.Marshal(workflowFailedData{Node: node, Error: stepErr.Error()})
	o.publish(elog, domain.EventWorkflowFailed, string(data))
	elog.Error("workflow failed", true, "node", node, "error", stepErr)
	return outcomeOf(work), fmt.Errorf("node %s: %w", node, stepErr)
}

// aborted leaves the last completed checkpoint in place. When the operator asked for
// the stop, only its status is flipped so observers see the thread as stopped.
func (o *WorkflowOrchestrator) aborted(ctx context.Context, threadID, node string, elog *logging.EventLogger) (RunOutcome, error) {
	err := fmt.Errorf("%w at %s", domain.ErrAborted, node)
	if !errors.Is(context.Cause(ctx), errStopRequested) {
		elog.Warn("workflow run interrupted", false, "node", node, "cause", context.Cause(ctx))
		return RunOutcome{Status: domain.WorkflowStatusRunning}, err
	}

	saveCtx := context.WithoutCancel(ctx)
	cp, lerr := o.checkpoints.LoadCheckpoint(saveCtx, threadID)
	if lerr != nil || cp == nil {
		return RunOutcome{Status: domain.WorkflowStatusStopped}, err
	}
	cp.ChannelValues.Status = domain.WorkflowStatusStopped
	cp.Tasks = nil
	if serr := o.checkpoints.SaveCheckpoint(saveCtx, threadID, cp); serr != nil {
		elog.Error("failed to save stopped checkpoint", false, "error", serr)
	} else {
		publishFullState(o.publisher, o.logger, cp, elog.CorrelationID())
	}
	elog.Info("workflow stopped", true, "node", node)
	return outcomeOf(cp), err
}

// MarkStopped flips a thread that is not running in this process to stopped.
func (o *WorkflowOrchestrator) MarkStopped(ctx context.Context, threadID string) error {
	cp, err := o.checkpoints.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return err
	}
	if cp == nil || cp.ChannelValues.Status == domain.WorkflowStatusCompleted {
		return nil
	}
	cp.ChannelValues.Status = domain.WorkflowStatusStopped
	if err := o.checkpoints.SaveCheckpoint(ctx, threadID, cp); err != nil {
		return err
	}
	publishFullState(o.publisher, o.logger, cp, "")
	return nil
}

func (o *WorkflowOrchestrator) publish(elog *logging.EventLogger, t domain.EventType, data string) {
	e := domain.NewEvent(elog.ProjectID(), t, data)
	e.CorrelationID = elog.CorrelationID()
	o.publisher.Publish(e)
}

func newCheckpoint(threadID string, input domain.WorkflowInput, nodes []string) domain.Checkpoint {
	return domain.Checkpoint{
		ThreadID: threadID,
		ChannelValues: domain.WorkflowState{
			ProjectID: domain.ProjectID(threadID),
			Input:     input,
			Status:    domain.WorkflowStatusRunning,
			Counters:  map[string]int{},
		},
		Next: append([]string(nil), nodes...),
	}
}

func outcomeOf(cp *domain.Checkpoint) RunOutcome {
	return RunOutcome{
		Status:     cp.ChannelValues.Status,
		Interrupt:  cp.ChannelValues.PendingInterrupt(),
		Checkpoint: cp.Clone(),
	}
}

// publishFullState sends the whole checkpoint. Consumers replace what they hold.
func publishFullState(publisher ports.EventPublisher, logger *slog.Logger, cp *domain.Checkpoint, correlationID string) {
	data, err := json.Marshal(cp)
	if err != nil {
		logger.Error("failed to encode checkpoint", "thread_id", cp.ThreadID, "error", err)
		return
	}
	e := domain.NewEvent(cp.ChannelValues.ProjectID, domain.EventFullState, string(data))
	e.CorrelationID = correlationID
	publisher.Publish(e)
}
