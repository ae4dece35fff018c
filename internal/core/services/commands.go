package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// CommandHandler turns inbound commands into workflow jobs. The command id is the
// job's unique key, so a redelivered command maps onto the job it already created.
type CommandHandler struct {
	logger       *slog.Logger
	control      *JobControlPlane
	orchestrator *WorkflowOrchestrator
	broker       *InterruptBroker
}

func NewCommandHandler(logger *slog.Logger, control *JobControlPlane, orchestrator *WorkflowOrchestrator, broker *InterruptBroker) *CommandHandler {
	return &CommandHandler{
		logger:       logger,
		control:      control,
		orchestrator: orchestrator,
		broker:       broker,
	}
}

// Handle applies cmd. It returns the workflow job that will carry the command out,
// or nil for stop.
func (h *CommandHandler) Handle(ctx context.Context, cmd domain.Command) (*domain.Job, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	log := h.logger.With("command_id", cmd.CommandID, "project_id", cmd.ProjectID, "kind", cmd.Kind)

	payload := domain.WorkflowPayload{CommandID: cmd.CommandID}
	switch cmd.Kind {
	case domain.CommandStart:
		payload.Input = cmd.Input
	case domain.CommandResume:
	case domain.CommandRegenerate:
		payload.Regenerate = cmd.Regenerate
	case domain.CommandResolveIntervention:
		pending, err := h.broker.Pending(ctx, string(cmd.ProjectID))
		if err != nil {
			return nil, err
		}
		if pending == nil {
			return nil, domain.ErrNoPendingInterrupt
		}
		payload.Resume = cmd.Resume
	case domain.CommandStop:
		return nil, h.stop(ctx, cmd)
	default:
		return nil, domain.ErrUnknownCommand
	}

	job, err := h.control.CreateJob(ctx, domain.JobSpec{
		Type:      domain.JobTypeWorkflow,
		ProjectID: cmd.ProjectID,
		UniqueKey: "cmd:" + cmd.CommandID,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("handle %s command: %w", cmd.Kind, err)
	}
	log.Info("command accepted", "job_id", job.ID)
	return &job, nil
}

// stop cancels every live job of the project and aborts the local run of the
// thread. When no worker is running the thread, its checkpoint is marked stopped here.
func (h *CommandHandler) stop(ctx context.Context, cmd domain.Command) error {
	jobs, err := h.control.ListProjectJobs(ctx, cmd.ProjectID)
	if err != nil {
		return fmt.Errorf("stop %s: %w", cmd.ProjectID, err)
	}

	workflowRunning := false
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		if job.Type == domain.JobTypeWorkflow && job.State == domain.JobStateRunning {
			workflowRunning = true
		}
		if _, err := h.control.CancelJob(ctx, job.ID, "stop command "+cmd.CommandID); err != nil {
			return fmt.Errorf("stop %s: %w", cmd.ProjectID, err)
		}
	}

	threadID := string(cmd.ProjectID)
	stoppedLocally := h.orchestrator.Stop(threadID)
	if !stoppedLocally && !workflowRunning {
		if err := h.orchestrator.MarkStopped(ctx, threadID); err != nil {
			return fmt.Errorf("stop %s: %w", cmd.ProjectID, err)
		}
	}
	h.logger.Info("project stopped", "project_id", cmd.ProjectID, "jobs_seen", len(jobs), "stopped_locally", stoppedLocally)
	return nil
}
