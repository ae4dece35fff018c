package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// Heartbeat is called on every poll of a running generation. Returning an error
// abandons the call.
type Heartbeat func(ctx context.Context) error

// RunGeneration starts req on backend and polls it to completion under the call
// timeout. Cancellation of ctx unwinds as domain.ErrAborted; exceeding the timeout
// is a transient failure.
func RunGeneration(ctx context.Context, backend ports.GenerationBackend, req domain.GenerationRequest, cfg domain.GenerationConfig, beat Heartbeat) (string, error) {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := backend.Start(callCtx, req)
	if err != nil {
		return "", classifyCallErr(ctx, callCtx, backend.Name(), timeout, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-callCtx.Done():
			return "", classifyCallErr(ctx, callCtx, backend.Name(), timeout, callCtx.Err())
		case <-ticker.C:
		}

		status, err := backend.Poll(callCtx, handle)
		if err != nil {
			if callCtx.Err() != nil {
				return "", classifyCallErr(ctx, callCtx, backend.Name(), timeout, err)
			}
			if domain.GenerationErrorKindOf(err) != domain.GenerationTransient {
				return "", err
			}
			// a failed poll is not a failed generation; try again next tick
			continue
		}
		if status.Done {
			if status.Err != nil {
				return "", status.Err
			}
			if status.ArtifactRef == "" {
				return "", domain.NewPermanentError(backend.Name()+" finished without an artifact", nil)
			}
			return status.ArtifactRef, nil
		}
		if beat != nil {
			if err := beat(ctx); err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrAborted, err)
			}
		}
	}
}

func classifyCallErr(parent, call context.Context, backend string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %s call cancelled", domain.ErrAborted, backend)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return domain.NewTransientError(fmt.Sprintf("%s call exceeded %s", backend, timeout), err)
	}
	return err
}
