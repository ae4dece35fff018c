package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// QualityPolicy bounds one quality-gated generation.
type QualityPolicy struct {
	Threshold        float64
	MaxRetries       int // total quality attempts
	MaxSafetyRetries int // extra generate calls per attempt after a transient failure
	SafetyBackoff    time.Duration
	MaxBackoff       time.Duration
}

// QualityPolicyFrom builds a policy from configuration.
func QualityPolicyFrom(cfg domain.QualityConfig) QualityPolicy {
	return QualityPolicy{
		Threshold:        cfg.AcceptanceThreshold,
		MaxRetries:       cfg.MaxQualityRetries,
		MaxSafetyRetries: cfg.MaxSafetyRetries,
		SafetyBackoff:    cfg.SafetyBackoff,
		MaxBackoff:       30 * time.Second,
	}
}

// QualityFuncs are the unit-specific callbacks of the loop. Correct and Sanitize are
// optional; Correct defaults to ApplyCorrections and a missing Sanitize retries the
// same params.
type QualityFuncs[R any] struct {
	Generate func(ctx context.Context, params domain.Params) (R, error)
	Evaluate func(ctx context.Context, result R, params domain.Params) (domain.Evaluation, error)
	Correct  func(ctx context.Context, params domain.Params, issues []domain.QualityIssue) (domain.Params, bool, error)
	Sanitize func(ctx context.Context, params domain.Params) (domain.Params, error)
}

// QualityResult is the accepted or best-effort outcome of the loop.
type QualityResult[R any] struct {
	Result         R
	Score          float64
	Params         domain.Params
	Attempt        int
	BelowThreshold bool
	Attempts       []domain.RetryAttemptRecord
}

// RunQualityLoop runs generate, evaluate, then accept or correct and retry. When no
// attempt clears the threshold the best-scoring one is returned flagged BelowThreshold.
// Only interrupt signals and context cancellation escape; other failures are recorded
// and the loop moves on. ErrNoUsableAttempt means every attempt failed outright.
func RunQualityLoop[R any](ctx context.Context, logger *slog.Logger, policy QualityPolicy, params domain.Params, fns QualityFuncs[R]) (QualityResult[R], error) {
	var (
		best    QualityResult[R]
		hasBest bool
		records []domain.RetryAttemptRecord
	)
	maxAttempts := policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	correct := fns.Correct
	if correct == nil {
		correct = func(_ context.Context, p domain.Params, issues []domain.QualityIssue) (domain.Params, bool, error) {
			out, applied := ApplyCorrections(p, issues)
			return out, applied, nil
		}
	}

	current := params.Clone()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec := domain.RetryAttemptRecord{AttemptNumber: attempt}

		result, usedParams, err := generateWithSafety(ctx, logger, policy, current, fns)
		if err != nil {
			if escapes(ctx, err) {
				return QualityResult[R]{}, err
			}
			rec.Error = err.Error()
			records = append(records, rec)
			logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
			current = usedParams
			continue
		}

		eval, err := fns.Evaluate(ctx, result, usedParams.Clone())
		if err != nil {
			if escapes(ctx, err) {
				return QualityResult[R]{}, err
			}
			logger.Warn("evaluation failed, scoring attempt as zero", "attempt", attempt, "error", err)
			rec.Error = err.Error()
			eval = domain.Evaluation{Score: 0}
		}
		rec.Score = eval.Score

		if !hasBest || eval.Score > best.Score {
			hasBest = true
			best = QualityResult[R]{Result: result, Score: eval.Score, Params: usedParams.Clone(), Attempt: attempt}
		}

		if eval.Score >= policy.Threshold {
			rec.Accepted = true
			records = append(records, rec)
			logger.Info("generation accepted", "attempt", attempt, "score", eval.Score)
			return QualityResult[R]{
				Result:   result,
				Score:    eval.Score,
				Params:   usedParams,
				Attempt:  attempt,
				Attempts: records,
			}, nil
		}

		current = usedParams
		if attempt < maxAttempts {
			corrected, applied, err := correct(ctx, usedParams.Clone(), eval.Issues)
			if err != nil {
				if escapes(ctx, err) {
					return QualityResult[R]{}, err
				}
				logger.Warn("correction failed, retrying with same params", "attempt", attempt, "error", err)
			} else if applied {
				current = restrictToKeys(corrected, usedParams)
				rec.CorrectionApplied = true
			}
		}
		records = append(records, rec)
		logger.Info("generation below threshold", "attempt", attempt, "score", eval.Score, "threshold", policy.Threshold)
	}

	if !hasBest {
		return QualityResult[R]{Attempts: records}, fmt.Errorf("%w after %d attempts", domain.ErrNoUsableAttempt, maxAttempts)
	}
	best.BelowThreshold = true
	best.Attempts = records
	logger.Warn("quality threshold not met, using best attempt", "attempt", best.Attempt, "score", best.Score)
	return best, nil
}

// generateWithSafety calls Generate, retrying transient failures with exponential
// backoff. A content-policy failure sanitizes the params once before its retry.
// The params actually used are returned so later attempts build on them.
func generateWithSafety[R any](ctx context.Context, logger *slog.Logger, policy QualityPolicy, params domain.Params, fns QualityFuncs[R]) (R, domain.Params, error) {
	var zero R
	sanitized := false
	current := params

	for try := 0; ; try++ {
		result, err := fns.Generate(ctx, current.Clone())
		if err == nil {
			return result, current, nil
		}
		if escapes(ctx, err) {
			return zero, current, err
		}

		kind := domain.GenerationErrorKindOf(err)
		if kind == domain.GenerationPermanent || try >= policy.MaxSafetyRetries {
			return zero, current, err
		}

		if kind == domain.GenerationContentPolicy && !sanitized && fns.Sanitize != nil {
			clean, serr := fns.Sanitize(ctx, current.Clone())
			if serr != nil {
				if escapes(ctx, serr) {
					return zero, current, serr
				}
				return zero, current, fmt.Errorf("sanitize after content policy failure: %w", serr)
			}
			current = restrictToKeys(clean, current)
			sanitized = true
			logger.Info("input sanitized after content policy failure")
		}

		delay := backoffDelay(policy.SafetyBackoff, policy.MaxBackoff, try)
		logger.Warn("transient generation failure, retrying", "try", try+1, "delay", delay, "kind", kind, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return zero, current, err
		}
	}
}

func escapes(ctx context.Context, err error) bool {
	var sig *domain.InterruptSignal
	if errors.As(err, &sig) {
		return true
	}
	if errors.Is(err, domain.ErrAborted) {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// ApplyCorrections copies suggested values from issues into params, for keys the
// bag already carries. It reports whether anything changed.
func ApplyCorrections(params domain.Params, issues []domain.QualityIssue) (domain.Params, bool) {
	out := params.Clone()
	if out == nil {
		out = domain.Params{}
	}
	applied := false
	for _, issue := range issues {
		if issue.Suggested == nil {
			continue
		}
		if _, ok := out[issue.Field]; !ok {
			continue
		}
		out[issue.Field] = issue.Suggested
		applied = true
	}
	return out, applied
}

// restrictToKeys drops keys of revised that reference does not carry.
func restrictToKeys(revised, reference domain.Params) domain.Params {
	out := make(domain.Params, len(reference))
	for k, v := range reference {
		out[k] = v
	}
	for k, v := range revised {
		if _, ok := reference[k]; ok {
			out[k] = v
		}
	}
	return out.Clone()
}

// backoffDelay is base*2^n capped at max.
func backoffDelay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
