package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/automation"
)

// executeStep runs a single non-suspending step with condition checks,
// idempotency short-circuit and retry/timeout logic
func (e *Engine) executeStep(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
) error {
	cfg := step.NormalizedConfig()
	logger := automation.StepLogger(automation.RunLogger(e.logger, run.RunID, def.ID), step.ID, 0)

	env := e.snapshotEnv(ctx, run)

	// Unmet conditions skip the step without consuming a retry
	met, err := automation.EvaluateAll(step.Conditions, env)
	if err != nil {
		return e.recordFailedResult(ctx, run, step, 0, err)
	}
	if !met {
		e.recordStepSkipped(ctx, run, step, "conditions not met")
		return nil
	}

	// Idempotency: a key value already consumed within this run means
	// the step is treated as already completed with the prior output
	idemKey := ""
	if cfg.IdempotencyKey != "" {
		idemKey = automation.ResolveTemplateString(cfg.IdempotencyKey, env)
		if priorStepID, seen := e.lookupIdempotencyKey(ctx, run, idemKey); seen {
			prior, err := e.store.GetStepResult(ctx, run.RunID, priorStepID)
			if err == nil {
				logger.Info().
					Str("idempotency_key", idemKey).
					Str("prior_step_id", priorStepID).
					Msg("Idempotency key already seen, reusing prior output")
				e.recordCompletedResult(ctx, run, step, 0, prior.Output)
				return nil
			}
		}
	}

	now := time.Now()
	result := &automation.StepResult{
		RunID:     run.RunID,
		StepID:    step.ID,
		Status:    automation.StepStatusPending,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
		return err
	}

	handler, ok := e.handlers[step.Action]
	if !ok {
		return e.recordFailedResult(ctx, run, step, 0,
			fmt.Errorf("no handler registered for action %q", step.Action))
	}

	var output any
	var lastErr error

	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.Warn().
				Str("event", automation.EventStepRetrying).
				Int("attempt", attempt).
				Msg("Retrying step")
			result.Status = automation.StepStatusRetrying
			result.Attempt = attempt
			result.UpdatedAt = time.Now()
			if err := e.store.PutStepResult(ctx, result); err != nil {
				automation.LogPersistenceError(e.logger, "put_step_result", err)
			}

			delay := automation.CalculateBackoff(cfg.RetryDelayMs, attempt, cfg.MaxRetryDelayMs, cfg.RetryBackoff)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		startTime := time.Now()
		result.Status = automation.StepStatusRunning
		result.StartedAt = &startTime
		result.Attempt = attempt
		result.UpdatedAt = startTime
		if err := e.store.PutStepResult(ctx, result); err != nil {
			automation.LogPersistenceError(e.logger, "put_step_result", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)

		// Re-snapshot per attempt: sibling steps may have published
		// variables since the last one
		env = e.snapshotEnv(ctx, run)
		ac := &ActionContext{
			Definition: def,
			Step:       step,
			Run:        run,
			Env:        env,
			Attempt:    attempt,
			Logger:     automation.StepLogger(automation.RunLogger(e.logger, run.RunID, def.ID), step.ID, attempt),
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					lastErr = automation.NewStepError(automation.ErrCodePanic,
						fmt.Sprintf("step panicked: %v", r), attempt)
					ac.Logger.Error().Interface("panic", r).Msg("Step panicked")
				}
			}()
			output, lastErr = handler.Execute(attemptCtx, ac)
		}()

		if attemptCtx.Err() == context.DeadlineExceeded && lastErr != nil {
			lastErr = automation.NewStepError(automation.ErrCodeStepTimeout,
				fmt.Sprintf("step timed out after %dms", cfg.TimeoutMs), attempt)
		}
		cancel()

		if lastErr == nil {
			duration := time.Since(startTime)
			ac.Logger.Info().
				Str("event", automation.EventStepCompleted).
				Int64("duration_ms", duration.Milliseconds()).
				Msg("Step completed")

			e.recordCompletedResult(ctx, run, step, attempt, output)
			if idemKey != "" {
				e.storeIdempotencyKey(ctx, run, idemKey, step.ID)
			}
			return nil
		}

		// Security errors are terminal for the attempt and never retried
		if automation.IsSecurityError(lastErr) {
			ac.Logger.Error().Err(lastErr).Msg("Step failed with non-retryable error")
			break
		}

		ac.Logger.Error().
			Str("event", automation.EventStepFailed).
			Err(lastErr).
			Int("attempt", attempt).
			Msg("Step attempt failed")
	}

	return e.recordFailedResult(ctx, run, step, result.Attempt, lastErr)
}

// recordCompletedResult persists a completed result and publishes the
// output under the step's output key
func (e *Engine) recordCompletedResult(
	ctx context.Context,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	attempt int,
	output any,
) {
	now := time.Now()
	result := &automation.StepResult{
		RunID:     run.RunID,
		StepID:    step.ID,
		Status:    automation.StepStatusCompleted,
		Attempt:   attempt,
		Output:    output,
		EndedAt:   &now,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
	}

	if step.OutputKey != "" {
		e.mutateRun(ctx, run, func(r *automation.WorkflowRun) {
			if r.Variables == nil {
				r.Variables = make(map[string]any)
			}
			r.Variables[step.OutputKey] = output
		})
	}

	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditStepCompleted,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("step %s completed (attempt %d)", step.ID, attempt),
	})
}

// recordFailedResult persists the step's terminal failure, honoring
// skipOnFailure, and returns an error only when the failure should
// stop a fail-fast run
func (e *Engine) recordFailedResult(
	ctx context.Context,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	attempt int,
	cause error,
) error {
	cfg := step.NormalizedConfig()
	stepErr := automation.ToStepError(cause, attempt)

	now := time.Now()
	result := &automation.StepResult{
		RunID:     run.RunID,
		StepID:    step.ID,
		Attempt:   attempt,
		Error:     stepErr,
		EndedAt:   &now,
		UpdatedAt: now,
	}
	if cfg.SkipOnFailure {
		result.Status = automation.StepStatusSkipped
	} else {
		result.Status = automation.StepStatusFailed
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
	}

	eventType := automation.AuditStepFailed
	if cfg.SkipOnFailure {
		eventType = automation.AuditStepSkipped
	}
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   eventType,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("step %s failed after %d attempts: %s", step.ID, attempt+1, stepErr.Message),
	})

	if cfg.SkipOnFailure {
		return nil
	}
	return stepErr
}

// recordStepSkipped persists a condition-based skip
func (e *Engine) recordStepSkipped(
	ctx context.Context,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	reason string,
) {
	now := time.Now()
	result := &automation.StepResult{
		RunID:     run.RunID,
		StepID:    step.ID,
		Status:    automation.StepStatusSkipped,
		EndedAt:   &now,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
	}

	e.logger.Info().
		Str("event", automation.EventStepSkipped).
		Str("run_id", run.RunID).
		Str("step_id", step.ID).
		Str("reason", reason).
		Msg("Step skipped")
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditStepSkipped,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("step %s skipped: %s", step.ID, reason),
	})
}

// mutateRun applies fn to the freshest run record under the run lock.
// The caller's struct is never written back: sibling step goroutines
// share that pointer, and readers that need freshness re-read through
// snapshotEnv or the dispatch loop.
func (e *Engine) mutateRun(ctx context.Context, run *automation.WorkflowRun, fn func(*automation.WorkflowRun)) {
	mu := e.runLock(run.RunID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.GetRun(ctx, run.RunID)
	if err != nil {
		automation.LogPersistenceError(e.logger, "get_run", err)
		return
	}
	fn(current)
	current.UpdatedAt = time.Now()
	if err := e.store.UpdateRun(ctx, current); err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
	}
}

func (e *Engine) lookupIdempotencyKey(ctx context.Context, run *automation.WorkflowRun, key string) (string, bool) {
	mu := e.runLock(run.RunID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.GetRun(ctx, run.RunID)
	if err != nil {
		return "", false
	}
	stepID, ok := current.SeenIdempotencyKeys[key]
	return stepID, ok
}

func (e *Engine) storeIdempotencyKey(ctx context.Context, run *automation.WorkflowRun, key, stepID string) {
	e.mutateRun(ctx, run, func(r *automation.WorkflowRun) {
		if r.SeenIdempotencyKeys == nil {
			r.SeenIdempotencyKeys = make(map[string]string)
		}
		r.SeenIdempotencyKeys[key] = stepID
	})
}

// snapshotEnv builds the immutable context snapshot a step evaluates
// against: trigger, inputs, variables and prior step outputs
func (e *Engine) snapshotEnv(ctx context.Context, run *automation.WorkflowRun) map[string]any {
	mu := e.runLock(run.RunID)
	mu.Lock()
	current, err := e.store.GetRun(ctx, run.RunID)
	mu.Unlock()
	if err != nil {
		current = run
	}

	results, err := e.loadResults(ctx, run.RunID)
	if err != nil {
		results = map[string]*automation.StepResult{}
	}
	return buildEnv(current, results)
}
