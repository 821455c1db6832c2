package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// execute transitions a fresh run to running and enters the dispatch
// loop
func (e *Engine) execute(ctx context.Context, def *automation.WorkflowDefinition, run *automation.WorkflowRun) error {
	now := time.Now()
	run.Status = automation.RunStatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
		return err
	}
	return e.runLoop(ctx, def, run)
}

// runLoop is the dependency-driven dispatcher. Each pass computes the
// eligible step set, runs non-suspending eligibles concurrently up to
// the configured bound, and parks the run when the only progress path
// is a delay or approval step. Resumption re-enters this loop.
func (e *Engine) runLoop(ctx context.Context, def *automation.WorkflowDefinition, run *automation.WorkflowRun) error {
	logger := automation.RunLogger(e.logger, run.RunID, def.ID)

	graph, err := automation.BuildDependencyGraph(def)
	if err != nil {
		// Definitions are validated at author time; reaching this means
		// the stored definition was corrupted
		return e.failRun(ctx, run, automation.NewWorkflowError(automation.ErrCodeInternal, err.Error()))
	}

	deadline := e.runDeadline(def, run)

	for {
		// Re-read; Cancel may have flipped the status between waves
		current, err := e.store.GetRun(ctx, run.RunID)
		if err != nil {
			automation.LogPersistenceError(e.logger, "get_run", err)
			return err
		}
		if current.Status == automation.RunStatusCancelled {
			logger.Warn().Str("event", automation.EventRunCancelled).Msg("Run cancelled, stopping dispatch")
			return nil
		}
		if current.Status.IsTerminal() {
			return nil
		}
		run = current

		if time.Now().After(deadline) {
			logger.Error().Str("event", automation.EventRunTimedOut).Msg("Run exceeded max execution time")
			mu := e.runLock(run.RunID)
			mu.Lock()
			e.finishRun(ctx, run, automation.RunStatusTimedOut,
				automation.NewWorkflowError(automation.ErrCodeRunTimeout, "run exceeded max execution time"))
			mu.Unlock()
			return nil
		}

		results, err := e.loadResults(ctx, run.RunID)
		if err != nil {
			return err
		}

		// Steps stranded behind a failed dependency are skipped so a
		// continue-on-failure run can still complete
		for _, id := range graph.Blocked(results) {
			e.markBlocked(ctx, run, id, results)
		}

		eligible := graph.Eligible(results)
		if len(eligible) == 0 {
			return e.finalize(ctx, def, run, results, logger)
		}

		var immediate []*automation.WorkflowStep
		var suspending *automation.WorkflowStep
		for _, id := range eligible {
			step, _ := def.GetStep(id)
			if step.Action.IsSuspending() {
				if suspending == nil {
					suspending = step
				}
				continue
			}
			immediate = append(immediate, step)
		}

		if len(immediate) == 0 {
			return e.suspend(ctx, def, run, suspending)
		}

		if err := e.runWave(ctx, def, run, immediate, deadline); err != nil {
			// A step failed with continueOnFailure disabled
			mu := e.runLock(run.RunID)
			mu.Lock()
			run, gerr := e.store.GetRun(ctx, run.RunID)
			if gerr == nil && !run.Status.IsTerminal() {
				e.finishRun(ctx, run, automation.RunStatusFailed, toWorkflowError(err))
			}
			mu.Unlock()
			return err
		}
	}
}

// runWave executes a set of independent steps concurrently under the
// engine's concurrency bound. When the definition disables
// continueOnFailure the first failure cancels the wave context so
// not-yet-started siblings never begin.
func (e *Engine) runWave(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	steps []*automation.WorkflowStep,
	deadline time.Time,
) error {
	waveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sem := make(chan struct{}, e.config.MaxConcurrentSteps)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, step := range steps {
		wg.Add(1)
		go func(step *automation.WorkflowStep) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-waveCtx.Done():
				return
			}
			if waveCtx.Err() != nil {
				return
			}

			err := e.executeStep(waveCtx, def, run, step)
			if err != nil && !def.Settings.ContinueOnFailure {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel() // fail fast, do not wait for unrelated branches
				}
				mu.Unlock()
			}
		}(step)
	}
	wg.Wait()

	return firstErr
}

// finalize decides the run's terminal state once no step is eligible.
// With continueOnFailure a run that carries step failures still
// completes; the failures live in its step results and audit trail.
func (e *Engine) finalize(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	results map[string]*automation.StepResult,
	logger zerolog.Logger,
) error {
	graph, err := automation.BuildDependencyGraph(def)
	if err != nil {
		return err
	}

	var firstFailure *automation.StepResult
	allTerminal := true
	for _, id := range graph.StepIDs() {
		r, ok := results[id]
		if !ok || !r.Status.IsTerminal() {
			allTerminal = false
			break
		}
		if r.Status == automation.StepStatusFailed && firstFailure == nil {
			firstFailure = r
		}
	}

	mu := e.runLock(run.RunID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.GetRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}
	run = current

	switch {
	case !allTerminal:
		// Nothing eligible but steps remain non-terminal: every path
		// forward is stranded behind a failure that skip rules could
		// not clear
		e.finishRun(ctx, run, automation.RunStatusFailed,
			automation.NewWorkflowError(automation.ErrCodeStepFailed, "no eligible steps remain"))
	case firstFailure != nil && !def.Settings.ContinueOnFailure:
		e.finishRun(ctx, run, automation.RunStatusFailed, &automation.WorkflowError{
			Message:   firstFailure.Error.Message,
			Code:      firstFailure.Error.Code,
			StepID:    firstFailure.StepID,
			Timestamp: time.Now(),
		})
	default:
		e.finishRun(ctx, run, automation.RunStatusCompleted, nil)
		logger.Info().
			Str("event", automation.EventRunCompleted).
			Msg("Workflow run completed")
	}
	return nil
}

// suspend parks the run on a delay or approval step
func (e *Engine) suspend(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
) error {
	env := e.snapshotEnv(ctx, run)

	// Unmet conditions skip the suspension entirely
	met, err := automation.EvaluateAll(step.Conditions, env)
	if err != nil {
		return e.failSuspendingStep(ctx, def, run, step, err)
	}
	if !met {
		e.recordStepSkipped(ctx, run, step, "conditions not met")
		go e.runLoop(context.Background(), def, run) //nolint:errcheck
		return nil
	}

	now := time.Now()
	result := &automation.StepResult{
		RunID:     run.RunID,
		StepID:    step.ID,
		Status:    automation.StepStatusRunning,
		StartedAt: &now,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
		return err
	}

	switch step.Action {
	case automation.ActionDelay:
		return e.suspendForDelay(ctx, def, run, step, env)
	case automation.ActionApproval:
		return e.suspendForApproval(ctx, def, run, step, env)
	default:
		return fmt.Errorf("step %s is not a suspending action", step.ID)
	}
}

// suspendForDelay parks the run and schedules its resumption. The
// suspension holds no worker; a timer re-enters the dispatch loop.
func (e *Engine) suspendForDelay(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	env map[string]any,
) error {
	var settings automation.DelaySettings
	if err := automation.DecodeSettings(step.Settings, &settings); err != nil {
		return e.failSuspendingStep(ctx, def, run, step, err)
	}

	duration := time.Duration(settings.DurationMs) * time.Millisecond
	resumeAt := time.Now().Add(duration)

	mu := e.runLock(run.RunID)
	mu.Lock()
	run.Status = automation.RunStatusPaused
	run.ResumeAt = &resumeAt
	run.UpdatedAt = time.Now()
	err := e.store.UpdateRun(ctx, run)
	mu.Unlock()
	if err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
		return err
	}

	e.logger.Info().
		Str("event", automation.EventRunSuspended).
		Str("run_id", run.RunID).
		Str("step_id", step.ID).
		Dur("delay", duration).
		Msg("Run paused for delay step")
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditRunSuspended,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("paused %s for delay step %s", duration, step.ID),
	})

	e.timerMu.Lock()
	e.timers[run.RunID] = time.AfterFunc(duration, func() {
		e.resumeAfterDelay(def, run.RunID, step)
	})
	e.timerMu.Unlock()
	return nil
}

// resumeAfterDelay completes the delay step and re-enters dispatch
func (e *Engine) resumeAfterDelay(def *automation.WorkflowDefinition, runID string, step *automation.WorkflowStep) {
	ctx := context.Background()

	e.timerMu.Lock()
	delete(e.timers, runID)
	e.timerMu.Unlock()

	mu := e.runLock(runID)
	mu.Lock()
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		mu.Unlock()
		automation.LogPersistenceError(e.logger, "get_run", err)
		return
	}
	if run.Status != automation.RunStatusPaused {
		// Cancelled or otherwise finished while parked
		mu.Unlock()
		return
	}

	now := time.Now()
	result := &automation.StepResult{
		RunID:     runID,
		StepID:    step.ID,
		Status:    automation.StepStatusCompleted,
		Output:    map[string]any{"delayedMs": step.Settings["durationMs"]},
		EndedAt:   &now,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
	}

	run.Status = automation.RunStatusRunning
	run.ResumeAt = nil
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
		mu.Unlock()
		return
	}
	mu.Unlock()

	e.logger.Info().
		Str("event", automation.EventRunResumed).
		Str("run_id", runID).
		Str("step_id", step.ID).
		Msg("Run resumed after delay")

	e.runLoop(ctx, def, run) //nolint:errcheck
}

// suspendForApproval opens an approval request and parks the run until
// the approval manager resolves it
func (e *Engine) suspendForApproval(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	env map[string]any,
) error {
	if e.approval == nil {
		return e.failSuspendingStep(ctx, def, run, step, fmt.Errorf("no approval gateway configured"))
	}

	var settings automation.ApprovalSettings
	if err := automation.DecodeSettings(step.Settings, &settings); err != nil {
		return e.failSuspendingStep(ctx, def, run, step, err)
	}
	settings.Message = automation.ResolveTemplateString(settings.Message, env)

	req, err := e.approval.Open(ctx, run, step, settings, env)
	if err != nil {
		return e.failSuspendingStep(ctx, def, run, step, fmt.Errorf("failed to open approval request: %w", err))
	}

	mu := e.runLock(run.RunID)
	mu.Lock()
	run.Status = automation.RunStatusWaitingApproval
	run.PendingApprovalID = req.ID
	run.UpdatedAt = time.Now()
	err = e.store.UpdateRun(ctx, run)
	mu.Unlock()
	if err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
		return err
	}

	e.logger.Info().
		Str("event", automation.EventRunSuspended).
		Str("run_id", run.RunID).
		Str("step_id", step.ID).
		Str("approval_id", req.ID).
		Msg("Run waiting for approval")
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditRunSuspended,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("waiting for approval %s on step %s", req.ID, step.ID),
	})
	return nil
}

// markBlocked skips a step stranded behind a failed dependency
func (e *Engine) markBlocked(
	ctx context.Context,
	run *automation.WorkflowRun,
	stepID string,
	results map[string]*automation.StepResult,
) {
	now := time.Now()
	result := &automation.StepResult{
		RunID:  run.RunID,
		StepID: stepID,
		Status: automation.StepStatusSkipped,
		Error: automation.NewStepError(automation.ErrCodeStepFailed,
			"skipped: upstream dependency failed", 0),
		EndedAt:   &now,
		UpdatedAt: now,
	}
	if err := e.store.PutStepResult(ctx, result); err != nil {
		automation.LogPersistenceError(e.logger, "put_step_result", err)
		return
	}
	results[stepID] = result

	e.logger.Info().
		Str("event", automation.EventStepSkipped).
		Str("run_id", run.RunID).
		Str("step_id", stepID).
		Str("reason", "upstream dependency failed").
		Msg("Step skipped")
}

func (e *Engine) loadResults(ctx context.Context, runID string) (map[string]*automation.StepResult, error) {
	list, err := e.store.ListStepResults(ctx, runID)
	if err != nil {
		automation.LogPersistenceError(e.logger, "list_step_results", err)
		return nil, err
	}
	results := make(map[string]*automation.StepResult, len(list))
	for _, r := range list {
		results[r.StepID] = r
	}
	return results, nil
}

// failSuspendingStep records a failure raised before a delay/approval
// step could park the run, then either fails the run or re-enters the
// dispatch loop depending on skip and continue-on-failure rules
func (e *Engine) failSuspendingStep(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	cause error,
) error {
	if err := e.recordFailedResult(ctx, run, step, 0, cause); err != nil && !def.Settings.ContinueOnFailure {
		return e.failRun(ctx, run, toWorkflowError(err))
	}
	go e.runLoop(context.Background(), def, run) //nolint:errcheck
	return nil
}

func (e *Engine) runDeadline(def *automation.WorkflowDefinition, run *automation.WorkflowRun) time.Time {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	if ms := def.Settings.MaxExecutionTimeMs; ms > 0 {
		return start.Add(time.Duration(ms) * time.Millisecond)
	}
	return start.Add(e.config.DefaultRunTimeout)
}

// finishRun writes a terminal state. Callers hold the run lock.
func (e *Engine) finishRun(ctx context.Context, run *automation.WorkflowRun, status automation.RunStatus, werr *automation.WorkflowError) {
	now := time.Now()
	run.Status = status
	run.EndedAt = &now
	run.UpdatedAt = now
	run.Error = werr
	run.PendingApprovalID = ""
	run.ResumeAt = nil
	if err := e.store.UpdateRun(ctx, run); err != nil {
		automation.LogPersistenceError(e.logger, "update_run", err)
	}

	eventType := automation.AuditRunCompleted
	desc := "run completed"
	switch status {
	case automation.RunStatusFailed:
		eventType = automation.AuditRunFailed
		desc = "run failed"
		if werr != nil {
			desc = fmt.Sprintf("run failed: %s", werr.Message)
		}
	case automation.RunStatusCancelled:
		eventType = automation.AuditRunCancelled
		desc = "run cancelled"
	case automation.RunStatusTimedOut:
		eventType = automation.AuditRunTimedOut
		desc = "run timed out"
	}
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   eventType,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: desc,
	})
}

func (e *Engine) failRun(ctx context.Context, run *automation.WorkflowRun, werr *automation.WorkflowError) error {
	mu := e.runLock(run.RunID)
	mu.Lock()
	defer mu.Unlock()
	current, err := e.store.GetRun(ctx, run.RunID)
	if err == nil && !current.Status.IsTerminal() {
		e.finishRun(ctx, current, automation.RunStatusFailed, werr)
	}
	return werr
}

func toWorkflowError(err error) *automation.WorkflowError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*automation.WorkflowError); ok {
		return we
	}
	if se, ok := err.(*automation.StepError); ok {
		return &automation.WorkflowError{
			Message:   se.Message,
			Code:      se.Code,
			Timestamp: time.Now(),
		}
	}
	return automation.NewWorkflowError(automation.ErrCodeStepFailed, err.Error())
}
