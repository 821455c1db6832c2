package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// ApprovalGateway opens approval requests for approval steps. The
// approval manager implements it; resolution comes back through
// Engine.ResolveApproval.
type ApprovalGateway interface {
	Open(ctx context.Context, run *automation.WorkflowRun, step *automation.WorkflowStep,
		settings automation.ApprovalSettings, env map[string]any) (*automation.ApprovalRequest, error)
}

// OutboundCaller performs outbound HTTP calls for http_request steps.
// The webhook package's outbound client implements it with the same
// SSRF and signing posture as outgoing webhook deliveries.
type OutboundCaller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body []byte) (*automation.ResponseSnapshot, error)
}

// Config holds engine configuration
type Config struct {
	// Concurrency bound for independent step branches within one run
	MaxConcurrentSteps int
	// Applied when a definition carries no MaxExecutionTimeMs
	DefaultRunTimeout time.Duration
}

// DefaultConfig provides sensible defaults
var DefaultConfig = Config{
	MaxConcurrentSteps: 4,
	DefaultRunTimeout:  time.Hour,
}

// Engine executes workflow runs: dependency-ordered dispatch, retries,
// suspension for delay and approval steps, cancellation and timeouts
type Engine struct {
	store    automation.Store
	channels automation.ChannelSender
	outbound OutboundCaller
	approval ApprovalGateway
	audit    *automation.AuditRecorder
	logger   zerolog.Logger
	config   Config

	handlers map[automation.ActionKind]ActionHandler

	// Per-run serialization of run-record mutations; parallel sibling
	// steps publish variables through the same run record
	runLocks sync.Map // runID -> *sync.Mutex

	// Pending delay resumption timers
	timerMu sync.Mutex
	timers  map[string]*time.Timer // runID -> timer
}

// Option configures the engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithOutboundCaller sets the HTTP caller used by http_request steps
func WithOutboundCaller(c OutboundCaller) Option {
	return func(e *Engine) {
		e.outbound = c
	}
}

// New creates a workflow engine. The approval gateway is attached
// afterwards via SetApprovalGateway because the approval manager needs
// the engine as its resolver.
func New(store automation.Store, channels automation.ChannelSender, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		channels: channels,
		logger:   automation.DefaultLogger(),
		config:   DefaultConfig,
		timers:   make(map[string]*time.Timer),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.audit = automation.NewAuditRecorder(store, e.logger)
	e.handlers = buildHandlers(e)
	return e
}

// SetApprovalGateway attaches the approval manager
func (e *Engine) SetApprovalGateway(g ApprovalGateway) {
	e.approval = g
}

// StartOptions holds options for starting a run
type StartOptions struct {
	Synchronous bool
	Inputs      map[string]any
	retryOf     string
}

// StartOption configures a run start
type StartOption func(*StartOptions)

// WithSynchronous makes StartRun block until the run finishes or
// suspends
func WithSynchronous() StartOption {
	return func(o *StartOptions) {
		o.Synchronous = true
	}
}

// WithInputs supplies caller inputs for manual and webhook triggers
func WithInputs(inputs map[string]any) StartOption {
	return func(o *StartOptions) {
		o.Inputs = inputs
	}
}

// StartRun creates and launches a run for the given definition
func (e *Engine) StartRun(
	ctx context.Context,
	def *automation.WorkflowDefinition,
	trigger *automation.TriggerInfo,
	opts ...StartOption,
) (string, error) {
	options := &StartOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if !def.Enabled {
		return "", fmt.Errorf("workflow %s is disabled", def.ID)
	}

	if max := def.Settings.MaxConcurrentRuns; max > 0 {
		active, err := e.store.CountActiveRuns(ctx, def.ID)
		if err != nil {
			return "", fmt.Errorf("failed to count active runs: %w", err)
		}
		if active >= max {
			return "", fmt.Errorf("workflow %s is at its concurrent run limit (%d)", def.ID, max)
		}
	}

	runID := uuid.New().String()
	now := time.Now()
	run := &automation.WorkflowRun{
		RunID:               runID,
		WorkflowID:          def.ID,
		Status:              automation.RunStatusPending,
		Trigger:             trigger,
		Inputs:              options.Inputs,
		RetryOfRunID:        options.retryOf,
		Variables:           make(map[string]any),
		SeenIdempotencyKeys: make(map[string]string),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create workflow run: %w", err)
	}

	e.logger.Info().
		Str("event", automation.EventRunStarted).
		Str("run_id", runID).
		Str("workflow_id", def.ID).
		Msg("Workflow run created")
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditRunStarted,
		WorkflowID:  def.ID,
		RunID:       runID,
		Description: fmt.Sprintf("run started by %s trigger", trigger.Type),
		Actor:       trigger.Source,
	})

	if options.Synchronous {
		return runID, e.execute(ctx, def, run)
	}
	go e.execute(context.Background(), def, run) //nolint:errcheck
	return runID, nil
}

// RetryRun creates a fresh run replaying a terminal run's trigger and
// inputs. Completed work is not carried over; the new run starts clean.
func (e *Engine) RetryRun(ctx context.Context, runID string, opts ...StartOption) (string, error) {
	prev, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to get run: %w", err)
	}
	if !prev.Status.IsTerminal() {
		return "", fmt.Errorf("cannot retry run in %s state", prev.Status)
	}

	def, err := e.store.GetDefinition(ctx, prev.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("failed to get workflow definition: %w", err)
	}

	opts = append(opts, WithInputs(prev.Inputs), func(o *StartOptions) {
		o.retryOf = runID
	})
	return e.StartRun(ctx, def, prev.Trigger, opts...)
}

// Cancel marks a run cancelled. Not-yet-started steps will not begin;
// a step already in flight completes or times out on its own schedule.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status.IsTerminal() {
		return automation.ErrRunTerminal
	}

	wasSuspended := run.Status.IsSuspended()
	e.finishRun(ctx, run, automation.RunStatusCancelled, nil)
	e.stopTimer(runID)

	e.logger.Warn().
		Str("event", automation.EventRunCancelled).
		Str("run_id", runID).
		Bool("was_suspended", wasSuspended).
		Msg("Workflow run cancelled")
	return nil
}

// GetRun retrieves a run
func (e *Engine) GetRun(ctx context.Context, runID string) (*automation.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns lists runs with filtering
func (e *Engine) ListRuns(ctx context.Context, filter automation.RunFilter) ([]*automation.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// GetStepResults retrieves all step results for a run
func (e *Engine) GetStepResults(ctx context.Context, runID string) ([]*automation.StepResult, error) {
	return e.store.ListStepResults(ctx, runID)
}

// ResolveApproval is called by the approval manager when a request
// reaches approved, rejected or expired. It records the approval
// step's outcome and resumes the parked run. This is the single
// synchronization point between human action and the run state machine.
func (e *Engine) ResolveApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	mu := e.runLock(req.RunID)
	mu.Lock()

	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status != automation.RunStatusWaitingApproval || run.PendingApprovalID != req.ID {
		mu.Unlock()
		return automation.ErrRunNotSuspended
	}

	def, err := e.store.GetDefinition(ctx, run.WorkflowID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to get workflow definition: %w", err)
	}
	step, ok := def.GetStep(req.StepID)
	if !ok {
		mu.Unlock()
		return fmt.Errorf("approval step %s not found in workflow %s", req.StepID, def.ID)
	}

	result, err := e.store.GetStepResult(ctx, run.RunID, req.StepID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to get step result: %w", err)
	}

	now := time.Now()
	switch req.Status {
	case automation.ApprovalStatusApproved:
		result.Status = automation.StepStatusCompleted
		result.Output = map[string]any{
			"approved":      true,
			"approvalCount": req.ApprovalCount(),
		}
	case automation.ApprovalStatusRejected:
		result.Error = automation.NewStepError(automation.ErrCodeApprovalRejected, "approval rejected", result.Attempt)
		if step.NormalizedConfig().SkipOnFailure {
			result.Status = automation.StepStatusSkipped
		} else {
			result.Status = automation.StepStatusFailed
		}
	case automation.ApprovalStatusExpired:
		result.Error = automation.NewStepError(automation.ErrCodeApprovalExpired, "approval expired", result.Attempt)
		if step.NormalizedConfig().SkipOnFailure {
			result.Status = automation.StepStatusSkipped
		} else {
			result.Status = automation.StepStatusFailed
		}
	default:
		mu.Unlock()
		return fmt.Errorf("approval %s is not resolved (status %s)", req.ID, req.Status)
	}
	result.EndedAt = &now
	result.UpdatedAt = now
	if err := e.store.PutStepResult(ctx, result); err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to persist step result: %w", err)
	}

	if result.Status == automation.StepStatusCompleted && step.OutputKey != "" {
		run.Variables[step.OutputKey] = result.Output
	}
	run.Status = automation.RunStatusRunning
	run.PendingApprovalID = ""
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to update run: %w", err)
	}
	mu.Unlock()

	e.logger.Info().
		Str("event", automation.EventRunResumed).
		Str("run_id", run.RunID).
		Str("approval_id", req.ID).
		Str("approval_status", string(req.Status)).
		Msg("Run resumed after approval resolution")
	e.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditRunResumed,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("approval %s resolved %s", req.ID, req.Status),
	})

	go e.runLoop(context.Background(), def, run) //nolint:errcheck
	return nil
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	mu, _ := e.runLocks.LoadOrStore(runID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Engine) stopTimer(runID string) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if t, ok := e.timers[runID]; ok {
		t.Stop()
		delete(e.timers, runID)
	}
}
