// Package approval manages human sign-off for approval steps: opening
// requests, collecting votes, expiring and escalating unanswered
// requests, and resolving the suspended run once a verdict is reached.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// Resolver resumes a suspended run once its approval request reaches a
// terminal status. The execution engine implements it.
type Resolver interface {
	ResolveApproval(ctx context.Context, req *automation.ApprovalRequest) error
}

// Manager owns the approval request lifecycle
type Manager struct {
	store    automation.Store
	notifier automation.Notifier
	resolver Resolver
	audit    *automation.AuditRecorder
	logger   zerolog.Logger

	// Serializes votes and expiry per request
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer // approvalID -> expiry timer
}

// Option configures a manager
type Option func(*Manager)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates an approval manager. The resolver is attached afterwards
// via SetResolver because the execution engine and the manager
// reference each other.
func New(store automation.Store, notifier automation.Notifier, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		notifier: notifier,
		logger:   automation.DefaultLogger(),
		locks:    make(map[string]*sync.Mutex),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.audit = automation.NewAuditRecorder(store, m.logger)
	return m
}

// SetResolver attaches the run resumption callback
func (m *Manager) SetResolver(r Resolver) {
	m.resolver = r
}

// Open creates a pending approval request for the given step, notifies
// the approvers, and arms the expiry timer.
func (m *Manager) Open(
	ctx context.Context,
	run *automation.WorkflowRun,
	step *automation.WorkflowStep,
	settings automation.ApprovalSettings,
	env map[string]any,
) (*automation.ApprovalRequest, error) {
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	if max := automation.MaxApprovalTimeoutMs * time.Millisecond; timeout <= 0 || timeout > max {
		timeout = max
	}
	minApprovals := settings.MinApprovals
	if minApprovals <= 0 {
		minApprovals = 1
	}

	now := time.Now().UTC()
	req := &automation.ApprovalRequest{
		ID:                uuid.New().String(),
		RunID:             run.RunID,
		StepID:            step.ID,
		ApproverIDs:       settings.ApproverIDs,
		MinApprovals:      minApprovals,
		EscalationUserIDs: settings.EscalationUserIDs,
		Responses:         make(map[string]*automation.ApprovalResponse),
		Status:            automation.ApprovalStatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(timeout),
		UpdatedAt:         now,
	}

	if err := m.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	message := automation.ResolveTemplateString(settings.Message, env)
	if message == "" {
		message = fmt.Sprintf("Workflow %s is waiting for your approval", run.WorkflowID)
	}
	m.notify(ctx, req, settings.ApproverIDs, message)

	m.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditApprovalRequested,
		WorkflowID:  run.WorkflowID,
		RunID:       run.RunID,
		Description: fmt.Sprintf("approval requested for step %s", step.ID),
		Details: map[string]any{
			"approvalId":   req.ID,
			"approvers":    settings.ApproverIDs,
			"minApprovals": minApprovals,
			"expiresAt":    req.ExpiresAt,
		},
	})

	m.armTimer(req.ID, timeout)
	return req, nil
}

// Respond records one approver's vote. Each eligible approver votes at
// most once; a single rejection resolves the request immediately, and
// reaching MinApprovals approvals resolves it as approved.
func (m *Manager) Respond(
	ctx context.Context,
	approvalID string,
	userID string,
	decision automation.ApprovalDecision,
	comment string,
) (*automation.ApprovalRequest, error) {
	mu := m.lock(approvalID)
	mu.Lock()
	defer mu.Unlock()

	req, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("loading approval %s: %w", approvalID, err)
	}
	if req == nil {
		return nil, automation.NewValidationError("approvalId", "approval request not found")
	}
	if req.Status.IsResolved() {
		return nil, automation.NewWorkflowError(automation.ErrCodeValidation,
			fmt.Sprintf("approval %s is already %s", approvalID, req.Status))
	}
	if !req.IsEligibleApprover(userID) {
		return nil, automation.NewWorkflowError(automation.ErrCodeValidation,
			fmt.Sprintf("user %s is not an eligible approver", userID))
	}
	if _, voted := req.Responses[userID]; voted {
		return nil, automation.NewWorkflowError(automation.ErrCodeValidation,
			fmt.Sprintf("user %s has already responded", userID))
	}

	if req.Responses == nil {
		req.Responses = make(map[string]*automation.ApprovalResponse)
	}
	req.Responses[userID] = &automation.ApprovalResponse{
		ApproverID:  userID,
		Decision:    decision,
		Comment:     comment,
		RespondedAt: time.Now().UTC(),
	}

	switch {
	case decision == automation.DecisionReject:
		req.Status = automation.ApprovalStatusRejected
	case req.ApprovalCount() >= req.MinApprovals:
		req.Status = automation.ApprovalStatusApproved
	}
	req.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("updating approval %s: %w", approvalID, err)
	}

	m.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditApprovalResponded,
		RunID:       req.RunID,
		Actor:       userID,
		Description: fmt.Sprintf("approval vote recorded: %s", decision),
		Details:     map[string]any{"approvalId": req.ID, "decision": decision},
	})

	if req.Status.IsResolved() {
		m.stopTimer(req.ID)
		m.resolve(ctx, req)
	}
	return req, nil
}

// Get returns one approval request
func (m *Manager) Get(ctx context.Context, approvalID string) (*automation.ApprovalRequest, error) {
	return m.store.GetApproval(ctx, approvalID)
}

// ListPending returns all unresolved approval requests
func (m *Manager) ListPending(ctx context.Context) ([]*automation.ApprovalRequest, error) {
	return m.store.ListPendingApprovals(ctx)
}

// RestoreTimers re-arms expiry timers for unresolved requests after a
// restart. Already-expired requests expire on the next tick.
func (m *Manager) RestoreTimers(ctx context.Context) error {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("listing pending approvals: %w", err)
	}
	now := time.Now().UTC()
	for _, req := range pending {
		remaining := req.ExpiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		m.armTimer(req.ID, remaining)
	}
	return nil
}

// expire handles a fired deadline. A pending request with escalation
// users configured escalates exactly once, extending the deadline by
// the original timeout; otherwise the request expires.
func (m *Manager) expire(approvalID string) {
	ctx := context.Background()

	mu := m.lock(approvalID)
	mu.Lock()
	defer mu.Unlock()

	req, err := m.store.GetApproval(ctx, approvalID)
	if err != nil || req == nil {
		m.logger.Error().Err(err).Str("approval_id", approvalID).Msg("failed to load approval for expiry")
		return
	}
	if req.Status.IsResolved() {
		return
	}

	if req.Status == automation.ApprovalStatusPending && len(req.EscalationUserIDs) > 0 {
		timeout := req.ExpiresAt.Sub(req.CreatedAt)
		req.Status = automation.ApprovalStatusEscalated
		req.ExpiresAt = req.ExpiresAt.Add(timeout)
		req.UpdatedAt = time.Now().UTC()

		if err := m.store.UpdateApproval(ctx, req); err != nil {
			m.logger.Error().Err(err).Str("approval_id", approvalID).Msg("failed to escalate approval")
			return
		}

		m.notify(ctx, req, req.EscalationUserIDs,
			fmt.Sprintf("Approval request %s was escalated to you after its approvers did not respond", req.ID))
		m.audit.Record(ctx, automation.AuditLogEntry{
			EventType:   automation.AuditApprovalEscalated,
			RunID:       req.RunID,
			Description: "approval escalated after timeout",
			Details:     map[string]any{"approvalId": req.ID, "escalatedTo": req.EscalationUserIDs},
		})

		m.armTimer(req.ID, timeout)
		return
	}

	req.Status = automation.ApprovalStatusExpired
	req.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateApproval(ctx, req); err != nil {
		m.logger.Error().Err(err).Str("approval_id", approvalID).Msg("failed to expire approval")
		return
	}
	m.resolve(ctx, req)
}

// resolve pushes the terminal verdict back into the suspended run
func (m *Manager) resolve(ctx context.Context, req *automation.ApprovalRequest) {
	m.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditApprovalResolved,
		RunID:       req.RunID,
		Description: fmt.Sprintf("approval resolved: %s", req.Status),
		Details:     map[string]any{"approvalId": req.ID, "status": req.Status},
	})

	if m.resolver == nil {
		m.logger.Error().Str("approval_id", req.ID).Msg("no resolver attached, run will stay suspended")
		return
	}
	if err := m.resolver.ResolveApproval(ctx, req); err != nil {
		m.logger.Error().
			Err(err).
			Str("approval_id", req.ID).
			Str("run_id", req.RunID).
			Msg("failed to resume run after approval resolution")
	}
}

func (m *Manager) notify(ctx context.Context, req *automation.ApprovalRequest, userIDs []string, message string) {
	if m.notifier == nil || len(userIDs) == 0 {
		return
	}
	data := map[string]any{
		"approvalId": req.ID,
		"runId":      req.RunID,
		"stepId":     req.StepID,
		"expiresAt":  req.ExpiresAt,
	}
	if err := m.notifier.Notify(ctx, userIDs, message, data); err != nil {
		m.logger.Warn().Err(err).Str("approval_id", req.ID).Msg("approver notification failed")
	}
}

func (m *Manager) lock(approvalID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[approvalID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[approvalID] = mu
	}
	return mu
}

func (m *Manager) armTimer(approvalID string, d time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[approvalID]; ok {
		t.Stop()
	}
	m.timers[approvalID] = time.AfterFunc(d, func() {
		m.timerMu.Lock()
		delete(m.timers, approvalID)
		m.timerMu.Unlock()
		m.expire(approvalID)
	})
}

func (m *Manager) stopTimer(approvalID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[approvalID]; ok {
		t.Stop()
		delete(m.timers, approvalID)
	}
}
