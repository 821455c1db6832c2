package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaychat/automation"
)

// MemoryStore implements automation.Store using in-memory storage (for
// testing and single-process deployments)
type MemoryStore struct {
	definitions map[string]*automation.WorkflowDefinition
	runs        map[string]*automation.WorkflowRun
	stepResults map[string]map[string]*automation.StepResult // runID -> stepID -> result
	approvals   map[string]*automation.ApprovalRequest
	schedules   map[string]*automation.ScheduleEntry
	webhooks    map[string]*automation.Webhook
	tokens      map[string]string // incoming token -> webhook ID
	deliveries  map[string]*automation.WebhookDelivery
	audit       []*automation.AuditLogEntry
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*automation.WorkflowDefinition),
		runs:        make(map[string]*automation.WorkflowRun),
		stepResults: make(map[string]map[string]*automation.StepResult),
		approvals:   make(map[string]*automation.ApprovalRequest),
		schedules:   make(map[string]*automation.ScheduleEntry),
		webhooks:    make(map[string]*automation.Webhook),
		tokens:      make(map[string]string),
		deliveries:  make(map[string]*automation.WebhookDelivery),
	}
}

// Workflow definition operations

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *automation.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return fmt.Errorf("workflow definition %s already exists", def.ID)
	}

	defCopy := *def
	s.definitions[def.ID] = &defCopy
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, workflowID string) (*automation.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[workflowID]
	if !exists {
		return nil, nil
	}

	defCopy := *def
	return &defCopy, nil
}

func (s *MemoryStore) UpdateDefinition(ctx context.Context, def *automation.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; !exists {
		return fmt.Errorf("workflow definition %s not found", def.ID)
	}

	defCopy := *def
	s.definitions[def.ID] = &defCopy
	return nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.definitions, workflowID)
	return nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, filter automation.DefinitionFilter) ([]*automation.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*automation.WorkflowDefinition
	for _, def := range s.definitions {
		if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
			continue
		}
		if filter.EventType != "" && def.Trigger.EventType != filter.EventType {
			continue
		}
		if filter.EnabledOnly && !def.Enabled {
			continue
		}
		if filter.OwnerID != "" && def.OwnerID != filter.OwnerID {
			continue
		}

		defCopy := *def
		defs = append(defs, &defCopy)

		if filter.Limit > 0 && len(defs) >= filter.Limit {
			break
		}
	}
	return defs, nil
}

// Workflow run operations

func (s *MemoryStore) CreateRun(ctx context.Context, run *automation.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("workflow run %s already exists", run.RunID)
	}

	runCopy := *run
	s.runs[run.RunID] = &runCopy
	s.stepResults[run.RunID] = make(map[string]*automation.StepResult)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*automation.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("workflow run %s not found", runID)
	}

	runCopy := *run
	return &runCopy, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *automation.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; !exists {
		return fmt.Errorf("workflow run %s not found", run.RunID)
	}

	runCopy := *run
	s.runs[run.RunID] = &runCopy
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter automation.RunFilter) ([]*automation.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*automation.WorkflowRun
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}

		runCopy := *run
		runs = append(runs, &runCopy)

		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *MemoryStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, run := range s.runs {
		if run.WorkflowID == workflowID && !run.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// Step result operations

func (s *MemoryStore) PutStepResult(ctx context.Context, result *automation.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stepResults[result.RunID]; !exists {
		s.stepResults[result.RunID] = make(map[string]*automation.StepResult)
	}

	resultCopy := *result
	s.stepResults[result.RunID][result.StepID] = &resultCopy
	return nil
}

func (s *MemoryStore) GetStepResult(ctx context.Context, runID, stepID string) (*automation.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, exists := s.stepResults[runID]
	if !exists {
		return nil, nil
	}
	result, exists := results[stepID]
	if !exists {
		return nil, nil
	}

	resultCopy := *result
	return &resultCopy, nil
}

func (s *MemoryStore) ListStepResults(ctx context.Context, runID string) ([]*automation.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, exists := s.stepResults[runID]
	if !exists {
		return []*automation.StepResult{}, nil
	}

	out := make([]*automation.StepResult, 0, len(results))
	for _, result := range results {
		resultCopy := *result
		out = append(out, &resultCopy)
	}
	return out, nil
}

// Approval request operations

func (s *MemoryStore) CreateApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[req.ID]; exists {
		return fmt.Errorf("approval request %s already exists", req.ID)
	}

	reqCopy := *req
	s.approvals[req.ID] = &reqCopy
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, approvalID string) (*automation.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.approvals[approvalID]
	if !exists {
		return nil, nil
	}

	reqCopy := *req
	return &reqCopy, nil
}

func (s *MemoryStore) UpdateApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[req.ID]; !exists {
		return fmt.Errorf("approval request %s not found", req.ID)
	}

	reqCopy := *req
	s.approvals[req.ID] = &reqCopy
	return nil
}

func (s *MemoryStore) ListPendingApprovals(ctx context.Context) ([]*automation.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*automation.ApprovalRequest
	for _, req := range s.approvals {
		if req.Status.IsResolved() {
			continue
		}
		reqCopy := *req
		out = append(out, &reqCopy)
	}
	return out, nil
}

// Schedule entry operations

func (s *MemoryStore) PutSchedule(ctx context.Context, entry *automation.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.schedules[entry.ID] = &entryCopy
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, scheduleID string) (*automation.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.schedules[scheduleID]
	if !exists {
		return nil, nil
	}

	entryCopy := *entry
	return &entryCopy, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, scheduleID)
	return nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*automation.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*automation.ScheduleEntry
	for _, entry := range s.schedules {
		if !entry.Enabled || entry.NextRunAt.After(now) {
			continue
		}
		entryCopy := *entry
		due = append(due, &entryCopy)
	}
	return due, nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context) ([]*automation.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*automation.ScheduleEntry, 0, len(s.schedules))
	for _, entry := range s.schedules {
		entryCopy := *entry
		out = append(out, &entryCopy)
	}
	return out, nil
}

// Webhook operations

func (s *MemoryStore) CreateWebhook(ctx context.Context, hook *automation.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[hook.ID]; exists {
		return fmt.Errorf("webhook %s already exists", hook.ID)
	}

	hookCopy := *hook
	s.webhooks[hook.ID] = &hookCopy
	if hook.Token != "" {
		s.tokens[hook.Token] = hook.ID
	}
	return nil
}

func (s *MemoryStore) GetWebhook(ctx context.Context, webhookID string) (*automation.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hook, exists := s.webhooks[webhookID]
	if !exists {
		return nil, nil
	}

	hookCopy := *hook
	return &hookCopy, nil
}

func (s *MemoryStore) GetWebhookByToken(ctx context.Context, token string) (*automation.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	webhookID, exists := s.tokens[token]
	if !exists {
		return nil, nil
	}
	hook, exists := s.webhooks[webhookID]
	if !exists {
		return nil, nil
	}

	hookCopy := *hook
	return &hookCopy, nil
}

func (s *MemoryStore) UpdateWebhook(ctx context.Context, hook *automation.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.webhooks[hook.ID]
	if !exists {
		return fmt.Errorf("webhook %s not found", hook.ID)
	}

	if prev.Token != hook.Token {
		delete(s.tokens, prev.Token)
		if hook.Token != "" {
			s.tokens[hook.Token] = hook.ID
		}
	}

	hookCopy := *hook
	s.webhooks[hook.ID] = &hookCopy
	return nil
}

func (s *MemoryStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hook, exists := s.webhooks[webhookID]; exists && hook.Token != "" {
		delete(s.tokens, hook.Token)
	}
	delete(s.webhooks, webhookID)
	return nil
}

func (s *MemoryStore) ListWebhooks(ctx context.Context, filter automation.WebhookFilter) ([]*automation.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hooks []*automation.Webhook
	for _, hook := range s.webhooks {
		if filter.Direction != "" && hook.Direction != filter.Direction {
			continue
		}
		if filter.ActiveOnly && !hook.Active() {
			continue
		}
		if filter.OwnerID != "" && hook.OwnerID != filter.OwnerID {
			continue
		}

		hookCopy := *hook
		hooks = append(hooks, &hookCopy)
	}
	return hooks, nil
}

// Delivery operations

func (s *MemoryStore) CreateDelivery(ctx context.Context, d *automation.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}

	dCopy := *d
	s.deliveries[d.ID] = &dCopy
	return nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, deliveryID string) (*automation.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.deliveries[deliveryID]
	if !exists {
		return nil, nil
	}

	dCopy := *d
	return &dCopy, nil
}

func (s *MemoryStore) UpdateDelivery(ctx context.Context, d *automation.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; !exists {
		return fmt.Errorf("delivery %s not found", d.ID)
	}

	dCopy := *d
	s.deliveries[d.ID] = &dCopy
	return nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*automation.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*automation.WebhookDelivery
	for _, d := range s.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		dCopy := *d
		out = append(out, &dCopy)
	}

	sortDeliveries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*automation.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*automation.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != automation.DeliveryStatusDeadLetter {
			continue
		}
		dCopy := *d
		out = append(out, &dCopy)
	}

	sortDeliveries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Audit log operations

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *automation.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.audit = append(s.audit, &entryCopy)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, filter automation.AuditFilter) ([]*automation.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*automation.AuditLogEntry
	for _, entry := range s.audit {
		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.RunID != "" && entry.RunID != filter.RunID {
			continue
		}
		if filter.WebhookID != "" && entry.WebhookID != filter.WebhookID {
			continue
		}
		if filter.EventType != "" && entry.EventType != filter.EventType {
			continue
		}
		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}

		entryCopy := *entry
		out = append(out, &entryCopy)

		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// newest first
func sortDeliveries(ds []*automation.WebhookDelivery) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}
