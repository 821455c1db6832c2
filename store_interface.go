package automation

import (
	"context"
	"time"
)

// Store defines the persistence interface for the automation engine.
// Implementations live in the store package; the interface sits here to
// avoid import cycles between the root and store packages.
type Store interface {
	// Workflow definitions
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *WorkflowDefinition) error
	DeleteDefinition(ctx context.Context, workflowID string) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error)

	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, run *WorkflowRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)

	// Step results
	PutStepResult(ctx context.Context, result *StepResult) error
	GetStepResult(ctx context.Context, runID, stepID string) (*StepResult, error)
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)

	// Approval requests
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error)
	UpdateApproval(ctx context.Context, req *ApprovalRequest) error
	ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error)

	// Schedule entries
	PutSchedule(ctx context.Context, entry *ScheduleEntry) error
	GetSchedule(ctx context.Context, scheduleID string) (*ScheduleEntry, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*ScheduleEntry, error)
	ListSchedules(ctx context.Context) ([]*ScheduleEntry, error)

	// Webhooks
	CreateWebhook(ctx context.Context, hook *Webhook) error
	GetWebhook(ctx context.Context, webhookID string) (*Webhook, error)
	GetWebhookByToken(ctx context.Context, token string) (*Webhook, error)
	UpdateWebhook(ctx context.Context, hook *Webhook) error
	DeleteWebhook(ctx context.Context, webhookID string) error
	ListWebhooks(ctx context.Context, filter WebhookFilter) ([]*Webhook, error)

	// Deliveries
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	GetDelivery(ctx context.Context, deliveryID string) (*WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*WebhookDelivery, error)

	// Audit log; append-only, never updated in place
	AppendAudit(ctx context.Context, entry *AuditLogEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error)
}

// DefinitionFilter narrows ListDefinitions
type DefinitionFilter struct {
	TriggerType TriggerType
	EventType   string
	EnabledOnly bool
	OwnerID     string
	Limit       int
}

// RunFilter narrows ListRuns
type RunFilter struct {
	WorkflowID string
	Status     *RunStatus
	Limit      int
}

// WebhookFilter narrows ListWebhooks
type WebhookFilter struct {
	Direction  WebhookDirection
	ActiveOnly bool
	OwnerID    string
}

// AuditFilter narrows ListAudit
type AuditFilter struct {
	WorkflowID string
	RunID      string
	WebhookID  string
	EventType  AuditEventType
	Since      time.Time
	Limit      int
}
