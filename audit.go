package automation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AuditEventType is the closed enumeration of auditable events
type AuditEventType string

const (
	AuditWorkflowCreated  AuditEventType = "workflow.created"
	AuditWorkflowUpdated  AuditEventType = "workflow.updated"
	AuditWorkflowDisabled AuditEventType = "workflow.disabled"
	AuditWorkflowDeleted  AuditEventType = "workflow.deleted"

	AuditRunStarted   AuditEventType = "run.started"
	AuditRunCompleted AuditEventType = "run.completed"
	AuditRunFailed    AuditEventType = "run.failed"
	AuditRunCancelled AuditEventType = "run.cancelled"
	AuditRunTimedOut  AuditEventType = "run.timed_out"
	AuditRunSuspended AuditEventType = "run.suspended"
	AuditRunResumed   AuditEventType = "run.resumed"

	AuditStepCompleted AuditEventType = "step.completed"
	AuditStepFailed    AuditEventType = "step.failed"
	AuditStepSkipped   AuditEventType = "step.skipped"

	AuditApprovalRequested AuditEventType = "approval.requested"
	AuditApprovalResponded AuditEventType = "approval.responded"
	AuditApprovalResolved  AuditEventType = "approval.resolved"
	AuditApprovalEscalated AuditEventType = "approval.escalated"

	AuditScheduleFired AuditEventType = "schedule.fired"

	AuditWebhookCreated AuditEventType = "webhook.created"
	AuditWebhookUpdated AuditEventType = "webhook.updated"
	AuditWebhookDeleted AuditEventType = "webhook.deleted"

	AuditDeliverySucceeded  AuditEventType = "delivery.succeeded"
	AuditDeliveryFailed     AuditEventType = "delivery.failed"
	AuditDeliveryDeadLetter AuditEventType = "delivery.dead_letter"
	AuditDeliveryReplayed   AuditEventType = "delivery.replayed"
)

// AuditLogEntry is one immutable, append-only audit record
type AuditLogEntry struct {
	ID        string         `json:"id" dynamodbav:"id"`
	EventType AuditEventType `json:"eventType" dynamodbav:"event_type"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`

	WorkflowID string `json:"workflowId,omitempty" dynamodbav:"workflow_id,omitempty"`
	RunID      string `json:"runId,omitempty" dynamodbav:"run_id,omitempty"`
	WebhookID  string `json:"webhookId,omitempty" dynamodbav:"webhook_id,omitempty"`

	Description string         `json:"description" dynamodbav:"description"`
	Actor       string         `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	Details     map[string]any `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// AuditRecorder appends audit entries through the store and mirrors
// them to the structured log. Appends are fire-and-forget: a failed
// audit write is logged but never fails the operation it documents.
type AuditRecorder struct {
	store  Store
	logger zerolog.Logger
}

// NewAuditRecorder creates an audit recorder
func NewAuditRecorder(store Store, logger zerolog.Logger) *AuditRecorder {
	return &AuditRecorder{store: store, logger: logger}
}

// Record appends one audit entry
func (a *AuditRecorder) Record(ctx context.Context, entry AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := a.store.AppendAudit(ctx, &entry); err != nil {
		a.logger.Error().
			Err(err).
			Str("audit_event", string(entry.EventType)).
			Msg("Failed to append audit entry")
		return
	}

	a.logger.Debug().
		Str("audit_event", string(entry.EventType)).
		Str("workflow_id", entry.WorkflowID).
		Str("run_id", entry.RunID).
		Str("webhook_id", entry.WebhookID).
		Msg(entry.Description)
}
