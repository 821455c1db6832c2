package automation

import (
	"time"
)

// RunStatus represents the current state of a workflow run
type RunStatus string

const (
	RunStatusPending         RunStatus = "PENDING"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusFailed          RunStatus = "FAILED"
	RunStatusCancelled       RunStatus = "CANCELLED"
	RunStatusTimedOut        RunStatus = "TIMED_OUT"
	RunStatusWaitingApproval RunStatus = "WAITING_APPROVAL"
	RunStatusPaused          RunStatus = "PAUSED"
	RunStatusRetrying        RunStatus = "RETRYING"
)

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusTimedOut
}

// IsSuspended returns true if the run is parked waiting for an external signal
func (s RunStatus) IsSuspended() bool {
	return s == RunStatusWaitingApproval || s == RunStatusPaused
}

// String returns the string representation
func (s RunStatus) String() string {
	return string(s)
}

// StepStatus represents the current state of a step execution
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusRetrying  StepStatus = "RETRYING"
)

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// WorkflowRun represents a single workflow execution instance
type WorkflowRun struct {
	// Identity
	RunID      string `json:"runId" dynamodbav:"run_id"`
	WorkflowID string `json:"workflowId" dynamodbav:"workflow_id"`

	// Status
	Status RunStatus `json:"status" dynamodbav:"status"`

	// What fired the workflow, snapshotted at trigger time
	Trigger *TriggerInfo `json:"trigger,omitempty" dynamodbav:"trigger,omitempty"`

	// Caller-supplied inputs for manual and webhook triggers
	Inputs map[string]any `json:"inputs,omitempty" dynamodbav:"inputs,omitempty"`

	// Mutable key/value store populated by set_variable and step output keys
	Variables map[string]any `json:"variables,omitempty" dynamodbav:"variables,omitempty"`

	// Idempotency keys already consumed within this run, resolved value -> step ID
	SeenIdempotencyKeys map[string]string `json:"seenIdempotencyKeys,omitempty" dynamodbav:"seen_idempotency_keys,omitempty"`

	// Timing
	CreatedAt time.Time  `json:"createdAt" dynamodbav:"created_at"`
	StartedAt *time.Time `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty" dynamodbav:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt" dynamodbav:"updated_at"`

	// Suspension bookkeeping
	ResumeAt          *time.Time `json:"resumeAt,omitempty" dynamodbav:"resume_at,omitempty"`
	PendingApprovalID string     `json:"pendingApprovalId,omitempty" dynamodbav:"pending_approval_id,omitempty"`

	// Error handling
	Error *WorkflowError `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Set when this run was created by replaying a failed run
	RetryOfRunID string `json:"retryOfRunId,omitempty" dynamodbav:"retry_of_run_id,omitempty"`
}

// TriggerInfo captures what initiated the workflow
type TriggerInfo struct {
	Type      TriggerType    `json:"type" dynamodbav:"type"`
	Source    string         `json:"source" dynamodbav:"source"` // user ID, event ID, schedule ID
	EventType string         `json:"eventType,omitempty" dynamodbav:"event_type,omitempty"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty" dynamodbav:"payload,omitempty"`
}

// StepResult tracks one step's execution within a workflow run
type StepResult struct {
	RunID  string `json:"runId" dynamodbav:"run_id"`
	StepID string `json:"stepId" dynamodbav:"step_id"`

	Status  StepStatus `json:"status" dynamodbav:"status"`
	Attempt int        `json:"attempt" dynamodbav:"attempt"`

	Output any        `json:"output,omitempty" dynamodbav:"output,omitempty"`
	Error  *StepError `json:"error,omitempty" dynamodbav:"error,omitempty"`

	StartedAt *time.Time `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty" dynamodbav:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
}

// ApprovalStatus represents the state of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "PENDING"
	ApprovalStatusApproved  ApprovalStatus = "APPROVED"
	ApprovalStatusRejected  ApprovalStatus = "REJECTED"
	ApprovalStatusExpired   ApprovalStatus = "EXPIRED"
	ApprovalStatusEscalated ApprovalStatus = "ESCALATED"
)

// IsResolved returns true once no further responses are accepted
func (s ApprovalStatus) IsResolved() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected || s == ApprovalStatusExpired
}

// ApprovalDecision is a single approver's verdict
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "APPROVE"
	DecisionReject  ApprovalDecision = "REJECT"
)

// ApprovalResponse records one approver's vote
type ApprovalResponse struct {
	ApproverID  string           `json:"approverId" dynamodbav:"approver_id"`
	Decision    ApprovalDecision `json:"decision" dynamodbav:"decision"`
	Comment     string           `json:"comment,omitempty" dynamodbav:"comment,omitempty"`
	RespondedAt time.Time        `json:"respondedAt" dynamodbav:"responded_at"`
}

// ApprovalRequest pauses a run until enough humans sign off
type ApprovalRequest struct {
	ID     string `json:"id" dynamodbav:"id"`
	RunID  string `json:"runId" dynamodbav:"run_id"`
	StepID string `json:"stepId" dynamodbav:"step_id"`

	ApproverIDs       []string `json:"approverIds" dynamodbav:"approver_ids"`
	MinApprovals      int      `json:"minApprovals" dynamodbav:"min_approvals"`
	EscalationUserIDs []string `json:"escalationUserIds,omitempty" dynamodbav:"escalation_user_ids,omitempty"`

	Responses map[string]*ApprovalResponse `json:"responses,omitempty" dynamodbav:"responses,omitempty"`
	Status    ApprovalStatus               `json:"status" dynamodbav:"status"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" dynamodbav:"expires_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// ApprovalCount returns the number of approve votes received so far
func (r *ApprovalRequest) ApprovalCount() int {
	n := 0
	for _, resp := range r.Responses {
		if resp.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// IsEligibleApprover reports whether userID may vote on this request.
// Escalation users become eligible only after the request escalates.
func (r *ApprovalRequest) IsEligibleApprover(userID string) bool {
	for _, id := range r.ApproverIDs {
		if id == userID {
			return true
		}
	}
	if r.Status == ApprovalStatusEscalated {
		for _, id := range r.EscalationUserIDs {
			if id == userID {
				return true
			}
		}
	}
	return false
}

// ScheduleEntry is the scheduler's record for one cron-triggered workflow
type ScheduleEntry struct {
	ID             string     `json:"id" dynamodbav:"id"`
	WorkflowID     string     `json:"workflowId" dynamodbav:"workflow_id"`
	CronExpression string     `json:"cronExpression" dynamodbav:"cron_expression"`
	Timezone       string     `json:"timezone" dynamodbav:"timezone"`
	Enabled        bool       `json:"enabled" dynamodbav:"enabled"`
	NextRunAt      time.Time  `json:"nextRunAt" dynamodbav:"next_run_at"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty" dynamodbav:"last_run_at,omitempty"`
	LastRunStatus  RunStatus  `json:"lastRunStatus,omitempty" dynamodbav:"last_run_status,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
}

// Event is a typed platform event as emitted by the chat platform's event bus
type Event struct {
	ID        string         `json:"id" dynamodbav:"id"`
	Type      string         `json:"type" dynamodbav:"type"` // "message.created", "member.joined", ...
	ChannelID string         `json:"channelId,omitempty" dynamodbav:"channel_id,omitempty"`
	UserID    string         `json:"userId,omitempty" dynamodbav:"user_id,omitempty"`
	Bot       bool           `json:"bot,omitempty" dynamodbav:"bot,omitempty"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty" dynamodbav:"payload,omitempty"`
}
