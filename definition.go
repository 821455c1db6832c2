package automation

import (
	"time"
)

// TriggerType identifies what kind of condition starts a workflow
type TriggerType string

const (
	TriggerTypeEvent    TriggerType = "EVENT"
	TriggerTypeSchedule TriggerType = "SCHEDULE"
	TriggerTypeWebhook  TriggerType = "WEBHOOK"
	TriggerTypeManual   TriggerType = "MANUAL"
)

// String returns the string representation
func (t TriggerType) String() string {
	return string(t)
}

// InputSpec declares one input a manual trigger expects from its caller
type InputSpec struct {
	Name     string `json:"name" dynamodbav:"name"`
	Type     string `json:"type" dynamodbav:"type"` // "string", "number", "boolean", "object", "array"
	Required bool   `json:"required" dynamodbav:"required"`
}

// WorkflowTrigger is the tagged condition that starts a workflow.
// Exactly the fields for its Type are populated.
type WorkflowTrigger struct {
	Type TriggerType `json:"type" dynamodbav:"type"`

	// Event trigger
	EventType  string      `json:"eventType,omitempty" dynamodbav:"event_type,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" dynamodbav:"conditions,omitempty"`

	// Schedule trigger
	CronExpression string `json:"cronExpression,omitempty" dynamodbav:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty" dynamodbav:"timezone,omitempty"`

	// Webhook trigger
	Method string `json:"method,omitempty" dynamodbav:"method,omitempty"`
	Secret string `json:"secret,omitempty" dynamodbav:"secret,omitempty"`

	// Manual trigger; empty allow-lists mean unrestricted
	AllowedUserIDs []string    `json:"allowedUserIds,omitempty" dynamodbav:"allowed_user_ids,omitempty"`
	AllowedRoles   []string    `json:"allowedRoles,omitempty" dynamodbav:"allowed_roles,omitempty"`
	RequiredInputs []InputSpec `json:"requiredInputs,omitempty" dynamodbav:"required_inputs,omitempty"`
}

// ActionKind tags the variant of a workflow step
type ActionKind string

const (
	ActionSendMessage       ActionKind = "send_message"
	ActionHTTPRequest       ActionKind = "http_request"
	ActionTransformData     ActionKind = "transform_data"
	ActionConditionalBranch ActionKind = "conditional_branch"
	ActionApproval          ActionKind = "approval"
	ActionDelay             ActionKind = "delay"
	ActionSetVariable       ActionKind = "set_variable"
	ActionParallel          ActionKind = "parallel"
	ActionLoop              ActionKind = "loop"
	ActionChannelAction     ActionKind = "channel_action"
	ActionUserAction        ActionKind = "user_action"
)

// String returns the string representation
func (k ActionKind) String() string {
	return string(k)
}

// IsContainer reports whether the action runs other steps internally.
// Container-owned steps are excluded from top-level dispatch.
func (k ActionKind) IsContainer() bool {
	return k == ActionConditionalBranch || k == ActionParallel || k == ActionLoop
}

// IsSuspending reports whether the action parks the run instead of
// completing inline.
func (k ActionKind) IsSuspending() bool {
	return k == ActionApproval || k == ActionDelay
}

// WorkflowStep is one unit of work in a workflow definition
type WorkflowStep struct {
	ID   string `json:"id" dynamodbav:"id"`
	Name string `json:"name" dynamodbav:"name"`

	Action ActionKind `json:"action" dynamodbav:"action"`

	// Kind-specific settings; decoded into the typed struct for Action
	// during validation. String values support {{path}} interpolation.
	Settings map[string]any `json:"settings,omitempty" dynamodbav:"settings,omitempty"`

	// Unmet conditions skip the step without consuming a retry
	Conditions []Condition `json:"conditions,omitempty" dynamodbav:"conditions,omitempty"`

	// Steps that must reach a terminal state before this one may run
	DependsOn []string `json:"dependsOn,omitempty" dynamodbav:"depends_on,omitempty"`

	// When set, the step's output is published under this variable key
	OutputKey string `json:"outputKey,omitempty" dynamodbav:"output_key,omitempty"`

	Config ExecutionConfig `json:"config" dynamodbav:"config"`
}

// WorkflowSettings are definition-level execution limits
type WorkflowSettings struct {
	MaxExecutionTimeMs int64  `json:"maxExecutionTimeMs" dynamodbav:"max_execution_time_ms"`
	MaxRetries         int    `json:"maxRetries" dynamodbav:"max_retries"`
	ContinueOnFailure  bool   `json:"continueOnFailure" dynamodbav:"continue_on_failure"`
	Timezone           string `json:"timezone,omitempty" dynamodbav:"timezone,omitempty"`
	MaxConcurrentRuns  int    `json:"maxConcurrentRuns" dynamodbav:"max_concurrent_runs"`
}

// WorkflowDefinition is the complete workflow blueprint. A definition is
// treated as immutable once a run references it; edits never migrate
// in-flight runs.
type WorkflowDefinition struct {
	ID          string `json:"id" dynamodbav:"id"`
	Name        string `json:"name" dynamodbav:"name"`
	Description string `json:"description,omitempty" dynamodbav:"description,omitempty"`
	OwnerID     string `json:"ownerId" dynamodbav:"owner_id"`

	Trigger WorkflowTrigger `json:"trigger" dynamodbav:"trigger"`
	Steps   []*WorkflowStep `json:"steps" dynamodbav:"steps"`

	Settings WorkflowSettings `json:"settings" dynamodbav:"settings"`

	Scopes  []string `json:"scopes,omitempty" dynamodbav:"scopes,omitempty"`
	Tags    []string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
	Enabled bool     `json:"enabled" dynamodbav:"enabled"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// GetStep retrieves a step by ID
func (d *WorkflowDefinition) GetStep(stepID string) (*WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return nil, false
}

// ContainerOwnedSteps returns the set of step IDs referenced by the
// bodies of conditional_branch, parallel and loop actions. These run
// only inside their container and never at the top level.
func (d *WorkflowDefinition) ContainerOwnedSteps() map[string]string {
	owned := make(map[string]string)
	for _, s := range d.Steps {
		for _, id := range s.ContainedStepIDs() {
			owned[id] = s.ID
		}
	}
	return owned
}

// ContainedStepIDs lists the step IDs a container action executes
// internally. Non-container actions return nil. Settings are read as
// raw maps so the method works before validation decodes them.
func (s *WorkflowStep) ContainedStepIDs() []string {
	var ids []string
	switch s.Action {
	case ActionConditionalBranch:
		var cfg ConditionalBranchSettings
		if decodeSettings(s.Settings, &cfg) == nil {
			for _, br := range cfg.Branches {
				ids = append(ids, br.Steps...)
			}
			ids = append(ids, cfg.DefaultSteps...)
		}
	case ActionParallel:
		var cfg ParallelSettings
		if decodeSettings(s.Settings, &cfg) == nil {
			for _, branch := range cfg.Branches {
				ids = append(ids, branch...)
			}
		}
	case ActionLoop:
		var cfg LoopSettings
		if decodeSettings(s.Settings, &cfg) == nil {
			ids = append(ids, cfg.BodySteps...)
		}
	}
	return ids
}

// Per-kind settings structs. Validation decodes WorkflowStep.Settings
// into these; string fields support {{path}} interpolation at runtime.

// SendMessageSettings delegates to the external channel-send capability
type SendMessageSettings struct {
	ChannelID string `json:"channelId" mapstructure:"channelId"`
	Content   string `json:"content" mapstructure:"content"`
	ThreadID  string `json:"threadId,omitempty" mapstructure:"threadId"`
}

// HTTPRequestSettings performs an outbound HTTP call
type HTTPRequestSettings struct {
	URL     string            `json:"url" mapstructure:"url"`
	Method  string            `json:"method" mapstructure:"method"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body    string            `json:"body,omitempty" mapstructure:"body"`
}

// TransformDataSettings evaluates an expression against the run context
type TransformDataSettings struct {
	Expression string `json:"expression" mapstructure:"expression"`
}

// BranchCase is one arm of a conditional_branch action
type BranchCase struct {
	Name       string      `json:"name" mapstructure:"name"`
	Conditions []Condition `json:"conditions" mapstructure:"conditions"`
	Steps      []string    `json:"steps" mapstructure:"steps"`
}

// ConditionalBranchSettings executes the first branch whose conditions
// match, else DefaultSteps. No match with no default is not an error.
type ConditionalBranchSettings struct {
	Branches     []BranchCase `json:"branches" mapstructure:"branches"`
	DefaultSteps []string     `json:"defaultSteps,omitempty" mapstructure:"defaultSteps"`
}

// ApprovalSettings pauses the run for human sign-off
type ApprovalSettings struct {
	ApproverIDs       []string `json:"approverIds" mapstructure:"approverIds"`
	MinApprovals      int      `json:"minApprovals" mapstructure:"minApprovals"`
	TimeoutMs         int64    `json:"timeoutMs" mapstructure:"timeoutMs"`
	EscalationUserIDs []string `json:"escalationUserIds,omitempty" mapstructure:"escalationUserIds"`
	Message           string   `json:"message,omitempty" mapstructure:"message"`
}

// DelaySettings suspends the run without holding a worker
type DelaySettings struct {
	DurationMs int64 `json:"durationMs" mapstructure:"durationMs"`
}

// SetVariableSettings writes a resolved value into run variables
type SetVariableSettings struct {
	Name  string `json:"name" mapstructure:"name"`
	Value any    `json:"value" mapstructure:"value"`
}

// ParallelSettings executes named branches concurrently
type ParallelSettings struct {
	Branches   map[string][]string `json:"branches" mapstructure:"branches"`
	WaitForAll bool                `json:"waitForAll" mapstructure:"waitForAll"`
}

// LoopSettings iterates a resolved collection, re-running BodySteps per
// item. Exceeding MaxIterations fails the step.
type LoopSettings struct {
	Collection    string   `json:"collection" mapstructure:"collection"` // context path or {{template}}
	ItemVar       string   `json:"itemVar" mapstructure:"itemVar"`
	IndexVar      string   `json:"indexVar,omitempty" mapstructure:"indexVar"`
	BodySteps     []string `json:"bodySteps" mapstructure:"bodySteps"`
	MaxIterations int      `json:"maxIterations" mapstructure:"maxIterations"`
}

// ChannelActionSettings performs a channel management operation
type ChannelActionSettings struct {
	Operation string         `json:"operation" mapstructure:"operation"` // "archive", "rename", "set_topic", ...
	ChannelID string         `json:"channelId" mapstructure:"channelId"`
	Params    map[string]any `json:"params,omitempty" mapstructure:"params"`
}

// UserActionSettings performs a user management operation
type UserActionSettings struct {
	Operation string         `json:"operation" mapstructure:"operation"` // "add_role", "remove_role", "notify", ...
	UserID    string         `json:"userId" mapstructure:"userId"`
	Params    map[string]any `json:"params,omitempty" mapstructure:"params"`
}
