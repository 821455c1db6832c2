// Package builder provides a fluent API for constructing workflow
// definitions in code. Definitions built here pass through the same
// validation as definitions loaded from storage.
package builder

import (
	"fmt"
	"time"

	"github.com/relaychat/automation"
)

// WorkflowBuilder provides a fluent API for building workflow definitions
type WorkflowBuilder struct {
	def         *automation.WorkflowDefinition
	lastStepIDs []string
}

// NewWorkflow creates a new workflow builder
func NewWorkflow(id, name string) *WorkflowBuilder {
	now := time.Now()
	return &WorkflowBuilder{
		def: &automation.WorkflowDefinition{
			ID:        id,
			Name:      name,
			Settings:  automation.DefaultWorkflowSettings,
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		lastStepIDs: []string{},
	}
}

// WithDescription sets the workflow description
func (b *WorkflowBuilder) WithDescription(description string) *WorkflowBuilder {
	b.def.Description = description
	return b
}

// WithOwner sets the owning user
func (b *WorkflowBuilder) WithOwner(ownerID string) *WorkflowBuilder {
	b.def.OwnerID = ownerID
	return b
}

// WithSettings overrides the definition-level execution limits
func (b *WorkflowBuilder) WithSettings(settings automation.WorkflowSettings) *WorkflowBuilder {
	b.def.Settings = settings
	return b
}

// WithScopes sets the capability scopes the workflow may use
func (b *WorkflowBuilder) WithScopes(scopes ...string) *WorkflowBuilder {
	b.def.Scopes = scopes
	return b
}

// WithTags sets workflow tags
func (b *WorkflowBuilder) WithTags(tags ...string) *WorkflowBuilder {
	b.def.Tags = tags
	return b
}

// Disabled marks the workflow as not eligible for triggering
func (b *WorkflowBuilder) Disabled() *WorkflowBuilder {
	b.def.Enabled = false
	return b
}

// OnEvent configures an event trigger
func (b *WorkflowBuilder) OnEvent(eventType string, conditions ...automation.Condition) *WorkflowBuilder {
	b.def.Trigger = automation.WorkflowTrigger{
		Type:       automation.TriggerTypeEvent,
		EventType:  eventType,
		Conditions: conditions,
	}
	return b
}

// OnSchedule configures a cron schedule trigger. Timezone may be empty
// for UTC.
func (b *WorkflowBuilder) OnSchedule(cronExpression, timezone string) *WorkflowBuilder {
	b.def.Trigger = automation.WorkflowTrigger{
		Type:           automation.TriggerTypeSchedule,
		CronExpression: cronExpression,
		Timezone:       timezone,
	}
	return b
}

// OnWebhook configures a webhook trigger
func (b *WorkflowBuilder) OnWebhook(method, secret string) *WorkflowBuilder {
	b.def.Trigger = automation.WorkflowTrigger{
		Type:   automation.TriggerTypeWebhook,
		Method: method,
		Secret: secret,
	}
	return b
}

// OnManual configures a manual trigger. Empty allow-lists mean any
// caller may start the workflow.
func (b *WorkflowBuilder) OnManual(allowedUserIDs, allowedRoles []string, inputs ...automation.InputSpec) *WorkflowBuilder {
	b.def.Trigger = automation.WorkflowTrigger{
		Type:           automation.TriggerTypeManual,
		AllowedUserIDs: allowedUserIDs,
		AllowedRoles:   allowedRoles,
		RequiredInputs: inputs,
	}
	return b
}

// AddStep registers a step without chaining it after the previous one.
// Use this for container bodies, which are dispatched by their owning
// step rather than by dependency order.
func (b *WorkflowBuilder) AddStep(step *StepBuilder) *WorkflowBuilder {
	b.register(step.build())
	return b
}

// ThenStep chains the given step after the last added step
func (b *WorkflowBuilder) ThenStep(step *StepBuilder) *WorkflowBuilder {
	ws := step.build()
	ws.DependsOn = append(ws.DependsOn, b.lastStepIDs...)
	b.register(ws)
	b.lastStepIDs = []string{ws.ID}
	return b
}

// Parallel adds multiple steps that all depend on the last step(s) and
// run concurrently with each other
func (b *WorkflowBuilder) Parallel(steps ...*StepBuilder) *WorkflowBuilder {
	var newLastIDs []string
	for _, step := range steps {
		ws := step.build()
		ws.DependsOn = append(ws.DependsOn, b.lastStepIDs...)
		b.register(ws)
		newLastIDs = append(newLastIDs, ws.ID)
	}
	b.lastStepIDs = newLastIDs
	return b
}

// Sequence adds multiple steps and chains them together in order
func (b *WorkflowBuilder) Sequence(steps ...*StepBuilder) *WorkflowBuilder {
	for _, step := range steps {
		b.ThenStep(step)
	}
	return b
}

func (b *WorkflowBuilder) register(ws *automation.WorkflowStep) {
	if _, ok := b.def.GetStep(ws.ID); ok {
		panic(fmt.Sprintf("duplicate step id: %s", ws.ID))
	}
	b.def.Steps = append(b.def.Steps, ws)
}

// Build finalizes and validates the workflow definition
func (b *WorkflowBuilder) Build() (*automation.WorkflowDefinition, error) {
	if err := automation.ValidateDefinition(b.def); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	return b.def, nil
}

// MustBuild finalizes and validates the workflow definition, panics on error
func (b *WorkflowBuilder) MustBuild() *automation.WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build workflow: %v", err))
	}
	return def
}
