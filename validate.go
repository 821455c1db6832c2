package automation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateDefinition checks a workflow definition's structure and
// limits. Everything it rejects is an author-time error; the execution
// engine assumes definitions it receives are valid.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.ID == "" {
		return NewValidationError("id", "workflow id is required")
	}
	if def.Name == "" {
		return NewValidationError("name", "workflow name is required")
	}
	if def.OwnerID == "" {
		return NewValidationError("ownerId", "workflow owner is required")
	}

	if err := validateTrigger(&def.Trigger); err != nil {
		return err
	}

	if len(def.Steps) == 0 {
		return NewValidationError("steps", "workflow must have at least one step")
	}
	if len(def.Steps) > MaxStepsPerWorkflow {
		return NewValidationError("steps",
			fmt.Sprintf("workflow has %d steps, maximum is %d", len(def.Steps), MaxStepsPerWorkflow))
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return NewValidationError("steps", "step id is required")
		}
		if seen[step.ID] {
			return NewValidationError("steps", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if err := validateStep(def, step); err != nil {
			return err
		}
	}

	if err := validateContainment(def); err != nil {
		return err
	}

	// Cycle detection happens here, never at runtime
	if _, err := BuildDependencyGraph(def); err != nil {
		return err
	}

	return nil
}

func validateTrigger(t *WorkflowTrigger) error {
	switch t.Type {
	case TriggerTypeEvent:
		if t.EventType == "" {
			return NewValidationError("trigger.eventType", "event trigger requires an event type")
		}
		for _, c := range t.Conditions {
			if !c.Operator.IsValid() {
				return NewValidationError("trigger.conditions",
					fmt.Sprintf("unknown condition operator %q", c.Operator))
			}
		}
	case TriggerTypeSchedule:
		if _, err := cronParser.Parse(t.CronExpression); err != nil {
			return NewValidationError("trigger.cronExpression",
				fmt.Sprintf("invalid cron expression %q: %v", t.CronExpression, err))
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return NewValidationError("trigger.timezone",
					fmt.Sprintf("unknown timezone %q", t.Timezone))
			}
		}
	case TriggerTypeWebhook:
		switch t.Method {
		case "", "POST", "PUT", "PATCH", "GET", "DELETE":
		default:
			return NewValidationError("trigger.method",
				fmt.Sprintf("unsupported HTTP method %q", t.Method))
		}
	case TriggerTypeManual:
		for _, in := range t.RequiredInputs {
			if in.Name == "" {
				return NewValidationError("trigger.requiredInputs", "input name is required")
			}
			switch in.Type {
			case "string", "number", "boolean", "object", "array":
			default:
				return NewValidationError("trigger.requiredInputs",
					fmt.Sprintf("input %q has unknown type %q", in.Name, in.Type))
			}
		}
	default:
		return NewValidationError("trigger.type", fmt.Sprintf("unknown trigger type %q", t.Type))
	}
	return nil
}

func validateStep(def *WorkflowDefinition, step *WorkflowStep) error {
	field := func(name string) string {
		return fmt.Sprintf("steps[%s].%s", step.ID, name)
	}

	for _, c := range step.Conditions {
		if !c.Operator.IsValid() {
			return NewValidationError(field("conditions"),
				fmt.Sprintf("unknown condition operator %q", c.Operator))
		}
	}

	cfg := step.Config
	if cfg.RetryAttempts < 0 {
		return NewValidationError(field("config.retryAttempts"), "retry attempts must not be negative")
	}
	if cfg.TimeoutMs < 0 || cfg.TimeoutMs > MaxStepTimeoutMs {
		return NewValidationError(field("config.timeoutMs"),
			fmt.Sprintf("timeout must be between 0 and %d ms", MaxStepTimeoutMs))
	}

	switch step.Action {
	case ActionSendMessage:
		var s SendMessageSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.ChannelID == "" {
			return NewValidationError(field("settings.channelId"), "channel id is required")
		}
		if s.Content == "" {
			return NewValidationError(field("settings.content"), "content is required")
		}
	case ActionHTTPRequest:
		var s HTTPRequestSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.URL == "" {
			return NewValidationError(field("settings.url"), "url is required")
		}
	case ActionTransformData:
		var s TransformDataSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.Expression == "" {
			return NewValidationError(field("settings.expression"), "expression is required")
		}
	case ActionConditionalBranch:
		var s ConditionalBranchSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if len(s.Branches) == 0 {
			return NewValidationError(field("settings.branches"), "at least one branch is required")
		}
		for _, br := range s.Branches {
			if len(br.Steps) == 0 {
				return NewValidationError(field("settings.branches"),
					fmt.Sprintf("branch %q has no steps", br.Name))
			}
			for _, c := range br.Conditions {
				if !c.Operator.IsValid() {
					return NewValidationError(field("settings.branches"),
						fmt.Sprintf("unknown condition operator %q", c.Operator))
				}
			}
		}
	case ActionApproval:
		var s ApprovalSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if len(s.ApproverIDs) == 0 {
			return NewValidationError(field("settings.approverIds"), "at least one approver is required")
		}
		if s.MinApprovals < 1 {
			return NewValidationError(field("settings.minApprovals"), "minApprovals must be at least 1")
		}
		if s.MinApprovals > len(s.ApproverIDs)+len(s.EscalationUserIDs) {
			return NewValidationError(field("settings.minApprovals"),
				"minApprovals exceeds the number of eligible approvers")
		}
		if s.TimeoutMs < 0 || s.TimeoutMs > MaxApprovalTimeoutMs {
			return NewValidationError(field("settings.timeoutMs"),
				fmt.Sprintf("approval timeout must be between 0 and %d ms", MaxApprovalTimeoutMs))
		}
	case ActionDelay:
		var s DelaySettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.DurationMs <= 0 || s.DurationMs > MaxDelayMs {
			return NewValidationError(field("settings.durationMs"),
				fmt.Sprintf("delay must be between 1 and %d ms", MaxDelayMs))
		}
	case ActionSetVariable:
		var s SetVariableSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.Name == "" {
			return NewValidationError(field("settings.name"), "variable name is required")
		}
	case ActionParallel:
		var s ParallelSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if len(s.Branches) == 0 {
			return NewValidationError(field("settings.branches"), "at least one branch is required")
		}
		for name, branch := range s.Branches {
			if len(branch) == 0 {
				return NewValidationError(field("settings.branches"),
					fmt.Sprintf("branch %q has no steps", name))
			}
		}
	case ActionLoop:
		var s LoopSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.Collection == "" {
			return NewValidationError(field("settings.collection"), "collection is required")
		}
		if s.ItemVar == "" {
			return NewValidationError(field("settings.itemVar"), "itemVar is required")
		}
		if len(s.BodySteps) == 0 {
			return NewValidationError(field("settings.bodySteps"), "at least one body step is required")
		}
		if s.MaxIterations < 1 || s.MaxIterations > MaxLoopIterations {
			return NewValidationError(field("settings.maxIterations"),
				fmt.Sprintf("maxIterations must be between 1 and %d", MaxLoopIterations))
		}
	case ActionChannelAction:
		var s ChannelActionSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.Operation == "" || s.ChannelID == "" {
			return NewValidationError(field("settings"), "operation and channelId are required")
		}
	case ActionUserAction:
		var s UserActionSettings
		if err := decodeSettings(step.Settings, &s); err != nil {
			return NewValidationError(field("settings"), err.Error())
		}
		if s.Operation == "" || s.UserID == "" {
			return NewValidationError(field("settings"), "operation and userId are required")
		}
	default:
		return NewValidationError(field("action"), fmt.Sprintf("unknown action kind %q", step.Action))
	}

	return nil
}

// validateContainment checks container step references: every
// referenced step exists, a step belongs to at most one container, and
// containment does not loop back on itself
func validateContainment(def *WorkflowDefinition) error {
	owner := make(map[string]string)
	for _, step := range def.Steps {
		for _, id := range step.ContainedStepIDs() {
			if _, ok := def.GetStep(id); !ok {
				return NewValidationError(fmt.Sprintf("steps[%s]", step.ID),
					fmt.Sprintf("references unknown step %q", id))
			}
			if prev, taken := owner[id]; taken && prev != step.ID {
				return NewValidationError(fmt.Sprintf("steps[%s]", step.ID),
					fmt.Sprintf("step %q already belongs to container %q", id, prev))
			}
			owner[id] = step.ID
		}
	}

	// Containment cycles would recurse forever at runtime
	var walk func(id string, trail map[string]bool) error
	walk = func(id string, trail map[string]bool) error {
		if trail[id] {
			return NewValidationError("steps",
				fmt.Sprintf("container step %q contains itself", id))
		}
		trail[id] = true
		step, _ := def.GetStep(id)
		for _, child := range step.ContainedStepIDs() {
			if err := walk(child, trail); err != nil {
				return err
			}
		}
		delete(trail, id)
		return nil
	}
	for _, step := range def.Steps {
		if step.Action.IsContainer() {
			if err := walk(step.ID, make(map[string]bool)); err != nil {
				return err
			}
		}
	}

	return nil
}
