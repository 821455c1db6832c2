package builder

import (
	"github.com/relaychat/automation"
)

// StepBuilder accumulates one workflow step
type StepBuilder struct {
	step *automation.WorkflowStep
}

// NewStep creates a step of an arbitrary action kind with raw settings
func NewStep(id, name string, action automation.ActionKind, settings map[string]any) *StepBuilder {
	return &StepBuilder{
		step: &automation.WorkflowStep{
			ID:       id,
			Name:     name,
			Action:   action,
			Settings: settings,
		},
	}
}

// SendMessage creates a channel message step. All string settings
// support {{path}} interpolation.
func SendMessage(id, channelID, content string) *StepBuilder {
	return NewStep(id, id, automation.ActionSendMessage, map[string]any{
		"channelId": channelID,
		"content":   content,
	})
}

// HTTPRequest creates an outbound HTTP call step
func HTTPRequest(id, method, url string) *StepBuilder {
	return NewStep(id, id, automation.ActionHTTPRequest, map[string]any{
		"method": method,
		"url":    url,
	})
}

// WithBody sets the request body on an http_request step
func (sb *StepBuilder) WithBody(body string) *StepBuilder {
	sb.step.Settings["body"] = body
	return sb
}

// WithHeaders sets request headers on an http_request step
func (sb *StepBuilder) WithHeaders(headers map[string]string) *StepBuilder {
	sb.step.Settings["headers"] = headers
	return sb
}

// Transform creates an expression evaluation step
func Transform(id, expression string) *StepBuilder {
	return NewStep(id, id, automation.ActionTransformData, map[string]any{
		"expression": expression,
	})
}

// Branch creates a conditional_branch step. Branch bodies reference
// steps registered with AddStep.
func Branch(id string, branches []automation.BranchCase, defaultSteps ...string) *StepBuilder {
	return NewStep(id, id, automation.ActionConditionalBranch, map[string]any{
		"branches":     branches,
		"defaultSteps": defaultSteps,
	})
}

// Approval creates a human sign-off step
func Approval(id string, approverIDs []string, minApprovals int, timeoutMs int64) *StepBuilder {
	return NewStep(id, id, automation.ActionApproval, map[string]any{
		"approverIds":  approverIDs,
		"minApprovals": minApprovals,
		"timeoutMs":    timeoutMs,
	})
}

// WithEscalation sets escalation targets on an approval step
func (sb *StepBuilder) WithEscalation(userIDs ...string) *StepBuilder {
	sb.step.Settings["escalationUserIds"] = userIDs
	return sb
}

// WithApprovalMessage sets the prompt shown to approvers
func (sb *StepBuilder) WithApprovalMessage(message string) *StepBuilder {
	sb.step.Settings["message"] = message
	return sb
}

// Delay creates a timed suspension step
func Delay(id string, durationMs int64) *StepBuilder {
	return NewStep(id, id, automation.ActionDelay, map[string]any{
		"durationMs": durationMs,
	})
}

// SetVariable creates a run variable assignment step
func SetVariable(id, name string, value any) *StepBuilder {
	return NewStep(id, id, automation.ActionSetVariable, map[string]any{
		"name":  name,
		"value": value,
	})
}

// ParallelBranches creates a parallel container step. With waitForAll
// false the first branch to finish wins and the rest are cancelled.
func ParallelBranches(id string, branches map[string][]string, waitForAll bool) *StepBuilder {
	return NewStep(id, id, automation.ActionParallel, map[string]any{
		"branches":   branches,
		"waitForAll": waitForAll,
	})
}

// Loop creates a collection iteration step
func Loop(id, collection, itemVar string, bodySteps ...string) *StepBuilder {
	return NewStep(id, id, automation.ActionLoop, map[string]any{
		"collection": collection,
		"itemVar":    itemVar,
		"bodySteps":  bodySteps,
	})
}

// WithMaxIterations caps a loop step
func (sb *StepBuilder) WithMaxIterations(n int) *StepBuilder {
	sb.step.Settings["maxIterations"] = n
	return sb
}

// WithIndexVar exposes the loop index under the given variable
func (sb *StepBuilder) WithIndexVar(name string) *StepBuilder {
	sb.step.Settings["indexVar"] = name
	return sb
}

// ChannelAction creates a channel management step
func ChannelAction(id, operation, channelID string) *StepBuilder {
	return NewStep(id, id, automation.ActionChannelAction, map[string]any{
		"operation": operation,
		"channelId": channelID,
	})
}

// UserAction creates a user management step
func UserAction(id, operation, userID string) *StepBuilder {
	return NewStep(id, id, automation.ActionUserAction, map[string]any{
		"operation": operation,
		"userId":    userID,
	})
}

// WithParams sets extra parameters on a channel_action or user_action step
func (sb *StepBuilder) WithParams(params map[string]any) *StepBuilder {
	sb.step.Settings["params"] = params
	return sb
}

// WithName overrides the human-readable step name
func (sb *StepBuilder) WithName(name string) *StepBuilder {
	sb.step.Name = name
	return sb
}

// WithConditions gates the step; unmet conditions skip it
func (sb *StepBuilder) WithConditions(conditions ...automation.Condition) *StepBuilder {
	sb.step.Conditions = conditions
	return sb
}

// DependsOn adds explicit dependency edges beyond the builder's chaining
func (sb *StepBuilder) DependsOn(stepIDs ...string) *StepBuilder {
	sb.step.DependsOn = append(sb.step.DependsOn, stepIDs...)
	return sb
}

// WithOutputKey publishes the step's output under a variable key
func (sb *StepBuilder) WithOutputKey(key string) *StepBuilder {
	sb.step.OutputKey = key
	return sb
}

// WithConfig sets the step execution config
func (sb *StepBuilder) WithConfig(config automation.ExecutionConfig) *StepBuilder {
	sb.step.Config = config
	return sb
}

// WithRetries sets the retry policy, keeping defaults for the rest
func (sb *StepBuilder) WithRetries(attempts int, delayMs int, backoff automation.BackoffStrategy) *StepBuilder {
	sb.step.Config.RetryAttempts = attempts
	sb.step.Config.RetryDelayMs = delayMs
	sb.step.Config.RetryBackoff = backoff
	return sb
}

func (sb *StepBuilder) build() *automation.WorkflowStep {
	s := *sb.step
	return &s
}
