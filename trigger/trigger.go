// Package trigger decides which workflow definitions fire for a given
// platform event, incoming webhook request, or manual invocation, and
// launches runs for the matches.
package trigger

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/engine"
)

// Engine matches platform activity against registered definitions
type Engine struct {
	store  automation.Store
	runner *engine.Engine
	logger zerolog.Logger
}

// Option configures a trigger engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a trigger engine over the given store and run launcher
func New(store automation.Store, runner *engine.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		runner: runner,
		logger: automation.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateEvent starts a run for every enabled event-triggered
// definition whose event type and conditions match ev. Bot-authored
// events never fire workflows; that would let two workflows ping-pong
// each other forever. Returns the IDs of the runs started.
func (e *Engine) EvaluateEvent(ctx context.Context, ev *automation.Event) ([]string, error) {
	if ev.Bot {
		return nil, nil
	}

	defs, err := e.store.ListDefinitions(ctx, automation.DefinitionFilter{
		TriggerType: automation.TriggerTypeEvent,
		EventType:   ev.Type,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing event-triggered definitions: %w", err)
	}

	env := eventEnv(ev)
	var started []string
	for _, def := range defs {
		met, err := automation.EvaluateAll(def.Trigger.Conditions, env)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("workflow_id", def.ID).
				Msg("trigger condition evaluation failed, skipping workflow")
			continue
		}
		if !met {
			continue
		}

		runID, err := e.runner.StartRun(ctx, def, &automation.TriggerInfo{
			Type:      automation.TriggerTypeEvent,
			Source:    ev.ID,
			EventType: ev.Type,
			Timestamp: time.Now().UTC(),
			Payload:   eventPayload(ev),
		})
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("workflow_id", def.ID).
				Str("event_type", ev.Type).
				Msg("failed to start event-triggered run")
			continue
		}
		started = append(started, runID)
	}
	return started, nil
}

// EvaluateWebhook starts a run for the webhook-triggered definition
// with the given workflow ID, if the request matches its trigger. A
// method or secret mismatch returns ("", nil): the caller responds as
// if no workflow were registered, so probing requests learn nothing.
func (e *Engine) EvaluateWebhook(
	ctx context.Context,
	workflowID string,
	method string,
	secret string,
	payload map[string]any,
) (string, error) {
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}
	if def == nil || !def.Enabled || def.Trigger.Type != automation.TriggerTypeWebhook {
		return "", nil
	}

	if def.Trigger.Method != "" && !strings.EqualFold(def.Trigger.Method, method) {
		return "", nil
	}
	if def.Trigger.Secret != "" {
		if subtle.ConstantTimeCompare([]byte(def.Trigger.Secret), []byte(secret)) != 1 {
			return "", nil
		}
	}

	return e.runner.StartRun(ctx, def, &automation.TriggerInfo{
		Type:      automation.TriggerTypeWebhook,
		Source:    workflowID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// EvaluateManual starts a run on behalf of userID. Authorization
// passes when the user appears in AllowedUserIDs or holds any role in
// AllowedRoles; both lists empty means unrestricted.
func (e *Engine) EvaluateManual(
	ctx context.Context,
	workflowID string,
	userID string,
	userRoles []string,
	inputs map[string]any,
) (string, error) {
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}
	if def == nil {
		return "", automation.NewValidationError("workflowId", "workflow not found")
	}
	if !def.Enabled {
		return "", automation.NewValidationError("workflowId", "workflow is disabled")
	}
	if def.Trigger.Type != automation.TriggerTypeManual {
		return "", automation.NewValidationError("workflowId", "workflow is not manually triggerable")
	}

	if !authorized(&def.Trigger, userID, userRoles) {
		return "", automation.NewWorkflowError(
			automation.ErrCodeValidation,
			fmt.Sprintf("user %s is not allowed to trigger workflow %s", userID, workflowID),
		)
	}

	if err := checkInputs(def.Trigger.RequiredInputs, inputs); err != nil {
		return "", err
	}

	return e.runner.StartRun(ctx, def, &automation.TriggerInfo{
		Type:      automation.TriggerTypeManual,
		Source:    userID,
		Timestamp: time.Now().UTC(),
	}, engine.WithInputs(inputs))
}

func authorized(t *automation.WorkflowTrigger, userID string, userRoles []string) bool {
	if len(t.AllowedUserIDs) == 0 && len(t.AllowedRoles) == 0 {
		return true
	}
	for _, id := range t.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	for _, allowed := range t.AllowedRoles {
		for _, role := range userRoles {
			if allowed == role {
				return true
			}
		}
	}
	return false
}

func checkInputs(specs []automation.InputSpec, inputs map[string]any) error {
	for _, spec := range specs {
		v, present := inputs[spec.Name]
		if !present || v == nil {
			if spec.Required {
				return automation.NewValidationError("inputs."+spec.Name, "required input is missing")
			}
			continue
		}
		if spec.Type != "" && !inputTypeMatches(spec.Type, v) {
			return automation.NewValidationError(
				"inputs."+spec.Name,
				fmt.Sprintf("expected %s, got %T", spec.Type, v),
			)
		}
	}
	return nil
}

func inputTypeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	}
	return true
}

// eventEnv shapes a platform event for trigger condition evaluation.
// Conditions address fields as event.<field> or event.payload.<key>.
func eventEnv(ev *automation.Event) map[string]any {
	return map[string]any{
		"event": eventPayload(ev),
	}
}

func eventPayload(ev *automation.Event) map[string]any {
	payload := map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"channelId": ev.ChannelID,
		"userId":    ev.UserID,
		"timestamp": ev.Timestamp,
	}
	if ev.Payload != nil {
		payload["payload"] = ev.Payload
	}
	return payload
}
