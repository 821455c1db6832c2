package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// ActionContext carries everything a handler needs for one attempt.
// Env is an immutable snapshot; handlers never write to it.
type ActionContext struct {
	Definition *automation.WorkflowDefinition
	Step       *automation.WorkflowStep
	Run        *automation.WorkflowRun
	Env        map[string]any
	Attempt    int
	Logger     zerolog.Logger
}

// ActionHandler executes one action kind. One handler is registered
// per kind; the engine never inspects action types at runtime.
type ActionHandler interface {
	Execute(ctx context.Context, ac *ActionContext) (any, error)
}

// buildHandlers registers one handler per non-suspending action kind.
// delay and approval are suspensions handled by the dispatcher, not
// handlers.
func buildHandlers(e *Engine) map[automation.ActionKind]ActionHandler {
	return map[automation.ActionKind]ActionHandler{
		automation.ActionSendMessage:       &sendMessageHandler{engine: e},
		automation.ActionHTTPRequest:       &httpRequestHandler{engine: e},
		automation.ActionTransformData:     &transformDataHandler{},
		automation.ActionSetVariable:       &setVariableHandler{engine: e},
		automation.ActionConditionalBranch: &conditionalBranchHandler{engine: e},
		automation.ActionParallel:          &parallelHandler{engine: e},
		automation.ActionLoop:              &loopHandler{engine: e},
		automation.ActionChannelAction:     &channelActionHandler{engine: e},
		automation.ActionUserAction:        &userActionHandler{engine: e},
	}
}

type sendMessageHandler struct {
	engine *Engine
}

func (h *sendMessageHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.SendMessageSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	channelID := automation.ResolveTemplateString(settings.ChannelID, ac.Env)
	content := automation.ResolveTemplateString(settings.Content, ac.Env)
	threadID := automation.ResolveTemplateString(settings.ThreadID, ac.Env)

	messageID, err := h.engine.channels.SendMessage(ctx, channelID, content, threadID)
	if err != nil {
		return nil, fmt.Errorf("send_message to %s failed: %w", channelID, err)
	}
	return map[string]any{"messageId": messageID, "channelId": channelID}, nil
}

type httpRequestHandler struct {
	engine *Engine
}

func (h *httpRequestHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	if h.engine.outbound == nil {
		return nil, fmt.Errorf("no outbound caller configured for http_request steps")
	}

	var settings automation.HTTPRequestSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	url := automation.ResolveTemplateString(settings.URL, ac.Env)
	method := settings.Method
	if method == "" {
		method = "POST"
	}
	headers := make(map[string]string, len(settings.Headers))
	for k, v := range settings.Headers {
		headers[k] = automation.ResolveTemplateString(v, ac.Env)
	}
	body := automation.ResolveTemplateString(settings.Body, ac.Env)

	resp, err := h.engine.outbound.Call(ctx, method, url, headers, []byte(body))
	if err != nil {
		return nil, err
	}

	out := map[string]any{"statusCode": resp.StatusCode}
	var parsed any
	if json.Unmarshal([]byte(resp.Body), &parsed) == nil {
		out["body"] = parsed
	} else {
		out["body"] = resp.Body
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("http_request to %s returned %d", url, resp.StatusCode)
	}
	return out, nil
}

type transformDataHandler struct{}

func (h *transformDataHandler) Execute(_ context.Context, ac *ActionContext) (any, error) {
	var settings automation.TransformDataSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}
	return automation.EvaluateExpression(settings.Expression, ac.Env)
}

type setVariableHandler struct {
	engine *Engine
}

func (h *setVariableHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.SetVariableSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	value := automation.ResolveValue(settings.Value, ac.Env)
	h.engine.mutateRun(ctx, ac.Run, func(r *automation.WorkflowRun) {
		if r.Variables == nil {
			r.Variables = make(map[string]any)
		}
		r.Variables[settings.Name] = value
	})
	return value, nil
}

type conditionalBranchHandler struct {
	engine *Engine
}

func (h *conditionalBranchHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.ConditionalBranchSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	for _, branch := range settings.Branches {
		met, err := automation.EvaluateAll(branch.Conditions, ac.Env)
		if err != nil {
			return nil, err
		}
		if met {
			if err := h.engine.runSubSteps(ctx, ac, branch.Steps); err != nil {
				return nil, err
			}
			return map[string]any{"branch": branch.Name}, nil
		}
	}

	if len(settings.DefaultSteps) > 0 {
		if err := h.engine.runSubSteps(ctx, ac, settings.DefaultSteps); err != nil {
			return nil, err
		}
		return map[string]any{"branch": "default"}, nil
	}

	// No branch matched and no default configured: not an error
	return map[string]any{"branch": nil}, nil
}

type parallelHandler struct {
	engine *Engine
}

func (h *parallelHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.ParallelSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		name string
		err  error
	}
	done := make(chan branchResult, len(settings.Branches))

	var wg sync.WaitGroup
	for name, stepIDs := range settings.Branches {
		wg.Add(1)
		go func(name string, stepIDs []string) {
			defer wg.Done()
			done <- branchResult{name: name, err: h.engine.runSubSteps(branchCtx, ac, stepIDs)}
		}(name, stepIDs)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	if settings.WaitForAll {
		var completed []string
		var firstErr error
		for res := range done {
			if res.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("branch %q failed: %w", res.name, res.err)
			}
			if res.err == nil {
				completed = append(completed, res.name)
			}
		}
		if firstErr != nil {
			return nil, firstErr
		}
		return map[string]any{"completed": completed}, nil
	}

	// Race: the first branch to finish wins; the rest are cancelled.
	// Errors from cancelled losers are expected and ignored.
	var firstErr error
	for res := range done {
		if res.err == nil {
			cancel()
			return map[string]any{"winner": res.name}, nil
		}
		if firstErr == nil && branchCtx.Err() == nil {
			firstErr = fmt.Errorf("branch %q failed: %w", res.name, res.err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("all parallel branches failed")
}

type loopHandler struct {
	engine *Engine
}

func (h *loopHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.LoopSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	collection := automation.ResolveTemplate(settings.Collection, ac.Env)
	if s, ok := collection.(string); ok && s == settings.Collection {
		// A bare path like "steps.fetch.output.items" is also accepted
		if v, found := automation.ResolvePath(settings.Collection, ac.Env); found {
			collection = v
		}
	}
	rv := reflect.ValueOf(collection)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("loop collection %q did not resolve to a list", settings.Collection)
	}

	maxIter := settings.MaxIterations
	if maxIter <= 0 || maxIter > automation.MaxLoopIterations {
		maxIter = automation.MaxLoopIterations
	}
	// Exceeding the cap fails the step; silent truncation would hide
	// unprocessed items
	if rv.Len() > maxIter {
		return nil, fmt.Errorf("loop collection has %d items, exceeding maxIterations %d",
			rv.Len(), maxIter)
	}

	for i := 0; i < rv.Len(); i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		item := rv.Index(i).Interface()
		h.engine.mutateRun(ctx, ac.Run, func(r *automation.WorkflowRun) {
			if r.Variables == nil {
				r.Variables = make(map[string]any)
			}
			r.Variables[settings.ItemVar] = item
			if settings.IndexVar != "" {
				r.Variables[settings.IndexVar] = i
			}
		})

		if err := h.engine.runSubSteps(ctx, ac, settings.BodySteps); err != nil {
			return nil, fmt.Errorf("loop iteration %d failed: %w", i, err)
		}
	}

	return map[string]any{"iterations": rv.Len()}, nil
}

type channelActionHandler struct {
	engine *Engine
}

func (h *channelActionHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.ChannelActionSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	channelID := automation.ResolveTemplateString(settings.ChannelID, ac.Env)
	params, _ := automation.ResolveValue(settings.Params, ac.Env).(map[string]any)
	if err := h.engine.channels.ChannelAction(ctx, settings.Operation, channelID, params); err != nil {
		return nil, fmt.Errorf("channel_action %s on %s failed: %w", settings.Operation, channelID, err)
	}
	return map[string]any{"operation": settings.Operation, "channelId": channelID}, nil
}

type userActionHandler struct {
	engine *Engine
}

func (h *userActionHandler) Execute(ctx context.Context, ac *ActionContext) (any, error) {
	var settings automation.UserActionSettings
	if err := automation.DecodeSettings(ac.Step.Settings, &settings); err != nil {
		return nil, err
	}

	userID := automation.ResolveTemplateString(settings.UserID, ac.Env)
	params, _ := automation.ResolveValue(settings.Params, ac.Env).(map[string]any)
	if err := h.engine.channels.UserAction(ctx, settings.Operation, userID, params); err != nil {
		return nil, fmt.Errorf("user_action %s on %s failed: %w", settings.Operation, userID, err)
	}
	return map[string]any{"operation": settings.Operation, "userId": userID}, nil
}

// runSubSteps executes container-owned steps sequentially in the
// listed order, reusing the full per-step retry machinery
func (e *Engine) runSubSteps(ctx context.Context, ac *ActionContext, stepIDs []string) error {
	for _, id := range stepIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		step, ok := ac.Definition.GetStep(id)
		if !ok {
			return fmt.Errorf("container step %s references unknown step %q", ac.Step.ID, id)
		}
		if err := e.executeStep(ctx, ac.Definition, ac.Run, step); err != nil {
			return err
		}
	}
	return nil
}
