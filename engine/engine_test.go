package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/store"
)

// fakeChannels records all capability calls
type fakeChannels struct {
	mu       sync.Mutex
	messages []sentMessage
	failOn   string // channel ID that fails SendMessage
}

type sentMessage struct {
	ChannelID string
	Content   string
	ThreadID  string
}

func (f *fakeChannels) SendMessage(_ context.Context, channelID, content, threadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && channelID == f.failOn {
		return "", errors.New("channel unavailable")
	}
	f.messages = append(f.messages, sentMessage{channelID, content, threadID})
	return fmt.Sprintf("msg-%d", len(f.messages)), nil
}

func (f *fakeChannels) ChannelAction(_ context.Context, _, _ string, _ map[string]any) error {
	return nil
}

func (f *fakeChannels) UserAction(_ context.Context, _, _ string, _ map[string]any) error {
	return nil
}

func (f *fakeChannels) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// fakeOutbound returns canned responses and counts calls per URL
type fakeOutbound struct {
	mu        sync.Mutex
	responses map[string]*automation.ResponseSnapshot
	calls     map[string]int
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{
		responses: make(map[string]*automation.ResponseSnapshot),
		calls:     make(map[string]int),
	}
}

func (f *fakeOutbound) Call(_ context.Context, _, url string, _ map[string]string, _ []byte) (*automation.ResponseSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if resp, ok := f.responses[url]; ok {
		return resp, nil
	}
	return &automation.ResponseSnapshot{StatusCode: 200, Body: `{}`}, nil
}

func (f *fakeOutbound) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func createTestEngine(t *testing.T) (*Engine, *fakeChannels, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	channels := &fakeChannels{}
	e := New(st, channels,
		WithLogger(zerolog.Nop()),
		WithConfig(Config{
			MaxConcurrentSteps: 4,
			DefaultRunTimeout:  time.Minute,
		}),
	)
	return e, channels, st
}

func manualTrigger() *automation.TriggerInfo {
	return &automation.TriggerInfo{
		Type:      automation.TriggerTypeManual,
		Source:    "tester",
		Timestamp: time.Now(),
	}
}

func waitForTerminal(t *testing.T, e *Engine, runID string, timeout time.Duration) *automation.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for run to finish")
		case <-ticker.C:
			run, err := e.GetRun(context.Background(), runID)
			require.NoError(t, err)
			if run.Status.IsTerminal() {
				return run
			}
		}
	}
}

func waitForStatus(t *testing.T, e *Engine, runID string, status automation.RunStatus, timeout time.Duration) *automation.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for run status %s", status)
		case <-ticker.C:
			run, err := e.GetRun(context.Background(), runID)
			require.NoError(t, err)
			if run.Status == status {
				return run
			}
		}
	}
}

func sendStep(id, channelID, content string, deps ...string) *automation.WorkflowStep {
	return &automation.WorkflowStep{
		ID:     id,
		Name:   id,
		Action: automation.ActionSendMessage,
		Settings: map[string]any{
			"channelId": channelID,
			"content":   content,
		},
		DependsOn: deps,
	}
}

func testDefinition(id string, steps ...*automation.WorkflowStep) *automation.WorkflowDefinition {
	return &automation.WorkflowDefinition{
		ID:      id,
		Name:    id,
		OwnerID: "U1",
		Trigger: automation.WorkflowTrigger{Type: automation.TriggerTypeManual},
		Steps:   steps,
		Enabled: true,
	}
}

func TestEngine_SequentialOrdering(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("seq",
		sendStep("first", "C1", "one"),
		sendStep("second", "C1", "two", "first"),
		sendStep("third", "C1", "three", "second"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "one", sent[0].Content)
	assert.Equal(t, "two", sent[1].Content)
	assert.Equal(t, "three", sent[2].Content)

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, automation.StepStatusCompleted, r.Status)
	}
}

func TestEngine_DisabledWorkflow(t *testing.T) {
	e, _, _ := createTestEngine(t)

	def := testDefinition("disabled", sendStep("s", "C1", "hi"))
	def.Enabled = false

	_, err := e.StartRun(context.Background(), def, manualTrigger())
	assert.Error(t, err)
}

func TestEngine_ConcurrentRunLimit(t *testing.T) {
	e, _, st := createTestEngine(t)

	def := testDefinition("limited",
		&automation.WorkflowStep{
			ID:     "wait",
			Name:   "wait",
			Action: automation.ActionDelay,
			Settings: map[string]any{
				"durationMs": 10_000,
			},
		},
	)
	def.Settings.MaxConcurrentRuns = 1
	require.NoError(t, st.CreateDefinition(context.Background(), def))

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)
	waitForStatus(t, e, runID, automation.RunStatusPaused, 5*time.Second)

	_, err = e.StartRun(context.Background(), def, manualTrigger())
	assert.Error(t, err)

	require.NoError(t, e.Cancel(context.Background(), runID))
}

func TestEngine_RetryExhaustionFailsRun(t *testing.T) {
	e, _, _ := createTestEngine(t)
	outbound := newFakeOutbound()
	outbound.responses["https://api.example.com/flaky"] = &automation.ResponseSnapshot{
		StatusCode: 500,
		Body:       `{"error":"boom"}`,
	}
	e.outbound = outbound

	def := testDefinition("retrying",
		&automation.WorkflowStep{
			ID:     "call",
			Name:   "call",
			Action: automation.ActionHTTPRequest,
			Settings: map[string]any{
				"method": "GET",
				"url":    "https://api.example.com/flaky",
			},
			Config: automation.ExecutionConfig{
				RetryAttempts: 2,
				RetryDelayMs:  1,
				RetryBackoff:  automation.BackoffFixed,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	assert.Equal(t, automation.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)

	// Initial try plus two retries
	assert.Equal(t, 3, outbound.callCount("https://api.example.com/flaky"))

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, automation.StepStatusFailed, results[0].Status)
	assert.Equal(t, 2, results[0].Attempt)
}

func TestEngine_SkipOnFailure(t *testing.T) {
	e, channels, _ := createTestEngine(t)
	channels.failOn = "C_BROKEN"

	broken := sendStep("broken", "C_BROKEN", "never arrives")
	broken.Config = automation.ExecutionConfig{SkipOnFailure: true, RetryDelayMs: 1}
	def := testDefinition("skipping",
		broken,
		sendStep("after", "C1", "still runs", "broken"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 10*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "still runs", sent[0].Content)
}

func TestEngine_ConditionSkip(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	gated := sendStep("gated", "C1", "should not send")
	gated.Conditions = []automation.Condition{
		{Field: "inputs.flag", Operator: automation.OpEquals, Value: true},
	}
	def := testDefinition("conditional", gated)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"flag": false}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)
	assert.Empty(t, channels.sent())

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, automation.StepStatusSkipped, results[0].Status)
}

func TestEngine_VariablesAndTemplates(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("vars",
		&automation.WorkflowStep{
			ID:     "set",
			Name:   "set",
			Action: automation.ActionSetVariable,
			Settings: map[string]any{
				"name":  "greeting",
				"value": "hello {{inputs.name}}",
			},
		},
		&automation.WorkflowStep{
			ID:     "transform",
			Name:   "transform",
			Action: automation.ActionTransformData,
			Settings: map[string]any{
				"expression": "upper(variables.greeting)",
			},
			DependsOn: []string{"set"},
			OutputKey: "shouted",
		},
		sendStep("announce", "C1", "{{variables.shouted}}", "transform"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"name": "world"}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "HELLO WORLD", sent[0].Content)
}

func TestEngine_ConditionalBranch(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("branching",
		sendStep("urgent-path", "C1", "urgent!"),
		sendStep("normal-path", "C1", "routine"),
		&automation.WorkflowStep{
			ID:     "route",
			Name:   "route",
			Action: automation.ActionConditionalBranch,
			Settings: map[string]any{
				"branches": []map[string]any{
					{
						"name": "urgent",
						"conditions": []map[string]any{
							{"field": "inputs.priority", "operator": "equals", "value": "high"},
						},
						"steps": []string{"urgent-path"},
					},
				},
				"defaultSteps": []string{"normal-path"},
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"priority": "high"}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "urgent!", sent[0].Content)

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	byID := make(map[string]*automation.StepResult)
	for _, r := range results {
		byID[r.StepID] = r
	}
	require.Contains(t, byID, "route")
	output := byID["route"].Output.(map[string]any)
	assert.Equal(t, "urgent", output["branch"])

	// The default path never produced a result
	assert.NotContains(t, byID, "normal-path")
}

func TestEngine_ConditionalBranch_Default(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("branching-default",
		sendStep("urgent-path", "C1", "urgent!"),
		sendStep("normal-path", "C1", "routine"),
		&automation.WorkflowStep{
			ID:     "route",
			Name:   "route",
			Action: automation.ActionConditionalBranch,
			Settings: map[string]any{
				"branches": []map[string]any{
					{
						"name": "urgent",
						"conditions": []map[string]any{
							{"field": "inputs.priority", "operator": "equals", "value": "high"},
						},
						"steps": []string{"urgent-path"},
					},
				},
				"defaultSteps": []string{"normal-path"},
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"priority": "low"}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "routine", sent[0].Content)
}

func TestEngine_ParallelWaitForAll(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("par",
		sendStep("left", "C1", "left"),
		sendStep("right", "C1", "right"),
		&automation.WorkflowStep{
			ID:     "fanout",
			Name:   "fanout",
			Action: automation.ActionParallel,
			Settings: map[string]any{
				"branches": map[string][]string{
					"a": {"left"},
					"b": {"right"},
				},
				"waitForAll": true,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)
	assert.Len(t, channels.sent(), 2)
}

func TestEngine_ParallelRace(t *testing.T) {
	e, _, _ := createTestEngine(t)

	def := testDefinition("race",
		&automation.WorkflowStep{
			ID:     "fast",
			Name:   "fast",
			Action: automation.ActionSetVariable,
			Settings: map[string]any{
				"name":  "winner",
				"value": "fast",
			},
		},
		&automation.WorkflowStep{
			ID:     "slow",
			Name:   "slow",
			Action: automation.ActionTransformData,
			Settings: map[string]any{
				// Heavyweight enough that fast reliably wins
				"expression": "len(map(1..5000, {#}))",
			},
		},
		&automation.WorkflowStep{
			ID:     "pick",
			Name:   "pick",
			Action: automation.ActionParallel,
			Settings: map[string]any{
				"branches": map[string][]string{
					"quick": {"fast"},
					"slack": {"slow"},
				},
				"waitForAll": false,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	var pick *automation.StepResult
	for _, r := range results {
		if r.StepID == "pick" {
			pick = r
		}
	}
	require.NotNil(t, pick)
	output := pick.Output.(map[string]any)
	assert.NotEmpty(t, output["winner"])
}

func TestEngine_Loop(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("looping",
		sendStep("notify", "C1", "item {{variables.current}} (#{{variables.idx}})"),
		&automation.WorkflowStep{
			ID:     "each",
			Name:   "each",
			Action: automation.ActionLoop,
			Settings: map[string]any{
				"collection":    "{{inputs.items}}",
				"itemVar":       "current",
				"indexVar":      "idx",
				"bodySteps":     []string{"notify"},
				"maxIterations": 10,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"items": []any{"a", "b", "c"}}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "item a (#0)", sent[0].Content)
	assert.Equal(t, "item c (#2)", sent[2].Content)
}

func TestEngine_LoopOverMaxIterationsFails(t *testing.T) {
	e, _, _ := createTestEngine(t)

	def := testDefinition("loop-cap",
		sendStep("notify", "C1", "x"),
		&automation.WorkflowStep{
			ID:     "each",
			Name:   "each",
			Action: automation.ActionLoop,
			Settings: map[string]any{
				"collection":    "{{inputs.items}}",
				"itemVar":       "current",
				"bodySteps":     []string{"notify"},
				"maxIterations": 2,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"items": []any{1, 2, 3}}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	assert.Equal(t, automation.RunStatusFailed, run.Status)
}

func TestEngine_DelaySuspendsAndResumes(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("delayed",
		&automation.WorkflowStep{
			ID:     "pause",
			Name:   "pause",
			Action: automation.ActionDelay,
			Settings: map[string]any{
				"durationMs": 150,
			},
		},
		sendStep("after", "C1", "awake", "pause"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	paused := waitForStatus(t, e, runID, automation.RunStatusPaused, 2*time.Second)
	require.NotNil(t, paused.ResumeAt)
	assert.Empty(t, channels.sent())

	run := waitForTerminal(t, e, runID, 5*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)
	require.Len(t, channels.sent(), 1)
	assert.Equal(t, "awake", channels.sent()[0].Content)
}

func TestEngine_CancelDuringDelay(t *testing.T) {
	e, channels, _ := createTestEngine(t)

	def := testDefinition("cancellable",
		&automation.WorkflowStep{
			ID:     "pause",
			Name:   "pause",
			Action: automation.ActionDelay,
			Settings: map[string]any{
				"durationMs": 10_000,
			},
		},
		sendStep("after", "C1", "never", "pause"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	waitForStatus(t, e, runID, automation.RunStatusPaused, 2*time.Second)
	require.NoError(t, e.Cancel(context.Background(), runID))

	run := waitForTerminal(t, e, runID, 2*time.Second)
	assert.Equal(t, automation.RunStatusCancelled, run.Status)

	// The delay timer must not revive the run
	time.Sleep(100 * time.Millisecond)
	run, err = e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, automation.RunStatusCancelled, run.Status)
	assert.Empty(t, channels.sent())
}

func TestEngine_CancelTerminalRun(t *testing.T) {
	e, _, _ := createTestEngine(t)

	def := testDefinition("quick", sendStep("s", "C1", "hi"))
	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)
	waitForTerminal(t, e, runID, 5*time.Second)

	err = e.Cancel(context.Background(), runID)
	assert.ErrorIs(t, err, automation.ErrRunTerminal)
}

func TestEngine_ContinueOnFailure(t *testing.T) {
	e, channels, _ := createTestEngine(t)
	channels.failOn = "C_BROKEN"

	broken := sendStep("broken", "C_BROKEN", "boom")
	broken.Config = automation.ExecutionConfig{RetryDelayMs: 1}
	def := testDefinition("tolerant",
		broken,
		sendStep("independent", "C1", "fine"),
	)
	def.Settings.ContinueOnFailure = true

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 10*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)

	sent := channels.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "fine", sent[0].Content)
}

func TestEngine_FailedDependencyStrandsRun(t *testing.T) {
	e, channels, _ := createTestEngine(t)
	channels.failOn = "C_BROKEN"

	broken := sendStep("broken", "C_BROKEN", "boom")
	broken.Config = automation.ExecutionConfig{RetryDelayMs: 1}
	def := testDefinition("stranded",
		broken,
		sendStep("downstream", "C1", "never", "broken"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 10*time.Second)
	assert.Equal(t, automation.RunStatusFailed, run.Status)

	results, err := e.GetStepResults(context.Background(), runID)
	require.NoError(t, err)
	byID := make(map[string]automation.StepStatus)
	for _, r := range results {
		byID[r.StepID] = r.Status
	}
	assert.Equal(t, automation.StepStatusFailed, byID["broken"])
}

func TestEngine_IdempotencyShortCircuit(t *testing.T) {
	e, _, _ := createTestEngine(t)
	outbound := newFakeOutbound()
	e.outbound = outbound

	mkCall := func(id string, deps ...string) *automation.WorkflowStep {
		return &automation.WorkflowStep{
			ID:     id,
			Name:   id,
			Action: automation.ActionHTTPRequest,
			Settings: map[string]any{
				"method": "POST",
				"url":    "https://api.example.com/charge",
			},
			Config: automation.ExecutionConfig{
				IdempotencyKey: "charge-{{inputs.orderId}}",
			},
			DependsOn: deps,
		}
	}

	def := testDefinition("idem",
		mkCall("charge"),
		mkCall("charge-again", "charge"),
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger(),
		WithInputs(map[string]any{"orderId": "o-42"}))
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	// The second step reused the first call's output
	assert.Equal(t, 1, outbound.callCount("https://api.example.com/charge"))
}

func TestEngine_RetryRun(t *testing.T) {
	e, channels, st := createTestEngine(t)
	channels.failOn = "C_BROKEN"

	broken := sendStep("broken", "C_BROKEN", "boom")
	broken.Config = automation.ExecutionConfig{RetryDelayMs: 1}
	def := testDefinition("retriable", broken)
	require.NoError(t, st.CreateDefinition(context.Background(), def))

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)
	waitForTerminal(t, e, runID, 10*time.Second)

	// Fix the channel, then replay
	channels.failOn = ""

	newID, err := e.RetryRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotEqual(t, runID, newID)

	run := waitForTerminal(t, e, newID, 5*time.Second)
	assert.Equal(t, automation.RunStatusCompleted, run.Status)
	assert.Equal(t, runID, run.RetryOfRunID)
}

func TestEngine_RetryRunRequiresTerminal(t *testing.T) {
	e, _, st := createTestEngine(t)

	def := testDefinition("inflight",
		&automation.WorkflowStep{
			ID:     "pause",
			Name:   "pause",
			Action: automation.ActionDelay,
			Settings: map[string]any{
				"durationMs": 10_000,
			},
		},
	)
	require.NoError(t, st.CreateDefinition(context.Background(), def))

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)
	waitForStatus(t, e, runID, automation.RunStatusPaused, 2*time.Second)

	_, err = e.RetryRun(context.Background(), runID)
	assert.Error(t, err)

	require.NoError(t, e.Cancel(context.Background(), runID))
}

func TestBuildEnv_StepOutputsByID(t *testing.T) {
	run := &automation.WorkflowRun{
		RunID:      "r-env",
		WorkflowID: "wf-env",
		Trigger: &automation.TriggerInfo{
			Type:      automation.TriggerTypeEvent,
			Source:    "chat",
			EventType: "message.created",
			Payload:   map[string]any{"channelId": "C9"},
		},
		Inputs:    map[string]any{"limit": 3},
		Variables: map[string]any{"greeting": "hi"},
	}
	results := map[string]*automation.StepResult{
		"fetch": {
			StepID: "fetch",
			Status: automation.StepStatusCompleted,
			Output: map[string]any{"count": 2},
		},
		"broken": {
			StepID: "broken",
			Status: automation.StepStatusFailed,
		},
	}

	env := buildEnv(run, results)

	trigger, ok := env["trigger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "message.created", trigger["eventType"])
	assert.Equal(t, map[string]any{"limit": 3}, env["inputs"])
	assert.Equal(t, map[string]any{"greeting": "hi"}, env["variables"])

	steps, ok := env["steps"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"output": map[string]any{"count": 2}}, steps["fetch"])
	assert.NotContains(t, steps, "broken")
}

func TestBuildEnv_EmptyRun(t *testing.T) {
	env := buildEnv(&automation.WorkflowRun{RunID: "r-bare"}, nil)

	assert.Equal(t, map[string]any{}, env["trigger"])
	assert.Equal(t, map[string]any{}, env["inputs"])
	assert.Equal(t, map[string]any{}, env["variables"])
	assert.Empty(t, env["steps"])
}

func TestEngine_MutateRunLeavesCallerUntouched(t *testing.T) {
	e, _, st := createTestEngine(t)

	stored := &automation.WorkflowRun{
		RunID:      "r-mut",
		WorkflowID: "wf-mut",
		Status:     automation.RunStatusRunning,
		Variables:  map[string]any{},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.CreateRun(context.Background(), stored))

	// Stale handle like the ones sibling step goroutines hold.
	stale := &automation.WorkflowRun{RunID: "r-mut", Variables: map[string]any{}}

	e.mutateRun(context.Background(), stale, func(r *automation.WorkflowRun) {
		r.Variables["winner"] = "fresh"
	})

	assert.Empty(t, stale.Variables)

	current, err := st.GetRun(context.Background(), "r-mut")
	require.NoError(t, err)
	assert.Equal(t, "fresh", current.Variables["winner"])
}

func TestEngine_ConcurrentVariableWrites(t *testing.T) {
	e, _, st := createTestEngine(t)

	setStep := func(id, name string) *automation.WorkflowStep {
		return &automation.WorkflowStep{
			ID:     id,
			Name:   id,
			Action: automation.ActionSetVariable,
			Settings: map[string]any{
				"name":  name,
				"value": id,
			},
		}
	}

	def := testDefinition("con-vars",
		setStep("left", "a"),
		setStep("right", "b"),
		&automation.WorkflowStep{
			ID:     "fanout",
			Name:   "fanout",
			Action: automation.ActionParallel,
			Settings: map[string]any{
				"branches": map[string][]string{
					"a": {"left"},
					"b": {"right"},
				},
				"waitForAll": true,
			},
		},
	)

	runID, err := e.StartRun(context.Background(), def, manualTrigger())
	require.NoError(t, err)

	run := waitForTerminal(t, e, runID, 5*time.Second)
	require.Equal(t, automation.RunStatusCompleted, run.Status)

	// Neither concurrent write may clobber the other.
	current, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "left", current.Variables["a"])
	assert.Equal(t, "right", current.Variables["b"])
}
