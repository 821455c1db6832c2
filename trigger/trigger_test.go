package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/engine"
	"github.com/relaychat/automation/store"
)

type noopChannels struct{}

func (noopChannels) SendMessage(context.Context, string, string, string) (string, error) {
	return "msg-1", nil
}
func (noopChannels) ChannelAction(context.Context, string, string, map[string]any) error { return nil }
func (noopChannels) UserAction(context.Context, string, string, map[string]any) error    { return nil }

func createTestTrigger(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	runner := engine.New(st, noopChannels{}, engine.WithLogger(zerolog.Nop()))
	return New(st, runner, WithLogger(zerolog.Nop())), st
}

func eventWorkflow(id, eventType string, conditions ...automation.Condition) *automation.WorkflowDefinition {
	return &automation.WorkflowDefinition{
		ID:      id,
		Name:    id,
		OwnerID: "U1",
		Trigger: automation.WorkflowTrigger{
			Type:       automation.TriggerTypeEvent,
			EventType:  eventType,
			Conditions: conditions,
		},
		Steps: []*automation.WorkflowStep{
			{
				ID:     "notify",
				Name:   "notify",
				Action: automation.ActionSendMessage,
				Settings: map[string]any{
					"channelId": "C1",
					"content":   "hi",
				},
			},
		},
		Enabled: true,
	}
}

func messageEvent(channelID, content string) *automation.Event {
	return &automation.Event{
		ID:        "evt-1",
		Type:      "message.created",
		ChannelID: channelID,
		UserID:    "U2",
		Timestamp: time.Now(),
		Payload:   map[string]any{"content": content},
	}
}

func TestEvaluateEvent_Match(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-msg", "message.created")))

	started, err := tr.EvaluateEvent(ctx, messageEvent("C1", "hello"))
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestEvaluateEvent_TypeMismatch(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-join", "member.joined")))

	started, err := tr.EvaluateEvent(ctx, messageEvent("C1", "hello"))
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestEvaluateEvent_BotEventsNeverFire(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-msg", "message.created")))

	ev := messageEvent("C1", "hello")
	ev.Bot = true

	started, err := tr.EvaluateEvent(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestEvaluateEvent_Conditions(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-deploys", "message.created",
		automation.Condition{Field: "event.channelId", Operator: automation.OpEquals, Value: "C_DEPLOYS"},
		automation.Condition{Field: "event.payload.content", Operator: automation.OpContains, Value: "deploy"},
	)))

	started, err := tr.EvaluateEvent(ctx, messageEvent("C_RANDOM", "deploy please"))
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = tr.EvaluateEvent(ctx, messageEvent("C_DEPLOYS", "lunch?"))
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = tr.EvaluateEvent(ctx, messageEvent("C_DEPLOYS", "deploy v2 now"))
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestEvaluateEvent_DisabledSkipped(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	def := eventWorkflow("wf-off", "message.created")
	def.Enabled = false
	require.NoError(t, st.CreateDefinition(ctx, def))

	started, err := tr.EvaluateEvent(ctx, messageEvent("C1", "hello"))
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestEvaluateEvent_MultipleMatches(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-a", "message.created")))
	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-b", "message.created")))

	started, err := tr.EvaluateEvent(ctx, messageEvent("C1", "hello"))
	require.NoError(t, err)
	assert.Len(t, started, 2)
}

func webhookWorkflow(id, method, secret string) *automation.WorkflowDefinition {
	def := eventWorkflow(id, "")
	def.Trigger = automation.WorkflowTrigger{
		Type:   automation.TriggerTypeWebhook,
		Method: method,
		Secret: secret,
	}
	return def
}

func TestEvaluateWebhook(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, webhookWorkflow("wf-hook", "POST", "s3cret")))

	t.Run("valid request starts a run", func(t *testing.T) {
		runID, err := tr.EvaluateWebhook(ctx, "wf-hook", "POST", "s3cret", map[string]any{"k": "v"})
		require.NoError(t, err)
		assert.NotEmpty(t, runID)
	})

	t.Run("wrong secret is silent", func(t *testing.T) {
		runID, err := tr.EvaluateWebhook(ctx, "wf-hook", "POST", "guess", nil)
		require.NoError(t, err)
		assert.Empty(t, runID)
	})

	t.Run("wrong method is silent", func(t *testing.T) {
		runID, err := tr.EvaluateWebhook(ctx, "wf-hook", "DELETE", "s3cret", nil)
		require.NoError(t, err)
		assert.Empty(t, runID)
	})

	t.Run("unknown workflow is silent", func(t *testing.T) {
		runID, err := tr.EvaluateWebhook(ctx, "wf-missing", "POST", "s3cret", nil)
		require.NoError(t, err)
		assert.Empty(t, runID)
	})

	t.Run("non-webhook workflow is silent", func(t *testing.T) {
		require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-evt", "message.created")))
		runID, err := tr.EvaluateWebhook(ctx, "wf-evt", "POST", "s3cret", nil)
		require.NoError(t, err)
		assert.Empty(t, runID)
	})
}

func manualWorkflow(id string, userIDs, roles []string, inputs ...automation.InputSpec) *automation.WorkflowDefinition {
	def := eventWorkflow(id, "")
	def.Trigger = automation.WorkflowTrigger{
		Type:           automation.TriggerTypeManual,
		AllowedUserIDs: userIDs,
		AllowedRoles:   roles,
		RequiredInputs: inputs,
	}
	return def
}

func TestEvaluateManual_Authorization(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx,
		manualWorkflow("wf-deploy", []string{"U_LEAD"}, []string{"release-manager"})))

	t.Run("listed user", func(t *testing.T) {
		runID, err := tr.EvaluateManual(ctx, "wf-deploy", "U_LEAD", nil, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, runID)
	})

	t.Run("allowed role", func(t *testing.T) {
		runID, err := tr.EvaluateManual(ctx, "wf-deploy", "U_OTHER", []string{"release-manager"}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, runID)
	})

	t.Run("unauthorized user", func(t *testing.T) {
		_, err := tr.EvaluateManual(ctx, "wf-deploy", "U_RANDO", []string{"member"}, nil)
		assert.Error(t, err)
	})
}

func TestEvaluateManual_Unrestricted(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, manualWorkflow("wf-open", nil, nil)))

	runID, err := tr.EvaluateManual(ctx, "wf-open", "U_ANYONE", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
}

func TestEvaluateManual_Inputs(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, manualWorkflow("wf-in", nil, nil,
		automation.InputSpec{Name: "version", Type: "string", Required: true},
		automation.InputSpec{Name: "dryRun", Type: "boolean"},
	)))

	t.Run("missing required input", func(t *testing.T) {
		_, err := tr.EvaluateManual(ctx, "wf-in", "U1", nil, map[string]any{"dryRun": true})
		assert.Error(t, err)
	})

	t.Run("wrong input type", func(t *testing.T) {
		_, err := tr.EvaluateManual(ctx, "wf-in", "U1", nil,
			map[string]any{"version": "1.2.0", "dryRun": "yes"})
		assert.Error(t, err)
	})

	t.Run("valid inputs", func(t *testing.T) {
		runID, err := tr.EvaluateManual(ctx, "wf-in", "U1", nil,
			map[string]any{"version": "1.2.0", "dryRun": false})
		require.NoError(t, err)
		assert.NotEmpty(t, runID)
	})

	t.Run("optional input may be absent", func(t *testing.T) {
		runID, err := tr.EvaluateManual(ctx, "wf-in", "U1", nil,
			map[string]any{"version": "1.2.0"})
		require.NoError(t, err)
		assert.NotEmpty(t, runID)
	})
}

func TestEvaluateManual_WrongTriggerType(t *testing.T) {
	tr, st := createTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventWorkflow("wf-evt", "message.created")))

	_, err := tr.EvaluateManual(ctx, "wf-evt", "U1", nil, nil)
	assert.Error(t, err)

	def := eventWorkflow("wf-off", "")
	def.Trigger = automation.WorkflowTrigger{Type: automation.TriggerTypeManual}
	def.Enabled = false
	require.NoError(t, st.CreateDefinition(ctx, def))

	_, err = tr.EvaluateManual(ctx, "wf-off", "U1", nil, nil)
	assert.Error(t, err)
}
