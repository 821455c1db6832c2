package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/store"
)

type recordingChannels struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (r *recordingChannels) SendMessage(_ context.Context, channelID, content, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", fmt.Errorf("channel %s unavailable", channelID)
	}
	r.messages = append(r.messages, content)
	return fmt.Sprintf("msg-%d", len(r.messages)), nil
}

func (r *recordingChannels) ChannelAction(context.Context, string, string, map[string]any) error {
	return nil
}

func (r *recordingChannels) UserAction(context.Context, string, string, map[string]any) error {
	return nil
}

func createIncomingApp(t *testing.T) (*fiber.App, *recordingChannels, *automation.Webhook, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	channels := &recordingChannels{}
	srv := NewIncomingServer(st, channels, NewRateLimiter(), NewReplayProtector(DefaultReplayConfig), zerolog.Nop())
	app := NewApp(srv)

	token, err := NewToken()
	require.NoError(t, err)
	secret, err := NewSecret()
	require.NoError(t, err)
	hook := &automation.Webhook{
		ID:        "in-1",
		Name:      "alerts",
		OwnerID:   "U1",
		Direction: automation.WebhookIncoming,
		Enabled:   true,
		Token:     token,
		Secret:    secret,
		ChannelID: "C_ALERTS",
		RateLimit: automation.RateLimitConfig{RequestsPerMinute: 600, Burst: 100},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateWebhook(context.Background(), hook))
	return app, channels, hook, st
}

func postIncoming(t *testing.T, app *fiber.App, token string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/incoming/"+token, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestIncoming_ValidPost(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	resp := postIncoming(t, app, hook.Token, `{"content":"build passed"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["messageId"])
	assert.Equal(t, "C_ALERTS", out["channelId"])
	assert.Equal(t, []string{"build passed"}, channels.messages)
}

func TestIncoming_TextAlias(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	resp := postIncoming(t, app, hook.Token, `{"text":"via alias"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"via alias"}, channels.messages)
}

func TestIncoming_UnknownToken(t *testing.T) {
	app, channels, _, _ := createIncomingApp(t)

	resp := postIncoming(t, app, "not-a-token", `{"content":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, channels.messages)
}

func TestIncoming_DisabledHookAnswersLikeUnknown(t *testing.T) {
	app, _, hook, st := createIncomingApp(t)

	hook.Enabled = false
	require.NoError(t, st.UpdateWebhook(context.Background(), hook))

	respDisabled := postIncoming(t, app, hook.Token, `{"content":"x"}`, nil)
	respUnknown := postIncoming(t, app, "not-a-token", `{"content":"x"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, respDisabled.StatusCode)
	assert.Equal(t, respUnknown.StatusCode, respDisabled.StatusCode)

	bodyDisabled, _ := io.ReadAll(respDisabled.Body)
	bodyUnknown, _ := io.ReadAll(respUnknown.Body)
	assert.Equal(t, string(bodyUnknown), string(bodyDisabled))
}

func TestIncoming_RateLimit(t *testing.T) {
	app, _, hook, st := createIncomingApp(t)

	hook.RateLimit = automation.RateLimitConfig{RequestsPerMinute: 60, Burst: 2}
	require.NoError(t, st.UpdateWebhook(context.Background(), hook))

	for i := 0; i < 2; i++ {
		resp := postIncoming(t, app, hook.Token, `{"content":"x"}`, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := postIncoming(t, app, hook.Token, `{"content":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestIncoming_MalformedBody(t *testing.T) {
	app, _, hook, _ := createIncomingApp(t)

	resp := postIncoming(t, app, hook.Token, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncoming_EmptyPayloadRejected(t *testing.T) {
	app, _, hook, _ := createIncomingApp(t)

	resp := postIncoming(t, app, hook.Token, `{"username":"bot"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncoming_ContentTooLong(t *testing.T) {
	app, _, hook, _ := createIncomingApp(t)

	long := strings.Repeat("a", automation.MaxIncomingContentLen+1)
	resp := postIncoming(t, app, hook.Token, `{"content":"`+long+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncoming_SignedRequest(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	body := `{"content":"signed"}`
	ts := time.Now().Unix()
	sig := Sign(hook.Secret, ts, []byte(body))

	resp := postIncoming(t, app, hook.Token, body, map[string]string{
		"x-webhook-signature": sig,
		"x-webhook-timestamp": strconv.FormatInt(ts, 10),
		"x-webhook-nonce":     NewNonce(),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"signed"}, channels.messages)
}

func TestIncoming_BadSignatureRejected(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	body := `{"content":"signed"}`
	ts := time.Now().Unix()

	resp := postIncoming(t, app, hook.Token, body, map[string]string{
		"x-webhook-signature": "deadbeef",
		"x-webhook-timestamp": strconv.FormatInt(ts, 10),
		"x-webhook-nonce":     NewNonce(),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, channels.messages)
}

func TestIncoming_ReplayedNonceRejected(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	body := `{"content":"signed"}`
	ts := time.Now().Unix()
	sig := Sign(hook.Secret, ts, []byte(body))
	nonce := NewNonce()
	headers := map[string]string{
		"x-webhook-signature": sig,
		"x-webhook-timestamp": strconv.FormatInt(ts, 10),
		"x-webhook-nonce":     nonce,
	}

	resp := postIncoming(t, app, hook.Token, body, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The identical request again is a replay
	resp = postIncoming(t, app, hook.Token, body, headers)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, []string{"signed"}, channels.messages)
}

func TestIncoming_SignedWithoutNonceRejected(t *testing.T) {
	app, _, hook, _ := createIncomingApp(t)

	body := `{"content":"signed"}`
	ts := time.Now().Unix()
	resp := postIncoming(t, app, hook.Token, body, map[string]string{
		"x-webhook-signature": Sign(hook.Secret, ts, []byte(body)),
		"x-webhook-timestamp": strconv.FormatInt(ts, 10),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIncoming_ChannelSendFailure(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	channels.fail = true
	resp := postIncoming(t, app, hook.Token, `{"content":"x"}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIncoming_OversizedBodyRejected(t *testing.T) {
	app, channels, hook, _ := createIncomingApp(t)

	// Just over the cap but under fiber's BodyLimit, so the handler
	// itself does the rejecting.
	body := `{"content":"` + strings.Repeat("x", automation.MaxIncomingBodyBytes) + `"}`
	resp := postIncoming(t, app, hook.Token, body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, channels.messages)
}

func TestIncoming_BodyOverServerLimitRejected(t *testing.T) {
	app, _, hook, _ := createIncomingApp(t)

	// Past BodyLimit fiber answers 413 before the handler runs.
	body := strings.Repeat("y", automation.MaxIncomingBodyBytes+4096)
	resp := postIncoming(t, app, hook.Token, body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
