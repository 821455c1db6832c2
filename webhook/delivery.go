package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// EnvelopeVersion is the outgoing event envelope schema version
const EnvelopeVersion = "1"

// Caller performs one outbound HTTP request. *Client implements it.
type Caller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body []byte) (*automation.ResponseSnapshot, error)
}

// Deliverer fans platform events out to subscribed outgoing webhooks
type Deliverer struct {
	store   automation.Store
	client  Caller
	breaker *BreakerRegistry
	audit   *automation.AuditRecorder
	logger  zerolog.Logger

	timerMu sync.Mutex
	timers  map[string]*time.Timer // deliveryID -> retry timer
}

// DelivererOption configures a deliverer
type DelivererOption func(*Deliverer)

// WithDeliveryLogger sets a custom logger
func WithDeliveryLogger(logger zerolog.Logger) DelivererOption {
	return func(d *Deliverer) {
		d.logger = logger
	}
}

// WithBreaker overrides the default circuit breaker registry
func WithBreaker(breaker *BreakerRegistry) DelivererOption {
	return func(d *Deliverer) {
		d.breaker = breaker
	}
}

// NewDeliverer creates a delivery engine
func NewDeliverer(store automation.Store, client Caller, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		store:  store,
		client: client,
		logger: automation.DefaultLogger(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = NewBreakerRegistry(DefaultBreakerConfig, d.logger)
	}
	d.audit = automation.NewAuditRecorder(store, d.logger)
	return d
}

// Breaker exposes the circuit breaker registry for inspection
func (d *Deliverer) Breaker() *BreakerRegistry {
	return d.breaker
}

// Dispatch creates one pending delivery per webhook subscribed to the
// event and starts sending them. Returns the delivery IDs created.
func (d *Deliverer) Dispatch(ctx context.Context, ev *automation.Event) ([]string, error) {
	hooks, err := d.store.ListWebhooks(ctx, automation.WebhookFilter{
		Direction:  automation.WebhookOutgoing,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing outgoing webhooks: %w", err)
	}

	var ids []string
	for _, hook := range hooks {
		if !hook.Matches(ev) {
			continue
		}

		delivery := &automation.WebhookDelivery{
			ID:        uuid.New().String(),
			WebhookID: hook.ID,
			EventID:   ev.ID,
			EventType: ev.Type,
			Status:    automation.DeliveryStatusPending,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			automation.LogPersistenceError(d.logger, "create_delivery", err)
			continue
		}
		ids = append(ids, delivery.ID)

		go d.deliver(context.Background(), hook, delivery, ev)
	}
	return ids, nil
}

// deliver runs one delivery through its retry schedule
func (d *Deliverer) deliver(
	ctx context.Context,
	hook *automation.Webhook,
	delivery *automation.WebhookDelivery,
	ev *automation.Event,
) {
	logger := automation.DeliveryLogger(d.logger, delivery.ID, hook.ID, ev.Type)

	retry := hook.Retry
	if retry.MaxAttempts <= 0 {
		retry = automation.DefaultDeliveryRetry
	}

	delivery.Attempt++
	err := d.attempt(ctx, hook, delivery, ev, false)
	if err == nil {
		return
	}

	// Circuit-open and SSRF rejections are terminal for the whole
	// delivery; retrying them burns attempts to no effect
	if errors.Is(err, automation.ErrCircuitOpen) || errors.Is(err, automation.ErrSSRFBlocked) {
		d.deadLetter(ctx, delivery, logger)
		return
	}

	if delivery.Attempt >= retry.MaxAttempts {
		d.deadLetter(ctx, delivery, logger)
		return
	}

	backoff := automation.CalculateBackoff(
		int(retry.BackoffMs), delivery.Attempt, int(retry.MaxBackoffMs), automation.BackoffExponential)
	nextAt := time.Now().UTC().Add(backoff)
	delivery.Status = automation.DeliveryStatusRetrying
	delivery.NextRetryAt = &nextAt
	delivery.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		automation.LogPersistenceError(d.logger, "update_delivery", err)
	}
	logger.Warn().
		Int("attempt", delivery.Attempt).
		Time("next_retry_at", nextAt).
		Msg(automation.EventDeliveryFailed)

	d.timerMu.Lock()
	d.timers[delivery.ID] = time.AfterFunc(time.Until(nextAt), func() {
		d.timerMu.Lock()
		delete(d.timers, delivery.ID)
		d.timerMu.Unlock()
		d.deliver(context.Background(), hook, delivery, ev)
	})
	d.timerMu.Unlock()
}

// attempt performs a single signed send. bypassBreaker lets dead-letter
// replays through an open circuit while still feeding the breaker's
// counters with the outcome.
func (d *Deliverer) attempt(
	ctx context.Context,
	hook *automation.Webhook,
	delivery *automation.WebhookDelivery,
	ev *automation.Event,
	bypassBreaker bool,
) error {
	logger := automation.DeliveryLogger(d.logger, delivery.ID, hook.ID, ev.Type)
	logger.Debug().Int("attempt", delivery.Attempt).Msg(automation.EventDeliveryAttempt)

	if !bypassBreaker {
		if err := d.breaker.Allow(hook.ID); err != nil {
			delivery.Error = err.Error()
			return err
		}
	}

	envelope := automation.EventEnvelope{
		ID:             ev.ID,
		Event:          ev.Type,
		WebhookID:      hook.ID,
		Timestamp:      time.Now().Unix(),
		Version:        EnvelopeVersion,
		IdempotencyKey: delivery.ID,
		Data:           eventData(ev),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		delivery.Error = err.Error()
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	nonce := NewNonce()
	headers := map[string]string{
		"x-webhook-signature": Sign(hook.Secret, envelope.Timestamp, body),
		"x-webhook-timestamp": strconv.FormatInt(envelope.Timestamp, 10),
		"x-webhook-nonce":     nonce,
		"x-delivery-id":       delivery.ID,
		"x-event-type":        ev.Type,
	}

	delivery.Request = snapshotRequest(hook.URL, headers, body)
	resp, err := d.client.Call(ctx, "POST", hook.URL, headers, body)

	switch {
	case err != nil:
		delivery.Error = err.Error()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		delivery.Response = resp
		delivery.Error = ""
	default:
		delivery.Response = resp
		delivery.Error = fmt.Sprintf("target returned %d", resp.StatusCode)
		err = fmt.Errorf("target returned %d", resp.StatusCode)
	}

	if err != nil {
		d.breaker.RecordFailure(hook.ID)
		delivery.Status = automation.DeliveryStatusFailed
		delivery.UpdatedAt = time.Now().UTC()
		if updErr := d.store.UpdateDelivery(ctx, delivery); updErr != nil {
			automation.LogPersistenceError(d.logger, "update_delivery", updErr)
		}
		return err
	}

	d.breaker.RecordSuccess(hook.ID)
	delivery.Status = automation.DeliveryStatusDelivered
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		automation.LogPersistenceError(d.logger, "update_delivery", err)
	}

	logger.Info().Int("attempt", delivery.Attempt).Msg(automation.EventDeliverySucceeded)
	d.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditDeliverySucceeded,
		WebhookID:   hook.ID,
		Description: fmt.Sprintf("event %s delivered on attempt %d", ev.Type, delivery.Attempt),
		Details:     map[string]any{"deliveryId": delivery.ID},
	})
	return nil
}

func (d *Deliverer) deadLetter(ctx context.Context, delivery *automation.WebhookDelivery, logger zerolog.Logger) {
	delivery.Status = automation.DeliveryStatusDeadLetter
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		automation.LogPersistenceError(d.logger, "update_delivery", err)
	}

	logger.Error().
		Int("attempt", delivery.Attempt).
		Str("error", delivery.Error).
		Msg(automation.EventDeliveryDeadLetter)
	d.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditDeliveryDeadLetter,
		WebhookID:   delivery.WebhookID,
		Description: fmt.Sprintf("delivery moved to dead letter after %d attempts", delivery.Attempt),
		Details:     map[string]any{"deliveryId": delivery.ID, "error": delivery.Error},
	})
}

// ListDeadLetters returns dead-lettered deliveries, newest first
func (d *Deliverer) ListDeadLetters(ctx context.Context, limit int) ([]*automation.WebhookDelivery, error) {
	return d.store.ListDeadLetters(ctx, limit)
}

// Replay re-attempts one dead-lettered delivery exactly once, outside
// the retry cadence. The attempt goes through even when the circuit is
// open, but its outcome still feeds the breaker's counters.
func (d *Deliverer) Replay(ctx context.Context, deliveryID string) (*automation.WebhookDelivery, error) {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery %s: %w", deliveryID, err)
	}
	if delivery == nil {
		return nil, automation.NewValidationError("deliveryId", "delivery not found")
	}
	if delivery.Status != automation.DeliveryStatusDeadLetter {
		return nil, automation.NewWorkflowError(automation.ErrCodeValidation,
			fmt.Sprintf("delivery %s is %s, only dead-lettered deliveries can be replayed", deliveryID, delivery.Status))
	}

	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil || hook == nil {
		return nil, fmt.Errorf("loading webhook %s for replay: %w", delivery.WebhookID, err)
	}

	ev := &automation.Event{
		ID:        delivery.EventID,
		Type:      delivery.EventType,
		Timestamp: delivery.CreatedAt,
	}
	if delivery.Request != nil {
		ev.Payload = decodeEnvelopeData(delivery.Request.Body)
	}

	delivery.Attempt++
	attemptErr := d.attempt(ctx, hook, delivery, ev, true)

	d.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditDeliveryReplayed,
		WebhookID:   hook.ID,
		Description: fmt.Sprintf("dead-letter replay %s", replayOutcome(attemptErr)),
		Details:     map[string]any{"deliveryId": delivery.ID},
	})

	if attemptErr != nil {
		// One shot only: a failed replay goes straight back to the DLQ
		d.deadLetter(ctx, delivery, automation.DeliveryLogger(d.logger, delivery.ID, hook.ID, ev.Type))
	}
	return delivery, nil
}

// StopTimers cancels all pending retry timers, for shutdown
func (d *Deliverer) StopTimers() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// snapshotRequest records what was sent with the signature redacted;
// snapshots outlive secret rotations and must not leak signing material
func snapshotRequest(url string, headers map[string]string, body []byte) *automation.RequestSnapshot {
	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == "x-webhook-signature" {
			v = "REDACTED"
		}
		redacted[k] = v
	}
	return &automation.RequestSnapshot{
		URL:     url,
		Headers: redacted,
		Body:    string(body),
	}
}

func eventData(ev *automation.Event) map[string]any {
	data := map[string]any{
		"channelId": ev.ChannelID,
		"userId":    ev.UserID,
		"timestamp": ev.Timestamp.Unix(),
	}
	for k, v := range ev.Payload {
		data[k] = v
	}
	return data
}

func decodeEnvelopeData(body string) map[string]any {
	var envelope automation.EventEnvelope
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return nil
	}
	return envelope.Data
}

func replayOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}
