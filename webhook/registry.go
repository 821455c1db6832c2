// Package webhook implements the webhook registry and the delivery
// pipeline around it: HMAC signing, SSRF-checked outbound sending with
// per-webhook circuit breaking and a dead-letter queue, and the
// incoming webhook HTTP surface with token auth, rate limiting, and
// replay protection.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// Registry manages webhook registrations
type Registry struct {
	store   automation.Store
	limiter *RateLimiter
	audit   *automation.AuditRecorder
	logger  zerolog.Logger
}

// NewRegistry creates a webhook registry
func NewRegistry(store automation.Store, limiter *RateLimiter, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		limiter: limiter,
		audit:   automation.NewAuditRecorder(store, logger),
		logger:  logger,
	}
}

// CreateIncoming registers an incoming webhook posting into channelID.
// The returned webhook carries its freshly generated token and secret;
// this is the only time the caller sees them together.
func (r *Registry) CreateIncoming(
	ctx context.Context,
	name, ownerID, channelID string,
	rateLimit automation.RateLimitConfig,
) (*automation.Webhook, error) {
	if name == "" {
		return nil, automation.NewValidationError("name", "name is required")
	}
	if channelID == "" {
		return nil, automation.NewValidationError("channelId", "channelId is required")
	}
	if rateLimit.RequestsPerMinute <= 0 {
		rateLimit = automation.DefaultRateLimit
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hook := &automation.Webhook{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		Direction: automation.WebhookIncoming,
		Enabled:   true,
		Token:     token,
		Secret:    secret,
		ChannelID: channelID,
		RateLimit: rateLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("creating incoming webhook: %w", err)
	}

	r.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditWebhookCreated,
		WebhookID:   hook.ID,
		Actor:       ownerID,
		Description: fmt.Sprintf("incoming webhook %q registered for channel %s", name, channelID),
	})
	return hook, nil
}

// CreateOutgoing registers an outgoing webhook targeting url
func (r *Registry) CreateOutgoing(
	ctx context.Context,
	name, ownerID, url string,
	eventTypes []string,
	filters automation.WebhookFilters,
	retry automation.DeliveryRetryConfig,
) (*automation.Webhook, error) {
	if name == "" {
		return nil, automation.NewValidationError("name", "name is required")
	}
	if url == "" {
		return nil, automation.NewValidationError("url", "url is required")
	}
	// Reject obviously bad targets at registration time; the policy is
	// re-checked at every send
	if err := CheckTargetURL(ctx, url); err != nil {
		return nil, err
	}
	if retry.MaxAttempts <= 0 {
		retry = automation.DefaultDeliveryRetry
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hook := &automation.Webhook{
		ID:         uuid.New().String(),
		Name:       name,
		OwnerID:    ownerID,
		Direction:  automation.WebhookOutgoing,
		Enabled:    true,
		URL:        url,
		Secret:     secret,
		EventTypes: eventTypes,
		Filters:    filters,
		Retry:      retry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("creating outgoing webhook: %w", err)
	}

	r.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditWebhookCreated,
		WebhookID:   hook.ID,
		Actor:       ownerID,
		Description: fmt.Sprintf("outgoing webhook %q registered for %s", name, url),
	})
	return hook, nil
}

// Get returns one webhook
func (r *Registry) Get(ctx context.Context, webhookID string) (*automation.Webhook, error) {
	return r.store.GetWebhook(ctx, webhookID)
}

// List returns webhooks matching the filter
func (r *Registry) List(ctx context.Context, filter automation.WebhookFilter) ([]*automation.Webhook, error) {
	return r.store.ListWebhooks(ctx, filter)
}

// Update persists changes to a webhook's mutable fields. Token and
// secret are immutable here; use RotateSecret.
func (r *Registry) Update(ctx context.Context, hook *automation.Webhook) error {
	existing, err := r.store.GetWebhook(ctx, hook.ID)
	if err != nil {
		return fmt.Errorf("loading webhook %s: %w", hook.ID, err)
	}
	if existing == nil {
		return automation.NewValidationError("id", "webhook not found")
	}

	hook.Token = existing.Token
	hook.Secret = existing.Secret
	hook.CreatedAt = existing.CreatedAt
	hook.UpdatedAt = time.Now().UTC()

	if hook.Direction == automation.WebhookOutgoing && hook.URL != existing.URL {
		if err := CheckTargetURL(ctx, hook.URL); err != nil {
			return err
		}
	}
	if err := r.store.UpdateWebhook(ctx, hook); err != nil {
		return fmt.Errorf("updating webhook %s: %w", hook.ID, err)
	}

	if hook.RateLimit != existing.RateLimit && r.limiter != nil {
		r.limiter.Forget(hook.ID)
	}

	r.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditWebhookUpdated,
		WebhookID:   hook.ID,
		Description: fmt.Sprintf("webhook %q updated", hook.Name),
	})
	return nil
}

// RotateSecret replaces a webhook's HMAC secret and returns the new
// value. Deliveries signed with the old secret fail verification from
// this point on.
func (r *Registry) RotateSecret(ctx context.Context, webhookID string) (string, error) {
	hook, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return "", fmt.Errorf("loading webhook %s: %w", webhookID, err)
	}
	if hook == nil {
		return "", automation.NewValidationError("id", "webhook not found")
	}

	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	hook.Secret = secret
	hook.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateWebhook(ctx, hook); err != nil {
		return "", fmt.Errorf("rotating secret for webhook %s: %w", webhookID, err)
	}

	r.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditWebhookUpdated,
		WebhookID:   webhookID,
		Description: "webhook secret rotated",
	})
	return secret, nil
}

// Delete removes a webhook registration
func (r *Registry) Delete(ctx context.Context, webhookID string) error {
	hook, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return fmt.Errorf("loading webhook %s: %w", webhookID, err)
	}
	if hook == nil {
		return nil
	}
	if err := r.store.DeleteWebhook(ctx, webhookID); err != nil {
		return fmt.Errorf("deleting webhook %s: %w", webhookID, err)
	}
	if r.limiter != nil {
		r.limiter.Forget(webhookID)
	}

	r.audit.Record(ctx, automation.AuditLogEntry{
		EventType:   automation.AuditWebhookDeleted,
		WebhookID:   webhookID,
		Description: fmt.Sprintf("webhook %q deleted", hook.Name),
	})
	return nil
}
