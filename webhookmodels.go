package automation

import "time"

// WebhookDirection tags a webhook as incoming or outgoing
type WebhookDirection string

const (
	WebhookIncoming WebhookDirection = "INCOMING"
	WebhookOutgoing WebhookDirection = "OUTGOING"
)

// RateLimitConfig is the token-bucket configuration for an incoming
// webhook
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requestsPerMinute" dynamodbav:"requests_per_minute" mapstructure:"requestsPerMinute"`
	Burst             int `json:"burst" dynamodbav:"burst" mapstructure:"burst"`
}

// DefaultRateLimit is applied when an incoming webhook has no explicit
// rate-limit configuration
var DefaultRateLimit = RateLimitConfig{
	RequestsPerMinute: 60,
	Burst:             10,
}

// WebhookFilters narrow which events an outgoing webhook receives
type WebhookFilters struct {
	ChannelIDs     []string `json:"channelIds,omitempty" dynamodbav:"channel_ids,omitempty"`
	ExcludeUserIDs []string `json:"excludeUserIds,omitempty" dynamodbav:"exclude_user_ids,omitempty"`
	ExcludeBots    bool     `json:"excludeBots" dynamodbav:"exclude_bots"`
}

// DeliveryRetryConfig bounds the outgoing retry schedule
type DeliveryRetryConfig struct {
	MaxAttempts  int   `json:"maxAttempts" dynamodbav:"max_attempts"`
	BackoffMs    int64 `json:"backoffMs" dynamodbav:"backoff_ms"`
	MaxBackoffMs int64 `json:"maxBackoffMs" dynamodbav:"max_backoff_ms"`
}

// DefaultDeliveryRetry is used when an outgoing webhook carries no
// retry configuration
var DefaultDeliveryRetry = DeliveryRetryConfig{
	MaxAttempts:  3,
	BackoffMs:    2000,
	MaxBackoffMs: 60000,
}

// Webhook is a registered incoming or outgoing webhook. The Direction
// tag determines which field group is populated.
type Webhook struct {
	ID        string           `json:"id" dynamodbav:"id"`
	Name      string           `json:"name" dynamodbav:"name"`
	OwnerID   string           `json:"ownerId" dynamodbav:"owner_id"`
	Direction WebhookDirection `json:"direction" dynamodbav:"direction"`
	Enabled   bool             `json:"enabled" dynamodbav:"enabled"`
	Paused    bool             `json:"paused" dynamodbav:"paused"`

	// Incoming
	Token     string          `json:"token,omitempty" dynamodbav:"token,omitempty"`
	ChannelID string          `json:"channelId,omitempty" dynamodbav:"channel_id,omitempty"`
	RateLimit RateLimitConfig `json:"rateLimit" dynamodbav:"rate_limit"`

	// Outgoing
	URL        string              `json:"url,omitempty" dynamodbav:"url,omitempty"`
	EventTypes []string            `json:"eventTypes,omitempty" dynamodbav:"event_types,omitempty"`
	Filters    WebhookFilters      `json:"filters" dynamodbav:"filters"`
	Retry      DeliveryRetryConfig `json:"retry" dynamodbav:"retry"`

	// Shared HMAC secret; used for signing outgoing deliveries and
	// verifying signed incoming requests
	Secret string `json:"secret,omitempty" dynamodbav:"secret,omitempty"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// Active reports whether the webhook should receive traffic
func (w *Webhook) Active() bool {
	return w.Enabled && !w.Paused
}

// Matches reports whether an outgoing webhook subscribes to the event
// and the event clears its filters
func (w *Webhook) Matches(ev *Event) bool {
	if w.Direction != WebhookOutgoing || !w.Active() {
		return false
	}
	subscribed := len(w.EventTypes) == 0
	for _, t := range w.EventTypes {
		if t == ev.Type || t == "*" {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if len(w.Filters.ChannelIDs) > 0 {
		found := false
		for _, id := range w.Filters.ChannelIDs {
			if id == ev.ChannelID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, id := range w.Filters.ExcludeUserIDs {
		if id == ev.UserID {
			return false
		}
	}
	if w.Filters.ExcludeBots && ev.Bot {
		return false
	}
	return true
}

// DeliveryStatus represents the state of one outgoing delivery
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "PENDING"
	DeliveryStatusDelivered  DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed     DeliveryStatus = "FAILED"
	DeliveryStatusRetrying   DeliveryStatus = "RETRYING"
	DeliveryStatusDeadLetter DeliveryStatus = "DEAD_LETTER"
)

// String returns the string representation
func (s DeliveryStatus) String() string {
	return string(s)
}

// RequestSnapshot records what was sent, minus the secret material
type RequestSnapshot struct {
	URL     string            `json:"url" dynamodbav:"url"`
	Headers map[string]string `json:"headers,omitempty" dynamodbav:"headers,omitempty"`
	Body    string            `json:"body,omitempty" dynamodbav:"body,omitempty"`
}

// ResponseSnapshot records what came back
type ResponseSnapshot struct {
	StatusCode int    `json:"statusCode" dynamodbav:"status_code"`
	Body       string `json:"body,omitempty" dynamodbav:"body,omitempty"`
}

// WebhookDelivery is one outgoing delivery attempt lifecycle
type WebhookDelivery struct {
	ID        string `json:"id" dynamodbav:"id"`
	WebhookID string `json:"webhookId" dynamodbav:"webhook_id"`
	EventID   string `json:"eventId" dynamodbav:"event_id"`
	EventType string `json:"eventType" dynamodbav:"event_type"`

	Attempt int            `json:"attempt" dynamodbav:"attempt"`
	Status  DeliveryStatus `json:"status" dynamodbav:"status"`

	Request  *RequestSnapshot  `json:"request,omitempty" dynamodbav:"request,omitempty"`
	Response *ResponseSnapshot `json:"response,omitempty" dynamodbav:"response,omitempty"`
	Error    string            `json:"error,omitempty" dynamodbav:"error,omitempty"`

	NextRetryAt *time.Time `json:"nextRetryAt,omitempty" dynamodbav:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
}

// BreakerState is the circuit breaker position for one webhook
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted breaker record per webhook
type CircuitBreakerState struct {
	WebhookID            string       `json:"webhookId" dynamodbav:"webhook_id"`
	State                BreakerState `json:"state" dynamodbav:"state"`
	ConsecutiveFailures  int          `json:"consecutiveFailures" dynamodbav:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses" dynamodbav:"consecutive_successes"`
	OpenedAt             *time.Time   `json:"openedAt,omitempty" dynamodbav:"opened_at,omitempty"`
}

// IncomingMessage is the normalized payload of an incoming webhook call
type IncomingMessage struct {
	Content     string           `json:"content,omitempty"`
	Text        string           `json:"text,omitempty"` // alias accepted for compatibility
	Embeds      []map[string]any `json:"embeds,omitempty"`
	Attachments []map[string]any `json:"attachments,omitempty"`
	Username    string           `json:"username,omitempty"`
	AvatarURL   string           `json:"avatarUrl,omitempty"`
	ThreadID    string           `json:"threadId,omitempty"`
}

// EffectiveContent returns content, falling back to the text alias
func (m *IncomingMessage) EffectiveContent() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text
}

// Incoming webhook payload limits
const (
	MaxIncomingBodyBytes   = 64 * 1024
	MaxIncomingContentLen  = 4000
	MaxIncomingEmbeds      = 10
	MaxIncomingAttachments = 10
)

// EventEnvelope is the JSON body of an outgoing webhook delivery
type EventEnvelope struct {
	ID             string         `json:"id"`
	Event          string         `json:"event"`
	WebhookID      string         `json:"webhookId"`
	Timestamp      int64          `json:"timestamp"`
	Version        string         `json:"version"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Data           map[string]any `json:"data"`
}
