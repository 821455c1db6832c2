package webhook

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// BreakerConfig tunes the per-webhook circuit breaker
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig trips after five straight failures, probes
// again after a minute, and needs two straight successes to close.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     time.Minute,
}

// breakerEntry is one webhook's breaker plus its lock. Entries lock
// independently so deliveries to different webhooks never contend.
type breakerEntry struct {
	mu    sync.Mutex
	state automation.CircuitBreakerState

	// Set while a half-open trial delivery is outstanding so only
	// one trial is in flight at a time.
	trialInFlight bool
}

// BreakerRegistry holds circuit breaker state keyed by webhook ID
type BreakerRegistry struct {
	config BreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*breakerEntry
}

// NewBreakerRegistry creates a registry with the given config
func NewBreakerRegistry(config BreakerConfig, logger zerolog.Logger) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig.ResetTimeout
	}
	return &BreakerRegistry{
		config:  config,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*breakerEntry),
	}
}

// Allow reports whether a delivery to the webhook may proceed. An open
// breaker whose reset timeout has elapsed moves to half-open and lets
// one trial through; otherwise an open breaker returns ErrCircuitOpen.
// In half-open, only one trial may be outstanding at a time.
func (r *BreakerRegistry) Allow(webhookID string) error {
	e := r.entry(webhookID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.State {
	case automation.BreakerOpen:
		if e.state.OpenedAt != nil && r.now().Sub(*e.state.OpenedAt) >= r.config.ResetTimeout {
			r.transition(e, webhookID, automation.BreakerHalfOpen)
			e.state.ConsecutiveSuccesses = 0
			e.trialInFlight = true
			return nil
		}
		return automation.ErrCircuitOpen
	case automation.BreakerHalfOpen:
		if e.trialInFlight {
			return automation.ErrCircuitOpen
		}
		e.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess feeds a successful delivery into the breaker
func (r *BreakerRegistry) RecordSuccess(webhookID string) {
	e := r.entry(webhookID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ConsecutiveFailures = 0
	switch e.state.State {
	case automation.BreakerHalfOpen:
		e.trialInFlight = false
		e.state.ConsecutiveSuccesses++
		if e.state.ConsecutiveSuccesses >= r.config.SuccessThreshold {
			r.transition(e, webhookID, automation.BreakerClosed)
			e.state.OpenedAt = nil
			e.state.ConsecutiveSuccesses = 0
		}
	default:
		e.state.ConsecutiveSuccesses++
	}
}

// RecordFailure feeds a failed delivery into the breaker
func (r *BreakerRegistry) RecordFailure(webhookID string) {
	e := r.entry(webhookID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ConsecutiveSuccesses = 0
	e.state.ConsecutiveFailures++

	switch e.state.State {
	case automation.BreakerHalfOpen:
		e.trialInFlight = false
		r.open(e, webhookID)
	case automation.BreakerClosed, "":
		if e.state.ConsecutiveFailures >= r.config.FailureThreshold {
			r.open(e, webhookID)
		}
	}
}

// State returns a copy of the breaker record for one webhook
func (r *BreakerRegistry) State(webhookID string) automation.CircuitBreakerState {
	e := r.entry(webhookID)
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.WebhookID = webhookID
	if s.State == "" {
		s.State = automation.BreakerClosed
	}
	return s
}

func (r *BreakerRegistry) open(e *breakerEntry, webhookID string) {
	r.transition(e, webhookID, automation.BreakerOpen)
	openedAt := r.now()
	e.state.OpenedAt = &openedAt
}

func (r *BreakerRegistry) transition(e *breakerEntry, webhookID string, to automation.BreakerState) {
	from := e.state.State
	if from == "" {
		from = automation.BreakerClosed
	}
	e.state.State = to
	r.logger.Info().
		Str("webhook_id", webhookID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg(automation.EventCircuitStateChange)
}

func (r *BreakerRegistry) entry(webhookID string) *breakerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[webhookID]
	if !ok {
		e = &breakerEntry{state: automation.CircuitBreakerState{
			WebhookID: webhookID,
			State:     automation.BreakerClosed,
		}}
		r.entries[webhookID] = e
	}
	return e
}
