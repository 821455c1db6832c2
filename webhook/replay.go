package webhook

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaychat/automation"
)

// ReplayConfig tunes the anti-replay checks
type ReplayConfig struct {
	// Maximum allowed skew between the signed timestamp and now
	Tolerance time.Duration
	// How long a nonce stays in the seen set
	NonceTTL time.Duration
	// How long a processed idempotency key is remembered
	IdempotencyTTL time.Duration
}

// DefaultReplayConfig matches the signing tolerance receivers are told
// to enforce
var DefaultReplayConfig = ReplayConfig{
	Tolerance:      5 * time.Minute,
	NonceTTL:       10 * time.Minute,
	IdempotencyTTL: 24 * time.Hour,
}

// ReplayProtector rejects requests whose timestamp is outside the
// tolerance window, whose nonce was already seen, or whose idempotency
// key was already processed. The three checks are independent; any one
// failing rejects with its own reason.
type ReplayProtector struct {
	config ReplayConfig
	now    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
	keys   map[string]time.Time
	lastGC time.Time
}

// NewReplayProtector creates a protector with the given config
func NewReplayProtector(config ReplayConfig) *ReplayProtector {
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultReplayConfig.Tolerance
	}
	if config.NonceTTL <= 0 {
		config.NonceTTL = DefaultReplayConfig.NonceTTL
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = DefaultReplayConfig.IdempotencyTTL
	}
	return &ReplayProtector{
		config: config,
		now:    time.Now,
		nonces: make(map[string]time.Time),
		keys:   make(map[string]time.Time),
	}
}

// Check validates timestamp freshness and nonce uniqueness, inserting
// the nonce on success. idempotencyKey may be empty to skip that check.
func (p *ReplayProtector) Check(timestamp int64, nonce string, idempotencyKey string) error {
	now := p.now()

	ts := time.Unix(timestamp, 0)
	if skew := now.Sub(ts); skew > p.config.Tolerance || skew < -p.config.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance window", automation.ErrReplayDetected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gc(now)

	if seenAt, seen := p.nonces[nonce]; seen && now.Sub(seenAt) < p.config.NonceTTL {
		return fmt.Errorf("%w: nonce already seen", automation.ErrReplayDetected)
	}
	if idempotencyKey != "" {
		if seenAt, seen := p.keys[idempotencyKey]; seen && now.Sub(seenAt) < p.config.IdempotencyTTL {
			return fmt.Errorf("%w: idempotency key already processed", automation.ErrReplayDetected)
		}
	}

	p.nonces[nonce] = now
	if idempotencyKey != "" {
		p.keys[idempotencyKey] = now
	}
	return nil
}

// gc drops expired entries; called under p.mu at most once a minute
func (p *ReplayProtector) gc(now time.Time) {
	if now.Sub(p.lastGC) < time.Minute {
		return
	}
	p.lastGC = now
	for nonce, seenAt := range p.nonces {
		if now.Sub(seenAt) >= p.config.NonceTTL {
			delete(p.nonces, nonce)
		}
	}
	for key, seenAt := range p.keys {
		if now.Sub(seenAt) >= p.config.IdempotencyTTL {
			delete(p.keys, key)
		}
	}
}
