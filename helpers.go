package automation

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ToPtr returns a pointer to the given value
func ToPtr[T any](v T) *T {
	return &v
}

// CalculateBackoff calculates the retry delay for an attempt.
//
//   - FIXED:       baseDelay
//   - LINEAR:      baseDelay * attempt
//   - EXPONENTIAL: baseDelay * 2^(attempt-1)
//
// attempt is 1-based for retries; attempt 0 (the first try) gets no
// delay. The result is capped at maxDelayMs.
func CalculateBackoff(baseDelayMs, attempt, maxDelayMs int, strategy BackoffStrategy) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := time.Duration(baseDelayMs) * time.Millisecond
	var delay time.Duration

	switch strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	case BackoffExponential:
		// Shift guard: beyond 30 doublings we are past any sane cap anyway
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay = base * time.Duration(1<<shift)
	default:
		delay = base * time.Duration(attempt)
	}

	if maxDelayMs > 0 {
		if cap := time.Duration(maxDelayMs) * time.Millisecond; delay > cap {
			delay = cap
		}
	}
	return delay
}

// decodeSettings decodes a raw settings map into the typed struct for
// an action kind. Unknown keys are rejected so typos surface at
// validation time instead of silently doing nothing.
func decodeSettings(raw map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build settings decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

// DecodeSettings decodes a step's raw settings map into the typed
// struct for its action kind
func DecodeSettings(raw map[string]any, target any) error {
	return decodeSettings(raw, target)
}
