package webhook

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/automation"
)

func createTestBreaker(t *testing.T) (*BreakerRegistry, *time.Time) {
	t.Helper()
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     time.Minute,
	}, zerolog.Nop())

	clock := time.Now()
	r.now = func() time.Time { return clock }
	return r, &clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	r, _ := createTestBreaker(t)

	for i := 0; i < 2; i++ {
		r.RecordFailure("hook-1")
		assert.NoError(t, r.Allow("hook-1"))
	}

	r.RecordFailure("hook-1")
	err := r.Allow("hook-1")
	require.ErrorIs(t, err, automation.ErrCircuitOpen)
	assert.Equal(t, automation.BreakerOpen, r.State("hook-1").State)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r, _ := createTestBreaker(t)

	r.RecordFailure("hook-1")
	r.RecordFailure("hook-1")
	r.RecordSuccess("hook-1")
	r.RecordFailure("hook-1")
	r.RecordFailure("hook-1")

	// Never three in a row, so still closed
	assert.NoError(t, r.Allow("hook-1"))
	assert.Equal(t, automation.BreakerClosed, r.State("hook-1").State)
}

func TestBreaker_HalfOpenTrialAfterResetTimeout(t *testing.T) {
	r, clock := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-1")
	}
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)

	// Not yet
	*clock = clock.Add(30 * time.Second)
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)

	// Timeout elapsed: one trial allowed
	*clock = clock.Add(31 * time.Second)
	require.NoError(t, r.Allow("hook-1"))
	assert.Equal(t, automation.BreakerHalfOpen, r.State("hook-1").State)
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	r, clock := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-1")
	}
	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, r.Allow("hook-1"))

	r.RecordSuccess("hook-1")
	assert.Equal(t, automation.BreakerHalfOpen, r.State("hook-1").State)

	r.RecordSuccess("hook-1")
	assert.Equal(t, automation.BreakerClosed, r.State("hook-1").State)
	assert.NoError(t, r.Allow("hook-1"))
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	r, clock := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-1")
	}
	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, r.Allow("hook-1"))

	r.RecordFailure("hook-1")
	assert.Equal(t, automation.BreakerOpen, r.State("hook-1").State)
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)
}

func TestBreaker_IndependentPerWebhook(t *testing.T) {
	r, _ := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-bad")
	}
	require.ErrorIs(t, r.Allow("hook-bad"), automation.ErrCircuitOpen)
	assert.NoError(t, r.Allow("hook-good"))
}

func TestBreaker_HalfOpenSingleTrialInFlight(t *testing.T) {
	r, clock := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-1")
	}
	*clock = clock.Add(2 * time.Minute)

	// First caller takes the trial slot; siblings wait for its outcome.
	require.NoError(t, r.Allow("hook-1"))
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)

	// Trial succeeded: the slot frees for the next trial.
	r.RecordSuccess("hook-1")
	require.NoError(t, r.Allow("hook-1"))
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)

	r.RecordSuccess("hook-1")
	assert.Equal(t, automation.BreakerClosed, r.State("hook-1").State)
	assert.NoError(t, r.Allow("hook-1"))
}

func TestBreaker_HalfOpenTrialFailureFreesNothing(t *testing.T) {
	r, clock := createTestBreaker(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("hook-1")
	}
	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, r.Allow("hook-1"))

	r.RecordFailure("hook-1")
	assert.Equal(t, automation.BreakerOpen, r.State("hook-1").State)
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)

	// A fresh trial opens again only after another full reset timeout.
	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, r.Allow("hook-1"))
	require.ErrorIs(t, r.Allow("hook-1"), automation.ErrCircuitOpen)
}
