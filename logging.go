package automation

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Run-level events
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunTimedOut  = "run_timed_out"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	// Step-level events
	EventStepStarted   = "step_started"
	EventStepRetrying  = "step_retrying"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	// Delivery events
	EventDeliveryAttempt    = "delivery_attempt"
	EventDeliverySucceeded  = "delivery_succeeded"
	EventDeliveryFailed     = "delivery_failed"
	EventDeliveryDeadLetter = "delivery_dead_letter"
	EventCircuitStateChange = "circuit_state_change"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// DefaultLogger returns the console logger used when a component is
// constructed without WithLogger
func DefaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
}

// RunLogger creates a logger enriched with run context
func RunLogger(base zerolog.Logger, runID, workflowID string) zerolog.Logger {
	return base.With().
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepID string, attempt int) zerolog.Logger {
	return runLogger.With().
		Str("step_id", stepID).
		Int("attempt", attempt).
		Logger()
}

// DeliveryLogger creates a logger enriched with delivery context
func DeliveryLogger(base zerolog.Logger, deliveryID, webhookID, eventType string) zerolog.Logger {
	return base.With().
		Str("delivery_id", deliveryID).
		Str("webhook_id", webhookID).
		Str("event_type", eventType).
		Logger()
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}
