package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDependencyCycle  = "DEPENDENCY_CYCLE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeStepFailed       = "STEP_FAILED"
	ErrCodeStepTimeout      = "STEP_TIMEOUT"
	ErrCodeRunTimeout       = "RUN_TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeApprovalExpired  = "APPROVAL_EXPIRED"
	ErrCodeApprovalRejected = "APPROVAL_REJECTED"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeReplayDetected   = "REPLAY_DETECTED"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodePanic            = "PANIC"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// WorkflowError represents an error during workflow execution
type WorkflowError struct {
	Message   string         `json:"message" dynamodbav:"message"`
	Code      string         `json:"code" dynamodbav:"code"`
	StepID    string         `json:"stepId,omitempty" dynamodbav:"step_id,omitempty"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Details   map[string]any `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.StepID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewWorkflowErrorWithStep creates a new workflow error with step context
func NewWorkflowErrorWithStep(code, message, stepID string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		StepID:    stepID,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// StepError represents an error during step execution
type StepError struct {
	Message   string    `json:"message" dynamodbav:"message"`
	Code      string    `json:"code" dynamodbav:"code"`
	Attempt   int       `json:"attempt" dynamodbav:"attempt"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s (attempt: %d)", e.Code, e.Message, e.Attempt)
}

// NewStepError creates a new step error
func NewStepError(code, message string, attempt int) *StepError {
	return &StepError{
		Message:   message,
		Code:      code,
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
}

// ValidationError reports a malformed definition, step or trigger.
// Raised at author time only, never at runtime.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", ErrCodeValidation, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", ErrCodeValidation, e.Message)
}

// NewValidationError creates a validation error for the given field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Sentinel errors for the security and delivery paths. These are
// terminal for a single attempt and never retried.
var (
	ErrDependencyCycle  = errors.New("dependency graph contains a cycle")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrReplayDetected   = errors.New("replay detected")
	ErrSSRFBlocked      = errors.New("target address blocked by SSRF policy")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrRunNotSuspended  = errors.New("run is not suspended")
	ErrRunTerminal      = errors.New("run already in a terminal state")
)

// IsValidationError reports whether err is an author-time validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSecurityError reports whether err must never be retried
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrSSRFBlocked) ||
		errors.Is(err, ErrRateLimited)
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code == ErrCodeStepTimeout
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code == ErrCodeStepTimeout || we.Code == ErrCodeRunTimeout
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

// ToStepError converts an arbitrary error into a StepError, preserving
// an existing code where present
func ToStepError(err error, attempt int) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	code := ErrCodeStepFailed
	switch {
	case strings.Contains(err.Error(), "context deadline exceeded"):
		code = ErrCodeStepTimeout
	case errors.Is(err, ErrSSRFBlocked):
		code = ErrCodeSSRFBlocked
	case errors.Is(err, ErrCircuitOpen):
		code = ErrCodeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		code = ErrCodeRateLimited
	}
	return NewStepError(code, err.Error(), attempt)
}
