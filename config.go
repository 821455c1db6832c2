package automation

import "time"

// ExecutionConfig holds step-level execution parameters
type ExecutionConfig struct {
	// Retry policy
	RetryAttempts   int             `json:"retryAttempts" dynamodbav:"retry_attempts" mapstructure:"retryAttempts"`
	RetryDelayMs    int             `json:"retryDelayMs" dynamodbav:"retry_delay_ms" mapstructure:"retryDelayMs"`
	RetryBackoff    BackoffStrategy `json:"retryBackoff" dynamodbav:"retry_backoff" mapstructure:"retryBackoff"`
	MaxRetryDelayMs int             `json:"maxRetryDelayMs" dynamodbav:"max_retry_delay_ms" mapstructure:"maxRetryDelayMs"`

	// Timeout for a single attempt
	TimeoutMs int64 `json:"timeoutMs" dynamodbav:"timeout_ms" mapstructure:"timeoutMs"`

	// Failure behavior: exhausted retries mark the step skipped instead
	// of failing the run
	SkipOnFailure bool `json:"skipOnFailure" dynamodbav:"skip_on_failure" mapstructure:"skipOnFailure"`

	// Template resolved per run; a repeated value short-circuits the
	// step to its prior output
	IdempotencyKey string `json:"idempotencyKey,omitempty" dynamodbav:"idempotency_key,omitempty" mapstructure:"idempotencyKey"`
}

// BackoffStrategy defines retry backoff behavior
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
)

// DefaultExecutionConfig provides sensible defaults
var DefaultExecutionConfig = ExecutionConfig{
	RetryAttempts:   3,
	RetryDelayMs:    1000,
	RetryBackoff:    BackoffExponential,
	MaxRetryDelayMs: 30000,
	TimeoutMs:       30000,
}

// Hard limits enforced by the definition validator
const (
	MaxStepsPerWorkflow  = 50
	MaxDelayMs           = 24 * 60 * 60 * 1000 // 24h
	MaxApprovalTimeoutMs = 24 * 60 * 60 * 1000 // 24h
	MaxLoopIterations    = 1000
	MaxStepTimeoutMs     = 15 * 60 * 1000 // 15m per attempt
)

// DefaultWorkflowSettings provides definition-level defaults
var DefaultWorkflowSettings = WorkflowSettings{
	MaxExecutionTimeMs: int64(time.Hour / time.Millisecond),
	MaxRetries:         3,
	ContinueOnFailure:  false,
	MaxConcurrentRuns:  10,
}

// normalized returns the config with zero values replaced by defaults
// and caps applied
func (c ExecutionConfig) normalized() ExecutionConfig {
	out := c
	if out.RetryAttempts < 0 {
		out.RetryAttempts = 0
	}
	if out.RetryDelayMs <= 0 {
		out.RetryDelayMs = DefaultExecutionConfig.RetryDelayMs
	}
	if out.RetryBackoff == "" {
		out.RetryBackoff = DefaultExecutionConfig.RetryBackoff
	}
	if out.MaxRetryDelayMs <= 0 {
		out.MaxRetryDelayMs = DefaultExecutionConfig.MaxRetryDelayMs
	}
	if out.TimeoutMs <= 0 {
		out.TimeoutMs = DefaultExecutionConfig.TimeoutMs
	}
	if out.TimeoutMs > MaxStepTimeoutMs {
		out.TimeoutMs = MaxStepTimeoutMs
	}
	return out
}

// NormalizedConfig returns the step's execution config with defaults
// and caps applied
func (s *WorkflowStep) NormalizedConfig() ExecutionConfig {
	return s.Config.normalized()
}
