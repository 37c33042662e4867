package vtrealtime

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for failed operations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call.
	// Set to 0 to disable retries.
	MaxRetries int

	// BaseDelay is the initial delay between retries.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is used for exponential backoff.
	// Each retry delay is multiplied by this factor.
	// Default: 2.0
	Multiplier float64

	// Jitter randomizes each delay by up to ±Jitter of its value.
	// Value between 0.0 and 1.0. Default: 0.1 (10% jitter)
	Jitter float64

	// RetryableErrors determines if an error should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool

	// OnRetry, when set, is called before sleeping ahead of each retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the retry configuration used for HTTP collaborators:
// 3 retries, exponential backoff from 1s, 4xx responses are final.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
		RetryableErrors: isRetryableServiceError,
	}
}

// RetryableOperation represents an operation that can be retried.
// The attempt number starts at 1.
type RetryableOperation func(attempt int) error

// WithRetry executes an operation with retry logic based on the provided configuration.
func WithRetry(ctx context.Context, config RetryConfig, op RetryableOperation) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op(attempt + 1)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(attempt, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// calculateDelay computes the delay for a retry attempt with exponential backoff and jitter.
func calculateDelay(attempt int, config RetryConfig) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return applyJitter(time.Duration(delay), config.Jitter)
}

// applyJitter scales d by a random factor in [1-fraction, 1+fraction].
func applyJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	factor := 1 + fraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before letting a trial call through.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes needed to close the circuit.
	SuccessThreshold int
}

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a collaborator that keeps failing.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          CircuitBreakerConfig
	state           CircuitBreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs an operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.shouldAllow() {
		return ErrCircuitOpen
	}

	if err := op(); err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) shouldAllow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes++
	cb.failures = 0

	if cb.state == CircuitHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.state = CircuitClosed
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
