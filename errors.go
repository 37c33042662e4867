package vtrealtime

import (
	"errors"
	"fmt"
	"strings"
)

// Common error variables
var (
	// ErrClosed is returned when attempting to use a connection that has been closed
	// with Disconnect or Close. Create a new Connection or call Connect again.
	ErrClosed = errors.New("vtrealtime: connection is closed")

	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("vtrealtime: invalid configuration")

	// ErrConnectionFailed is returned when the WebSocket connection cannot be established.
	ErrConnectionFailed = errors.New("vtrealtime: connection failed")

	// ErrSendTimeout is returned when writing a message to the socket times out.
	ErrSendTimeout = errors.New("vtrealtime: send timeout")

	// ErrInvalidEventData is returned when an inbound message fails validation.
	ErrInvalidEventData = errors.New("vtrealtime: invalid event data")

	// ErrEmptyAudio is returned when an empty or whitespace-only audio payload is decoded.
	ErrEmptyAudio = errors.New("vtrealtime: audio data is empty")

	// ErrUnauthorized is matched by AuthorizationError.
	ErrUnauthorized = errors.New("vtrealtime: authorization failed")

	// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker is open.
	ErrCircuitOpen = errors.New("vtrealtime: circuit breaker is open")
)

// ConfigError represents a configuration validation error.
// It provides detailed information about which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("vtrealtime: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("vtrealtime: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ConnectionError represents a WebSocket connection error.
// It wraps underlying network errors with additional context.
type ConnectionError struct {
	URL       string // The WebSocket URL that failed
	Cause     error  // The underlying error
	Operation string // The operation that failed (e.g., "dial", "read")
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vtrealtime: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("vtrealtime: %s failed for %q", e.Operation, e.URL)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// SendError represents an error that occurred while writing a message to the socket.
type SendError struct {
	MessageType string // The `type` of the outbound message
	Cause       error  // The underlying error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("vtrealtime: failed to send %s message: %v", e.MessageType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *SendError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrSendTimeout)
}

// EventError represents a failure to turn a raw frame into an event.
type EventError struct {
	EventType string // The type of event that caused the error
	RawData   []byte // The raw JSON data (if available)
	Cause     error  // The underlying parsing error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("vtrealtime: failed to process %s event: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for EventError.
func (e *EventError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// ValidationError describes an inbound message that failed validation.
type ValidationError struct {
	MessageType string
	Errors      []string
}

func (e *ValidationError) Error() string {
	if e.MessageType == "" {
		return fmt.Sprintf("vtrealtime: invalid message: %s", strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("vtrealtime: invalid %s message: %s", e.MessageType, strings.Join(e.Errors, "; "))
}

// Is implements error matching for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// ProtocolError reports a message type the adapter does not recognize.
// It is informational: unknown messages are still delivered as UnknownEvent.
type ProtocolError struct {
	MessageType string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("vtrealtime: unrecognized message type %q", e.MessageType)
}

// AudioDecodeError represents an invalid or undecodable WAV payload.
type AudioDecodeError struct {
	Reason string
	Cause  error
}

func (e *AudioDecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vtrealtime: audio decode failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("vtrealtime: audio decode failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AudioDecodeError) Unwrap() error {
	return e.Cause
}

// HTTPError is returned by ServicesClient when a collaborator endpoint answers
// with a non-2xx status.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("vtrealtime: %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("vtrealtime: %s returned status %d", e.Endpoint, e.StatusCode)
}

// IsClientError reports whether the status is a 4xx. Client errors are not retried.
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TimeoutError is returned when a single collaborator call exceeds its deadline.
type TimeoutError struct {
	Endpoint string
	Cause    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vtrealtime: %s timed out: %v", e.Endpoint, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ResponseDecodeError is returned when a collaborator answers 2xx with a body
// that does not decode. It is not retried.
type ResponseDecodeError struct {
	Endpoint   string
	StatusCode int
	Cause      error
}

func (e *ResponseDecodeError) Error() string {
	return fmt.Sprintf("vtrealtime: %s returned %d with an undecodable body: %v", e.Endpoint, e.StatusCode, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ResponseDecodeError) Unwrap() error {
	return e.Cause
}

// AuthorizationError is recorded when the server rejects the authorize handshake.
// The connection is closed and the same token is not retried.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("vtrealtime: authorization rejected: %s", e.Reason)
}

// Is implements error matching for AuthorizationError.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// Helper functions for creating specific errors

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(url, operation string, cause error) *ConnectionError {
	return &ConnectionError{
		URL:       url,
		Operation: operation,
		Cause:     cause,
	}
}

// NewSendError creates a new send error.
func NewSendError(messageType string, cause error) *SendError {
	return &SendError{
		MessageType: messageType,
		Cause:       cause,
	}
}

// NewEventError creates a new event processing error.
func NewEventError(eventType string, rawData []byte, cause error) *EventError {
	return &EventError{
		EventType: eventType,
		RawData:   rawData,
		Cause:     cause,
	}
}

// NewAudioDecodeError creates a new audio decode error.
func NewAudioDecodeError(reason string, cause error) *AudioDecodeError {
	return &AudioDecodeError{Reason: reason, Cause: cause}
}

// isRetryableServiceError decides whether a collaborator call may be retried:
// 4xx and configuration errors are final, everything else is transient.
func isRetryableServiceError(err error) bool {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return false
	}
	var decodeErr *ResponseDecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.IsClientError()
	}
	return !errors.Is(err, ErrCircuitOpen)
}
