package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies a failure into the category callers branch on.
// The categories are uniform across transport, exchange, and protocol layers
// so retry decisions never depend on which exchange produced the error.
type ErrorType int

// Error type constants categorize errors for retry and abort decisions.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransport indicates a network-level failure. Retryable.
	ErrorTypeTransport
	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeRateLimit indicates the rate limit was exceeded. Retryable after a delay.
	ErrorTypeRateLimit
	// ErrorTypeAuth indicates invalid or expired credentials. Fatal.
	ErrorTypeAuth
	// ErrorTypeRejected indicates the exchange refused the request, e.g.
	// invalid order parameters or insufficient balance. Fatal for that request.
	ErrorTypeRejected
	// ErrorTypeProtocol indicates a malformed or unparseable response,
	// meaning the adapter and exchange disagree about the wire format. Fatal.
	ErrorTypeProtocol
	// ErrorTypeSequenceGap indicates a missing order-book sequence number.
	// It is resolved internally by resynchronization and only surfaces when
	// resynchronization itself fails.
	ErrorTypeSequenceGap
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	return [...]string{
		"UNKNOWN",
		"TRANSPORT",
		"TIMEOUT",
		"RATE_LIMIT",
		"AUTH",
		"REJECTED",
		"PROTOCOL",
		"SEQUENCE_GAP",
	}[t]
}

// Retryable reports whether a failure of this type may succeed on retry.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	}
	return false
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrStreamClosed is returned when attempting to use a closed stream.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrNotConnected is returned when the websocket is not connected.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrCircuitBreakerOpen is returned when the circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrNoCredentials is returned when no API credentials are configured.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrNoAPIKey is returned when no API key is available.
	ErrNoAPIKey = errors.New("no available API key")
	// ErrRetryBudgetExhausted is returned when every retry attempt failed.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// ExchangeError is a classified failure with enough context for the caller
// to decide between retry and abort: which exchange, which operation, the
// taxonomy type, and the exchange's own code when one was returned.
type ExchangeError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code from the response, if any.
	StatusCode int `json:"status_code"`
	// Code is the exchange-specific error code.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Exchange identifies which exchange produced this error.
	Exchange string `json:"exchange"`
	// Op names the operation that failed.
	Op Operation `json:"op"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
	// RetryAfter is the wait the server asked for before the next attempt,
	// when it said. Zero means no preference was expressed.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface for ExchangeError.
func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s %s (%d/%s): %s",
			e.Exchange, e.Op, e.Type, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s %s (%d): %s",
		e.Exchange, e.Op, e.Type, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error's classification permits a retry.
func (e *ExchangeError) Retryable() bool {
	return e.Type.Retryable()
}

// WithOp returns the error with the failed operation recorded.
func (e *ExchangeError) WithOp(op Operation) *ExchangeError {
	e.Op = op
	return e
}

// WithCode returns the error with the exchange-specific code recorded.
func (e *ExchangeError) WithCode(code string) *ExchangeError {
	e.Code = code
	return e
}

// WithCause returns the error with its underlying cause recorded.
func (e *ExchangeError) WithCause(err error) *ExchangeError {
	e.Err = err
	return e
}

// NewExchangeError creates a classified error for the given exchange.
// The timestamp is set to the current time.
func NewExchangeError(exchange string, errorType ErrorType, statusCode int, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

// TypeOf returns the taxonomy type of err, or ErrorTypeUnknown when err is
// not a classified exchange error.
func TypeOf(err error) ErrorType {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is a classified error of the given type.
func IsType(err error, t ErrorType) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && exErr.Type == t
}

// IsRetryable reports whether err may succeed on retry. Unclassified errors
// are treated as not retryable so unknown failures are never looped on.
func IsRetryable(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && exErr.Retryable()
}

// IsTransportError returns true if the error is a network-level failure.
func IsTransportError(err error) bool {
	return IsType(err, ErrorTypeTransport)
}

// IsTimeoutError returns true if the error is a timeout.
func IsTimeoutError(err error) bool {
	return IsType(err, ErrorTypeTimeout)
}

// IsRateLimitError returns true if the error is a rate limit violation.
func IsRateLimitError(err error) bool {
	return IsType(err, ErrorTypeRateLimit)
}

// IsAuthError returns true if the error is an authentication failure.
// Authentication errors require credential changes and are never retried.
func IsAuthError(err error) bool {
	return IsType(err, ErrorTypeAuth)
}

// IsRejected returns true if the exchange refused the request.
func IsRejected(err error) bool {
	return IsType(err, ErrorTypeRejected)
}

// IsProtocolError returns true if the response could not be interpreted.
func IsProtocolError(err error) bool {
	return IsType(err, ErrorTypeProtocol)
}

// IsSequenceGap returns true if the error marks a missing book sequence.
func IsSequenceGap(err error) bool {
	return IsType(err, ErrorTypeSequenceGap)
}
