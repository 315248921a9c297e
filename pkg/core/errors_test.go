package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		want      string
	}{
		{"unknown", ErrorTypeUnknown, "UNKNOWN"},
		{"transport", ErrorTypeTransport, "TRANSPORT"},
		{"timeout", ErrorTypeTimeout, "TIMEOUT"},
		{"rate_limit", ErrorTypeRateLimit, "RATE_LIMIT"},
		{"auth", ErrorTypeAuth, "AUTH"},
		{"rejected", ErrorTypeRejected, "REJECTED"},
		{"protocol", ErrorTypeProtocol, "PROTOCOL"},
		{"sequence_gap", ErrorTypeSequenceGap, "SEQUENCE_GAP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.errorType.String())
		})
	}
}

func TestErrorType_Retryable(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		retryable bool
	}{
		{"transport", ErrorTypeTransport, true},
		{"timeout", ErrorTypeTimeout, true},
		{"rate_limit", ErrorTypeRateLimit, true},
		{"auth", ErrorTypeAuth, false},
		{"rejected", ErrorTypeRejected, false},
		{"protocol", ErrorTypeProtocol, false},
		{"sequence_gap", ErrorTypeSequenceGap, false},
		{"unknown", ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.errorType.Retryable())
		})
	}
}

func TestExchangeError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ExchangeError
		want string
	}{
		{
			name: "without_code",
			err: &ExchangeError{
				Exchange:   "binance",
				Op:         OpGetTicker,
				Type:       ErrorTypeRateLimit,
				StatusCode: 429,
				Message:    "too many requests",
			},
			want: "[binance] GET_TICKER RATE_LIMIT (429): too many requests",
		},
		{
			name: "with_code",
			err: &ExchangeError{
				Exchange:   "binance",
				Op:         OpPlaceOrder,
				Type:       ErrorTypeRejected,
				StatusCode: 400,
				Code:       "-2010",
				Message:    "insufficient balance",
			},
			want: "[binance] PLACE_ORDER REJECTED (400/-2010): insufficient balance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNewExchangeError(t *testing.T) {
	err := NewExchangeError("binance", ErrorTypeTransport, 503, "service unavailable")

	require.NotNil(t, err)
	assert.Equal(t, "binance", err.Exchange)
	assert.Equal(t, ErrorTypeTransport, err.Type)
	assert.Equal(t, 503, err.StatusCode)
	assert.Equal(t, "service unavailable", err.Message)
	assert.False(t, err.Timestamp.IsZero())
}

func TestExchangeError_Chaining(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExchangeError("coinbase", ErrorTypeTransport, 0, "request failed").
		WithOp(OpGetBalance).
		WithCode("502").
		WithCause(cause)

	assert.Equal(t, OpGetBalance, err.Op)
	assert.Equal(t, "502", err.Code)
	assert.ErrorIs(t, err, cause)
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeAuth, TypeOf(NewExchangeError("test", ErrorTypeAuth, 401, "no")))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(nil))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		predicate func(error) bool
	}{
		{"transport", ErrorTypeTransport, IsTransportError},
		{"timeout", ErrorTypeTimeout, IsTimeoutError},
		{"rate_limit", ErrorTypeRateLimit, IsRateLimitError},
		{"auth", ErrorTypeAuth, IsAuthError},
		{"rejected", ErrorTypeRejected, IsRejected},
		{"protocol", ErrorTypeProtocol, IsProtocolError},
		{"sequence_gap", ErrorTypeSequenceGap, IsSequenceGap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match := NewExchangeError("test", tt.errorType, 0, "msg")
			other := NewExchangeError("test", ErrorTypeUnknown, 0, "msg")

			assert.True(t, tt.predicate(match))
			assert.False(t, tt.predicate(other))
			assert.False(t, tt.predicate(nil))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewExchangeError("test", ErrorTypeTimeout, 408, "slow")))
	assert.False(t, IsRetryable(NewExchangeError("test", ErrorTypeAuth, 401, "no")))
	// Unclassified failures must never be looped on.
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestPredicates_MatchWrappedErrors(t *testing.T) {
	inner := NewExchangeError("binance", ErrorTypeRateLimit, 429, "slow down")
	wrapped := NewExchangeError("binance", ErrorTypeTransport, 0, "attempt failed").WithCause(inner)

	// The outer classification wins; the inner one is still reachable.
	assert.True(t, IsTransportError(wrapped))
	var exErr *ExchangeError
	require.True(t, errors.As(wrapped.Err, &exErr))
	assert.Equal(t, ErrorTypeRateLimit, exErr.Type)
}
