package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradewire/pkg/core"
)

func TestStatusType(t *testing.T) {
	tests := []struct {
		status int
		want   core.ErrorType
	}{
		{429, core.ErrorTypeRateLimit},
		{401, core.ErrorTypeAuth},
		{403, core.ErrorTypeAuth},
		{408, core.ErrorTypeTimeout},
		{504, core.ErrorTypeTimeout},
		{500, core.ErrorTypeTransport},
		{502, core.ErrorTypeTransport},
		{400, core.ErrorTypeRejected},
		{404, core.ErrorTypeRejected},
		{422, core.ErrorTypeRejected},
		{200, core.ErrorTypeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusType(tt.status), "status %d", tt.status)
	}
}

func TestStatusType_RetryableAlignment(t *testing.T) {
	// 429 and 5xx retry; other 4xx never do.
	assert.True(t, StatusType(429).Retryable())
	assert.True(t, StatusType(500).Retryable())
	assert.False(t, StatusType(400).Retryable())
	assert.False(t, StatusType(401).Retryable())
	assert.False(t, StatusType(404).Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "2", 2 * time.Second},
		{"zero seconds", "0", 0},
		{"negative", "-5", 0},
		{"http date", time.Now().Add(3 * time.Second).UTC().Format(http.TimeFormat), 3 * time.Second},
		{"past date", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetryAfter(tt.value)
			// The date form is measured against the wall clock, so allow
			// slack below the nominal wait.
			assert.GreaterOrEqual(t, got, tt.want-time.Second)
			assert.LessOrEqual(t, got, tt.want)
		})
	}
}

func TestClassifyNetErr_ContextDeadline(t *testing.T) {
	err := ClassifyNetErr("binance", core.OpGetTicker, context.DeadlineExceeded)

	assert.Equal(t, core.ErrorTypeTimeout, err.Type)
	assert.Equal(t, "binance", err.Exchange)
	assert.Equal(t, core.OpGetTicker, err.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyNetErr_GenericNetwork(t *testing.T) {
	err := ClassifyNetErr("binance", core.OpPlaceOrder, assert.AnError)

	assert.Equal(t, core.ErrorTypeTransport, err.Type)
	assert.True(t, err.Retryable())
}
