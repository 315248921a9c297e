package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Valid(t *testing.T) {
	tests := []struct {
		name  string
		creds *Credentials
		want  bool
	}{
		{"nil", nil, false},
		{"empty", &Credentials{}, false},
		{"key only", &Credentials{APIKey: "k"}, false},
		{"secret only", &Credentials{SecretKey: "s"}, false},
		{"complete", &Credentials{APIKey: "k", SecretKey: "s"}, true},
		{"with passphrase", &Credentials{APIKey: "k", SecretKey: "s", Passphrase: "p"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.creds.Valid())
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("binance")

	assert.Equal(t, "binance", config.Exchange)
	assert.Equal(t, 10*time.Second, config.Timeout)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 30*time.Second, config.MaxElapsed)
	assert.Len(t, config.RateLimits, 3)
	assert.Equal(t, 256, config.StreamBufferSize)
	assert.Equal(t, 10*time.Minute, config.DedupRetention)
	assert.Equal(t, time.Hour, config.MarketRefreshInterval)
	assert.True(t, config.CircuitBreakerEnabled)

	require.NoError(t, config.Validate())
}

func TestConfig_Validate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing exchange", func(c *Config) { c.Exchange = "" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"no rate limits", func(c *Config) { c.RateLimits = nil }},
		{"zero period limit", func(c *Config) {
			c.RateLimits = map[EndpointClass]ClassLimit{
				ClassMarketData: {Requests: 10, Period: 0, Burst: 1},
			}
		}},
		{"retry wait inverted", func(c *Config) {
			c.RetryWaitMin = time.Second
			c.RetryWaitMax = time.Millisecond
		}},
		{"reconnect wait inverted", func(c *Config) {
			c.ReconnectBaseWait = time.Minute
			c.ReconnectMaxWait = time.Second
		}},
		{"half credentials", func(c *Config) { c.Credentials = &Credentials{APIKey: "k"} }},
		{"breaker enabled without thresholds", func(c *Config) {
			c.CircuitBreakerEnabled = true
			c.CircuitBreakerFailThreshold = 0
		}},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("binance")
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfig_Chaining(t *testing.T) {
	creds := &Credentials{APIKey: "k", SecretKey: "s"}
	config := DefaultConfig("coinbase").
		WithCredentials(creds).
		WithSandbox(true).
		WithTimeout(5 * time.Second).
		WithClassLimit(ClassTrading, ClassLimit{Requests: 5, Period: time.Second, Burst: 5})

	assert.Equal(t, creds, config.Credentials)
	assert.True(t, config.Sandbox)
	assert.Equal(t, 5*time.Second, config.Timeout)
	assert.Equal(t, 5, config.RateLimits[ClassTrading].Requests)

	require.NoError(t, config.Validate())
}
