package core

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Credentials holds API authentication material for one exchange.
// A Credentials value is owned by exactly one exchange client and is never
// shared across exchanges.
type Credentials struct {
	// APIKey is the public API key identifier.
	APIKey string `json:"api_key"`
	// SecretKey is the private key used for signing requests.
	SecretKey string `json:"secret_key"`
	// Passphrase is an additional credential required by some exchanges.
	Passphrase string `json:"passphrase,omitempty"`
}

// Valid reports whether the credentials carry the minimum signing material.
func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != "" && c.SecretKey != ""
}

// ClassLimit bounds one endpoint class of requests.
type ClassLimit struct {
	// Requests allowed per Period.
	Requests int `json:"requests" validate:"min=1"`
	// Period over which Requests is measured.
	Period time.Duration `json:"period" validate:"min=1ms"`
	// Burst allows short spikes above the sustained rate.
	Burst int `json:"burst" validate:"min=1"`
}

// Config contains all configuration for one exchange client: identity,
// credentials, networking, retry, rate-limit, streaming, and circuit breaker
// settings. Credential material is supplied by the caller, never hard-coded.
type Config struct {
	Exchange    string       `json:"exchange" validate:"required"`
	MarketType  MarketType   `json:"market_type"`
	Sandbox     bool         `json:"sandbox"`
	Credentials *Credentials `json:"credentials,omitempty"`

	// Timeout is the maximum duration for one HTTP attempt.
	Timeout time.Duration `json:"timeout" validate:"min=1ms"`
	// MaxRetries bounds the attempt count; MaxElapsed bounds total retry time.
	MaxRetries   int           `json:"max_retries" validate:"min=0"`
	MaxElapsed   time.Duration `json:"max_elapsed" validate:"min=0"`
	RetryWaitMin time.Duration `json:"retry_wait_min" validate:"min=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" validate:"min=0"`

	// RateLimits holds one independent bucket per endpoint class.
	RateLimits map[EndpointClass]ClassLimit `json:"rate_limits" validate:"required,dive"`

	// ReconnectBaseWait and ReconnectMaxWait shape websocket reconnect backoff.
	ReconnectBaseWait time.Duration `json:"reconnect_base_wait" validate:"min=0"`
	ReconnectMaxWait  time.Duration `json:"reconnect_max_wait" validate:"min=0"`
	// HeartbeatTimeout forces a reconnect when no frame of any kind arrives
	// within the window.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" validate:"min=0"`
	// StreamBufferSize is the per-subscriber buffer used during fan-out.
	StreamBufferSize int `json:"stream_buffer_size" validate:"min=1"`

	// DedupRetention bounds how long idempotency tokens are remembered when
	// duplicate-order protection is emulated locally.
	DedupRetention time.Duration `json:"dedup_retention" validate:"min=0"`

	// MarketRefreshInterval is how long the cached market catalog serves
	// before it is re-fetched.
	MarketRefreshInterval time.Duration `json:"market_refresh_interval" validate:"min=0"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config with sensible defaults for the specified
// exchange: 10s timeout, 3 retries inside a 30s budget, per-class rate
// limits, 1s-30s reconnect backoff, 30s heartbeat window.
func DefaultConfig(exchange string) *Config {
	return &Config{
		Exchange: exchange,
		Sandbox:  false,

		Timeout:      10 * time.Second,
		MaxRetries:   3,
		MaxElapsed:   30 * time.Second,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,

		RateLimits: map[EndpointClass]ClassLimit{
			ClassMarketData: {Requests: 1200, Period: time.Minute, Burst: 50},
			ClassTrading:    {Requests: 300, Period: time.Minute, Burst: 10},
			ClassAccount:    {Requests: 600, Period: time.Minute, Burst: 20},
		},

		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		StreamBufferSize:  256,

		DedupRetention: 10 * time.Minute,

		MarketRefreshInterval: time.Hour,

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks the config against its struct tags plus the invariants the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		return errors.New("RetryWaitMax must be >= RetryWaitMin")
	}
	if c.ReconnectMaxWait < c.ReconnectBaseWait {
		return errors.New("ReconnectMaxWait must be >= ReconnectBaseWait")
	}
	if c.Credentials != nil && !c.Credentials.Valid() {
		return errors.New("credentials must include both api key and secret")
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// WithCredentials sets the API credentials and returns the config for chaining.
func (c *Config) WithCredentials(creds *Credentials) *Config {
	c.Credentials = creds
	return c
}

// WithSandbox enables or disables sandbox mode and returns the config for chaining.
func (c *Config) WithSandbox(sandbox bool) *Config {
	c.Sandbox = sandbox
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithClassLimit overrides one endpoint class limit and returns the config
// for chaining.
func (c *Config) WithClassLimit(class EndpointClass, limit ClassLimit) *Config {
	if c.RateLimits == nil {
		c.RateLimits = make(map[EndpointClass]ClassLimit)
	}
	c.RateLimits[class] = limit
	return c
}
