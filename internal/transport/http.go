// Package transport issues authenticated HTTP requests against one
// exchange: rate-limit admission, signing, execution, retry with backoff,
// and error classification, all decoupled from any exchange's schema.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"tradewire/internal/circuitbreaker"
	"tradewire/internal/ratelimit"
	"tradewire/pkg/core"
)

// SignFunc attaches authentication material to an outgoing request. The
// adapter supplies it, closing over its signer, so the transport never
// touches credential state directly. The logical request is passed along
// because some exchanges sign over the method, path, and body, which are
// not yet set on the resty request at signing time.
type SignFunc func(r *resty.Request, req *core.Request) error

// Transport executes logical requests for one exchange. The pipeline per
// attempt is: rate-limit admission, circuit-breaker check, signing (for
// authenticated requests), HTTP execution, classification. Retryable
// failures loop through the backoff state machine; the idempotency token on
// the request is reused verbatim on every attempt.
type Transport struct {
	client   *resty.Client
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	policy   RetryPolicy
	exchange string
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Config holds transport construction parameters.
type Config struct {
	BaseURL  string
	Exchange string
	Timeout  time.Duration
	Policy   RetryPolicy
	Headers  map[string]string
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithLimiter installs the per-class rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(t *Transport) { t.limiter = l }
}

// WithBreaker installs the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(t *Transport) { t.breaker = b }
}

// WithLogger installs the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Transport for one exchange. JSON is encoded and decoded
// with sonic so decimal fields survive the wire byte-for-byte.
func New(config Config, opts ...Option) *Transport {
	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(config.Timeout)
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})
	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	policy := config.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	t := &Transport{
		client:   client,
		policy:   policy,
		exchange: config.Exchange,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do executes one logical request, retrying retryable failures until the
// policy's budget is spent. Cancellation abandons the in-flight attempt
// without retrying. The returned error, if any, is always classified.
func (t *Transport) Do(ctx context.Context, req *core.Request, sign SignFunc) (*resty.Response, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, core.ErrClientClosed
	}
	t.mu.RUnlock()

	backoff := NewBackoff(t.policy)

	for {
		resp, err := t.attempt(ctx, req, sign)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil || !core.IsRetryable(err) {
			return nil, err
		}

		delay, ok := backoff.Next()
		if !ok {
			return nil, core.NewExchangeError(t.exchange, core.TypeOf(err), statusOf(err),
				fmt.Sprintf("%s after %d attempts: %s", core.ErrRetryBudgetExhausted, backoff.Attempt(), err)).
				WithOp(req.Op).WithCause(err)
		}

		// A server-stated Retry-After overrides a shorter computed backoff,
		// capped at the policy's maximum wait.
		if ra := retryAfterOf(err); ra > delay {
			delay = ra
			if t.policy.MaxWait > 0 && delay > t.policy.MaxWait {
				delay = t.policy.MaxWait
			}
		}

		t.logger.Warn().
			Err(err).
			Str("path", req.Path).
			Int("attempt", backoff.Attempt()).
			Dur("delay", delay).
			Msg("retrying request")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ClassifyNetErr(t.exchange, req.Op, ctx.Err())
		}
	}
}

func (t *Transport) attempt(ctx context.Context, req *core.Request, sign SignFunc) (*resty.Response, error) {
	op := req.Op

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, req.Class, req.Weight); err != nil {
			return nil, ClassifyNetErr(t.exchange, op, err)
		}
	}

	if t.breaker != nil && !t.breaker.Allow() {
		return nil, core.NewExchangeError(t.exchange, core.ErrorTypeTransport, 0,
			core.ErrCircuitBreakerOpen.Error()).WithOp(op).WithCause(core.ErrCircuitBreakerOpen)
	}

	r := t.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	for k, v := range req.Query {
		r.SetQueryParam(k, fmt.Sprint(v))
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	if req.RequireAuth {
		if sign == nil {
			return nil, core.NewExchangeError(t.exchange, core.ErrorTypeAuth, 0,
				core.ErrNoCredentials.Error()).WithOp(op).WithCause(core.ErrNoCredentials)
		}
		if err := sign(r, req); err != nil {
			// Signing failures mean malformed credentials; never retried.
			return nil, core.NewExchangeError(t.exchange, core.ErrorTypeAuth, 0,
				err.Error()).WithOp(op).WithCause(err)
		}
	}

	resp, err := t.execute(r, req.Method, req.Path)

	if t.breaker != nil {
		t.breaker.Record(err == nil && (resp == nil || resp.StatusCode() < 500))
	}

	if err != nil {
		t.logger.Debug().Err(err).Str("method", req.Method).Str("path", req.Path).
			Msg("http attempt failed")
		return nil, ClassifyNetErr(t.exchange, op, err)
	}

	t.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode()).
		Int("size", len(resp.Bytes())).
		Msg("http response")

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, ClassifyResponse(t.exchange, op, resp)
	}
	return resp, nil
}

func (t *Transport) execute(r *resty.Request, method, path string) (*resty.Response, error) {
	switch method {
	case http.MethodGet:
		return r.Get(path)
	case http.MethodPost:
		return r.Post(path)
	case http.MethodPut:
		return r.Put(path)
	case http.MethodDelete:
		return r.Delete(path)
	default:
		return nil, fmt.Errorf("unsupported http method: %s", method)
	}
}

// Close releases the underlying HTTP client. Subsequent calls to Do return
// ErrClientClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// Client exposes the underlying resty client for adapter-level needs such
// as building signed requests directly.
func (t *Transport) Client() *resty.Client {
	return t.client
}

func retryAfterOf(err error) time.Duration {
	var exErr *core.ExchangeError
	if errors.As(err, &exErr) {
		return exErr.RetryAfter
	}
	return 0
}

func statusOf(err error) int {
	var exErr *core.ExchangeError
	if errors.As(err, &exErr) {
		return exErr.StatusCode
	}
	return 0
}
