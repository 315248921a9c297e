package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"resty.dev/v3"

	"tradewire/pkg/core"
)

// errorBody matches the small set of error shapes exchanges commonly return,
// so the transport can attach a code and message without knowing any one
// exchange's schema. Adapters refine the classification when they know more.
type errorBody struct {
	Code    any    `json:"code"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// StatusType maps an HTTP status code to its taxonomy type.
func StatusType(status int) core.ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return core.ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ErrorTypeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.ErrorTypeTimeout
	case status >= 500:
		return core.ErrorTypeTransport
	case status >= 400:
		return core.ErrorTypeRejected
	default:
		return core.ErrorTypeUnknown
	}
}

// ClassifyNetErr converts a transport-level failure into a classified error.
// Context cancellation and deadlines become timeouts; everything else at
// this layer is a network failure.
func ClassifyNetErr(exchange string, op core.Operation, err error) *core.ExchangeError {
	t := core.ErrorTypeTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		t = core.ErrorTypeTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t = core.ErrorTypeTimeout
		}
	}
	return core.NewExchangeError(exchange, t, 0, err.Error()).WithOp(op).WithCause(err)
}

// ClassifyResponse converts a non-2xx HTTP response into a classified error,
// sniffing well-known error-body shapes for a code and message.
func ClassifyResponse(exchange string, op core.Operation, resp *resty.Response) *core.ExchangeError {
	status := resp.StatusCode()
	exErr := core.NewExchangeError(exchange, StatusType(status), status,
		fmt.Sprintf("HTTP error: %s", resp.Status())).WithOp(op)
	exErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))

	var body errorBody
	if err := sonic.Unmarshal(resp.Bytes(), &body); err != nil {
		return exErr
	}
	if body.Code != nil {
		exErr.Code = fmt.Sprint(body.Code)
	}
	switch {
	case body.Msg != "":
		exErr.Message = body.Msg
	case body.Message != "":
		exErr.Message = body.Message
	case body.Reason != "":
		exErr.Message = body.Reason
	}
	return exErr
}

// parseRetryAfter reads a Retry-After header value, which is either a whole
// number of seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
