package core

import (
	"context"

	"resty.dev/v3"
)

// Protocol defines the interface for exchange-specific protocol
// implementations. Each exchange implements this to handle request building,
// response parsing, and authentication. The transport stays exchange-agnostic
// by speaking only to this interface.
type Protocol interface {
	// Name returns the exchange identifier (e.g., "binance", "coinbase").
	Name() string

	// Version returns the API version being used.
	Version() string

	// BaseURL returns the API base URL for the given environment.
	// Sandbox mode returns the test environment URL when available.
	BaseURL(sandbox bool) string

	// BuildRequest constructs an HTTP request for the specified operation.
	// The params map contains operation-specific parameters.
	BuildRequest(ctx context.Context, op Operation, params Params) (*Request, error)

	// ParseResponse deserializes the HTTP response and normalizes it to
	// canonical types, or returns a classified error.
	ParseResponse(op Operation, resp *resty.Response) (any, error)

	// SignRequest adds authentication material to the outgoing resty
	// request. The logical request carries the method, path, and body for
	// exchanges whose signatures cover them.
	SignRequest(r *resty.Request, req *Request, creds Credentials) error

	// SupportedOperations returns the operations this protocol supports.
	SupportedOperations() []Operation

	// ClassLimits returns the per-endpoint-class rate limits the exchange
	// enforces, used to seed the limiter when the config does not override.
	ClassLimits() map[EndpointClass]ClassLimit
}
