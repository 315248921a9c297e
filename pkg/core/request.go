package core

import "maps"

// Params carries operation parameters before they are encoded onto a request.
type Params map[string]any

// Request is one logical exchange call, built by a protocol implementation
// and executed by the transport. It is exchange-agnostic: the protocol
// decides paths and parameter names, the transport decides admission,
// signing, and retries.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   Params            `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Op names the operation this request performs, carried for error
	// context and endpoint-class defaulting.
	Op Operation `json:"op"`
	// Weight is the request cost charged against the rate limit.
	Weight int `json:"weight"`
	// Class selects which rate-limit bucket admits the request.
	Class EndpointClass `json:"class"`
	// RequireAuth marks requests that must be signed before execution.
	RequireAuth bool `json:"require_auth"`
	// IdempotencyKey is the client-assigned token reused verbatim across
	// retries so a resubmitted order cannot execute twice.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// NewRequest creates a request for the given operation with a default
// weight of 1 and the operation's endpoint class.
func NewRequest(op Operation, method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Query:   make(Params),
		Headers: make(map[string]string),
		Op:      op,
		Weight:  1,
		Class:   op.Class(),
	}
}

// SetQuery sets a single query parameter and returns the request for chaining.
func (r *Request) SetQuery(key string, value any) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	r.Query[key] = value
	return r
}

// SetQueryParams merges params into the query and returns the request for chaining.
func (r *Request) SetQueryParams(params Params) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	maps.Copy(r.Query, params)
	return r
}

// SetBody sets the request body and returns the request for chaining.
func (r *Request) SetBody(body any) *Request {
	r.Body = body
	return r
}

// SetHeader sets a single header and returns the request for chaining.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// SetWeight sets the rate-limit cost and returns the request for chaining.
func (r *Request) SetWeight(weight int) *Request {
	r.Weight = weight
	return r
}

// SetClass sets the rate-limit endpoint class and returns the request for chaining.
func (r *Request) SetClass(class EndpointClass) *Request {
	r.Class = class
	return r
}

// SetRequireAuth marks whether the request must be signed and returns the
// request for chaining.
func (r *Request) SetRequireAuth(require bool) *Request {
	r.RequireAuth = require
	return r
}

// SetIdempotencyKey sets the client token and returns the request for chaining.
func (r *Request) SetIdempotencyKey(key string) *Request {
	r.IdempotencyKey = key
	return r
}
