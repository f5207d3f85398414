// Package envelope reduces an inbound HTTP request to the attributes the
// detection pipeline is allowed to see, plus a per-request scratch map for
// cross-component state within a single request lifecycle.
package envelope

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Header is a case-insensitive view over request headers. The zero value
// wraps a nil header set and behaves as empty.
type Header http.Header

// Get returns the first value for key, case-insensitively.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return http.Header(h).Get(key)
}

// Request is the reduced external request passed to the orchestrator and
// every detector. Detectors MUST NOT mutate it (§4.2).
type Request struct {
	ID            string
	Method        string
	Path          string
	Headers       Header
	RemoteIP      string
	AuthUser      string
	Authenticated bool

	ctx     context.Context
	scratch *Scratch
}

// New builds a Request snapshot from an *http.Request. id should be a
// stable per-request identifier (typically a UUID minted by the caller).
func New(ctx context.Context, r *http.Request, id, remoteIP string) *Request {
	return &Request{
		ID:       id,
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  Header(r.Header.Clone()),
		RemoteIP: remoteIP,
		ctx:      ctx,
		scratch:  NewScratch(),
	}
}

// Context returns the per-request cancellation context.
func (r *Request) Context() context.Context { return r.ctx }

// Scratch returns the per-request scratch map for downstream middleware and
// handlers (§6 "Request scratch keys").
func (r *Request) Scratch() *Scratch { return r.scratch }

// PathExtension returns the lower-cased extension of Path, including the
// leading dot, or "" if the path has none.
func (r *Request) PathExtension() string {
	seg := r.Path
	if idx := strings.LastIndexByte(seg, '/'); idx >= 0 {
		seg = seg[idx+1:]
	}
	dot := strings.LastIndexByte(seg, '.')
	if dot < 0 {
		return ""
	}
	return strings.ToLower(seg[dot:])
}

// Scratch is a concurrency-safe string-keyed bag used to pass values between
// the middleware, the orchestrator, and downstream handlers within the
// lifetime of a single request. Stable keys are declared in
// internal/middleware as the public scratch-key vocabulary (§6).
type Scratch struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewScratch returns an empty scratch map.
func NewScratch() *Scratch {
	return &Scratch{vals: make(map[string]any, 8)}
}

// Set stores value under key, overwriting any previous value.
func (s *Scratch) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
}

// Get returns the value stored under key, if any.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok
}
