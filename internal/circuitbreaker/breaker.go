// Package circuitbreaker implements the per-detector circuit breaker
// described in spec §4.1: a rolling failure counter plus cooldown that
// gates detector invocation so a single flaky external collaborator cannot
// eat into every request's latency budget.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // testing if the detector has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Observer receives circuit-breaker lifecycle notifications. A Manager
// forwards every trip/recovery through it, letting a host process feed
// Prometheus counters and the cluster event bus (spec §2 step 6) without
// this package importing either — the same inversion the blackboard uses
// to keep detectors from writing straight into the aggregate cache (spec
// §9 "Cyclic references between caches and detectors").
type Observer interface {
	// OnTrip fires when a detector's breaker transitions to Open.
	OnTrip(detectorName string)
	// OnRecover fires when a detector's breaker transitions back to Closed
	// from Open or HalfOpen.
	OnRecover(detectorName string)
}

// Config holds circuit breaker configuration for one detector.
type Config struct {
	Name string

	// MaxRequests is the number of trial requests allowed in half-open state.
	MaxRequests uint32
	// Interval is the period in closed state after which counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trying half-open.
	Timeout time.Duration
	// ReadyToTrip is evaluated after each closed-state failure; true trips
	// the breaker open.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called whenever the state transitions.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns spec §4.1's suggested cooldown behaviour: trip when
// the failure rate over the last window exceeds 50% with at least 5 calls,
// cool down for 30s, then allow one trial call (half-open) before closing.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from State, to State) {
			slog.Warn("circuit breaker state change", "detector", name, "from", from, "to", to)
		},
	}
}

// ConfigForCategory tunes cooldown and trip sensitivity to a detector
// category's place in the wave-cost gradient (spec §2): wave-1 pattern
// matchers are cheap and noisy, so a trip should clear fast and require a
// real run of failures; wave-4 AI/LLM detectors are expensive and often
// fail together (a shared upstream model outage), so a single breaker
// should shed load harder and stay open longer before probing again.
func ConfigForCategory(name, category string) *Config {
	cfg := DefaultConfig(name)
	switch category {
	case "AI", "LLM":
		cfg.Timeout = 90 * time.Second
		cfg.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		}
	case "Behavioral", "Fingerprint":
		cfg.Interval = 30 * time.Second
		cfg.Timeout = 30 * time.Second
		cfg.ReadyToTrip = func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		}
	default:
		cfg.Timeout = 10 * time.Second
		cfg.ReadyToTrip = func(counts Counts) bool {
			return counts.Requests >= 10 && counts.FailureRatio() > 0.7
		}
	}
	return cfg
}

// Counts holds request/response counters for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns TotalFailures / Requests, or 0 if no requests yet.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker gates invocation of a single detector.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a circuit breaker. A nil cfg uses DefaultConfig("").
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, lastStateTime: time.Now()}
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, advancing generations as needed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow reports whether a call is currently permitted, without executing
// anything. The orchestrator uses this to decide, before invoking a
// detector, whether to skip it and record a "circuit-open" reason instead
// (spec §4.1).
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

// ExecuteContext runs req if the breaker allows it, recording the result.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, req func(context.Context) (any, error)) (any, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return // stale result from a previous generation
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.lastStateTime = now
	cb.toNewGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// Manager owns one circuit breaker per detector name, created lazily from a
// shared default config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
	observer Observer
}

// NewManager returns a Manager that creates breakers from defaultCfg (name
// is overridden per detector on creation).
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), cfg: defaultCfg}
}

// SetObserver registers the sink for trip/recover notifications. It must
// be called before any breaker is created (before the first Get or
// GetForCategory for a given name) — breakers capture the observer at
// construction time and do not pick up a later change.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Get returns the breaker for name, creating it from the default config on
// first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cfg := *m.cfg
	cfg.Name = name
	return m.newBreakerLocked(name, cfg)
}

// GetForCategory is like Get but, on first use, builds the breaker from
// ConfigForCategory(name, category) instead of the Manager's shared
// default, so detector categories with different failure profiles get
// independently tuned cooldowns.
func (m *Manager) GetForCategory(name, category string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	return m.newBreakerLocked(name, *ConfigForCategory(name, category))
}

// newBreakerLocked constructs and registers a breaker under cfg, wrapping
// cfg.OnStateChange so transitions also reach the Manager's observer, if
// any. Callers must hold m.mu.
func (m *Manager) newBreakerLocked(name string, cfg Config) *CircuitBreaker {
	inner := cfg.OnStateChange
	observer := m.observer
	cfg.OnStateChange = func(name string, from State, to State) {
		if inner != nil {
			inner(name, from, to)
		}
		if observer == nil {
			return
		}
		switch to {
		case StateOpen:
			observer.OnTrip(name)
		case StateClosed:
			observer.OnRecover(name)
		}
	}
	cb := New(&cfg)
	m.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker's state and counts, keyed by
// detector name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = Stats{Name: name, State: cb.State(), Counts: cb.Counts()}
	}
	return out
}

// Stats describes one breaker's observable state.
type Stats struct {
	Name   string
	State  State
	Counts Counts
}
