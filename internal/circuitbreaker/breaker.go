// Package circuitbreaker implements the circuit breaker pattern guarding
// calls to the Classifier and Generator collaborators (spec.md §4.3):
// protection against cascading failures when an upstream service degrades.
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
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen               // Testing if service recovered
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

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker.
	Name string

	// MaxRequests is the maximum number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period in closed state for clearing counts.
	Interval time.Duration

	// Timeout is the period of open state before switching to half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails
	// in closed state. If it returns true, the breaker trips to open.
	ReadyToTrip func(counts Counts) bool

	// Clock lets tests pin time instead of wall clock time.Now.
	Clock func() time.Time
}

// DefaultClassifierConfig matches spec.md §4.3: trip once a rolling window
// of at least 5 calls sees a failure ratio over 50%, cool down for 30s
// before letting one trial request through.
func DefaultClassifierConfig() *Config {
	return &Config{
		Name:        "classifier",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
	}
}

// DefaultGeneratorConfig mirrors the classifier default; art generation is
// lower-stakes (a failure just leaves a species without art, see
// NoteArtUnavailable) but still benefits from fast-failing a flapping
// generator instead of queuing every capture behind its timeout.
func DefaultGeneratorConfig() *Config {
	cfg := *DefaultClassifierConfig()
	cfg.Name = "generator"
	return &cfg
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Clear resets all counts.
func (c *Counts) Clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
}

// OnSuccess records a successful request. Requests is not touched here: it
// is counted once, when beforeRequest admits the request.
func (c *Counts) OnSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed request (Requests is counted by beforeRequest).
func (c *Counts) OnFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	cfg   *Config
	clock func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a new circuit breaker.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultClassifierConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &CircuitBreaker{
		cfg:           cfg,
		clock:         clock,
		state:         StateClosed,
		lastStateTime: clock(),
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.clock())
	return state
}

// Counts returns the current counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs the given function if the circuit breaker allows, recording
// the outcome. The generic result type lets one breaker guard calls
// returning any concrete type without the caller boxing into interface{}.
func Execute[T any](cb *CircuitBreaker, req func() (T, error)) (T, error) {
	var zero T

	generation, err := cb.beforeRequest()
	if err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, err == nil)
	return result, err
}

// ExecuteContext is Execute for functions that take a context.
func ExecuteContext[T any](ctx context.Context, cb *CircuitBreaker, req func(context.Context) (T, error)) (T, error) {
	var zero T

	generation, err := cb.beforeRequest()
	if err != nil {
		return zero, err
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

// Allow checks if a request is allowed without executing anything or
// counting a request, for callers that want to skip an upstream call
// entirely.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.clock())

	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
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

	now := cb.clock()
	state, currentGeneration := cb.currentState(now)

	if generation != currentGeneration {
		return // stale result from a prior generation, ignore
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
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure()
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

	prevState := cb.state
	cb.state = state
	cb.lastStateTime = now

	cb.toNewGeneration(now)

	slog.Info("circuit breaker state change", "breaker", cb.cfg.Name, "from", prevState.String(), "to", state.String())
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()

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

// ============================================================================
// MANAGER
// ============================================================================

// Manager keeps the Classifier and Generator breakers (the only two the
// Coordinator needs) alongside any ad-hoc ones tests register.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a Manager pre-populated with the classifier and
// generator breakers per spec.md §4.3.
func NewManager() *Manager {
	m := &Manager{breakers: make(map[string]*CircuitBreaker)}
	m.GetOrCreate("classifier", DefaultClassifierConfig())
	m.GetOrCreate("generator", DefaultGeneratorConfig())
	return m
}

// Get returns a circuit breaker by name, creating it with classifier
// defaults if it does not exist yet.
func (m *Manager) Get(name string) *CircuitBreaker {
	return m.GetOrCreate(name, nil)
}

// GetOrCreate returns an existing circuit breaker or creates one with cfg.
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		def := *DefaultClassifierConfig()
		cfg = &def
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Classifier returns the classifier breaker.
func (m *Manager) Classifier() *CircuitBreaker { return m.Get("classifier") }

// Generator returns the generator breaker.
func (m *Manager) Generator() *CircuitBreaker { return m.Get("generator") }

// Stats returns a State snapshot per breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = Stats{Name: name, State: cb.State(), Counts: cb.Counts()}
	}
	return stats
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name   string
	State  State
	Counts Counts
}

// HealthStatus reports "healthy" unless any breaker is open.
func (m *Manager) HealthStatus() (string, map[string]string) {
	stats := m.Stats()
	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "healthy", statuses
	}
	return "degraded", statuses
}
