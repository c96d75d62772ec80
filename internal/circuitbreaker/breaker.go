// Package circuitbreaker sheds load from a failing upstream dependency.
// After enough consecutive failures the breaker opens and calls fail fast
// without touching the upstream; after a cool-down a limited number of
// probe calls decide whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's condition.
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota
	// StateOpen fails every call without touching the upstream.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker. Zero values take the defaults.
type Config struct {
	// Name appears in state-change log lines.
	Name string
	// Trip is the consecutive-failure count that opens the breaker.
	// Default 5.
	Trip uint32
	// CoolDown is how long the breaker stays open before probing.
	// Default 30s.
	CoolDown time.Duration
	// Probes caps concurrent-window calls while half-open. Default 1.
	Probes uint32
	// Failure decides whether an error counts against the upstream.
	// Default: every non-nil error. Callers exclude errors that prove the
	// upstream answered, like a rejected credential.
	Failure func(error) bool
}

func (c *Config) fill() {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.Probes == 0 {
		c.Probes = 1
	}
	if c.Failure == nil {
		c.Failure = func(err error) bool { return err != nil }
	}
}

// Stats is a snapshot of the breaker's counters.
type Stats struct {
	State                State
	Calls                uint32
	Failures             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker guards calls to one upstream.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	calls      uint32
	failures   uint32
	consecFail uint32
	consecOK   uint32
	reopenAt   time.Time
}

// New builds a breaker from cfg.
func New(cfg Config) *Breaker {
	cfg.fill()
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. The error of fn passes through
// untouched; ErrOpen means fn never ran.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	callErr := fn()
	b.after(gen, b.cfg.Failure(callErr))
	return callErr
}

// State reports the current state, honoring the cool-down clock.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.current(time.Now())
	return s
}

// Snapshot returns the counters of the current generation.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.current(time.Now())
	return Stats{
		State:                s,
		Calls:                b.calls,
		Failures:             b.failures,
		ConsecutiveFailures:  b.consecFail,
		ConsecutiveSuccesses: b.consecOK,
	}
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.current(now)
	switch state {
	case StateOpen:
		return gen, ErrOpen
	case StateHalfOpen:
		if b.calls >= b.cfg.Probes {
			return gen, ErrOpen
		}
	}
	b.calls++
	return gen, nil
}

// after records an outcome. A result from a previous generation is dropped:
// the state machine already moved on and the counters belong to the new
// window.
func (b *Breaker) after(gen uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, cur := b.current(now)
	if gen != cur {
		return
	}

	if failed {
		b.failures++
		b.consecFail++
		b.consecOK = 0
		if state == StateHalfOpen || b.consecFail >= b.cfg.Trip {
			b.setState(StateOpen, now)
		}
		return
	}

	b.consecOK++
	b.consecFail = 0
	if state == StateHalfOpen && b.consecOK >= b.cfg.Probes {
		b.setState(StateClosed, now)
	}
}

// current resolves the state at now, flipping open to half-open once the
// cool-down elapsed.
func (b *Breaker) current(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.After(b.reopenAt) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(s State, now time.Time) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.generation++
	b.calls = 0
	b.failures = 0
	b.consecFail = 0
	b.consecOK = 0
	level := slog.LevelInfo
	if s == StateOpen {
		b.reopenAt = now.Add(b.cfg.CoolDown)
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", b.cfg.Name, "from", prev.String(), "to", s.String())
}
