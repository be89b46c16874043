// Package circuit stops sending requests to a remote that keeps failing.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/boxfs/pkg/errors"
)

// State of a Breaker.
type State int

const (
	// StateClosed lets every request through.
	StateClosed State = iota
	// StateOpen rejects requests until Config.Timeout has passed.
	StateOpen
	// StateHalfOpen lets Config.MaxRequests probes through to see whether the
	// remote recovered.
	StateHalfOpen
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

// Config configures a Breaker. Zero values get defaults.
type Config struct {
	// Probes allowed while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// How often counts are cleared while closed.
	Interval time.Duration `yaml:"interval"`

	// How long the breaker stays open.
	Timeout time.Duration `yaml:"timeout"`

	ReadyToTrip   func(counts Counts) bool                 `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether an error counts against the remote.
	IsSuccessful func(err error) bool `yaml:"-"`

	Now func() time.Time `yaml:"-"`
}

// Counts are cleared on every state change and every Interval while closed.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Stats is a point-in-time view of a Breaker.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Breaker guards calls to one remote. It is safe for concurrent use.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New returns a closed breaker.
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: config.Now().Add(config.Interval),
	}
}

func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 20 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

// defaultIsSuccessful treats answers about the namespace (not found, conflict,
// permission) as successful round trips. Only transient and fatal errors say
// something about the health of the remote.
func defaultIsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	switch errors.GetCategory(errors.CodeOf(err)) {
	case errors.CategoryTransient, errors.CategoryFatal:
		return false
	default:
		return true
	}
}

// Do runs fn unless the breaker is open or its half-open probes are used up.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.report(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrOpen(b.name)
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxRequests {
			return ErrTooManyRequests(b.name)
		}
	}
	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// Snapshot returns the current state and counts.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.config.Now())
	return Stats{Name: b.name, State: state, Counts: b.counts}
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	b.counts = Counts{}
	b.expiry = now.Add(b.config.Interval)
	b.setState(StateClosed, now)
}

func (b *Breaker) Name() string {
	return b.name
}

// ErrOpen is returned while the breaker is open. It is transient but not
// retryable: retrying against an open circuit only burns attempts.
func ErrOpen(name string) *errors.FSError {
	e := errors.Transient("circuit breaker is open", nil).
		WithComponent("circuit").
		WithDetail("breaker", name)
	e.Retryable = false
	return e
}

// ErrTooManyRequests is returned when the half-open probes are used up.
func ErrTooManyRequests(name string) *errors.FSError {
	e := errors.Transient("too many requests in half-open state", nil).
		WithComponent("circuit").
		WithDetail("breaker", name)
	e.Retryable = false
	return e
}
