package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned without invoking the call while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned when half-open probes are exhausted.
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker. Zero values select defaults.
type Settings struct {
	// Probes is how many calls half-open admits, and how many must succeed to close.
	Probes uint32
	// Window clears closed-state counts on this period.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Trip decides whether the counts warrant opening.
	Trip func(counts Counts) bool
	// Failure classifies a call error. Nil errors are always successes.
	Failure func(err error) bool
	// OnTransition observes state changes. Called with the lock held; keep it short.
	OnTransition func(name string, from, to State)
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Counts holds per-window statistics.
type Counts struct {
	Calls                uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards an upstream with the circuit breaker pattern.
type Breaker struct {
	name string
	cfg  Settings

	mu     sync.Mutex
	state  State
	counts Counts
	epoch  uint64
	until  time.Time
}

// New creates a breaker in the closed state.
func New(name string, cfg Settings) *Breaker {
	if cfg.Probes == 0 {
		cfg.Probes = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Trip == nil {
		cfg.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if cfg.Failure == nil {
		cfg.Failure = func(error) bool { return true }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &Breaker{name: name, cfg: cfg, state: StateClosed}
	b.until = cfg.Now().Add(cfg.Window)
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// State reports the state as of now, applying any due transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(b.cfg.Now())
}

// Counts returns a copy of the current window's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow admits a call. The returned done must be invoked exactly once with
// the call's error.
func (b *Breaker) Allow() (done func(err error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance(b.cfg.Now()) {
	case StateOpen:
		return nil, ErrOpen
	case StateHalfOpen:
		if b.counts.Calls >= b.cfg.Probes {
			return nil, ErrProbeLimit
		}
	}
	b.counts.Calls++

	epoch := b.epoch
	return func(err error) { b.record(epoch, err) }, nil
}

// Call runs fn through the breaker.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	done, err := b.Allow()
	if err != nil {
		return zero, err
	}

	finished := false
	defer func() {
		if !finished {
			done(errors.New("panic"))
		}
	}()

	result, err := fn()
	finished = true
	done(err)
	return result, err
}

func (b *Breaker) record(epoch uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	state := b.advance(now)
	if epoch != b.epoch {
		return
	}

	if err == nil || !b.cfg.Failure(err) {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.Probes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.cfg.Trip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// advance applies time-based transitions. Caller holds mu.
func (b *Breaker) advance(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.until) {
			b.counts = Counts{}
			b.epoch++
			b.until = now.Add(b.cfg.Window)
		}
	case StateOpen:
		if now.After(b.until) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.counts = Counts{}
	b.epoch++

	switch to {
	case StateClosed:
		b.until = now.Add(b.cfg.Window)
	case StateOpen:
		b.until = now.Add(b.cfg.Cooldown)
	case StateHalfOpen:
		b.until = time.Time{}
	}

	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.name, from, to)
	}
}
