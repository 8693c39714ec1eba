package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream failed")

func run(b *Breaker, fail bool) error {
	_, err := Call(b, func() (int, error) {
		if fail {
			return 0, errUpstream
		}
		return 1, nil
	})
	return err
}

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name     string
		calls    []bool // true = failure
		expected State
	}{
		{"stays closed on successes", []bool{false, false, false}, StateClosed},
		{"stays closed below threshold", []bool{true, true}, StateClosed},
		{"opens at threshold", []bool{true, true, true}, StateOpen},
		{"success resets streak", []bool{true, true, false, true, true}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", Settings{
				Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
			})
			for _, fail := range tt.calls {
				_ = run(b, fail)
			}
			assert.Equal(t, tt.expected, b.State())
		})
	}
}

func TestBreakerOpenRejects(t *testing.T) {
	clock := newFakeClock()
	b := New("test", Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Now:      clock.Now,
	})

	require.ErrorIs(t, run(b, true), errUpstream)
	require.Equal(t, StateOpen, b.State())

	called := false
	_, err := Call(b, func() (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("test", Settings{
		Probes:   2,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Now:      clock.Now,
		OnTransition: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = run(b, true)
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, run(b, false))
	require.NoError(t, run(b, false))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("test", Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Now:      clock.Now,
	})

	_ = run(b, true)
	clock.Advance(2 * time.Second)
	_ = run(b, true)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerProbeLimit(t *testing.T) {
	clock := newFakeClock()
	b := New("test", Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Now:      clock.Now,
	})

	_ = run(b, true)
	clock.Advance(2 * time.Second)

	done, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrProbeLimit)

	done(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailureClassifier(t *testing.T) {
	b := New("test", Settings{
		Trip:    func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Failure: func(err error) bool { return !errors.Is(err, context.Canceled) },
	})

	_, err := Call(b, func() (int, error) { return 0, context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Successes)
}

func TestBreakerWindowResetsCounts(t *testing.T) {
	clock := newFakeClock()
	b := New("test", Settings{
		Window: time.Minute,
		Trip:   func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		Now:    clock.Now,
	})

	_ = run(b, true)
	clock.Advance(2 * time.Minute)
	_ = run(b, true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Failures)
}

func TestBreakerConcurrent(t *testing.T) {
	b := New("test", Settings{Trip: func(Counts) bool { return false }})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = run(b, i%2 == 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint32(50), b.Counts().Calls)
}
