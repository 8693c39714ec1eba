package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultMonitorInterval  = 2 * time.Minute
)

// Recorder observes validation results.
type Recorder interface {
	RecordSessionCheck(valid bool)
}

// Options configures a Guard.
type Options struct {
	RefreshThreshold time.Duration
	Logger           *zap.Logger
	Recorder         Recorder
	Now              func() time.Time
}

// Guard owns the session for one workspace and gates privileged calls.
type Guard struct {
	store     CredentialStore
	threshold time.Duration
	log       *zap.Logger
	recorder  Recorder
	now       func() time.Time
	refresh   singleflight.Group

	mu          sync.RWMutex
	state       State
	current     *Session
	epoch       uint64 // bumped on clear and Initialize; stale validations never adopt
	unsubscribe func()
}

// NewGuard creates a guard in the uninitialized state.
func NewGuard(store CredentialStore, opts Options) *Guard {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		store:     store,
		threshold: opts.RefreshThreshold,
		log:       opts.Logger,
		recorder:  opts.Recorder,
		now:       opts.Now,
		state:     StateUninitialized,
	}
}

// Initialize loads the stored credential and subscribes to store changes.
// It is the only way besides a signed-in notification to leave Invalid.
func (g *Guard) Initialize(ctx context.Context) State {
	g.mu.Lock()
	g.state = StateLoading
	g.epoch++
	subscribed := g.unsubscribe != nil
	g.mu.Unlock()

	if !subscribed {
		unsubscribe := g.store.Subscribe(g.HandleEvent)
		g.mu.Lock()
		g.unsubscribe = unsubscribe
		g.mu.Unlock()
	}

	g.Validate(ctx)
	return g.State()
}

// State returns the lifecycle state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// CurrentIdentity reports the identity of a valid session. It never blocks on I/O.
func (g *Guard) CurrentIdentity() (types.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != StateValid || g.current == nil {
		return "", false
	}
	return g.current.Identity, true
}

// Session returns a copy of the held session.
func (g *Guard) Session() (Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != StateValid || g.current == nil {
		return Session{}, false
	}
	return *g.current, true
}

// Validate confirms a live credential, refreshing it when it is close to expiry.
func (g *Guard) Validate(ctx context.Context) bool {
	valid := g.validate(ctx)
	if g.recorder != nil {
		g.recorder.RecordSessionCheck(valid)
	}
	return valid
}

func (g *Guard) validate(ctx context.Context) bool {
	epoch, ok := g.begin()
	if !ok {
		return false
	}

	sess, err := g.store.GetSession(ctx)
	switch {
	case errors.Is(err, ErrCredentialMissing):
		g.log.Info("credential rejected by store, clearing session")
		g.clear()
		return false
	case err != nil:
		// Transient read failure: refuse the call, keep what we have.
		g.log.Warn("session read failed", zap.Error(err))
		g.settleLoading()
		return false
	case sess == nil:
		g.clear()
		return false
	}

	if sess.Remaining(g.now()) < g.threshold {
		refreshed, err := g.refreshOnce(ctx, sess.RefreshToken)
		if err != nil && ctx.Err() != nil {
			// The caller went away; the credential itself is not in question.
			g.log.Debug("session refresh abandoned", zap.Error(err))
			g.settleLoading()
			return false
		}
		if err != nil {
			g.log.Warn("session refresh failed",
				zap.String("identity", sess.Identity.String()),
				zap.Error(err))
			g.clear()
			return false
		}
		sess = refreshed
	}

	if !sess.ExpiresAt.After(g.now()) {
		g.clear()
		return false
	}

	return g.adoptAt(sess, epoch)
}

// begin reports the current epoch, or false when the guard is Invalid.
func (g *Guard) begin() (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch, g.state != StateInvalid
}

// refreshOnce refreshes with at most one retry. Concurrent callers share a
// request, which outlives any single caller's cancellation.
func (g *Guard) refreshOnce(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("refresh: %w", ErrCredentialMissing)
	}
	shared := context.WithoutCancel(ctx)
	ch := g.refresh.DoChan(token, func() (interface{}, error) {
		sess, err := g.store.RefreshSession(shared, token)
		if err == nil && sess != nil {
			return sess, nil
		}
		if errors.Is(err, ErrCredentialMissing) {
			return nil, refreshErr(err)
		}
		g.log.Debug("retrying session refresh", zap.Error(err))
		sess, err = g.store.RefreshSession(shared, token)
		if err == nil && sess != nil {
			return sess, nil
		}
		return nil, refreshErr(err)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func refreshErr(err error) error {
	if err == nil {
		err = ErrCredentialMissing
	}
	return fmt.Errorf("refresh: %w", err)
}

// WithValidSession runs op with a session copy only if Validate succeeds.
func (g *Guard) WithValidSession(ctx context.Context, op func(ctx context.Context, sess Session) error) error {
	if !g.Validate(ctx) {
		return ErrSessionInvalid
	}
	sess, ok := g.Session()
	if !ok {
		return ErrSessionInvalid
	}
	return op(ctx, sess)
}

// SignOut clears local state immediately and revokes in the background.
// The channel yields the revocation result and is then closed.
func (g *Guard) SignOut() <-chan error {
	g.clear()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.store.SignOut(ctx); err != nil {
			g.log.Warn("credential revocation failed", zap.Error(err))
			done <- err
		}
	}()
	return done
}

// HandleEvent applies a credential store notification. Only a sign-in
// revives an Invalid guard.
func (g *Guard) HandleEvent(ev Event) {
	if ev.Kind == EventSignedOut || ev.Session == nil {
		g.clear()
		return
	}
	cp := *ev.Session
	g.mu.Lock()
	if ev.Kind == EventSignedIn || g.state != StateInvalid {
		g.current = &cp
		g.state = StateValid
	}
	g.mu.Unlock()
}

// Monitor runs Validate every interval until ctx ends.
func (g *Guard) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.State() == StateValid && !g.Validate(ctx) {
				g.log.Info("session no longer valid")
			}
		}
	}
}

// Close stops store notifications.
func (g *Guard) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// adoptAt installs sess unless the guard was cleared or reinitialized since epoch.
func (g *Guard) adoptAt(sess *Session, epoch uint64) bool {
	cp := *sess
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch != epoch || g.state == StateInvalid {
		return false
	}
	g.current = &cp
	g.state = StateValid
	return true
}

func (g *Guard) clear() {
	g.mu.Lock()
	g.current = nil
	g.state = StateInvalid
	g.epoch++
	g.mu.Unlock()
}

func (g *Guard) settleLoading() {
	g.mu.Lock()
	if g.state == StateLoading {
		g.state = StateInvalid
	}
	g.mu.Unlock()
}
