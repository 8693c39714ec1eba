package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/quota"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown workspace ids.
	ErrNotFound = errors.New("workspace not found")
	// ErrUnauthenticated is returned when sign-in does not yield a valid session.
	ErrUnauthenticated = errors.New("sign-in failed")
	// ErrNoCredentials is returned when neither a token pair nor a password is given.
	ErrNoCredentials = errors.New("credentials required")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("workspace manager closed")
)

// Options configures a Manager.
type Options struct {
	Backends         func() Backend
	Ledger           *quota.Ledger
	Generator        simulation.Generator
	Sandbox          sandbox.Config
	RefreshThreshold time.Duration
	MonitorInterval  time.Duration
	IdleTTL          time.Duration
	Metrics          *monitoring.Metrics
	Tracer           *tracing.Tracer
	Logger           *zap.Logger
	Now              func() time.Time
}

// Manager owns the live workspaces.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu         sync.RWMutex
	workspaces map[id.WorkspaceID]*Workspace // Protected by mu
	closed     bool
}

// Stats summarizes the manager.
type Stats struct {
	Workspaces     int `json:"workspaces"`
	ValidSessions  int `json:"valid_sessions"`
	LiveSandboxes  int `json:"live_sandboxes"`
	ReauthRequired int `json:"reauth_required"`
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Ledger == nil {
		opts.Ledger = quota.NewLedger(quota.Options{Logger: opts.Logger})
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = session.DefaultMonitorInterval
	}
	return &Manager{
		opts:       opts,
		log:        opts.Logger.With(zap.String("component", "workspace")),
		workspaces: make(map[id.WorkspaceID]*Workspace),
	}
}

// Create signs in and assembles a workspace around the new session.
func (m *Manager) Create(ctx context.Context, creds Credentials) (*Workspace, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	backend := m.opts.Backends()
	if err := signIn(ctx, backend, creds); err != nil {
		return nil, err
	}

	wsID := id.NewWorkspaceID()
	log := m.log.With(zap.String("workspace_id", wsID.String()))

	guard := session.NewGuard(backend, session.Options{
		RefreshThreshold: m.opts.RefreshThreshold,
		Logger:           log,
		Recorder:         m.opts.Metrics,
	})
	if state := guard.Initialize(ctx); state != session.StateValid {
		guard.Close()
		return nil, fmt.Errorf("%w: session %s", ErrUnauthenticated, state)
	}

	renderer := sandbox.NewRenderer(m.opts.Sandbox, sandbox.Options{Logger: log, Recorder: m.opts.Metrics})
	ws := &Workspace{
		id:        wsID,
		createdAt: m.opts.Now(),
		backend:   backend,
		guard:     guard,
		renderer:  renderer,
		log:       log,
	}
	ws.touch(ws.createdAt)
	ws.ctrl = simulation.NewController(guard, m.opts.Ledger, m.opts.Generator, renderer, simulation.Options{
		Navigator: ws,
		Recorder:  m.opts.Metrics,
		Tracer:    m.opts.Tracer,
		Logger:    log,
	})
	unsubscribe := backend.Subscribe(ws.handleEvent)

	monitorCtx, cancel := context.WithCancel(context.Background())
	ws.stopMonitor = func() {
		cancel()
		unsubscribe()
	}
	go guard.Monitor(monitorCtx, m.opts.MonitorInterval)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.close()
		return nil, ErrClosed
	}
	m.workspaces[wsID] = ws
	count := len(m.workspaces)
	m.mu.Unlock()

	m.opts.Metrics.SetWorkspacesActive(count)
	identity, _ := guard.CurrentIdentity()
	log.Info("workspace created", zap.String("identity", identity.String()))
	return ws, nil
}

func signIn(ctx context.Context, backend Backend, creds Credentials) error {
	var err error
	switch {
	case creds.AccessToken != "":
		_, err = backend.SignIn(ctx, creds.AccessToken, creds.RefreshToken, creds.ExpiresAt)
	case creds.Email != "" && creds.Password != "":
		_, err = backend.SignInWithPassword(ctx, creds.Email, creds.Password)
	default:
		return ErrNoCredentials
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}

// Authenticate signs an existing workspace in again.
func (m *Manager) Authenticate(ctx context.Context, wsID id.WorkspaceID, creds Credentials) (*Workspace, error) {
	ws, ok := m.Get(wsID)
	if !ok {
		return nil, ErrNotFound
	}
	if err := signIn(ctx, ws.backend, creds); err != nil {
		return nil, err
	}
	if state := ws.guard.Initialize(ctx); state != session.StateValid {
		return nil, fmt.Errorf("%w: session %s", ErrUnauthenticated, state)
	}
	ws.reauth.Store(false)
	return ws, nil
}

// Get returns a workspace and marks it used.
func (m *Manager) Get(wsID id.WorkspaceID) (*Workspace, bool) {
	m.mu.RLock()
	ws, ok := m.workspaces[wsID]
	m.mu.RUnlock()
	if ok {
		ws.touch(m.opts.Now())
	}
	return ws, ok
}

// List returns all workspaces.
func (m *Manager) List() []*Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	return out
}

// SignOut removes a workspace, tears it down and revokes its session.
// The returned channel yields the revocation result.
func (m *Manager) SignOut(wsID id.WorkspaceID) (<-chan error, error) {
	ws, ok := m.remove(wsID)
	if !ok {
		return nil, ErrNotFound
	}
	ws.log.Info("workspace signed out")
	return ws.close(), nil
}

func (m *Manager) remove(wsID id.WorkspaceID) (*Workspace, bool) {
	m.mu.Lock()
	ws, ok := m.workspaces[wsID]
	delete(m.workspaces, wsID)
	count := len(m.workspaces)
	m.mu.Unlock()

	if ok {
		m.opts.Metrics.SetWorkspacesActive(count)
	}
	return ws, ok
}

// Sweep closes workspaces idle for longer than IdleTTL and returns how many
// it closed.
func (m *Manager) Sweep() int {
	if m.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.opts.Now().Add(-m.opts.IdleTTL)

	var idle []*Workspace
	m.mu.RLock()
	for _, ws := range m.workspaces {
		if ws.LastSeen().Before(cutoff) {
			idle = append(idle, ws)
		}
	}
	m.mu.RUnlock()

	for _, ws := range idle {
		if _, ok := m.remove(ws.id); ok {
			ws.log.Info("closing idle workspace", zap.Time("last_seen", ws.LastSeen()))
			ws.close()
		}
	}
	return len(idle)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("idle workspaces swept", zap.Int("closed", n))
			}
		}
	}
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, ws := range m.workspaces {
		stats.Workspaces++
		if ws.guard.State() == session.StateValid {
			stats.ValidSessions++
		}
		if ws.ReauthRequired() {
			stats.ReauthRequired++
		}
		stats.LiveSandboxes += ws.renderer.LiveInstances()
	}
	return stats
}

// Close tears down every workspace. Sessions are revoked in the background.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Workspace, 0, len(m.workspaces))
	for wsID, ws := range m.workspaces {
		all = append(all, ws)
		delete(m.workspaces, wsID)
	}
	m.mu.Unlock()

	for _, ws := range all {
		ws.close()
	}
	m.opts.Metrics.SetWorkspacesActive(0)
	m.log.Info("workspaces closed", zap.Int("count", len(all)))
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
