package workspace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/quota"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"go.uber.org/zap"
)

// Backend is a credential store that can also establish a session.
type Backend interface {
	session.CredentialStore
	SignIn(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*session.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error)
}

// Credentials establish a workspace session: a token pair, or email and
// password.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Email        string    `json:"email"`
	Password     string    `json:"password"`
}

// Workspace is one signed-in user's simulation surface.
type Workspace struct {
	id        id.WorkspaceID
	createdAt time.Time
	lastSeen  atomic.Int64 // unix nanos

	backend  Backend
	guard    *session.Guard
	ctrl     *simulation.Controller
	renderer *sandbox.Renderer
	log      *zap.Logger

	reauth      atomic.Bool
	stopMonitor context.CancelFunc
	closeOnce   sync.Once
}

// Info is a point-in-time view of a workspace.
type Info struct {
	ID             id.WorkspaceID   `json:"id"`
	Identity       types.Identity   `json:"identity,omitempty"`
	Session        string           `json:"session"`
	Reauthenticate bool             `json:"reauthenticate"`
	Simulation     simulation.State `json:"simulation"`
	Quota          quota.Record     `json:"quota"`
	Sandbox        sandbox.Snapshot `json:"sandbox"`
	CreatedAt      time.Time        `json:"created_at"`
	LastSeen       time.Time        `json:"last_seen"`
}

// ID returns the workspace id.
func (w *Workspace) ID() id.WorkspaceID { return w.id }

// Controller returns the simulation controller.
func (w *Workspace) Controller() *simulation.Controller { return w.ctrl }

// Renderer returns the sandbox renderer.
func (w *Workspace) Renderer() *sandbox.Renderer { return w.renderer }

// Guard returns the session guard.
func (w *Workspace) Guard() *session.Guard { return w.guard }

// ReauthRequired reports whether the user must sign in again.
func (w *Workspace) ReauthRequired() bool { return w.reauth.Load() }

// Reauthenticate implements simulation.Navigator.
func (w *Workspace) Reauthenticate(reason string) {
	if !w.reauth.Swap(true) {
		w.log.Info("re-authentication required", zap.String("reason", reason))
	}
}

func (w *Workspace) touch(now time.Time) {
	w.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the last time the workspace was used.
func (w *Workspace) LastSeen() time.Time {
	return time.Unix(0, w.lastSeen.Load())
}

// Info collects a snapshot from every component.
func (w *Workspace) Info(ctx context.Context) Info {
	info := Info{
		ID:             w.id,
		Session:        w.guard.State().String(),
		Reauthenticate: w.ReauthRequired(),
		Simulation:     w.ctrl.State(),
		Sandbox:        w.renderer.Snapshot(),
		CreatedAt:      w.createdAt,
		LastSeen:       w.LastSeen(),
	}
	if identity, ok := w.guard.CurrentIdentity(); ok {
		info.Identity = identity
	}
	info.Quota, _ = w.ctrl.Quota(ctx)
	return info
}

// handleEvent clears the re-authentication flag once a new session arrives.
func (w *Workspace) handleEvent(ev session.Event) {
	if ev.Kind == session.EventSignedIn && ev.Session != nil {
		w.reauth.Store(false)
	}
}

func (w *Workspace) close() (revoke <-chan error) {
	revoke = closedChan()
	w.closeOnce.Do(func() {
		w.stopMonitor()
		_ = w.ctrl.Close()
		revoke = w.guard.SignOut()
		w.guard.Close()
	})
	return revoke
}

func closedChan() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}
