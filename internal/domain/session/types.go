package session

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
)

var (
	// ErrSessionInvalid is returned by WithValidSession when no live credential exists.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrCredentialMissing is reported by a CredentialStore when the credential
	// is absent, revoked or expired beyond refresh.
	ErrCredentialMissing = errors.New("auth session missing")
)

// Session is the credential held for the current identity.
type Session struct {
	Identity     types.Identity `json:"identity"`
	AccessToken  string         `json:"-"`
	RefreshToken string         `json:"-"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Remaining returns the lifetime left at now.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// EventKind names a credential store change notification.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Event is a change notification from the credential store.
type Event struct {
	Kind    EventKind
	Session *Session
}

// CredentialStore is the external authority for credentials.
type CredentialStore interface {
	// GetSession returns the stored session, or nil when there is none.
	// ErrCredentialMissing means the store rejected the credential.
	GetSession(ctx context.Context) (*Session, error)
	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	// SignOut revokes the credential.
	SignOut(ctx context.Context) error
	// Subscribe registers for change notifications.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// State is the guard lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateValid
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
