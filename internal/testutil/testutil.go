// Package testutil provides mocks and fixtures shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/stretchr/testify/mock"
)

// MockCredentialStore is a testify mock of session.CredentialStore.
// Subscribe is not mocked; use Emit to deliver events.
type MockCredentialStore struct {
	mock.Mock

	mu          sync.Mutex
	subscribers map[int]func(session.Event)
	next        int
}

// GetSession mocks the GetSession method.
func (m *MockCredentialStore) GetSession(ctx context.Context) (*session.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Session), args.Error(1)
}

// RefreshSession mocks the RefreshSession method.
func (m *MockCredentialStore) RefreshSession(ctx context.Context, refreshToken string) (*session.Session, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Session), args.Error(1)
}

// SignOut mocks the SignOut method.
func (m *MockCredentialStore) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Subscribe records fn for Emit.
func (m *MockCredentialStore) Subscribe(fn func(session.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers == nil {
		m.subscribers = make(map[int]func(session.Event))
	}
	key := m.next
	m.next++
	m.subscribers[key] = fn
	return func() {
		m.mu.Lock()
		delete(m.subscribers, key)
		m.mu.Unlock()
	}
}

// Emit delivers ev to every subscriber.
func (m *MockCredentialStore) Emit(ev session.Event) {
	m.mu.Lock()
	fns := make([]func(session.Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *MockCredentialStore) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// NewSession builds a session for identity expiring after ttl.
func NewSession(identity string, ttl time.Duration) *session.Session {
	return &session.Session{
		Identity:     types.Identity(identity),
		AccessToken:  "access-" + identity,
		RefreshToken: "refresh-" + identity,
		ExpiresAt:    time.Now().Add(ttl),
	}
}

// NewValidStore returns a store mock that always serves a long-lived session.
func NewValidStore(t *testing.T, identity string) *MockCredentialStore {
	t.Helper()
	m := new(MockCredentialStore)
	m.On("GetSession", mock.Anything).Return(NewSession(identity, time.Hour), nil)
	m.On("SignOut", mock.Anything).Return(nil).Maybe()
	return m
}

// Backend is an in-memory credential backend that can sign in. Access token
// "bad" and any password other than "secret" are rejected.
type Backend struct {
	mu       sync.Mutex
	sess     *session.Session
	subs     map[int]func(session.Event)
	next     int
	signOuts atomic.Int32
}

func (b *Backend) adopt(identity, token string) *session.Session {
	sess := &session.Session{
		Identity:     types.Identity(identity),
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	b.mu.Lock()
	b.sess = sess
	b.mu.Unlock()
	cp := *sess
	b.emit(session.Event{Kind: session.EventSignedIn, Session: &cp})
	return &cp
}

// SignIn adopts a session for identity "user-<accessToken>".
func (b *Backend) SignIn(_ context.Context, accessToken, _ string, _ time.Time) (*session.Session, error) {
	if accessToken == "bad" {
		return nil, errors.New("invalid JWT")
	}
	return b.adopt("user-"+accessToken, accessToken), nil
}

// SignInWithPassword adopts a session for identity email.
func (b *Backend) SignInWithPassword(_ context.Context, email, password string) (*session.Session, error) {
	if password != "secret" {
		return nil, errors.New("invalid login credentials")
	}
	return b.adopt(email, "pw-token"), nil
}

// GetSession returns the current session or session.ErrCredentialMissing.
func (b *Backend) GetSession(context.Context) (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, session.ErrCredentialMissing
	}
	cp := *b.sess
	return &cp, nil
}

// RefreshSession returns the current session unchanged.
func (b *Backend) RefreshSession(ctx context.Context, _ string) (*session.Session, error) {
	return b.GetSession(ctx)
}

// SignOut revokes the session and emits EventSignedOut.
func (b *Backend) SignOut(context.Context) error {
	b.signOuts.Add(1)
	b.Revoke()
	b.emit(session.Event{Kind: session.EventSignedOut})
	return nil
}

// SignOuts returns how many times SignOut was called.
func (b *Backend) SignOuts() int32 { return b.signOuts.Load() }

// Revoke drops the server-side session without notifying anyone.
func (b *Backend) Revoke() {
	b.mu.Lock()
	b.sess = nil
	b.mu.Unlock()
}

// Subscribe registers fn for session events.
func (b *Backend) Subscribe(fn func(session.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(session.Event))
	}
	key := b.next
	b.next++
	b.subs[key] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, key)
	}
}

func (b *Backend) emit(ev session.Event) {
	b.mu.Lock()
	fns := make([]func(session.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
