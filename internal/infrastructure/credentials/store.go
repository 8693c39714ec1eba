package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	pathUser    = "/auth/v1/user"
	pathToken   = "/auth/v1/token"
	pathLogout  = "/auth/v1/logout"
	fallbackTTL = time.Hour
)

// Options configures a Store.
type Options struct {
	APIKey string
	Logger *zap.Logger
	Now    func() time.Time
}

// Store is a GoTrue-compatible credential store holding one workspace's
// tokens in memory. It implements session.CredentialStore.
type Store struct {
	client *httpclient.Client
	apiKey string
	log    *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	current     *session.Session
	subscribers map[int]func(session.Event)
	nextSub     int
}

// NewClient builds the HTTP client for a GoTrue base URL.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *httpclient.Client {
	return httpclient.New(httpclient.Options{
		Name:    "credentials",
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Logger:  log,
	})
}

// New creates an empty store. Clients may be shared between stores.
func New(client *httpclient.Client, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		client:      client,
		apiKey:      opts.APIKey,
		log:         opts.Logger,
		now:         opts.Now,
		subscribers: make(map[int]func(session.Event)),
	}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         userResponse `json:"user"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Msg         string `json:"msg"`
	Message     string `json:"message"`
}

// SignIn adopts an externally obtained token pair after verifying it.
// A zero expiresAt is derived from the access token's exp claim.
func (s *Store) SignIn(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*session.Session, error) {
	user, err := s.fetchUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if expiresAt.IsZero() {
		expiresAt = s.expiryOf(accessToken)
	}

	sess := &session.Session{
		Identity:     types.Identity(user.ID),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	s.set(sess, session.EventSignedIn)
	return copySession(sess), nil
}

// SignInWithPassword exchanges email and password for a session.
func (s *Store) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	sess, err := s.grant(ctx, "password", map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	s.set(sess, session.EventSignedIn)
	return copySession(sess), nil
}

// GetSession returns the stored session after confirming it with the server.
// Expired tokens are returned unverified so the caller can refresh them.
func (s *Store) GetSession(ctx context.Context) (*session.Session, error) {
	s.mu.RLock()
	current := copySession(s.current)
	s.mu.RUnlock()

	if current == nil {
		return nil, nil
	}
	if !current.ExpiresAt.After(s.now()) {
		return current, nil
	}

	user, err := s.fetchUser(ctx, current.AccessToken)
	if errors.Is(err, session.ErrCredentialMissing) {
		s.set(nil, session.EventSignedOut)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if id := types.Identity(user.ID); id != current.Identity {
		current.Identity = id
		s.set(current, session.EventUserUpdated)
	}
	return current, nil
}

// RefreshSession exchanges refreshToken for a new session.
func (s *Store) RefreshSession(ctx context.Context, refreshToken string) (*session.Session, error) {
	sess, err := s.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	s.set(sess, session.EventTokenRefreshed)
	return copySession(sess), nil
}

// SignOut revokes the held access token and forgets the session.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.RLock()
	current := copySession(s.current)
	s.mu.RUnlock()

	if current == nil {
		return nil
	}
	// Forget locally first so nothing reads the session while logout is in flight.
	s.set(nil, session.EventSignedOut)

	resp, err := s.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return s.prepare(ctx, r, current.AccessToken).Post(pathLogout)
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code < 300, code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("logout: %s", describe(resp))
	}
}

// Subscribe registers fn for change notifications.
func (s *Store) Subscribe(fn func(session.Event)) func() {
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subscribers[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, key)
		s.mu.Unlock()
	}
}

func (s *Store) fetchUser(ctx context.Context, accessToken string) (*userResponse, error) {
	resp, err := s.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return s.prepare(ctx, r, accessToken).Get(pathUser)
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return nil, fmt.Errorf("get user: %w", session.ErrCredentialMissing)
	case code >= 300:
		return nil, fmt.Errorf("get user: %s", describe(resp))
	}

	var user userResponse
	if err := sonic.Unmarshal(resp.Body(), &user); err != nil {
		return nil, fmt.Errorf("get user: decode: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("get user: %w", session.ErrCredentialMissing)
	}
	return &user, nil
}

func (s *Store) grant(ctx context.Context, grantType string, body map[string]string) (*session.Session, error) {
	resp, err := s.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return s.prepare(ctx, r, "").
			SetQueryParam("grant_type", grantType).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(pathToken)
	})
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", grantType, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
		s.log.Debug("token grant rejected", zap.String("grant", grantType), zap.String("reason", describe(resp)))
		return nil, fmt.Errorf("token %s: %w", grantType, session.ErrCredentialMissing)
	case code >= 300:
		return nil, fmt.Errorf("token %s: %s", grantType, describe(resp))
	}

	var tok tokenResponse
	if err := sonic.Unmarshal(resp.Body(), &tok); err != nil {
		return nil, fmt.Errorf("token %s: decode: %w", grantType, err)
	}
	if tok.AccessToken == "" || tok.User.ID == "" {
		return nil, fmt.Errorf("token %s: incomplete response", grantType)
	}

	return &session.Session{
		Identity:     types.Identity(tok.User.ID),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.tokenExpiry(tok),
	}, nil
}

func (s *Store) prepare(ctx context.Context, r *resty.Request, bearer string) *resty.Request {
	if s.apiKey != "" {
		r.SetHeader("apikey", s.apiKey)
	}
	if bearer != "" {
		r.SetAuthToken(bearer)
	}
	tracing.Inject(ctx, func(k, v string) { r.SetHeader(k, v) })
	return r
}

func (s *Store) set(sess *session.Session, kind session.EventKind) {
	s.mu.Lock()
	s.current = copySession(sess)
	fns := make([]func(session.Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	ev := session.Event{Kind: kind, Session: copySession(sess)}
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) tokenExpiry(tok tokenResponse) time.Time {
	switch {
	case tok.ExpiresAt > 0:
		return time.Unix(tok.ExpiresAt, 0)
	case tok.ExpiresIn > 0:
		return s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	default:
		return s.expiryOf(tok.AccessToken)
	}
}

func (s *Store) expiryOf(token string) time.Time {
	if exp, ok := jwtExpiry(token); ok {
		return exp
	}
	return s.now().Add(fallbackTTL)
}

// jwtExpiry reads the exp claim without verifying the signature; the server
// remains the authority on validity.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := sonic.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

func describe(resp *resty.Response) string {
	var body errorResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err == nil {
		for _, msg := range []string{body.Description, body.Msg, body.Message, body.Error} {
			if msg != "" {
				return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), msg)
			}
		}
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode())
}

func copySession(sess *session.Session) *session.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	return &cp
}
