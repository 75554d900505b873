// Package session holds durable authentication state: the current user, the
// bearer token and the authenticated flag, persisted to redis and rehydrated
// at startup. It is the only writer of that state; domain services stay
// stateless and the query cache is coupled to it at exactly two points,
// login and logout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docline/docline-go/internal/auth"
	"github.com/docline/docline-go/internal/normalize"
	"github.com/docline/docline-go/internal/querycache"
	"github.com/docline/docline-go/pkg/logging"
)

// Persistence keys. The namespaced key carries the serialized session; the
// two legacy keys carry the raw token and user for older consumers that read
// them directly. Every auth change writes all three, every teardown deletes
// all three.
const (
	sessionKey     = "docline:session"
	legacyTokenKey = "token"
	legacyUserKey  = "user"
)

// CurrentUserKey is the cache key login seeds with the authenticated user.
var CurrentUserKey = querycache.NewKey("currentUser", nil)

// Authenticator is the slice of the auth service the store drives. Declared
// here so the store and the transport client can be wired in either order.
type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.Credentials, error)
	RegisterPatient(ctx context.Context, req auth.RegisterPatientRequest) (*auth.Credentials, error)
	RegisterDoctor(ctx context.Context, req auth.RegisterDoctorRequest) (*auth.Credentials, error)
}

// State is a point-in-time copy of the session.
type State struct {
	User          *normalize.User
	Token         string
	Authenticated bool
	Loading       bool
	Err           error
}

type persisted struct {
	User          *normalize.User `json:"user"`
	Token         string          `json:"token"`
	Authenticated bool            `json:"authenticated"`
}

// Config wires a Store.
type Config struct {
	Redis  *redis.Client
	Cache  *querycache.Store
	Logger *logging.Logger
	Now    func() time.Time
}

// Store owns the session state machine.
type Store struct {
	mu    sync.Mutex
	redis *redis.Client
	cache *querycache.Store
	svc   Authenticator

	logger *logging.Logger
	now    func() time.Time

	user          *normalize.User
	token         string
	authenticated bool
	loading       bool
	lastErr       error
	redirect      bool
}

func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		redis:  cfg.Redis,
		cache:  cfg.Cache,
		logger: logger.Component("session"),
		now:    now,
	}
}

// Bind attaches the auth service. The transport client's token source is the
// store itself, so the service is constructed after the store and bound here.
func (s *Store) Bind(svc Authenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.svc = svc
}

// State returns a copy of the current session state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		User:          s.user,
		Token:         s.token,
		Authenticated: s.authenticated,
		Loading:       s.loading,
		Err:           s.lastErr,
	}
}

// Token implements the transport client's token source.
func (s *Store) Token(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Login authenticates and establishes the session. The error is returned to
// the caller after the state has settled: loading is false on every path.
func (s *Store) Login(ctx context.Context, req auth.LoginRequest) error {
	return s.authenticate(ctx, func(svc Authenticator) (*auth.Credentials, error) {
		return svc.Login(ctx, req)
	})
}

// RegisterPatient creates a patient account and establishes the session.
func (s *Store) RegisterPatient(ctx context.Context, req auth.RegisterPatientRequest) error {
	return s.authenticate(ctx, func(svc Authenticator) (*auth.Credentials, error) {
		return svc.RegisterPatient(ctx, req)
	})
}

// RegisterDoctor creates a doctor account and establishes the session.
func (s *Store) RegisterDoctor(ctx context.Context, req auth.RegisterDoctorRequest) error {
	return s.authenticate(ctx, func(svc Authenticator) (*auth.Credentials, error) {
		return svc.RegisterDoctor(ctx, req)
	})
}

func (s *Store) authenticate(ctx context.Context, call func(Authenticator) (*auth.Credentials, error)) error {
	s.mu.Lock()
	svc := s.svc
	s.loading = true
	s.lastErr = nil
	s.mu.Unlock()

	if svc == nil {
		err := errors.New("session: no auth service bound")
		s.settleFailure(err)
		return err
	}

	creds, err := call(svc)
	if err != nil {
		s.settleFailure(err)
		return err
	}

	user := creds.User
	s.mu.Lock()
	s.user = &user
	s.token = creds.Token
	s.authenticated = true
	s.loading = false
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.persist(ctx, &user, creds.Token); err != nil {
		s.logger.Warn("session not persisted", "error", err)
	}

	// The one login-side cache coupling: the fresh user becomes the
	// currentUser entry and everything cached for the previous identity
	// turns stale.
	if s.cache != nil {
		s.cache.Seed(CurrentUserKey, user)
		s.cache.InvalidateAll()
	}
	s.logger.Info("session established", "user_id", user.ID, "role", user.Role)
	return nil
}

func (s *Store) settleFailure(err error) {
	s.mu.Lock()
	s.user = nil
	s.token = ""
	s.authenticated = false
	s.loading = false
	s.lastErr = err
	s.mu.Unlock()
}

// Logout tears the session down unconditionally: persisted keys, in-memory
// state and the whole query cache.
func (s *Store) Logout(ctx context.Context) error {
	var err error
	if s.redis != nil {
		err = s.redis.Del(ctx, sessionKey, legacyTokenKey, legacyUserKey).Err()
	}

	s.mu.Lock()
	s.user = nil
	s.token = ""
	s.authenticated = false
	s.loading = false
	s.lastErr = nil
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Clear()
	}
	if err != nil {
		return fmt.Errorf("session: clear persisted session: %w", err)
	}
	s.logger.Info("session cleared")
	return nil
}

// Initialize rehydrates the session from persistence at startup. A session
// is restored only when both token and user survive and the token has not
// expired; anything else starts unauthenticated.
func (s *Store) Initialize(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}

	p, err := s.load(ctx)
	if err != nil {
		return err
	}
	if p == nil || p.User == nil || p.Token == "" || auth.TokenExpired(p.Token, s.now()) {
		if p != nil {
			// Stale remains of a dead session. Delete them so the legacy
			// keys cannot disagree with the namespaced one.
			if err := s.redis.Del(ctx, sessionKey, legacyTokenKey, legacyUserKey).Err(); err != nil {
				s.logger.Warn("stale session not cleared", "error", err)
			}
		}
		s.mu.Lock()
		s.user = nil
		s.token = ""
		s.authenticated = false
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.user = p.User
	s.token = p.Token
	s.authenticated = true
	s.mu.Unlock()
	s.logger.Info("session restored", "user_id", p.User.ID)
	return nil
}

func (s *Store) load(ctx context.Context) (*persisted, error) {
	data, err := s.redis.Get(ctx, sessionKey).Bytes()
	if err == redis.Nil {
		return s.loadLegacy(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	return &p, nil
}

// loadLegacy recovers a session written by older clients that only knew the
// raw token and user keys.
func (s *Store) loadLegacy(ctx context.Context) (*persisted, error) {
	token, err := s.redis.Get(ctx, legacyTokenKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load legacy token: %w", err)
	}
	data, err := s.redis.Get(ctx, legacyUserKey).Bytes()
	if err == redis.Nil {
		return &persisted{Token: token}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load legacy user: %w", err)
	}
	var user normalize.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("session: unmarshal legacy user: %w", err)
	}
	return &persisted{User: &user, Token: token, Authenticated: true}, nil
}

// SetUser replaces the current user, keeping persistence in step.
func (s *Store) SetUser(ctx context.Context, user *normalize.User) error {
	s.mu.Lock()
	s.user = user
	s.authenticated = user != nil && s.token != ""
	token := s.token
	s.mu.Unlock()
	return s.persist(ctx, user, token)
}

// SetToken replaces the bearer token, keeping persistence in step.
func (s *Store) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.authenticated = s.user != nil && token != ""
	user := s.user
	s.mu.Unlock()
	return s.persist(ctx, user, token)
}

// ClearError drops the last recorded error.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

// HandleUnauthorized is the transport client's 401 hook. The dead session is
// torn down before the error reaches any caller, and a redirect-to-login
// signal is raised for the UI layer.
func (s *Store) HandleUnauthorized(ctx context.Context) {
	if s.redis != nil {
		if err := s.redis.Del(ctx, sessionKey, legacyTokenKey, legacyUserKey).Err(); err != nil {
			s.logger.Warn("session not cleared after 401", "error", err)
		}
	}
	s.mu.Lock()
	s.user = nil
	s.token = ""
	s.authenticated = false
	s.redirect = true
	s.mu.Unlock()
	s.logger.Warn("session rejected by server, forcing re-login")
}

// ConsumeRedirect reports whether a forced re-login is pending and clears
// the signal.
func (s *Store) ConsumeRedirect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.redirect
	s.redirect = false
	return r
}

// persist writes the namespaced session and both legacy keys in one
// pipeline so no reader sees them disagree.
func (s *Store) persist(ctx context.Context, user *normalize.User, token string) error {
	if s.redis == nil {
		return nil
	}
	p := persisted{User: user, Token: token, Authenticated: user != nil && token != ""}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	userData, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: marshal user: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, sessionKey, data, 0)
	pipe.Set(ctx, legacyTokenKey, token, 0)
	pipe.Set(ctx, legacyUserKey, userData, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	return nil
}
