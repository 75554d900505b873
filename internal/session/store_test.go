package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/auth"
	"github.com/docline/docline-go/internal/normalize"
	"github.com/docline/docline-go/internal/querycache"
)

type fakeAuth struct {
	creds  *auth.Credentials
	err    error
	calls  int
	gotReq auth.LoginRequest
}

func (f *fakeAuth) Login(ctx context.Context, req auth.LoginRequest) (*auth.Credentials, error) {
	f.calls++
	f.gotReq = req
	return f.creds, f.err
}

func (f *fakeAuth) RegisterPatient(ctx context.Context, req auth.RegisterPatientRequest) (*auth.Credentials, error) {
	f.calls++
	return f.creds, f.err
}

func (f *fakeAuth) RegisterDoctor(ctx context.Context, req auth.RegisterDoctorRequest) (*auth.Credentials, error) {
	f.calls++
	return f.creds, f.err
}

func newTestStore(t *testing.T) (*Store, *redis.Client, *querycache.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := querycache.New(querycache.Config{})
	t.Cleanup(cache.Close)

	store := New(Config{Redis: rdb, Cache: cache})
	return store, rdb, cache
}

func TestLoginEstablishesSession(t *testing.T) {
	store, rdb, cache := newTestStore(t)
	store.Bind(&fakeAuth{creds: &auth.Credentials{
		User:  normalize.User{ID: "1", Name: "John Doe", Email: "john@example.com", Role: normalize.RolePatient},
		Token: "tok",
	}})

	err := store.Login(context.Background(), auth.LoginRequest{
		Email: "john@example.com", Password: "password123", Role: normalize.RolePatient,
	})
	require.NoError(t, err)

	state := store.State()
	assert.True(t, state.Authenticated)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
	require.NotNil(t, state.User)
	assert.Equal(t, "1", state.User.ID)
	assert.Equal(t, "tok", state.Token)

	// All three persistence keys written together.
	require.NoError(t, rdb.Get(context.Background(), sessionKey).Err())
	token, err := rdb.Get(context.Background(), legacyTokenKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	require.NoError(t, rdb.Get(context.Background(), legacyUserKey).Err())

	// Login seeds the currentUser cache entry.
	value, status, ok := cache.Peek(CurrentUserKey)
	require.True(t, ok)
	assert.Equal(t, querycache.StatusSuccess, status)
	user, ok := value.(normalize.User)
	require.True(t, ok)
	assert.Equal(t, "John Doe", user.Name)
}

func TestLoginFailureClearsState(t *testing.T) {
	store, rdb, _ := newTestStore(t)
	wantErr := &apiclient.AuthenticationError{APIError: apiclient.APIError{Status: 401, Message: "invalid credentials"}}
	store.Bind(&fakeAuth{err: wantErr})

	err := store.Login(context.Background(), auth.LoginRequest{
		Email: "john@example.com", Password: "wrong", Role: normalize.RolePatient,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	state := store.State()
	assert.False(t, state.Authenticated)
	assert.False(t, state.Loading)
	assert.Nil(t, state.User)
	assert.Empty(t, state.Token)
	assert.Error(t, state.Err)

	assert.ErrorIs(t, rdb.Get(context.Background(), sessionKey).Err(), redis.Nil)

	store.ClearError()
	assert.NoError(t, store.State().Err)
}

func TestLogoutClearsEverything(t *testing.T) {
	store, rdb, cache := newTestStore(t)
	store.Bind(&fakeAuth{creds: &auth.Credentials{
		User:  normalize.User{ID: "1", Name: "John Doe", Role: normalize.RolePatient},
		Token: "tok",
	}})
	require.NoError(t, store.Login(context.Background(), auth.LoginRequest{
		Email: "john@example.com", Password: "password123",
	}))

	require.NoError(t, store.Logout(context.Background()))

	state := store.State()
	assert.False(t, state.Authenticated)
	assert.Nil(t, state.User)
	assert.Empty(t, state.Token)

	assert.ErrorIs(t, rdb.Get(context.Background(), sessionKey).Err(), redis.Nil)
	assert.ErrorIs(t, rdb.Get(context.Background(), legacyTokenKey).Err(), redis.Nil)
	assert.ErrorIs(t, rdb.Get(context.Background(), legacyUserKey).Err(), redis.Nil)

	_, _, ok := cache.Peek(CurrentUserKey)
	assert.False(t, ok)
}

func TestInitializeEmptyStartsUnauthenticated(t *testing.T) {
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Initialize(context.Background()))

	state := store.State()
	assert.False(t, state.Authenticated)
	assert.Nil(t, state.User)
	assert.Empty(t, state.Token)
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	store, _, _ := newTestStore(t)
	store.Bind(&fakeAuth{creds: &auth.Credentials{
		User:  normalize.User{ID: "42", Name: "Jane Roe", Role: normalize.RoleDoctor},
		Token: "tok-live",
	}})
	require.NoError(t, store.Login(context.Background(), auth.LoginRequest{
		Email: "jane@example.com", Password: "password123",
	}))

	restored, _, _ := newTestStoreSharing(t, store)
	require.NoError(t, restored.Initialize(context.Background()))

	state := restored.State()
	assert.True(t, state.Authenticated)
	require.NotNil(t, state.User)
	assert.Equal(t, "42", state.User.ID)
	assert.Equal(t, "tok-live", state.Token)
}

// newTestStoreSharing builds a second store over the same redis backend,
// simulating a process restart.
func newTestStoreSharing(t *testing.T, prev *Store) (*Store, *redis.Client, *querycache.Store) {
	t.Helper()
	cache := querycache.New(querycache.Config{})
	t.Cleanup(cache.Close)
	return New(Config{Redis: prev.redis, Cache: cache}), prev.redis, cache
}

func TestInitializeRejectsExpiredToken(t *testing.T) {
	store, rdb, _ := newTestStore(t)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	user := normalize.User{ID: "1", Name: "John Doe", Role: normalize.RolePatient}
	require.NoError(t, store.persist(context.Background(), &user, expired))

	require.NoError(t, store.Initialize(context.Background()))

	state := store.State()
	assert.False(t, state.Authenticated)
	assert.Nil(t, state.User)

	// The dead session is purged, legacy keys included.
	assert.ErrorIs(t, rdb.Get(context.Background(), legacyTokenKey).Err(), redis.Nil)
}

func TestInitializeRecoversLegacyKeys(t *testing.T) {
	store, rdb, _ := newTestStore(t)

	require.NoError(t, rdb.Set(context.Background(), legacyTokenKey, "tok-legacy", 0).Err())
	require.NoError(t, rdb.Set(context.Background(), legacyUserKey, `{"id":"7","name":"Old Client","role":"PATIENT"}`, 0).Err())

	require.NoError(t, store.Initialize(context.Background()))

	state := store.State()
	assert.True(t, state.Authenticated)
	require.NotNil(t, state.User)
	assert.Equal(t, "7", state.User.ID)
	assert.Equal(t, "tok-legacy", state.Token)
}

func TestSetUserAndSetTokenKeepInvariant(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	user := &normalize.User{ID: "1", Name: "John Doe", Role: normalize.RolePatient}
	require.NoError(t, store.SetUser(ctx, user))
	assert.False(t, store.State().Authenticated, "user without token is not authenticated")

	require.NoError(t, store.SetToken(ctx, "tok"))
	assert.True(t, store.State().Authenticated)

	require.NoError(t, store.SetToken(ctx, ""))
	assert.False(t, store.State().Authenticated)
}

func TestHandleUnauthorizedForcesRelogin(t *testing.T) {
	store, rdb, _ := newTestStore(t)
	store.Bind(&fakeAuth{creds: &auth.Credentials{
		User:  normalize.User{ID: "1", Name: "John Doe", Role: normalize.RolePatient},
		Token: "tok",
	}})
	require.NoError(t, store.Login(context.Background(), auth.LoginRequest{
		Email: "john@example.com", Password: "password123",
	}))

	store.HandleUnauthorized(context.Background())

	state := store.State()
	assert.False(t, state.Authenticated)
	assert.Empty(t, store.Token(context.Background()))
	assert.ErrorIs(t, rdb.Get(context.Background(), sessionKey).Err(), redis.Nil)

	assert.True(t, store.ConsumeRedirect())
	assert.False(t, store.ConsumeRedirect(), "redirect signal is consumed once")
}

func TestLoginWithoutBoundServiceFails(t *testing.T) {
	store, _, _ := newTestStore(t)

	err := store.Login(context.Background(), auth.LoginRequest{Email: "a@b.c", Password: "x"})
	require.Error(t, err)
	assert.False(t, store.State().Loading)
	assert.False(t, errors.Is(err, context.Canceled))
}
