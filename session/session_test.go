package session_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habedi/trackr/auth"
	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/credstore"
	"github.com/habedi/trackr/internal/apitest"
	"github.com/habedi/trackr/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, bus credstore.Bus) *credstore.Store {
	t.Helper()
	store := credstore.NewStore(credstore.NewMemoryBackend(), credstore.NewMemoryBackend(), credstore.WithBus(bus))
	t.Cleanup(store.Close)
	return store
}

func newSession(t *testing.T, cfg session.Config) *session.Session {
	t.Helper()
	s, err := session.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func drain(t *testing.T, resp *http.Response) {
	t.Helper()
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
}

func TestNew_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, credstore.NopBus{})
	store.Save(ctx, credstore.Pair{AccessToken: "A1", RefreshToken: "R1"})

	s := newSession(t, session.Config{Store: store, BaseURL: "http://localhost"})
	assert.Equal(t, "A1", s.AccessToken())
	assert.Equal(t, "R1", s.RefreshToken())
	assert.True(t, s.Authenticated())
}

func TestNew_EmptyStoreIsUnauthenticated(t *testing.T) {
	s := newSession(t, session.Config{BaseURL: "http://localhost"})
	assert.False(t, s.Authenticated())
	assert.Equal(t, session.Pair{}, s.Credentials())
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := session.New(context.Background(), session.Config{BaseURL: "::"})
	assert.Error(t, err)
}

func TestSetters_WriteThrough(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, credstore.NopBus{})
	s := newSession(t, session.Config{Store: store, BaseURL: "http://localhost"})

	require.NoError(t, s.SetAccessToken(ctx, "A1"))
	require.NoError(t, s.SetRefreshToken(ctx, "R1"))
	assert.Equal(t, credstore.Pair{AccessToken: "A1", RefreshToken: "R1"}, store.Load(ctx))

	require.NoError(t, s.SetAccessToken(ctx, ""))
	assert.False(t, s.Authenticated())
	assert.Equal(t, credstore.Pair{RefreshToken: "R1"}, store.Load(ctx))
}

func TestClear_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, credstore.NopBus{})
	s := newSession(t, session.Config{Store: store, BaseURL: "http://localhost"})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: "R1"}))

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, session.Pair{}, s.Credentials())
	assert.Equal(t, credstore.Pair{}, store.Load(ctx))
}

func TestWatch_ReportsChanges(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, session.Config{BaseURL: "http://localhost"})

	var mu sync.Mutex
	var seen []session.Pair
	stop := s.Watch(func(p session.Pair) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: "R1"}))
	require.NoError(t, s.Clear(ctx))
	stop()
	require.NoError(t, s.SetAccessToken(ctx, "A9"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.Pair{{AccessToken: "A1", RefreshToken: "R1"}, {}}, seen)
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	s, err := session.New(ctx, session.Config{BaseURL: "http://localhost"})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SetAccessToken(ctx, "A1"), session.ErrClosed)
	_, err = s.Do(ctx, "/api/user", client.RequestOptions{})
	assert.ErrorIs(t, err, session.ErrClosed)
	_, ok := s.Refresh(ctx)
	assert.False(t, ok)
}

func TestNilSession_Panics(t *testing.T) {
	var s *session.Session
	assert.PanicsWithValue(t, "session used outside its provider: nil *Session", func() { s.AccessToken() })
	assert.Panics(t, func() { _ = s.Clear(context.Background()) })
	assert.Panics(t, func() { s.Gateway() })
}

// The two-request scenario: both requests come back expired, exactly one
// exchange is made with R1, both are replayed with A2 and R1 is kept.
func TestSession_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t)
	_, r1 := srv.IssueTokens(apitest.Email)
	a1 := srv.ExpiredAccessToken(apitest.Email)

	store := newStore(t, credstore.NopBus{})
	store.Save(ctx, credstore.Pair{AccessToken: a1, RefreshToken: r1})
	s := newSession(t, session.Config{Store: store, BaseURL: srv.URL})

	release := srv.HoldRefreshes()
	defer release()

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i, path := range []string{"/api/echo/x", "/api/echo/y"} {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			resp, err := s.Gateway().Get(ctx, path)
			if !assert.NoError(t, err) {
				return
			}
			statuses[i] = resp.StatusCode
			drain(t, resp)
		}(i, path)
	}

	require.Eventually(t, func() bool { return s.Coordinator().Pending() == 2 }, 5*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, statuses)
	assert.Equal(t, 1, srv.RefreshCount())

	refreshReqs := srv.Requests(client.RefreshPath)
	require.Len(t, refreshReqs, 1)
	assert.JSONEq(t, `{"refresh_token":"`+r1+`"}`, refreshReqs[0].Body)

	a2 := s.AccessToken()
	require.NotEmpty(t, a2)
	assert.NotEqual(t, a1, a2)
	for _, path := range []string{"/api/echo/x", "/api/echo/y"} {
		reqs := srv.Requests(path)
		require.Len(t, reqs, 2, path)
		assert.Equal(t, "Bearer "+a1, reqs[0].Authorization)
		assert.Equal(t, "Bearer "+a2, reqs[1].Authorization)
	}

	assert.Equal(t, r1, s.RefreshToken())
	assert.Equal(t, credstore.Pair{AccessToken: a2, RefreshToken: r1}, store.Load(ctx))
}

func TestSession_FailedRefreshReturnsOriginalAndClears(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t)
	_, r1 := srv.IssueTokens(apitest.Email)
	srv.FailRefreshes(http.StatusUnauthorized)

	store := newStore(t, credstore.NopBus{})
	store.Save(ctx, credstore.Pair{AccessToken: srv.ExpiredAccessToken(apitest.Email), RefreshToken: r1})
	s := newSession(t, session.Config{Store: store, BaseURL: srv.URL})

	resp, err := s.Gateway().Get(ctx, "/api/user")
	require.NoError(t, err)
	drain(t, resp)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Token-Expired"))
	assert.Equal(t, session.Pair{}, s.Credentials())
	assert.Equal(t, credstore.Pair{}, store.Load(ctx))
	assert.Len(t, srv.Requests("/api/user"), 1)
}

func TestSession_ExpiredWithoutRefreshTokenFailsFast(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t)
	s := newSession(t, session.Config{BaseURL: srv.URL})
	require.NoError(t, s.SetAccessToken(ctx, srv.ExpiredAccessToken(apitest.Email)))

	resp, err := s.Do(ctx, "/api/tickets", client.RequestOptions{Method: http.MethodGet})
	require.NoError(t, err)
	drain(t, resp)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, srv.RefreshCount())
	assert.False(t, s.Authenticated())
	assert.Equal(t, int64(1), s.Coordinator().Stats().Skipped)
}

func TestSession_RotatedRefreshTokenIsStored(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t, apitest.WithRotation())
	_, r1 := srv.IssueTokens(apitest.Email)

	store := newStore(t, credstore.NopBus{})
	s := newSession(t, session.Config{Store: store, BaseURL: srv.URL})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: srv.ExpiredAccessToken(apitest.Email), RefreshToken: r1}))

	token, ok := s.Refresh(ctx)
	require.True(t, ok)
	assert.Equal(t, token, s.AccessToken())
	assert.NotEqual(t, r1, s.RefreshToken())
	assert.Equal(t, s.RefreshToken(), store.Load(ctx).RefreshToken)
}

func TestSession_LogoutDuringRefreshDiscardsResult(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t)
	_, r1 := srv.IssueTokens(apitest.Email)

	store := newStore(t, credstore.NopBus{})
	s := newSession(t, session.Config{Store: store, BaseURL: srv.URL})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "stale", RefreshToken: r1}))

	release := srv.HoldRefreshes()
	result := make(chan bool, 1)
	go func() {
		_, ok := s.Refresh(ctx)
		result <- ok
	}()

	select {
	case <-srv.RefreshStarted():
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never reached the server")
	}
	require.NoError(t, s.Clear(ctx))
	release()

	assert.False(t, <-result)
	assert.Equal(t, session.Pair{}, s.Credentials())
	assert.Equal(t, credstore.Pair{}, store.Load(ctx))
}

func TestSession_RefreshTimeoutClearsAndReleasesWaiters(t *testing.T) {
	ctx := context.Background()
	srv := apitest.NewServer(t)
	_, r1 := srv.IssueTokens(apitest.Email)
	release := srv.HoldRefreshes()
	defer release()

	s := newSession(t, session.Config{BaseURL: srv.URL, RefreshTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: r1}))

	const n = 4
	var failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Refresh(ctx); !ok {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), failed.Load())
	assert.False(t, s.Authenticated())
	assert.Error(t, s.Coordinator().LastError())
}

func TestSession_CustomExchanger(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	exchanger := auth.ExchangerFunc(func(ctx context.Context, refreshToken string) (auth.Tokens, error) {
		calls.Add(1)
		if refreshToken != "R1" {
			return auth.Tokens{}, errors.New("unknown refresh token")
		}
		return auth.Tokens{AccessToken: "A2"}, nil
	})

	s := newSession(t, session.Config{BaseURL: "http://localhost", Exchanger: exchanger})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: "R1"}))

	token, ok := s.Refresh(ctx)
	assert.True(t, ok)
	assert.Equal(t, "A2", token)
	assert.Equal(t, "R1", s.RefreshToken())
	assert.Equal(t, int32(1), calls.Load())
}
