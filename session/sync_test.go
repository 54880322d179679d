package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/habedi/trackr/auth"
	"github.com/habedi/trackr/credstore"
	"github.com/habedi/trackr/internal/apitest"
	"github.com/habedi/trackr/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedSetup builds backends shared by two processes and a bus factory connecting them.
type sharedSetup func(t *testing.T) (access, refresh credstore.Backend, newBus func() credstore.Bus)

func localSetup(t *testing.T) (credstore.Backend, credstore.Backend, func() credstore.Bus) {
	bus := credstore.NewLocalBus()
	return credstore.NewMemoryBackend(), credstore.NewMemoryBackend(), func() credstore.Bus { return bus }
}

func fileSetup(t *testing.T) (credstore.Backend, credstore.Backend, func() credstore.Bus) {
	dir := t.TempDir()
	return credstore.NewFileBackend(dir), credstore.NewFileBackend(dir), func() credstore.Bus { return credstore.NewFileBus(dir) }
}

func redisSetup(t *testing.T) (credstore.Backend, credstore.Backend, func() credstore.Bus) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	backend := credstore.NewRedisBackend(rdb, "")
	return backend, backend, func() credstore.Bus { return credstore.NewRedisBus(rdb, "") }
}

func TestSession_MirrorsAccessChangesFromOtherProcess(t *testing.T) {
	setups := map[string]sharedSetup{
		"local": localSetup,
		"file":  fileSetup,
		"redis": redisSetup,
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			srv := apitest.NewServer(t)
			_, r1 := srv.IssueTokens(apitest.Email)

			access, refresh, newBus := setup(t)
			storeA := credstore.NewStore(access, refresh, credstore.WithBus(newBus()))
			storeB := credstore.NewStore(access, refresh, credstore.WithBus(newBus()))
			t.Cleanup(storeA.Close)
			t.Cleanup(storeB.Close)

			a := newSession(t, session.Config{Store: storeA, BaseURL: srv.URL})
			require.NoError(t, a.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: r1}))

			b := newSession(t, session.Config{Store: storeB, BaseURL: srv.URL})
			assert.Equal(t, "A1", b.AccessToken(), "second process hydrates from the shared store")

			a2, ok := a.Refresh(ctx)
			require.True(t, ok)

			require.Eventually(t, func() bool { return b.AccessToken() == a2 }, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, 1, srv.RefreshCount(), "mirroring must not start a refresh")
			assert.Equal(t, auth.Idle, b.Coordinator().State())

			require.NoError(t, a.Clear(ctx))
			require.Eventually(t, func() bool { return !b.Authenticated() }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestSession_MirrorIsNotWrittenBack(t *testing.T) {
	ctx := context.Background()
	bus := credstore.NewLocalBus()
	sharedAccess := credstore.NewMemoryBackend()

	storeA := credstore.NewStore(sharedAccess, credstore.NewMemoryBackend(), credstore.WithBus(bus))
	localB := credstore.NewMemoryBackend()
	storeB := credstore.NewStore(localB, credstore.NewMemoryBackend(), credstore.WithBus(bus))
	t.Cleanup(storeA.Close)
	t.Cleanup(storeB.Close)

	a := newSession(t, session.Config{Store: storeA, BaseURL: "http://localhost"})
	b := newSession(t, session.Config{Store: storeB, BaseURL: "http://localhost"})

	require.NoError(t, a.SetAccessToken(ctx, "A7"))
	require.Eventually(t, func() bool { return b.AccessToken() == "A7" }, 5*time.Second, 10*time.Millisecond)

	_, err := localB.Get(ctx, credstore.AccessKey)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestSession_ClosedSessionStopsMirroring(t *testing.T) {
	ctx := context.Background()
	bus := credstore.NewLocalBus()
	storeA := credstore.NewStore(credstore.NewMemoryBackend(), credstore.NewMemoryBackend(), credstore.WithBus(bus))
	storeB := credstore.NewStore(credstore.NewMemoryBackend(), credstore.NewMemoryBackend(), credstore.WithBus(bus))
	t.Cleanup(storeA.Close)
	t.Cleanup(storeB.Close)

	a := newSession(t, session.Config{Store: storeA, BaseURL: "http://localhost"})
	b := newSession(t, session.Config{Store: storeB, BaseURL: "http://localhost"})
	require.NoError(t, b.Close())

	require.NoError(t, a.SetAccessToken(ctx, "A1"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.AccessToken())
}

func TestSession_LogoutElsewhereDiscardsInFlightRefresh(t *testing.T) {
	setups := map[string]sharedSetup{
		"local": localSetup,
		"file":  fileSetup,
		"redis": redisSetup,
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			access, refresh, newBus := setup(t)
			storeA := credstore.NewStore(access, refresh, credstore.WithBus(newBus()))
			storeB := credstore.NewStore(access, refresh, credstore.WithBus(newBus()))
			t.Cleanup(storeA.Close)
			t.Cleanup(storeB.Close)

			a := newSession(t, session.Config{Store: storeA, BaseURL: "http://localhost"})
			require.NoError(t, a.Login(ctx, auth.Tokens{AccessToken: "A1", RefreshToken: "R1"}))

			started := make(chan struct{})
			release := make(chan struct{})
			releaseOnce := sync.OnceFunc(func() { close(release) })
			t.Cleanup(releaseOnce)
			exchanger := auth.ExchangerFunc(func(ctx context.Context, refreshToken string) (auth.Tokens, error) {
				close(started)
				<-release
				return auth.Tokens{AccessToken: "A2", RefreshToken: "R2"}, nil
			})
			b := newSession(t, session.Config{Store: storeB, BaseURL: "http://localhost", Exchanger: exchanger})
			require.Equal(t, "A1", b.AccessToken())

			type result struct {
				token string
				ok    bool
			}
			done := make(chan result, 1)
			go func() {
				token, ok := b.Refresh(ctx)
				done <- result{token, ok}
			}()
			<-started

			require.NoError(t, a.Clear(ctx))
			require.Eventually(t, func() bool { return !b.Authenticated() }, 5*time.Second, 10*time.Millisecond)
			releaseOnce()

			res := <-done
			assert.False(t, res.ok)
			assert.Empty(t, res.token)
			assert.Empty(t, b.AccessToken())
			assert.Equal(t, credstore.Pair{}, storeB.Load(ctx), "the logout must stay in effect")
		})
	}
}

// manualBus delivers only the changes a test emits.
type manualBus struct {
	mu  sync.Mutex
	fns []func(credstore.Change)
}

func (b *manualBus) Publish(context.Context, credstore.Change) error { return nil }

func (b *manualBus) Subscribe(_ context.Context, fn func(credstore.Change)) (func(), error) {
	b.mu.Lock()
	b.fns = append(b.fns, fn)
	b.mu.Unlock()
	return func() {}, nil
}

func (b *manualBus) emit(c credstore.Change) {
	b.mu.Lock()
	fns := append(([]func(credstore.Change))(nil), b.fns...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func TestSession_SampledChangeUsesCurrentStoredValue(t *testing.T) {
	ctx := context.Background()
	bus := &manualBus{}
	access := credstore.NewMemoryBackend()
	store := credstore.NewStore(access, credstore.NewMemoryBackend(), credstore.WithBus(bus))
	t.Cleanup(store.Close)

	s := newSession(t, session.Config{Store: store, BaseURL: "http://localhost"})
	require.NoError(t, s.Login(ctx, auth.Tokens{AccessToken: "A2", RefreshToken: "R1"}))

	// A file event read before this session's own write finished.
	bus.emit(credstore.Change{Key: credstore.AccessKey, Value: "A1"})
	assert.Equal(t, "A2", s.AccessToken())

	// Another process replaced the token.
	require.NoError(t, access.Set(ctx, credstore.AccessKey, "A3"))
	bus.emit(credstore.Change{Key: credstore.AccessKey, Value: "A3"})
	assert.Equal(t, "A3", s.AccessToken())
	assert.Equal(t, "R1", s.RefreshToken())
}
