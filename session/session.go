// Package session holds the process-wide authentication state: the
// in-memory credential pair, its persistence, the refresh coordinator and
// the gateway every API call goes through.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/habedi/trackr/auth"
	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/credstore"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

// Pair is the credential pair exposed to watchers.
type Pair = credstore.Pair

// Config holds configuration for creating a Session.
type Config struct {
	// Store persists credentials. If nil, credentials live in memory only.
	Store *credstore.Store
	// Exchanger performs refresh exchanges. If nil, a client.RefreshClient
	// for BaseURL is used.
	Exchanger auth.Exchanger
	// BaseURL is the API root.
	BaseURL string
	// HTTPClient is shared by the gateway and the default exchanger.
	HTTPClient *http.Client
	// RefreshTimeout bounds one refresh exchange. Zero means auth.DefaultRefreshTimeout.
	RefreshTimeout time.Duration
	// PublicPaths and ExpiredHeader are passed to the gateway.
	PublicPaths   []string
	ExpiredHeader string
}

// Session owns the credential pair. It is the only writer of persisted
// credentials; the coordinator and gateway go through its methods.
//
// A Session is safe for concurrent use.
type Session struct {
	store       *credstore.Store
	coordinator *auth.Coordinator
	gateway     *client.Gateway

	// writeMu serializes mutations so persistence happens in mutation order.
	writeMu sync.Mutex

	mu       sync.RWMutex
	access   string
	refresh  string
	epoch    uint64
	closed   bool
	watchers map[int]func(Pair)
	nextID   int
	stopSync func()
}

// New creates a Session, hydrating credentials from the store before it
// returns and subscribing to access-credential changes made elsewhere.
func New(ctx context.Context, cfg Config) (*Session, error) {
	store := cfg.Store
	if store == nil {
		store = credstore.NewStore(credstore.NewMemoryBackend(), credstore.NewMemoryBackend())
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = client.NewHTTPClient(client.DefaultRequestTimeout)
	}

	exchanger := cfg.Exchanger
	if exchanger == nil {
		rc, err := client.NewRefreshClient(cfg.BaseURL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		exchanger = rc
	}

	s := &Session{
		store:    store,
		watchers: make(map[int]func(Pair)),
	}

	pair := store.Load(ctx)
	s.access, s.refresh = pair.AccessToken, pair.RefreshToken
	log.Debug().Bool("access", s.access != "").Bool("refresh", s.refresh != "").Msg("Session hydrated from store")

	s.coordinator = auth.NewCoordinator(s, exchanger, auth.WithTimeout(cfg.RefreshTimeout))

	gateway, err := client.NewGateway(client.GatewayConfig{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    httpClient,
		Tokens:        s,
		Refresher:     s.coordinator,
		PublicPaths:   cfg.PublicPaths,
		ExpiredHeader: cfg.ExpiredHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.gateway = gateway

	s.stopSync = store.OnExternalAccessChange(s.mirrorAccess)
	return s, nil
}

func (s *Session) mustBeValid() {
	if s == nil {
		panic("session used outside its provider: nil *Session")
	}
}

// AccessToken returns the current access credential, empty when absent.
func (s *Session) AccessToken() string {
	s.mustBeValid()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh credential, empty when absent.
func (s *Session) RefreshToken() string {
	s.mustBeValid()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Credentials returns both credentials.
func (s *Session) Credentials() Pair {
	s.mustBeValid()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Pair{AccessToken: s.access, RefreshToken: s.refresh}
}

// Authenticated reports whether an access credential is held.
func (s *Session) Authenticated() bool {
	return s.AccessToken() != ""
}

// Gateway returns the gateway bound to this session.
func (s *Session) Gateway() *client.Gateway {
	s.mustBeValid()
	return s.gateway
}

// Coordinator returns the refresh coordinator bound to this session.
func (s *Session) Coordinator() *auth.Coordinator {
	s.mustBeValid()
	return s.coordinator
}

// Do sends a request through the session's gateway.
func (s *Session) Do(ctx context.Context, target string, opts client.RequestOptions) (*http.Response, error) {
	s.mustBeValid()
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.gateway.Do(ctx, target, opts)
}

// Refresh runs (or joins) a refresh exchange and returns the new access credential.
func (s *Session) Refresh(ctx context.Context) (string, bool) {
	s.mustBeValid()
	if s.isClosed() {
		return "", false
	}
	return s.coordinator.Refresh(ctx)
}

// SetAccessToken replaces the access credential. An empty token removes it.
func (s *Session) SetAccessToken(ctx context.Context, token string) error {
	s.mustBeValid()
	return s.mutate(ctx, func(p *Pair) { p.AccessToken = token }, true, false)
}

// SetRefreshToken replaces the refresh credential. An empty token removes it.
func (s *Session) SetRefreshToken(ctx context.Context, token string) error {
	s.mustBeValid()
	return s.mutate(ctx, func(p *Pair) { p.RefreshToken = token }, false, true)
}

// Login stores a freshly issued credential pair.
func (s *Session) Login(ctx context.Context, tokens auth.Tokens) error {
	s.mustBeValid()
	return s.mutate(ctx, func(p *Pair) {
		p.AccessToken = tokens.AccessToken
		p.RefreshToken = tokens.RefreshToken
	}, true, true)
}

// Clear removes both credentials. Clearing an empty session is a no-op
// apart from bumping the epoch, so an in-flight refresh result is discarded.
func (s *Session) Clear(ctx context.Context) error {
	s.mustBeValid()
	return s.mutate(ctx, func(p *Pair) { *p = Pair{} }, true, true)
}

// mutate applies fn to the pair, bumps the epoch and writes the changed
// entries through to the store.
func (s *Session) mutate(ctx context.Context, fn func(*Pair), access, refresh bool) error {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return ErrClosed
	}
	pair := Pair{AccessToken: s.access, RefreshToken: s.refresh}
	fn(&pair)
	s.access, s.refresh = pair.AccessToken, pair.RefreshToken
	s.epoch++
	s.mu.Unlock()

	if access {
		s.store.SaveAccess(ctx, pair.AccessToken)
	}
	if refresh {
		s.store.SaveRefresh(ctx, pair.RefreshToken)
	}
	s.writeMu.Unlock()

	s.notify(pair)
	return nil
}

// RefreshSnapshot implements auth.Credentials.
func (s *Session) RefreshSnapshot() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh, s.epoch
}

// ApplyRefresh implements auth.Credentials. The result is dropped when the
// session changed since the snapshot at epoch was taken.
func (s *Session) ApplyRefresh(ctx context.Context, epoch uint64, tokens auth.Tokens) bool {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	s.access = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refresh = tokens.RefreshToken
	}
	s.epoch++
	pair := Pair{AccessToken: s.access, RefreshToken: s.refresh}
	s.mu.Unlock()

	s.store.SaveAccess(ctx, pair.AccessToken)
	if tokens.RefreshToken != "" {
		s.store.SaveRefresh(ctx, pair.RefreshToken)
	}
	s.writeMu.Unlock()

	s.notify(pair)
	return true
}

// Invalidate implements auth.Credentials. Both credentials are cleared
// unless the session changed since epoch.
func (s *Session) Invalidate(ctx context.Context, epoch uint64) bool {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	s.access, s.refresh = "", ""
	s.epoch++
	s.mu.Unlock()

	s.store.Save(ctx, Pair{})
	s.writeMu.Unlock()

	log.Info().Msg("Session cleared after failed refresh")
	s.notify(Pair{})
	return true
}

// mirrorAccess copies an access credential written by another process into
// memory. Nothing is persisted and no refresh is started. A removal counts
// as a logout elsewhere, so it bumps the epoch and a refresh still in flight
// here cannot bring the credential back.
func (s *Session) mirrorAccess(c credstore.ExternalChange) {
	token := c.AccessToken
	if c.Sampled {
		// Wait out a local write in progress and take the value it left behind.
		s.writeMu.Lock()
		token = s.store.LoadAccess(context.Background())
	}

	s.mu.Lock()
	changed := !s.closed && s.access != token
	if changed {
		s.access = token
		if token == "" {
			s.epoch++
		}
	}
	pair := Pair{AccessToken: s.access, RefreshToken: s.refresh}
	s.mu.Unlock()
	if c.Sampled {
		s.writeMu.Unlock()
	}
	if !changed {
		return
	}

	log.Debug().Bool("present", token != "").Msg("Mirrored access token changed by another process")
	s.notify(pair)
}

// Watch calls fn with the new pair after every change, including changes
// mirrored from other processes. fn runs on the goroutine that made the
// change and must not block. The returned function removes the watcher.
func (s *Session) Watch(fn func(Pair)) func() {
	s.mustBeValid()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) notify(pair Pair) {
	s.mu.RLock()
	fns := make([]func(Pair), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(pair)
	}
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops cross-process sync and rejects further mutations. Credentials
// are left in the store. Close is idempotent.
func (s *Session) Close() error {
	s.mustBeValid()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopSync
	s.watchers = make(map[int]func(Pair))
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}
