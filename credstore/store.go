// Package credstore persists the access/refresh credential pair and carries
// access-credential changes between processes that share it.
//
// Storage is best effort: a failing backend never surfaces as an error to the
// caller. The in-memory copy held by the session stays authoritative for the
// current process.
package credstore

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Storage keys for the two credentials.
const (
	AccessKey  = "access_token"
	RefreshKey = "refresh_token"
)

// Pair is the access/refresh credential pair. An empty string means absent.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Store reads and writes the credential pair. The access and refresh
// credentials may live in different backends.
type Store struct {
	access  Backend
	refresh Backend
	bus     Bus
	origin  string

	mu    sync.Mutex
	stops []func()
}

// Option configures a Store.
type Option func(*Store)

// WithBus sets the bus used to announce and observe access-credential changes.
func WithBus(bus Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithOrigin overrides the random origin ID stamped on published changes.
func WithOrigin(origin string) Option {
	return func(s *Store) { s.origin = origin }
}

// NewStore builds a Store over the given backends. Without WithBus, changes
// are neither published nor observed.
func NewStore(access, refresh Backend, opts ...Option) *Store {
	s := &Store{
		access:  access,
		refresh: refresh,
		bus:     NopBus{},
		origin:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin returns the ID this store stamps on its own changes.
func (s *Store) Origin() string {
	return s.origin
}

// Load reads both credentials. Missing or unreadable values come back empty.
func (s *Store) Load(ctx context.Context) Pair {
	return Pair{
		AccessToken:  read(ctx, s.access, AccessKey),
		RefreshToken: read(ctx, s.refresh, RefreshKey),
	}
}

// LoadAccess reads the access credential. A missing or unreadable value comes back empty.
func (s *Store) LoadAccess(ctx context.Context) string {
	return read(ctx, s.access, AccessKey)
}

// Save persists both credentials; an empty value removes the entry.
func (s *Store) Save(ctx context.Context, pair Pair) {
	s.SaveAccess(ctx, pair.AccessToken)
	s.SaveRefresh(ctx, pair.RefreshToken)
}

// SaveAccess persists the access credential and announces it on the bus.
func (s *Store) SaveAccess(ctx context.Context, token string) {
	write(ctx, s.access, AccessKey, token)

	change := Change{Origin: s.origin, Key: AccessKey, Value: token, Deleted: token == ""}
	if err := s.bus.Publish(ctx, change); err != nil {
		log.Warn().Err(err).Msg("Failed to announce access token change")
	}
}

// SaveRefresh persists the refresh credential. Refresh changes are not
// broadcast; other processes read the durable value on their next load.
func (s *Store) SaveRefresh(ctx context.Context, token string) {
	write(ctx, s.refresh, RefreshKey, token)
}

// ExternalChange is an access credential change made by another store.
type ExternalChange struct {
	// AccessToken is the new value, empty when it was removed.
	AccessToken string
	// Sampled is set when the bus could not carry the value and it was read
	// back from the backend when the change was noticed. Such a value can
	// predate a local write that was still in progress; LoadAccess returns
	// the current one.
	Sampled bool
}

// OnExternalChange calls fn with the new access credential (empty when
// removed) whenever another store changes it. The returned function stops
// the subscription; Close stops all of them.
func (s *Store) OnExternalChange(fn func(accessToken string)) func() {
	return s.OnExternalAccessChange(func(c ExternalChange) { fn(c.AccessToken) })
}

// OnExternalAccessChange is OnExternalChange with the details of each change.
func (s *Store) OnExternalAccessChange(fn func(ExternalChange)) func() {
	cancel, err := s.bus.Subscribe(context.Background(), func(c Change) {
		if c.Key != AccessKey || (c.Origin != "" && c.Origin == s.origin) {
			return
		}
		change := ExternalChange{AccessToken: c.Value, Sampled: c.Origin == ""}
		if c.Deleted {
			change.AccessToken = ""
		}
		fn(change)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Cross-process credential sync disabled")
		return func() {}
	}

	s.mu.Lock()
	s.stops = append(s.stops, cancel)
	s.mu.Unlock()
	return cancel
}

// Close stops every subscription made through OnExternalChange.
func (s *Store) Close() {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func read(ctx context.Context, b Backend, key string) string {
	if b == nil {
		return ""
	}
	v, err := b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return ""
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to read credential, treating as absent")
		return ""
	}
	return v
}

func write(ctx context.Context, b Backend, key, value string) {
	if b == nil {
		return
	}
	var err error
	if value == "" {
		err = b.Delete(ctx, key)
	} else {
		err = b.Set(ctx, key, value)
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist credential, keeping it in memory only")
	}
}
