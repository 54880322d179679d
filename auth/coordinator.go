package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 30 * time.Second

// ErrNoRefreshToken is reported when a refresh is requested without a refresh credential.
var ErrNoRefreshToken = errors.New("no refresh token available")

// State is the coordinator's refresh state.
type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Stats counts exchanges made by a Coordinator.
type Stats struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Skipped   int64 // settled without a network call (no refresh token)
}

// Coordinator runs at most one refresh exchange at a time. Callers arriving
// while an exchange is in flight wait for its result instead of starting
// their own; every waiter of one exchange receives the same outcome, in the
// order it arrived.
type Coordinator struct {
	creds     Credentials
	exchanger Exchanger
	timeout   time.Duration

	mu         sync.Mutex
	refreshing bool
	waiters    []chan string
	stats      Stats
	lastErr    error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each exchange. When it elapses the exchange counts as
// failed and every waiter receives no token. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator creates a Coordinator working on creds through exchanger.
func NewCoordinator(creds Credentials, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds:     creds,
		exchanger: exchanger,
		timeout:   DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns a fresh access token, or false when none could be obtained.
//
// If an exchange is already running the caller joins its waiter queue.
// Otherwise it starts one. The exchange is detached from ctx so a caller
// giving up does not fail the others; a caller whose ctx ends stops waiting
// and gets false.
func (c *Coordinator) Refresh(ctx context.Context) (string, bool) {
	result := make(chan string, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, result)
	leader := !c.refreshing
	c.refreshing = true
	c.mu.Unlock()

	if leader {
		go c.run(context.WithoutCancel(ctx))
	} else {
		log.Debug().Msg("Refresh already in flight, waiting for its result")
	}

	select {
	case token := <-result:
		return token, token != ""
	case <-ctx.Done():
		return "", false
	}
}

// State reports whether an exchange is in flight.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshing {
		return Refreshing
	}
	return Idle
}

// Pending returns how many callers are waiting on the current exchange.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Stats returns a copy of the exchange counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LastError returns why the most recent refresh produced no token, or nil
// if it succeeded.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// run performs one exchange and settles every queued waiter with its outcome.
func (c *Coordinator) run(ctx context.Context) {
	refreshToken, epoch := c.creds.RefreshSnapshot()

	if refreshToken == "" {
		log.Info().Msg("No refresh token held, clearing session")
		c.creds.Invalidate(ctx, epoch)
		c.settle("", ErrNoRefreshToken, func(s *Stats) { s.Skipped++ })
		return
	}

	c.mu.Lock()
	c.stats.Started++
	c.mu.Unlock()

	exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	tokens, err := c.exchange(exchangeCtx, refreshToken)
	cancel()

	if err != nil {
		log.Warn().Err(err).Msg("Token refresh failed, clearing session")
		c.creds.Invalidate(ctx, epoch)
		c.settle("", err, func(s *Stats) { s.Failed++ })
		return
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if !c.creds.ApplyRefresh(ctx, epoch, tokens) {
		log.Info().Msg("Session changed during refresh, discarding refreshed tokens")
		c.settle("", errors.New("session changed during refresh"), func(s *Stats) { s.Failed++ })
		return
	}

	log.Info().Msg("Access token refreshed")
	c.settle(tokens.AccessToken, nil, func(s *Stats) { s.Succeeded++ })
}

// exchange calls the exchanger and converts a panic or an empty token into an error.
func (c *Coordinator) exchange(ctx context.Context, refreshToken string) (tokens Tokens, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh exchange panicked: %v", r)
		}
	}()

	tokens, err = c.exchanger.Exchange(ctx, refreshToken)
	if err != nil {
		return Tokens{}, err
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("refresh response carried no access token")
	}
	return tokens, nil
}

// settle drains the waiter queue in arrival order and returns to Idle.
// Queue hand-off and the state change happen under one lock, so a caller
// arriving afterwards starts a new exchange rather than joining this one.
func (c *Coordinator) settle(token string, err error, count func(*Stats)) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.lastErr = err
	count(&c.stats)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- token
	}
}
