package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/credstore"
	"github.com/habedi/trackr/db"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/habedi/trackr/pkg/config"
	"github.com/habedi/trackr/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app carries the resolved configuration and the resources a command opens.
type app struct {
	cfg *config.Config

	// flag values; empty means "not given"
	apiURL   string
	stateDir string
	redisURL string
	logLevel string

	httpClient *http.Client
	rdb        *redis.Client
	store      *credstore.Store
	sess       *session.Session
}

// loadConfig resolves the configuration and applies command-line overrides.
func (a *app) loadConfig() error {
	stateDir := config.DefaultStateDir()
	if a.stateDir != "" {
		stateDir = filepath.Clean(a.stateDir)
	}
	cfg, err := config.LoadDir(stateDir)
	if err != nil {
		return clierr.New(clierr.Validation, err.Error(), err)
	}

	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
	}
	if a.redisURL != "" {
		cfg.RedisURL = a.redisURL
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return clierr.New(clierr.Validation, err.Error(), err)
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return clierr.New(clierr.Validation, err.Error(), err)
	}

	a.cfg = cfg
	return nil
}

// applyLogLevel sets the global zerolog level. An empty name leaves it alone.
func applyLogLevel(name string) error {
	if name == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// openSession opens the credential store and the session on top of it.
//
// The refresh credential is kept in the SQLite database. The access
// credential lives in a file under the state directory, or in Redis when a
// Redis URL is configured; changes to it made by other trackr processes are
// mirrored through the matching bus.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	if a.sess != nil {
		return a.sess, nil
	}

	db.Path = filepath.Join(a.cfg.StateDir, "trackr.db")
	if err := db.InitDB(); err != nil {
		return nil, clierr.New(clierr.Internal, "Failed to open the credential database.", err)
	}
	refresh := credstore.NewSQLBackend(db.NewCredentialRepository(db.GetDB()))

	var access credstore.Backend
	var bus credstore.Bus
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, clierr.New(clierr.Validation, "Invalid Redis URL.", err)
		}
		a.rdb = redis.NewClient(opts)
		access = credstore.NewRedisBackend(a.rdb, "")
		bus = credstore.NewRedisBus(a.rdb, "")
	} else {
		dir := filepath.Join(a.cfg.StateDir, "credentials")
		access = credstore.NewFileBackend(dir)
		bus = credstore.NewFileBus(dir)
	}
	a.store = credstore.NewStore(access, refresh, credstore.WithBus(bus))

	a.httpClient = client.NewHTTPClient(time.Duration(a.cfg.RequestTimeout))
	sess, err := session.New(ctx, session.Config{
		Store:          a.store,
		BaseURL:        a.cfg.APIURL,
		HTTPClient:     a.httpClient,
		RefreshTimeout: time.Duration(a.cfg.RefreshTimeout),
		ExpiredHeader:  a.cfg.ExpiredHeader,
	})
	if err != nil {
		a.close()
		return nil, clierr.New(clierr.Validation, "Failed to start the session.", err)
	}
	a.sess = sess
	return sess, nil
}

// api returns the typed tracker API bound to the session.
func (a *app) api(ctx context.Context) (*client.API, error) {
	sess, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	return client.NewAPI(sess.Gateway()), nil
}

// close releases everything openSession opened.
func (a *app) close() {
	if a.sess != nil {
		_ = a.sess.Close()
		a.sess = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close the Redis client")
		}
		a.rdb = nil
	}
	if err := db.CloseDB(); err != nil {
		log.Error().Err(err).Msg("Failed to close the database.")
	}
}

// requireLogin fails with an auth error when the session holds no credentials.
func requireLogin(sess *session.Session) error {
	if !sess.Authenticated() && sess.RefreshToken() == "" {
		return clierr.New(clierr.Auth, "Not logged in. Run `trackr login` first.", nil)
	}
	return nil
}

// apiFailure turns an error from an API call into a CLI error.
func apiFailure(what string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return clierr.New(clierr.Auth, fmt.Sprintf("%s: %s. Try `trackr login`.", what, apiErr.Message), err)
		case http.StatusNotFound:
			return clierr.New(clierr.NotFound, fmt.Sprintf("%s: not found.", what), err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return clierr.New(clierr.Validation, fmt.Sprintf("%s: %s.", what, apiErr.Message), err)
		}
		return clierr.New(clierr.Internal, fmt.Sprintf("%s: %s.", what, apiErr.Error()), err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return clierr.New(clierr.Network, fmt.Sprintf("%s: the API is unreachable.", what), err)
	}
	return clierr.New(clierr.Internal, fmt.Sprintf("%s: %v", what, err), err)
}
