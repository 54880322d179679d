// Package config loads trackr settings.
//
// Values are resolved from, lowest to highest precedence: built-in defaults,
// the YAML file at $TRACKR_HOME/config.yaml, TRACKR_* environment variables,
// and finally command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/habedi/trackr/pkg/validation"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvHome           = "TRACKR_HOME"
	EnvAPIURL         = "TRACKR_API_URL"
	EnvRedisURL       = "TRACKR_REDIS_URL"
	EnvRefreshTimeout = "TRACKR_REFRESH_TIMEOUT"
	EnvRequestTimeout = "TRACKR_REQUEST_TIMEOUT"
	EnvWorkers        = "TRACKR_WORKERS"
	EnvLogLevel       = "TRACKR_LOG_LEVEL"
)

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// ErrConfig wraps every configuration error.
var ErrConfig = errors.New("invalid configuration")

// Duration is a time.Duration that reads from YAML as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds trackr settings.
type Config struct {
	// APIURL is the tracker API root.
	APIURL string `yaml:"api_url"`

	// StateDir holds the credential database, the access token file and
	// the config file itself.
	StateDir string `yaml:"-"`

	// RedisURL, when set, moves the shared access credential and change
	// notifications to Redis instead of the state directory.
	RedisURL string `yaml:"redis_url"`

	// RefreshTimeout bounds one refresh exchange.
	RefreshTimeout Duration `yaml:"refresh_timeout"`

	// RequestTimeout bounds one HTTP request.
	RequestTimeout Duration `yaml:"request_timeout"`

	// ExpiredHeader is the response header marking an expired access token.
	ExpiredHeader string `yaml:"expired_header"`

	// Workers is the default concurrency for bulk fetches.
	Workers int `yaml:"workers"`

	// LogLevel is a zerolog level name. Empty leaves logging as configured
	// by DEBUG_TRACKR.
	LogLevel string `yaml:"log_level"`
}

// DefaultStateDir returns $TRACKR_HOME, or ~/.trackr when it is unset.
func DefaultStateDir() string {
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".trackr"
	}
	return filepath.Join(userHome, ".trackr")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIURL:         "http://localhost:3000",
		StateDir:       DefaultStateDir(),
		RefreshTimeout: Duration(30 * time.Second),
		RequestTimeout: Duration(30 * time.Second),
		ExpiredHeader:  "X-Token-Expired",
		Workers:        5,
	}
}

// Load resolves defaults, the config file in the default state directory
// and the environment. A missing config file is not an error.
func Load() (*Config, error) {
	return LoadDir(DefaultStateDir())
}

// LoadDir is Load with an explicit state directory.
func LoadDir(stateDir string) (*Config, error) {
	cfg := Default()
	cfg.StateDir = stateDir
	if err := cfg.loadFile(filepath.Join(stateDir, FileName)); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path on top of the defaults without consulting the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrConfig, path, err)
	}
	c.RedisURL = os.ExpandEnv(c.RedisURL)
	return nil
}

func (c *Config) applyEnv() error {
	if v := envString(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := envString(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := envString(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := envString(EnvRefreshTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfig, EnvRefreshTimeout, err)
		}
		c.RefreshTimeout = Duration(d)
	}
	if v := envString(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfig, EnvRequestTimeout, err)
		}
		c.RequestTimeout = Duration(d)
	}
	if v := envString(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfig, EnvWorkers, err)
		}
		c.Workers = n
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_url must be an absolute http(s) URL, got %q", ErrConfig, c.APIURL)
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil || !strings.HasPrefix(c.RedisURL, "redis") {
			return fmt.Errorf("%w: redis_url must be a redis:// or rediss:// URL, got %q", ErrConfig, c.RedisURL)
		}
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state directory cannot be empty", ErrConfig)
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("%w: refresh_timeout must be positive", ErrConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrConfig)
	}
	if err := validation.ValidateWorkerCount(c.Workers); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if strings.TrimSpace(c.ExpiredHeader) == "" {
		return fmt.Errorf("%w: expired_header cannot be empty", ErrConfig)
	}
	return nil
}

// Save writes the file-backed settings to $StateDir/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.StateDir, FileName), data, 0o600)
}
