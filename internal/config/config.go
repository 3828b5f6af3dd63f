// Package config provides configuration loading and management for the sync client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chronodesk/chronosync/internal/credentials"
	"github.com/chronodesk/chronosync/internal/httpclient"
	"github.com/chronodesk/chronosync/internal/telemetry"
)

// EnvPrefix is the prefix of environment variables that override the file
const EnvPrefix = "CHRONOSYNC"

// Defaults
const (
	DefaultHost         = "https://api.chronodesk.io"
	DefaultRealtimeURL  = "wss://stream.chronodesk.io/ws"
	DefaultSyncInterval = 15 * time.Minute
	DefaultSyncJitter   = 30 * time.Second
	DefaultStatusListen = "127.0.0.1:9465"
	DefaultLogLevel     = "info"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
	env  bool
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks; this also cleans the path.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// WithoutEnv disables CHRONOSYNC_* environment overrides
func WithoutEnv() Option {
	return func(cfg *loaderConfig) error {
		cfg.env = false
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	API         APIConfig              `yaml:"api"`
	TLS         TLSConfig              `yaml:"tls"`
	Proxy       httpclient.ProxyConfig `yaml:"proxy,omitempty"`
	App         AppConfig              `yaml:"app,omitempty"`
	Storage     StorageConfig          `yaml:"storage,omitempty"`
	Credentials CredentialsConfig      `yaml:"credentials,omitempty"`
	Sync        SyncConfig             `yaml:"sync,omitempty"`
	Status      StatusConfig           `yaml:"status,omitempty"`
	Logging     LoggingConfig          `yaml:"logging,omitempty"`
	Telemetry   *telemetry.Config      `yaml:"telemetry,omitempty"`
}

// APIConfig defines the backend endpoints
type APIConfig struct {
	// Host is the backend base URL, scheme included
	Host string `yaml:"host"`

	// RealtimeURL is the websocket endpoint of the push stream
	RealtimeURL string `yaml:"realtimeURL,omitempty"`

	// Timeout bounds a single request (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// TLSConfig defines certificate verification
type TLSConfig struct {
	// CACertPath is the PEM bundle used to verify the backend
	CACertPath string `yaml:"caCertPath"`

	// IgnoreCert disables verification. Development only.
	IgnoreCert bool `yaml:"ignoreCert,omitempty"`
}

// AppConfig identifies the client in the User-Agent
type AppConfig struct {
	Name    string `yaml:"name,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// StorageConfig defines where local state lives
type StorageConfig struct {
	// DataDir holds the database, sync status and the instance lock
	DataDir string `yaml:"dataDir,omitempty"`
}

// CredentialsConfig selects the token store
type CredentialsConfig struct {
	// Backend is one of keyring, file or memory
	Backend string `yaml:"backend,omitempty"`
}

// SyncConfig defines background synchronization
type SyncConfig struct {
	// Interval between automatic incremental syncs (e.g. "15m")
	Interval string `yaml:"interval,omitempty"`

	// Jitter is the maximum random offset applied to each interval
	Jitter string `yaml:"jitter,omitempty"`

	// Realtime starts the push stream with the watch command
	Realtime bool `yaml:"realtime,omitempty"`
}

// StatusConfig defines the local status endpoint
type StatusConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// LoggingConfig defines log output
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`

	// Format is json or text; empty picks text on a terminal
	Format string `yaml:"format,omitempty"`

	// File enables a rotated log file next to stderr output
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
}

// envKeys lists the settings that may be overridden from the environment,
// e.g. CHRONOSYNC_API_HOST.
var envKeys = []string{
	"api.host",
	"api.realtimeurl",
	"api.timeout",
	"tls.cacertpath",
	"tls.ignorecert",
	"storage.datadir",
	"credentials.backend",
	"sync.interval",
	"log.level",
	"logging.file",
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and the environment, then validates it.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{env: true}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if loaderCfg.env {
		if err := config.applyEnv(); err != nil {
			return nil, err
		}
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	set := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	set("api.host", &c.API.Host)
	set("api.realtimeurl", &c.API.RealtimeURL)
	set("api.timeout", &c.API.Timeout)
	set("tls.cacertpath", &c.TLS.CACertPath)
	set("storage.datadir", &c.Storage.DataDir)
	set("credentials.backend", &c.Credentials.Backend)
	set("sync.interval", &c.Sync.Interval)
	set("log.level", &c.Logging.Level)
	set("logging.file", &c.Logging.File)
	if v.IsSet("tls.ignorecert") {
		c.TLS.IgnoreCert = v.GetBool("tls.ignorecert")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Host == "" {
		c.API.Host = DefaultHost
	}
	c.API.Host = strings.TrimRight(c.API.Host, "/")
	if c.API.RealtimeURL == "" {
		c.API.RealtimeURL = DefaultRealtimeURL
	}
	if c.App.Name == "" {
		c.App.Name = "chronosync"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = credentials.BackendKeyring
	}
	if c.Status.Listen == "" {
		c.Status.Listen = DefaultStatusListen
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chronosync")
	}
	return ".chronosync"
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if u, err := url.Parse(c.API.Host); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		errs = append(errs, fmt.Errorf("api.host must be an http(s) URL, got %q", c.API.Host))
	}
	if u, err := url.Parse(c.API.RealtimeURL); err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		errs = append(errs, fmt.Errorf("api.realtimeURL must be a ws(s) URL, got %q", c.API.RealtimeURL))
	}
	if err := validateDuration("api.timeout", c.API.Timeout); err != nil {
		errs = append(errs, err)
	}

	if c.TLS.CACertPath == "" {
		errs = append(errs, fmt.Errorf("tls.caCertPath is required"))
	}

	switch c.Credentials.Backend {
	case credentials.BackendKeyring, credentials.BackendFile, credentials.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("credentials.backend must be one of keyring, file or memory, got %q",
			c.Credentials.Backend))
	}

	if err := validateDuration("sync.interval", c.Sync.Interval); err != nil {
		errs = append(errs, err)
	}
	if err := validateDuration("sync.jitter", c.Sync.Jitter); err != nil {
		errs = append(errs, err)
	}

	if c.Proxy.Host != "" && (c.Proxy.Port <= 0 || c.Proxy.Port > 65535) {
		errs = append(errs, fmt.Errorf("proxy.port must be between 1 and 65535, got %d", c.Proxy.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '15m'): %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

// HTTPClientConfig returns the transport configuration
func (c *Config) HTTPClientConfig() httpclient.Config {
	return httpclient.Config{
		CACertPath: c.TLS.CACertPath,
		IgnoreCert: c.TLS.IgnoreCert,
		Proxy:      c.Proxy,
		AppName:    c.App.Name,
		AppVersion: c.App.Version,
	}
}

// RequestTimeout returns api.timeout, or zero for the transport default
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// DatabasePath returns the SQLite file inside the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "chronosync.db")
}
