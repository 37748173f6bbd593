// Package config loads the storefront fetch configuration from a YAML file,
// STOREFRONT_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/storefront-fetch/pkg/logging"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// STOREFRONT_COMMERCE_BASE_URL.
const EnvPrefix = "STOREFRONT"

// Config is the complete storefront fetch configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (STOREFRONT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Commerce configures the commerce REST API client
	Commerce CommerceConfig `mapstructure:"commerce" yaml:"commerce"`

	// Cache configures the in-memory cache and the optional Redis persister
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Retry configures backoff for transient failures
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Connectivity configures the reachability probe and reconnect pulse
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`

	// Refresh configures the reconnect refresh wave
	Refresh RefreshConfig `mapstructure:"refresh" yaml:"refresh"`

	// Server configures the HTTP proxy
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Tracing configures span export
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Pretty enables human-readable console output instead of JSON
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// CommerceConfig configures the commerce API client.
type CommerceConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key" yaml:"consumer_key,omitempty"`
	ConsumerSecret string `mapstructure:"consumer_secret" yaml:"consumer_secret,omitempty"`
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`

	// Timeout bounds a single request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// RespectCacheHeaders lets Cache-Control and Expires override the TTL
	RespectCacheHeaders bool `mapstructure:"respect_cache_headers" yaml:"respect_cache_headers"`

	// PerPage and PageConcurrency tune paginated collection fetches
	PerPage         int `mapstructure:"per_page" yaml:"per_page"`
	PageConcurrency int `mapstructure:"page_concurrency" yaml:"page_concurrency"`

	// MaxPages caps the page count a collection may announce
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`
}

// CacheConfig configures caching.
type CacheConfig struct {
	// DefaultTTL is how long fetched resources stay fresh
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// MaxEntries caps the in-memory cache (0 = unbounded)
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`

	// Redis enables the snapshot persister when Addr is set
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the optional Redis persister.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// StaleRetention keeps snapshots past their TTL for stale fallbacks
	StaleRetention time.Duration `mapstructure:"stale_retention" yaml:"stale_retention"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// RetryConfig configures retry with backoff.
type RetryConfig struct {
	// MaxRetries is the total number of attempts per network load
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`

	// Jitter randomizes each wait by ±Jitter (0.2 = ±20%)
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
}

// ConnectivityConfig configures connectivity detection.
type ConnectivityConfig struct {
	// ProbeAddress is a host:port dialed to check reachability
	ProbeAddress string `mapstructure:"probe_address" yaml:"probe_address"`

	// ProbeURL is requested with HEAD instead of dialing when set
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url,omitempty"`

	ProbeInterval   time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ReconnectWindow time.Duration `mapstructure:"reconnect_window" yaml:"reconnect_window"`

	// ShortCircuitOffline serves stale entries without a network attempt
	// while offline
	ShortCircuitOffline bool `mapstructure:"short_circuit_offline" yaml:"short_circuit_offline"`
}

// RefreshConfig configures the reconnect refresh wave.
type RefreshConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// TracingConfig configures OTLP/HTTP span export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// ServerConfig configures the HTTP proxy.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Commerce: CommerceConfig{
			BaseURL:             "http://localhost:8080/wp-json/wc/v3",
			UserAgent:           "storefront-fetch/dev",
			Timeout:             15 * time.Second,
			RespectCacheHeaders: true,
			PerPage:             100,
			PageConcurrency:     4,
			MaxPages:            1000,
		},
		Cache: CacheConfig{
			DefaultTTL: 5 * time.Minute,
			Redis: RedisConfig{
				KeyPrefix:      "storefront:",
				StaleRetention: 24 * time.Hour,
			},
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Jitter:       0.1,
		},
		Connectivity: ConnectivityConfig{
			ProbeAddress:    "1.1.1.1:443",
			ProbeInterval:   5 * time.Second,
			ProbeTimeout:    2 * time.Second,
			ReconnectWindow: 3 * time.Second,
		},
		Refresh: RefreshConfig{
			Concurrency: 4,
		},
		Server: ServerConfig{
			Addr:            ":8090",
			ShutdownTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4318",
			Insecure:   true,
			SampleRate: 1,
		},
	}
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath searches for storefront.yaml in the working directory
// and the user config directory. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold API credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the fetch layer cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if c.Commerce.BaseURL == "" {
		errs = append(errs, errors.New("commerce.base_url is required"))
	} else if u, err := url.Parse(c.Commerce.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("commerce.base_url: must be an http(s) URL, got %q", c.Commerce.BaseURL))
	}
	if (c.Commerce.ConsumerKey == "") != (c.Commerce.ConsumerSecret == "") {
		errs = append(errs, errors.New("commerce.consumer_key and commerce.consumer_secret must be set together"))
	}
	if c.Commerce.Timeout <= 0 {
		errs = append(errs, errors.New("commerce.timeout must be positive"))
	}

	if c.Cache.DefaultTTL < 0 {
		errs = append(errs, errors.New("cache.default_ttl must not be negative"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}

	if c.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.max_retries must be at least 1"))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, errors.New("retry.initial_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.initial_delay"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter))
	}

	if c.Connectivity.ProbeAddress == "" && c.Connectivity.ProbeURL == "" {
		errs = append(errs, errors.New("connectivity.probe_address or connectivity.probe_url is required"))
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, errors.New("connectivity.probe_interval must be positive"))
	}
	if c.Connectivity.ReconnectWindow <= 0 {
		errs = append(errs, errors.New("connectivity.reconnect_window must be positive"))
	}

	if c.Refresh.Concurrency < 1 {
		errs = append(errs, errors.New("refresh.concurrency must be at least 1"))
	}

	if c.Commerce.MaxPages < 0 {
		errs = append(errs, errors.New("commerce.max_pages must not be negative"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be in [0, 1], got %v", c.Tracing.SampleRate))
	}

	return errors.Join(errs...)
}

// setupViper configures environment variables and the config file location.
func setupViper(v *viper.Viper, configPath string) {
	// Example: STOREFRONT_CACHE_DEFAULT_TTL=10m
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("storefront")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())
}

// setDefaults registers every key of defaults with viper. AutomaticEnv only
// resolves keys viper knows about, so this also makes each field
// overridable from the environment without a config file.
func setDefaults(v *viper.Viper, defaults *Config) error {
	var m map[string]any
	if err := mapstructure.Decode(defaults, &m); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	for key, value := range flatten("", m) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// readConfigFile reads the config file. A missing file is not an error.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks returns the decode hooks for config values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
// Plain numbers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns the user configuration directory for storefront-fetch.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "storefront-fetch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "storefront-fetch")
}
