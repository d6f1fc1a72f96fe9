// Package config loads gateway settings from file, environment and flags.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g.
// VISIONGATE_STORE_DRIVER=postgres.
const EnvPrefix = "VISIONGATE"

// Store drivers.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverFirestore = "firestore"
	DriverMemory    = "memory"
)

var drivers = []string{DriverSQLite, DriverPostgres, DriverMySQL, DriverFirestore, DriverMemory}

// Config is the complete gateway configuration. Durations and sizes are kept
// as strings so the YAML file stays human-readable; use the accessor methods.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `yaml:"host" mapstructure:"host"`
	Port            int      `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodySize     string   `yaml:"max_body_size" mapstructure:"max_body_size"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// TrustedProxies lists the peers (CIDRs or single addresses) whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// AuthConfig controls how API keys are presented.
type AuthConfig struct {
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`
}

// StoreConfig selects and configures the key store backend.
type StoreConfig struct {
	Driver    string          `yaml:"driver" mapstructure:"driver"`
	DSN       string          `yaml:"dsn" mapstructure:"dsn"`
	DataDir   string          `yaml:"data_dir" mapstructure:"data_dir"`
	Firestore FirestoreConfig `yaml:"firestore" mapstructure:"firestore"`
}

// FirestoreConfig identifies the Firestore project holding keys.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
}

// RateLimitConfig controls the per-client sliding window limiter.
type RateLimitConfig struct {
	Enabled                bool        `yaml:"enabled" mapstructure:"enabled"`
	Requests               int         `yaml:"requests" mapstructure:"requests"`
	Window                 string      `yaml:"window" mapstructure:"window"`
	Redis                  RedisConfig `yaml:"redis" mapstructure:"redis"`
	AdminRequestsPerMinute int         `yaml:"admin_requests_per_minute" mapstructure:"admin_requests_per_minute"`
}

// RedisConfig points the limiter at a shared Redis. An empty address keeps
// limiting in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ClassifierConfig locates the model server.
type ClassifierConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout  string `yaml:"timeout" mapstructure:"timeout"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     []string{"*"},
			MaxBodySize:     "10MB",
			ShutdownTimeout: "30s",
			TrustedProxies:  []string{},
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		RateLimit: RateLimitConfig{
			Enabled:                true,
			Requests:               60,
			Window:                 "1m",
			AdminRequestsPerMinute: 30,
		},
		Classifier: ClassifierConfig{
			Timeout: "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// override keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.trusted_proxies", d.Server.TrustedProxies)
	v.SetDefault("auth.api_key_header", d.Auth.APIKeyHeader)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.credentials_file", "")
	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.requests", d.RateLimit.Requests)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)
	v.SetDefault("ratelimit.redis.addr", "")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.admin_requests_per_minute", d.RateLimit.AdminRequestsPerMinute)
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.timeout", d.Classifier.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and that every duration and size parses.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if _, err := ParseSize(c.Server.MaxBodySize); err != nil {
		return fmt.Errorf("%w: server.max_body_size: %w", ErrInvalid, err)
	}
	if _, err := parseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("%w: server.shutdown_timeout: %w", ErrInvalid, err)
	}
	if _, err := ParsePrefixes(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("%w: server.trusted_proxies: %w", ErrInvalid, err)
	}
	if strings.TrimSpace(c.Auth.APIKeyHeader) == "" {
		return fmt.Errorf("%w: auth.api_key_header must not be empty", ErrInvalid)
	}

	if !slices.Contains(drivers, c.Store.Driver) {
		return fmt.Errorf("%w: store.driver %q (want one of %s)",
			ErrInvalid, c.Store.Driver, strings.Join(drivers, ", "))
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for %s", ErrInvalid, c.Store.Driver)
		}
	case DriverFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("%w: store.firestore.project_id is required", ErrInvalid)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("%w: ratelimit.requests must be positive", ErrInvalid)
		}
		w, err := parseDuration(c.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("%w: ratelimit.window: %w", ErrInvalid, err)
		}
		if w <= 0 {
			return fmt.Errorf("%w: ratelimit.window must be positive", ErrInvalid)
		}
	}
	if c.RateLimit.AdminRequestsPerMinute < 0 {
		return fmt.Errorf("%w: ratelimit.admin_requests_per_minute must not be negative", ErrInvalid)
	}
	if _, err := parseDuration(c.Classifier.Timeout); err != nil {
		return fmt.Errorf("%w: classifier.timeout: %w", ErrInvalid, err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxBodyBytes returns server.max_body_size in bytes.
func (c *Config) MaxBodyBytes() int64 {
	n, _ := ParseSize(c.Server.MaxBodySize)
	return n
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration(c.Server.ShutdownTimeout)
	return d
}

// TrustedProxies returns server.trusted_proxies as prefixes.
func (c *Config) TrustedProxies() []netip.Prefix {
	p, _ := ParsePrefixes(c.Server.TrustedProxies)
	return p
}

// RateWindow returns the limiter window.
func (c *Config) RateWindow() time.Duration {
	d, _ := parseDuration(c.RateLimit.Window)
	return d
}

// ClassifierTimeout returns the per-request model server timeout.
func (c *Config) ClassifierTimeout() time.Duration {
	d, _ := parseDuration(c.Classifier.Timeout)
	return d
}

// DataDir returns store.data_dir, falling back to ~/.visiongate.
func (c *Config) DataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".visiongate"
	}
	return filepath.Join(home, ".visiongate")
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ParsePrefixes parses CIDRs such as "10.0.0.0/8". A bare address is taken
// as a single-host prefix.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", e)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ParseSize parses sizes such as "512", "64KB" or "10MB". Units are binary
// multiples. An empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
