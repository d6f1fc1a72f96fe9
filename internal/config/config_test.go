package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("store.driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.RateLimit.Requests != 60 || cfg.RateWindow() != time.Minute {
		t.Errorf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.MaxBodyBytes() != 10<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes(), 10<<20)
	}
	if cfg.ShutdownTimeout() != 30*time.Second || cfg.ClassifierTimeout() != 30*time.Second {
		t.Errorf("unexpected timeouts: %v %v", cfg.ShutdownTimeout(), cfg.ClassifierTimeout())
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("api_key_header = %q", cfg.Auth.APIKeyHeader)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VISIONGATE_STORE_DRIVER", "postgres")
	t.Setenv("VISIONGATE_STORE_DSN", "postgres://localhost/keys")
	t.Setenv("VISIONGATE_RATELIMIT_REQUESTS", "5")
	t.Setenv("VISIONGATE_RATELIMIT_REDIS_ADDR", "localhost:6379")

	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSN != "postgres://localhost/keys" {
		t.Errorf("store not overridden: %+v", cfg.Store)
	}
	if cfg.RateLimit.Requests != 5 || cfg.RateLimit.Redis.Addr != "localhost:6379" {
		t.Errorf("ratelimit not overridden: %+v", cfg.RateLimit)
	}
}

func TestLoadFromViperFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visiongate.yaml")
	body := `
server:
  port: 9090
store:
  driver: memory
ratelimit:
  window: 30s
classifier:
  endpoint: http://model:8000/predict
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("file values not merged with defaults: %+v", cfg.Server)
	}
	if cfg.RateWindow() != 30*time.Second {
		t.Errorf("window = %v, want 30s", cfg.RateWindow())
	}
	if cfg.Classifier.Endpoint != "http://model:8000/predict" {
		t.Errorf("classifier endpoint = %q", cfg.Classifier.Endpoint)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad body size", func(c *Config) { c.Server.MaxBodySize = "ten" }},
		{"bad shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = "soon" }},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} }},
		{"empty key header", func(c *Config) { c.Auth.APIKeyHeader = " " }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"mysql without dsn", func(c *Config) { c.Store.Driver = DriverMySQL }},
		{"firestore without project", func(c *Config) { c.Store.Driver = DriverFirestore }},
		{"zero requests", func(c *Config) { c.RateLimit.Requests = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = "0s" }},
		{"negative admin limit", func(c *Config) { c.RateLimit.AdminRequestsPerMinute = -1 }},
		{"bad classifier timeout", func(c *Config) { c.Classifier.Timeout = "x" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	t.Run("disabled limiter skips limiter checks", func(t *testing.T) {
		cfg := Default()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.Requests = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.0.0.0/8", " 192.168.1.7 ", "", "::ffff:172.16.0.1", "fd00::/8"})
	if err != nil {
		t.Fatalf("ParsePrefixes: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.7/32", "172.16.0.1/32", "fd00::/8"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"proxy.internal", "10.0.0.0/40", "300.1.1.1"} {
		if _, err := ParsePrefixes([]string{bad}); err == nil {
			t.Errorf("ParsePrefixes(%q) succeeded", bad)
		}
	}
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("VISIONGATE_SERVER_TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")
	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.TrustedProxies(); len(got) != 2 || got[1].String() != "127.0.0.1/32" {
		t.Errorf("TrustedProxies() = %v", got)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"512", 512, true},
		{"512B", 512, true},
		{"64KB", 64 << 10, true},
		{"10MB", 10 << 20, true},
		{"10 mb", 10 << 20, true},
		{"1GB", 1 << 30, true},
		{"-1", 0, false},
		{"MB", 0, false},
		{"1.5MB", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSize(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDataDir(t *testing.T) {
	cfg := Default()
	cfg.Store.DataDir = "/var/lib/visiongate"
	if cfg.DataDir() != "/var/lib/visiongate" {
		t.Errorf("DataDir = %q", cfg.DataDir())
	}
	cfg.Store.DataDir = ""
	if !strings.HasSuffix(cfg.DataDir(), ".visiongate") {
		t.Errorf("DataDir fallback = %q", cfg.DataDir())
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visiongate.yaml")
	if err := WriteDefaultConfig(path, false); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	if err := WriteDefaultConfig(path, false); err == nil {
		t.Error("expected refusal to overwrite existing file")
	}
	if err := WriteDefaultConfig(path, true); err != nil {
		t.Errorf("forced overwrite failed: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port || cfg.Store.Driver != want.Store.Driver ||
		cfg.RateLimit.Window != want.RateLimit.Window || cfg.Log.Level != want.Log.Level {
		t.Errorf("round trip mismatch: %+v", cfg)
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_VG_DSN", "root:pw@tcp(db:3306)/keys")
	path := filepath.Join(t.TempDir(), "visiongate.yaml")
	body := "store:\n  driver: mysql\n  dsn: ${TEST_VG_DSN}\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Store.DSN != "root:pw@tcp(db:3306)/keys" {
		t.Errorf("dsn = %q", cfg.Store.DSN)
	}

	if err := os.WriteFile(path, []byte("store:\n  driver: mysql\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for mysql without dsn, got %v", err)
	}
}
