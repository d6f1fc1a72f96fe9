package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/visiongate/visiongate/internal/config"
	"github.com/visiongate/visiongate/internal/ratelimit"
	"github.com/visiongate/visiongate/internal/service"
	"github.com/visiongate/visiongate/internal/store"
)

// loadConfig decodes the effective configuration (file, environment and
// flags merged by viper).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveDataDir returns the data directory from --data-dir,
// VISIONGATE_STORE_DATA_DIR, or ~/.visiongate as fallback.
func resolveDataDir() string {
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	return config.Default().DataDir()
}

// openStore opens the store selected by store.driver. It holds both keys
// and classification history.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.DataDir())
	case config.DriverPostgres:
		return store.OpenSQL(ctx, store.DialectPostgres, cfg.Store.DSN)
	case config.DriverMySQL:
		return store.OpenSQL(ctx, store.DialectMySQL, cfg.Store.DSN)
	case config.DriverFirestore:
		return store.OpenFirestore(ctx, store.FirestoreConfig{
			ProjectID:       cfg.Store.Firestore.ProjectID,
			CredentialsFile: cfg.Store.Firestore.CredentialsFile,
		})
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// openKeyManager loads the configuration and opens a key manager over the
// configured store. The caller must close the returned store.
func openKeyManager(ctx context.Context) (*service.KeyManager, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ks, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return service.NewKeyManager(ks, logger), ks, nil
}

// keyRefArg resolves a key argument to its key ID. The argument may be a raw
// token, a key ID or unique ID prefix as printed by 'key list', or a masked
// key. "-" reads it from stdin.
func keyRefArg(ctx context.Context, keys *service.KeyManager, arg string) (string, error) {
	ref, err := readKeyArg(arg)
	if err != nil {
		return "", err
	}
	id, err := keys.ResolveKeyID(ctx, ref)
	if err != nil {
		return "", keyErr("resolve api key", err)
	}
	return id, nil
}

// newLimiter builds the client limiter. Redis is used when an address is
// configured and reachable; otherwise limits are kept in process memory.
// The returned stop function releases the limiter's resources.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}, nil
	}
	rlCfg := ratelimit.Config{Limit: cfg.RateLimit.Requests, Window: cfg.RateWindow()}

	if addr := cfg.RateLimit.Redis.Addr; addr != "" {
		client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisConfig{
			Addr:     addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		if err == nil {
			l, err := ratelimit.NewRedisLimiter(client, rlCfg)
			if err != nil {
				client.Close()
				return nil, nil, err
			}
			logger.Info("rate limiter ready", "backend", "redis", "addr", addr)
			return l, func() { client.Close() }, nil
		}
		logger.Warn("redis unavailable, limiting in process memory", "addr", addr, "error", err)
	}

	l, err := ratelimit.NewMemoryLimiter(rlCfg)
	if err != nil {
		return nil, nil, err
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	go l.Run(sweepCtx, rlCfg.Window)
	logger.Info("rate limiter ready", "backend", "memory")
	return l, cancel, nil
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// readKeyArg returns the raw key argument. "-" reads it from stdin so the
// key does not end up in shell history.
func readKeyArg(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no key on stdin")
	}
	return key, nil
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "visiongate.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "visiongate.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
