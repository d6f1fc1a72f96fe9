package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/visiongate/visiongate/internal/classifier"
	"github.com/visiongate/visiongate/internal/server"
	"github.com/visiongate/visiongate/internal/service"
)

const banner = `
__     ___     _              ____       _
\ \   / (_)___(_) ___  _ __  / ___| __ _| |_ ___
 \ \ / /| / __| |/ _ \| '_ \| |  _ / _` + "`" + ` | __/ _ \
  \ V / | \__ \ | (_) | | | | |_| | (_| | ||  __/
   \_/  |_|___/_|\___/|_| |_|\____|\__,_|\__\___|
`

func newServeCmd() *cobra.Command {
	var (
		dev        bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the VisionGate server",
		Long:  "Start the HTTP server that guards the classification endpoint and the key administration API.",
		Example: `  visiongate serve
  visiongate serve --port 9090 --dev
  visiongate serve --background   # detach; stop with 'visiongate stop'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return runServeBackground()
			}
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *)")
	cmd.Flags().BoolVar(&background, "background", false, "Run the server as a detached background process")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Log.Level = "debug"
		cfg.Server.CORSOrigins = []string{"*"}
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	ctx := context.Background()

	// 1. Key store
	ks, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer ks.Close()
	logger.Info("key store initialized", "driver", cfg.Store.Driver)

	keys := service.NewKeyManager(ks, logger)

	// 2. Rate limiter
	limiter, stopLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}
	defer stopLimiter()

	// 3. Model server client
	deps := server.Deps{
		Keys:    keys,
		Limiter: limiter,
		History: service.NewHistory(ks, logger),
		Logger:  logger,
	}
	if cfg.Classifier.Endpoint != "" {
		model, err := classifier.NewHTTPClient(cfg.Classifier.Endpoint, cfg.ClassifierTimeout())
		if err != nil {
			return fmt.Errorf("init classifier: %w", err)
		}
		deps.Classifier = model
	} else {
		logger.Warn("no classifier.endpoint configured - /api/v1/classify will answer 503")
	}

	// 4. First-run hint
	if existing, err := keys.ListAPIKeys(ctx); err == nil && len(existing) == 0 {
		logger.Warn("no API keys found - run: visiongate key create --user <id> --perm admin")
	}

	// 5. HTTP server
	srvCfg := server.Config{
		Host:                   cfg.Server.Host,
		Port:                   cfg.Server.Port,
		ShutdownTimeout:        cfg.ShutdownTimeout(),
		CORSOrigins:            cfg.Server.CORSOrigins,
		MaxBodySize:            cfg.MaxBodyBytes(),
		KeyHeader:              cfg.Auth.APIKeyHeader,
		AdminRequestsPerMinute: cfg.RateLimit.AdminRequestsPerMinute,
		TrustedProxies:         cfg.TrustedProxies(),
		Version:                versionString(),
	}
	srv := server.New(srvCfg, deps)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	fmt.Printf("→ VisionGate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s\n", cfg.Addr())
	fmt.Printf("→ OpenAPI:    http://%s/openapi.json\n", cfg.Addr())
	fmt.Printf("→ Health:     http://%s/healthz\n", cfg.Addr())
	fmt.Printf("→ Key store:  %s\n", cfg.Store.Driver)
	if limiter != nil {
		fmt.Printf("→ Rate limit: %d requests / %s per client\n", cfg.RateLimit.Requests, cfg.RateWindow())
	}
	fmt.Println()

	return srv.ListenAndServe()
}

// runServeBackground re-executes the binary without --background, detached
// from the terminal, with output appended to the log file.
func runServeBackground() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	var args []string
	for _, a := range os.Args[1:] {
		if a != "--background" && a != "--background=true" {
			args = append(args, a)
		}
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Give the child a moment to fail fast on bad configuration.
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()
	select {
	case err := <-exited:
		return fmt.Errorf("server exited during startup (%v), see %s", err, logFilePath())
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop: visiongate stop")
	return nil
}
