package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/ratelimit"
	"github.com/tollcounter/tollcounter/internal/server"
	"github.com/tollcounter/tollcounter/internal/service"
	"github.com/tollcounter/tollcounter/internal/usage"
)

const banner = `
 _____     _ _                       _
|_   _|__ | | | __ ___  _   _ _ __ | |_ ___ _ __
  | |/ _ \| | |/ _' |  \| | | | '_ \| __/ _ \ '__|
  | | (_) | | | (_| (_) | |_| | | | | ||  __/ |
  |_|\___/|_|_|\___\___/ \__,_|_| |_|\__\___|_|
`

// settings key under which a generated signing secret is persisted.
const signingSecretSetting = "signing_secret"

func newServeCmd() *cobra.Command {
	var (
		port       int
		host       string
		dev        bool
		background bool
		dbURL      string
		upstream   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Tollcounter gateway",
		Long:  "Start the HTTP gateway that authenticates, rate-limits, and meters requests before proxying them to the backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return runServeBackground()
			}
			return runServe(host, port, dev, upstream)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVar(&background, "background", false, "Run the server as a background process")
	cmd.Flags().StringVar(&dbURL, "db", "", "Postgres URL for the gateway store (default: embedded SQLite)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Backend base URL to proxy authenticated requests to")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("db", cmd.Flags().Lookup("db"))
	viper.BindPFlag("upstream", cmd.Flags().Lookup("upstream"))

	return cmd
}

func runServe(host string, port int, dev bool, upstream string) error {
	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(dev)
	ctx := context.Background()

	// 1. Gateway store (embedded SQLite or external Postgres)
	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("init gateway store: %w", err)
	}
	defer store.Close()

	// 2. Signing secret: configured, previously generated, or minted now
	secret, err := resolveSigningSecret(ctx, store, logger)
	if err != nil {
		return err
	}

	// 3. Auth service and usage recorder
	authSvc := service.NewAuthService(store, secret, logger)

	queueSize := viper.GetInt("metering.queue_size")
	workers := viper.GetInt("metering.workers")
	recorder := usage.NewRecorder(store, logger, queueSize, workers)

	// 4. Policy rate limiters
	generalRL := limiterFromConfig("general", 100, time.Minute)
	adminRL := limiterFromConfig("admin", 20, time.Minute)

	// 5. Backend handler
	backend, backendDesc, err := newBackend(upstream)
	if err != nil {
		return err
	}

	// 6. Build and start HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port
	if origins := viper.GetStringSlice("server.cors_origins"); len(origins) > 0 {
		srvCfg.CORSOrigins = origins
	}
	if flood := viper.GetInt("rate_limit.flood_per_minute"); flood > 0 {
		srvCfg.FloodPerMinute = flood
	}

	srv := server.New(srvCfg, store, authSvc, recorder, generalRL, adminRL, backend, logger)

	fmt.Printf("→ Tollcounter %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Backend:   %s\n", backendDesc)
	fmt.Printf("→ Health:    http://%s:%d/healthz\n", host, port)
	fmt.Println()

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	return srv.ListenAndServe()
}

// runServeBackground re-executes the current command detached from the
// terminal, with stdout/stderr redirected to the log file.
func runServeBackground() error {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--background" {
			continue
		}
		args = append(args, a)
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	fmt.Printf("Tollcounter started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: tollcounter stop")
	return nil
}

func newLogger(dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch viper.GetString("log.level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log.format") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolveSigningSecret returns the HMAC key for session tokens. Order of
// precedence: config/env, previously generated secret in the settings table,
// freshly minted secret (persisted for subsequent runs).
func resolveSigningSecret(ctx context.Context, store *config.Store, logger *slog.Logger) (string, error) {
	if secret := viper.GetString("auth.signing_secret"); secret != "" {
		return secret, nil
	}

	secret, err := store.GetSetting(ctx, signingSecretSetting)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return "", fmt.Errorf("load signing secret: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	secret = hex.EncodeToString(raw)

	if err := store.SetSetting(ctx, signingSecretSetting, secret); err != nil {
		return "", fmt.Errorf("persist signing secret: %w", err)
	}
	logger.Info("generated new token signing secret", "setting", signingSecretSetting)
	return secret, nil
}

// limiterFromConfig builds one named fixed-window limiter from the
// rate_limit config section, falling back to the given defaults.
func limiterFromConfig(name string, defaultMax int, defaultWindow time.Duration) *ratelimit.Limiter {
	windowMs := viper.GetInt64("rate_limit." + name + ".window_ms")
	if windowMs <= 0 {
		windowMs = defaultWindow.Milliseconds()
	}
	max := viper.GetInt("rate_limit." + name + ".max_requests")
	if max <= 0 {
		max = defaultMax
	}
	return ratelimit.New(name, time.Duration(windowMs)*time.Millisecond, max)
}

// newBackend builds the handler that receives requests after the access
// policy, limiter, and metering middleware. With an upstream URL it is a
// reverse proxy; without one the gateway answers 502 so misconfiguration is
// visible instead of silent.
func newBackend(upstream string) (http.Handler, string, error) {
	if upstream == "" {
		upstream = viper.GetString("upstream")
	}
	if upstream == "" {
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":{"code":502,"message":"no upstream configured"}}`))
		})
		return h, "(none configured)", nil
	}

	target, err := url.Parse(upstream)
	if err != nil {
		return nil, "", fmt.Errorf("parse upstream URL %q: %w", upstream, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	return proxy, upstream, nil
}
