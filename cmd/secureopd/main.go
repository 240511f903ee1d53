package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guardline-labs/secureop/pkg/api"
	"github.com/guardline-labs/secureop/pkg/archive"
	"github.com/guardline-labs/secureop/pkg/config"
	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/engine"
	"github.com/guardline-labs/secureop/pkg/metatx"
	"github.com/guardline-labs/secureop/pkg/observability"
	"github.com/guardline-labs/secureop/pkg/registry"
	"github.com/guardline-labs/secureop/pkg/roles"
	"github.com/guardline-labs/secureop/pkg/store"
)

const version = "v1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "secureopd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: secureopd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the operation protocol server (default)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}

func runServer() {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		log.Fatalf("Failed to load instance profile: %v", err)
	}
	logger.Info("instance profile loaded",
		"instance_id", profile.InstanceID,
		"chain_id", profile.ChainID,
		"schema_version", profile.SchemaVersion)

	txs, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open transaction store: %v", err)
	}
	defer closeStore()

	defs, err := profile.Definitions()
	if err != nil {
		log.Fatalf("Failed to build operation catalog: %v", err)
	}
	reg, err := registry.New(profile.DefaultTimeLock, defs)
	if err != nil {
		log.Fatalf("Failed to init registry: %v", err)
	}
	logger.Info("registry ready", "operation_types", len(reg.SupportedOperationTypes()))

	roleState := roles.NewState(profile.RoleSet())
	eng := engine.New(txs, reg, roleState, engine.NopExecutor)
	if profile.GuardAddress != "" {
		eng = eng.WithGuard(contracts.Address(profile.GuardAddress).Normalize(), nil)
	}

	builder := metatx.NewBuilder(profile.ChainID, profile.InstanceID, reg, txs, roleState)
	meta := metatx.NewSubsystem(builder, eng, txs)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = strings.TrimPrefix(version, "v")
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.TelemetryEnabled
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	archCtx, stopArchiver := context.WithCancel(ctx)
	defer stopArchiver()
	if backend, err := openArchiveBackend(ctx, cfg); err != nil {
		log.Fatalf("Failed to init archive backend: %v", err)
	} else if backend != nil {
		archiver := archive.New(backend, txs, eng.AuditLog(), profile.InstanceID, cfg.ArchivePrefix)
		go archiver.Run(archCtx, time.Hour)
		logger.Info("archiver running", "backend", cfg.ArchiveBackend, "bucket", cfg.ArchiveBucket)
	}

	var rl *api.RateLimiter
	if cfg.RateLimitRPM > 0 {
		rl = api.NewRateLimiter(cfg.RateLimitRPM)
	}
	server := api.NewServer(eng, meta, obs)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(cfg.AuthSecret, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "store", cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.TxStore, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func openArchiveBackend(ctx context.Context, cfg *config.Config) (archive.Backend, error) {
	switch cfg.ArchiveBackend {
	case "":
		return nil, nil
	case "s3":
		return archive.NewS3Backend(ctx, cfg.ArchiveBucket)
	case "gcs":
		return archive.NewGCSBackend(ctx, cfg.ArchiveBucket)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
