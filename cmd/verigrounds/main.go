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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Haldane-Systems/veriground/core/pkg/api"
	"github.com/Haldane-Systems/veriground/core/pkg/archive"
	"github.com/Haldane-Systems/veriground/core/pkg/config"
	"github.com/Haldane-Systems/veriground/core/pkg/export"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/observability"
	"github.com/Haldane-Systems/veriground/core/pkg/outbox"
	"github.com/Haldane-Systems/veriground/core/pkg/secrets"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
	"github.com/Haldane-Systems/veriground/core/pkg/store"
	"github.com/Haldane-Systems/veriground/core/pkg/verify"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
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
		fmt.Fprintf(stdout, "verigrounds %s\n", version)
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
	fmt.Fprintln(w, "Usage: verigrounds <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the ledger service (default)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}

//nolint:gocognit
func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "veriground-core",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		log.Fatalf("observability init failed: %v", err)
	}

	driver, dsn := databaseTarget(cfg)
	db, err := store.Open(driver, dsn)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}
	if driver == store.DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	logger.Info("database connected", "driver", driver)

	registry := methodology.NewSQLRegistry(db)
	if err := registry.Init(ctx); err != nil {
		log.Fatalf("methodology registry init failed: %v", err)
	}

	profiles, err := config.LoadAllFactorProfiles(cfg.ProfilesDir)
	if err != nil {
		log.Fatalf("factor profiles load failed: %v", err)
	}
	factors, err := config.NewProfileFactorSource(profiles)
	if err != nil {
		log.Fatalf("factor profiles parse failed: %v", err)
	}
	logger.Info("factor profiles loaded", "references", factors.References())

	signCfg, err := config.SigningFromEnv()
	if err != nil {
		log.Fatalf("signing config invalid: %v", err)
	}
	resolver := secrets.EnvResolver{Prefix: "VERIGROUND_"}
	signer, err := signing.New(ctx, signCfg, resolver, logger)
	if err != nil {
		log.Fatalf("signing init failed: %v", err)
	}
	logger.Info("signing ready",
		"mode", signCfg.Mode,
		"ed25519_active", signer.PublicKeys().ActiveVersion())

	ob := outbox.NewSQLStore(db)
	if err := ob.Init(ctx); err != nil {
		log.Fatalf("outbox init failed: %v", err)
	}

	led := ledger.New(db, registry, factors, signer, ob, logger)
	if err := led.Init(ctx); err != nil {
		log.Fatalf("ledger init failed: %v", err)
	}

	evaluator, err := methodology.NewEvaluator()
	if err != nil {
		log.Fatalf("eligibility evaluator init failed: %v", err)
	}

	exports := export.NewSQLStore(db)
	if err := exports.Init(ctx); err != nil {
		log.Fatalf("export store init failed: %v", err)
	}
	engine := export.NewEngine(db, led, registry, evaluator, signer, ob, exports, logger)

	bundles, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}

	svc := &api.Service{
		Ledger:          led,
		Exports:         exports,
		Engine:          engine,
		Registry:        registry,
		Verifier:        verify.New(led, exports, registry, signer, logger),
		Archiver:        archive.NewArchiver(bundles, signer, logger),
		Signer:          signer,
		Secrets:         resolver,
		RequiredSecrets: signCfg.RequiredSecrets(),
		AttestationTTL:  cfg.AttestationTTL,
	}

	limiter := api.NewGlobalRateLimiter(int(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer limiter.Close()
	handler := api.RequestLogger(logger, limiter.Middleware(tracked(obs, svc.Routes())))
	srv := api.NewServer(":"+cfg.Port, handler, logger)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	relay := outbox.NewRelay(ob,
		outbox.NewRedisStreamsPublisher(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})),
		outbox.DefaultRelayConfig(), logger)
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}()
	logger.Info("ready", "addr", ":"+cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	stopRelay()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("database close failed", "error", err)
	}
}

// tracked instruments every request with a span and RED metrics.
func tracked(obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := obs.TrackOperation(r.Context(), "http "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path))
		defer done(nil)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// databaseTarget picks the driver and DSN. With no database configuration
// at all the service falls back to a local SQLite file so it boots on a
// bare machine.
func databaseTarget(cfg *config.Config) (string, string) {
	if os.Getenv("DATABASE_URL") == "" && os.Getenv("DATABASE_DRIVER") == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			log.Fatalf("data dir: %v", err)
		}
		return store.DriverSQLite, filepath.Join(cfg.DataDir, "veriground.db")
	}
	return cfg.DatabaseDriver, cfg.DatabaseURL
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
	resp, err := http.Get("http://localhost:" + port + "/healthz")
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
