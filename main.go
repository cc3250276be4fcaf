// Command gamesync is the daemon that keeps Twitch and Trovo stream
// categories in step with the game being played.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the settings store and restores stored platform credentials.
//   - Starts the update dispatcher, the detector feed and the periodic
//     token validators.
//   - Exposes a loopback control API with /healthz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/config"
	"github.com/onnwee/gamesync/dispatch"
	"github.com/onnwee/gamesync/feed"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/oauth"
	"github.com/onnwee/gamesync/server"
	"github.com/onnwee/gamesync/store"
	"github.com/onnwee/gamesync/telemetry"
)

const version = "1.0.0"

// shutdownTimeout bounds each shutdown phase.
const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	config.LoadDotEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "gamesync", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.OpenOptions{
		Backend:       cfg.SettingsBackend,
		Path:          cfg.SettingsPath,
		DSN:           cfg.DBDsn,
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		slog.Error("failed to open settings store", slog.Any("err", err), slog.String("backend", cfg.SettingsBackend))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close settings store", slog.Any("err", err))
		}
	}()
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, tokens are stored in plaintext", slog.String("component", "store"))
	}
	settings := store.NewSettings(st, slog.Default())

	clock := clockwork.NewRealClock()
	ps := buildPlatforms(cfg, settings, clock)
	for _, p := range ps.platforms {
		restore(ctx, p.name, p.restore, p.validate)
		oauth.StartValidator(ctx, clock, p.name, cfg.ValidateInterval, validateFunc(p.validate))
	}

	d := dispatch.New(dispatch.Config{
		Services: ps.services,
		Delay:    settings.ActionDelaySeconds,
		Clock:    clock,
		Logger:   slog.Default(),
	})
	d.StartReconciler(ctx, cfg.ReconcileInterval)

	fd := feed.New(d, settings, slog.Default())
	fd.Start()

	startPprof()

	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		deps := server.Deps{
			Dispatcher:   d,
			Sessions:     ps.sessions,
			Feed:         fd,
			Store:        st,
			ControlToken: cfg.ControlToken,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	<-srvDone
	fd.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Shutdown(sctx); err != nil {
		slog.Warn("dispatcher shutdown incomplete", slog.Any("err", err))
	}
	ps.shutdown(sctx)
	slog.Info("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	lvl := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", cfg.LogFormat))
}

// restore loads the stored credential and, in the background, checks it is
// still accepted by the platform.
func restore(ctx context.Context, name string, load func(context.Context) error, validate func(context.Context) *httpexec.Future[error]) {
	if err := load(ctx); err != nil {
		slog.Warn("failed to restore credential", slog.String("platform", name), slog.Any("err", err))
		return
	}
	validate(ctx).OnComplete(func(err error) {
		if err != nil {
			slog.Warn("stored credential rejected", slog.String("platform", name), slog.Any("err", err))
		}
	})
}

func validateFunc(validate func(context.Context) *httpexec.Future[error]) oauth.ValidateFunc {
	return func(ctx context.Context) error {
		verr, err := validate(ctx).Await(ctx)
		if err != nil {
			return err
		}
		return verr
	}
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
