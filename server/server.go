// Package server exposes the loopback control API: health, status, metrics,
// and the category, chat and login actions. It injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/gamesync/telemetry"
)

// NewMux returns the HTTP handler with all routes. The handlers' dispatcher
// subscription is dropped when ctx is done.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	context.AfterFunc(ctx, h.Close)
	authCfg := &authConfig{token: deps.ControlToken, enabled: deps.ControlToken != ""}
	if !authCfg.enabled {
		slog.Warn("control token not configured - action endpoints are UNPROTECTED. Set CONTROL_TOKEN to require X-Control-Token")
	}

	mux := http.NewServeMux()

	// Probes and metrics stay open
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /status", h.HandleStatus)
	protected.HandleFunc("GET /categories", h.HandleCategories)
	protected.HandleFunc("POST /category", h.HandleCategory)
	protected.HandleFunc("POST /chat", h.HandleChat)
	protected.HandleFunc("POST /feed", h.HandleFeed)
	protected.HandleFunc("POST /auth/{platform}/start", h.HandleAuthStart)
	protected.HandleFunc("POST /auth/{platform}/logout", h.HandleAuthLogout)
	protected.HandleFunc("GET /settings", h.HandleSettings)
	protected.HandleFunc("PUT /settings", h.HandleSettings)
	mux.Handle("/", controlAuth(protected, authCfg))

	return withCorrelation(mux)
}

// withCorrelation reuses or generates X-Correlation-ID and wraps each request
// in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = newCorrelationID()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.FinishHTTPSpan(span, wrappedWriter.statusCode, nil, http.StatusBadRequest)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		// categories reads wait on the platforms
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("control server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
