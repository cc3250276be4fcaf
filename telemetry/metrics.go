// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	HTTPRequests   *prometheus.CounterVec // executor, status
	TaskPanics     *prometheus.CounterVec // executor
	Outcomes       *prometheus.CounterVec // platform, action, result
	TokenRefreshes *prometheus.CounterVec // platform, result
	AuthFlows      *prometheus.CounterVec // platform, result
	Dispatches     *prometheus.CounterVec // kind, result
	Fetches        prometheus.Counter

	// Histograms (seconds)
	HTTPDuration *prometheus.HistogramVec // executor

	// Gauges
	CooldownActive prometheus.Gauge // 1=active,0=idle
	Authenticated  *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_http_requests_total", Help: "Outbound platform API requests by status (0 = transport failure)"}, []string{"executor", "status"})
		TaskPanics = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_task_panics_total", Help: "Pool tasks that panicked and resolved empty"}, []string{"executor"})
		Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_outcomes_total", Help: "Platform update attempts by result"}, []string{"platform", "action", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_token_refreshes_total", Help: "Access token refresh attempts"}, []string{"platform", "result"})
		AuthFlows = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_auth_flows_total", Help: "Interactive login attempts by result"}, []string{"platform", "result"})
		Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gamesync_dispatches_total", Help: "Dispatcher calls by kind and whether they were issued"}, []string{"kind", "result"})
		Fetches = promauto.NewCounter(prometheus.CounterOpts{Name: "gamesync_category_fetches_total", Help: "Current-category fetch rounds issued"})
		HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "gamesync_http_request_duration_seconds", Help: "Outbound request duration seconds", Buckets: prometheus.DefBuckets}, []string{"executor"})
		CooldownActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "gamesync_cooldown_active", Help: "Dispatcher cooldown active=1 idle=0"})
		Authenticated = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "gamesync_platform_authenticated", Help: "Platform credential present=1 absent=0"}, []string{"platform"})
	})
}

// ObserveHTTP records one outbound request.
func ObserveHTTP(executor string, status int, d time.Duration) {
	if HTTPRequests != nil {
		HTTPRequests.WithLabelValues(executor, strconv.Itoa(status)).Inc()
	}
	if HTTPDuration != nil {
		HTTPDuration.WithLabelValues(executor).Observe(d.Seconds())
	}
}

// RecordTaskPanic counts a recovered task panic.
func RecordTaskPanic(executor string) {
	if TaskPanics != nil {
		TaskPanics.WithLabelValues(executor).Inc()
	}
}

// RecordOutcome counts one adapter attempt.
func RecordOutcome(platform, action string, success bool) {
	if Outcomes != nil {
		Outcomes.WithLabelValues(platform, action, result(success)).Inc()
	}
}

// RecordRefresh counts a token refresh attempt.
func RecordRefresh(platform string, success bool) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(platform, result(success)).Inc()
	}
}

// RecordAuthFlow counts a finished login attempt. reason is "success",
// "timeout" or "failure".
func RecordAuthFlow(platform, reason string) {
	if AuthFlows != nil {
		AuthFlows.WithLabelValues(platform, reason).Inc()
	}
}

// RecordDispatch counts a dispatcher call; issued=false means it was gated.
func RecordDispatch(kind string, issued bool) {
	if Dispatches != nil {
		r := "issued"
		if !issued {
			r = "suppressed"
		}
		Dispatches.WithLabelValues(kind, r).Inc()
	}
}

// RecordFetch counts a category fetch round.
func RecordFetch() {
	if Fetches != nil {
		Fetches.Inc()
	}
}

// SetCooldown sets gauge to 1 if active else 0.
func SetCooldown(active bool) {
	if CooldownActive != nil {
		if active {
			CooldownActive.Set(1)
		} else {
			CooldownActive.Set(0)
		}
	}
}

// SetAuthenticated records whether a platform currently holds a credential.
func SetAuthenticated(platform string, ok bool) {
	if Authenticated != nil {
		v := 0.0
		if ok {
			v = 1
		}
		Authenticated.WithLabelValues(platform).Set(v)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
