package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// authConfig holds the control token check configuration.
type authConfig struct {
	token   string
	enabled bool
}

// controlAuth requires a matching X-Control-Token header when a token is
// configured.
func controlAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Control-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("control auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

func newCorrelationID() string { return uuid.New().String() }
