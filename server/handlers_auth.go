package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
)

// HandleAuthStart begins a loopback login for the platform in the path. An
// empty body uses the stored mode and unified preference.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	s := h.session(r.PathValue("platform"))
	if s == nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	var body struct {
		Mode    string `json:"mode"`
		Unified bool   `json:"unified"`
	}
	hasBody, err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var started bool
	if hasBody {
		started, err = s.StartAuthentication(platform.ParseActionMode(body.Mode), body.Unified)
	} else {
		started, err = s.Authenticate(r.Context())
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("auth start failed", slog.String("platform", s.Name()), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "authentication already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"started":           true,
		"platform":          s.Name(),
		"remaining_seconds": s.AuthRemaining(),
	})
}

// HandleAuthLogout clears and persists the platform's credential.
func (h *Handlers) HandleAuthLogout(w http.ResponseWriter, r *http.Request) {
	s := h.session(r.PathValue("platform"))
	if s == nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	s.Logout(r.Context())
	telemetry.LoggerWithCorr(r.Context()).Info("logged out", slog.String("platform", s.Name()))
	writeJSON(w, http.StatusOK, map[string]any{"platform": s.Name(), "authenticated": false})
}
