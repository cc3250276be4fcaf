package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
)

type categoryRequest struct {
	Game      string   `json:"game"`
	Title     string   `json:"title"`
	Force     bool     `json:"force"`
	Platforms []string `json:"platforms"`
}

type actionResponse struct {
	Issued bool   `json:"issued"`
	Reason string `json:"reason,omitempty"`
}

// rejection explains why the dispatcher declined req.
func (h *Handlers) rejection(req platform.UpdateRequest) string {
	switch {
	case h.d.IsOnCooldown():
		return "cooldown"
	case !req.Force && req.GameName == h.d.LastSetCategory():
		return "unchanged"
	default:
		// every target was busy or logged out
		return "not_accepted"
	}
}

// HandleCategory dispatches a manual category change. Outcomes arrive
// asynchronously and show up in /status.
func (h *Handlers) HandleCategory(w http.ResponseWriter, r *http.Request) {
	var body categoryRequest
	if _, err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	body.Game = strings.TrimSpace(body.Game)
	if body.Game == "" {
		body.Game = platform.IdleCategory
	}
	for _, p := range body.Platforms {
		if h.session(p) == nil {
			writeError(w, http.StatusBadRequest, "unknown platform: "+p)
			return
		}
	}
	req := platform.UpdateRequest{GameName: body.Game, Title: body.Title, Force: body.Force, Targets: body.Platforms}
	if !h.d.UpdateCategory(r.Context(), req) {
		writeJSON(w, http.StatusConflict, actionResponse{Reason: h.rejection(req)})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("category requested", slog.String("game", body.Game), slog.Any("platforms", body.Platforms))
	writeJSON(w, http.StatusAccepted, actionResponse{Issued: true})
}

// HandleChat sends a chat message on every platform.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !h.d.SendChatMessage(r.Context(), body.Message) {
		writeJSON(w, http.StatusConflict, actionResponse{Reason: "cooldown"})
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Issued: true})
}

// HandleFeed accepts a detector signal. An empty game means no game is
// running.
func (h *Handlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Game string `json:"game"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var dispatched bool
	if game := strings.TrimSpace(body.Game); game != "" {
		dispatched = h.feed.GameDetected(r.Context(), game)
	} else {
		dispatched = h.feed.NoGameDetected(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dispatched": dispatched,
		"detected":   h.feed.Detected(),
		"desired":    h.feed.Desired(),
	})
}
