package server

import (
	"net/http"
	"time"

	"github.com/onnwee/gamesync/platform"
)

type platformStatus struct {
	Name          string            `json:"name"`
	Authenticated bool              `json:"authenticated"`
	Login         string            `json:"login,omitempty"`
	FlowState     string            `json:"flow_state"`
	AuthRemaining int               `json:"auth_remaining_seconds,omitempty"`
	LastOutcome   *platform.Outcome `json:"last_outcome,omitempty"`
}

type cooldownStatus struct {
	Active           bool      `json:"active"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Deadline         time.Time `json:"deadline,omitzero"`
}

type statusResponse struct {
	LastCategory string           `json:"last_category"`
	Cooldown     cooldownStatus   `json:"cooldown"`
	Detected     string           `json:"detected,omitempty"`
	Desired      string           `json:"desired,omitempty"`
	Platforms    []platformStatus `json:"platforms"`
}

// HandleStatus reports the dispatcher and per-platform session state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cw := h.d.Cooldown()
	resp := statusResponse{
		LastCategory: h.d.LastSetCategory(),
		Cooldown: cooldownStatus{
			Active:           cw.Active,
			RemainingSeconds: int((cw.Remaining + time.Second - 1) / time.Second),
			Deadline:         cw.Deadline,
		},
		Platforms: make([]platformStatus, 0, len(h.sessions)),
	}
	if h.feed != nil {
		resp.Detected = h.feed.Detected()
		resp.Desired = h.feed.Desired()
	}
	for _, s := range h.sessions {
		ps := platformStatus{
			Name:          s.Name(),
			Authenticated: s.IsAuthenticated(),
			Login:         s.Credential().ChannelLogin,
			FlowState:     s.FlowState().String(),
			AuthRemaining: s.AuthRemaining(),
		}
		if o, ok := h.lastOutcome(s.Name()); ok {
			ps.LastOutcome = &o
		}
		resp.Platforms = append(resp.Platforms, ps)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCategories reads the live category of every authenticated platform.
// force=1 bypasses the fetch debounce.
func (h *Handlers) HandleCategories(w http.ResponseWriter, r *http.Request) {
	force := parseBoolQuery(r, "force", false)
	cats, err := h.d.FetchCurrentCategories(r.Context(), force).Await(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "categories fetch did not finish")
		return
	}
	writeJSON(w, http.StatusOK, cats)
}
