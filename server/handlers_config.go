package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/gamesync/store"
)

// HandleSettings handles GET and PUT requests for the preference keys.
// Tokens and identities are never exposed or writable here.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	safeKeys := map[string]bool{}
	for _, k := range store.PreferenceKeys() {
		safeKeys[k] = true
	}
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeKeys {
			v, ok, err := h.store.Get(r.Context(), k)
			if err != nil {
				slog.Warn("failed to read setting", slog.String("key", k), slog.Any("err", err))
				continue
			}
			if ok {
				out[k] = v
			}
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body map[string]string
		if _, err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		for k := range body {
			if !safeKeys[k] {
				writeError(w, http.StatusBadRequest, "unknown setting: "+k)
				return
			}
		}
		for k, v := range body {
			if err := h.store.Set(r.Context(), k, strings.TrimSpace(v)); err != nil {
				slog.Error("failed to update setting", slog.String("key", k), slog.Any("err", err))
				writeError(w, http.StatusInternalServerError, "failed to update settings")
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
