// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"strings"
	"sync"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/dispatch"
	"github.com/onnwee/gamesync/feed"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/store"
)

// Session is what the control API needs from a platform session.
type Session interface {
	Name() string
	IsAuthenticated() bool
	Credential() platform.Credential
	FlowState() auth.State
	AuthRemaining() int
	StartAuthentication(mode platform.ActionMode, unified bool) (bool, error)
	Authenticate(ctx context.Context) (bool, error)
	Logout(ctx context.Context)
}

// Deps are the components the handlers drive.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Sessions   []Session
	// Feed may be nil, which disables POST /feed.
	Feed         *feed.Translator
	Store        store.Store
	ControlToken string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	d        *dispatch.Dispatcher
	sessions []Session
	feed     *feed.Translator
	store    store.Store

	mu       sync.RWMutex
	outcomes map[string]platform.Outcome
	unsub    func()
}

// NewHandlers creates a new Handlers instance and starts tracking the last
// outcome per platform.
func NewHandlers(deps Deps) *Handlers {
	h := &Handlers{
		d:        deps.Dispatcher,
		sessions: deps.Sessions,
		feed:     deps.Feed,
		store:    deps.Store,
		outcomes: make(map[string]platform.Outcome),
	}
	if h.d != nil {
		h.unsub = h.d.Subscribe(h.onEvent)
	}
	return h
}

// Close stops outcome tracking.
func (h *Handlers) Close() {
	if h.unsub != nil {
		h.unsub()
	}
}

func (h *Handlers) onEvent(e dispatch.Event) {
	if e.Kind != dispatch.OutcomeReported {
		return
	}
	h.mu.Lock()
	h.outcomes[e.Outcome.Platform] = e.Outcome
	h.mu.Unlock()
}

func (h *Handlers) lastOutcome(name string) (platform.Outcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.outcomes[name]
	return o, ok
}

// session resolves a path segment to a session, case-insensitively.
func (h *Handlers) session(name string) Session {
	for _, s := range h.sessions {
		if strings.EqualFold(s.Name(), name) {
			return s
		}
	}
	return nil
}
