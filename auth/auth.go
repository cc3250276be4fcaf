// Package auth implements the interactive login handshake shared by every
// platform session: open a loopback listener, send the user to the provider's
// consent page, and wait up to a fixed timeout for the redirect to arrive.
package auth

import (
	"github.com/onnwee/gamesync/platform"
)

// DefaultTimeout is how long a handshake waits for the callback, in seconds.
const DefaultTimeout = 30

// State is the position of a Flow in its handshake.
type State int

const (
	Idle State = iota
	AwaitingCallback
	Completed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCallback:
		return "awaiting_callback"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// EventKind enumerates session lifecycle notifications.
type EventKind int

const (
	// AuthFinished reports the end of a handshake, successful or not.
	AuthFinished EventKind = iota
	// TimerTick reports the seconds left on a running handshake.
	TimerTick
	// ReauthRequired reports that the stored credential was rejected and the
	// user has to log in again.
	ReauthRequired
)

func (k EventKind) String() string {
	switch k {
	case AuthFinished:
		return "auth_finished"
	case TimerTick:
		return "timer_tick"
	case ReauthRequired:
		return "reauth_required"
	default:
		return "unknown"
	}
}

// Event is published on a session's bus.
type Event struct {
	Kind      EventKind
	Platform  string
	Success   bool
	Info      string
	Remaining int
}

// Scopes is a platform's scope policy.
type Scopes struct {
	Unified  []string
	Chat     []string
	Category []string
}

// For picks the scopes to request. Unified login asks for everything so the
// user can switch modes without logging in again.
func (s Scopes) For(mode platform.ActionMode, unified bool) []string {
	switch {
	case unified:
		return s.Unified
	case mode == platform.ModeChatCommand:
		return s.Chat
	default:
		return s.Category
	}
}
