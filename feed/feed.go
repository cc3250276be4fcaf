// Package feed turns game-detection signals into dispatcher calls.
//
// A detector reports either a detected game or that no game is running. The
// translator tracks the detected and desired categories and, when automatic
// execution is enabled, asks the dispatcher to apply the desired one. A
// request blocked by the cooldown is retried once the cooldown finishes.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/gamesync/dispatch"
	"github.com/onnwee/gamesync/platform"
)

// Dispatcher is the subset of *dispatch.Dispatcher the translator needs.
type Dispatcher interface {
	UpdateCategory(ctx context.Context, req platform.UpdateRequest) bool
	IsOnCooldown() bool
	Subscribe(fn func(dispatch.Event)) (unsubscribe func())
}

// Preferences reports whether detections dispatch on their own.
type Preferences interface {
	ExecuteAutomatically(ctx context.Context) bool
}

// Translator is safe for concurrent use.
type Translator struct {
	d     Dispatcher
	prefs Preferences
	log   *slog.Logger

	mu       sync.Mutex
	detected string
	desired  string
	unsub    func()
}

// New returns a translator that starts out idle.
func New(d Dispatcher, prefs Preferences, log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{
		d:        d,
		prefs:    prefs,
		log:      log.With(slog.String("component", "feed")),
		detected: platform.IdleCategory,
		desired:  platform.IdleCategory,
	}
}

// Start re-applies the desired category each time the cooldown finishes.
func (t *Translator) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsub != nil {
		return
	}
	t.unsub = t.d.Subscribe(func(e dispatch.Event) {
		if e.Kind == dispatch.CooldownFinished {
			t.apply(context.Background())
		}
	})
}

// Stop unsubscribes from the dispatcher.
func (t *Translator) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Detected returns the last detected category.
func (t *Translator) Detected() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detected
}

// Desired returns the category the translator wants applied.
func (t *Translator) Desired() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desired
}

// GameDetected records game as detected and desired. An empty name is the
// same as NoGameDetected.
func (t *Translator) GameDetected(ctx context.Context, game string) bool {
	if game == "" {
		game = platform.IdleCategory
	}
	t.mu.Lock()
	t.detected = game
	t.desired = game
	t.mu.Unlock()
	t.log.Debug("game detected", slog.String("game", game))
	return t.apply(ctx)
}

// NoGameDetected falls back to the idle category.
func (t *Translator) NoGameDetected(ctx context.Context) bool {
	return t.GameDetected(ctx, platform.IdleCategory)
}

// ExecuteNow dispatches the detected game regardless of the automatic
// setting.
func (t *Translator) ExecuteNow(ctx context.Context) bool {
	if t.d.IsOnCooldown() {
		return false
	}
	t.mu.Lock()
	t.desired = t.detected
	game := t.desired
	t.mu.Unlock()
	return t.d.UpdateCategory(ctx, platform.UpdateRequest{GameName: game})
}

// SetIdle dispatches the idle category regardless of the automatic setting.
func (t *Translator) SetIdle(ctx context.Context) bool {
	if t.d.IsOnCooldown() {
		return false
	}
	t.mu.Lock()
	t.desired = platform.IdleCategory
	t.mu.Unlock()
	return t.d.UpdateCategory(ctx, platform.UpdateRequest{GameName: platform.IdleCategory})
}

func (t *Translator) apply(ctx context.Context) bool {
	if !t.prefs.ExecuteAutomatically(ctx) {
		return false
	}
	if t.d.IsOnCooldown() {
		t.log.Debug("cooldown active, deferring")
		return false
	}
	game := t.Desired()
	return t.d.UpdateCategory(ctx, platform.UpdateRequest{GameName: game})
}
