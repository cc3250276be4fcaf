// Package session owns the per-platform authentication state: the loopback
// login handshake, the stored credential and the authenticated API calls made
// with it. Each platform session keeps at most one login and at most one
// category update in flight.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/events"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
)

// CredentialStore persists a platform credential.
type CredentialStore interface {
	LoadCredential(ctx context.Context, platformName string) (platform.Credential, error)
	// SaveCredential with an empty credential removes it.
	SaveCredential(ctx context.Context, platformName string, c platform.Credential) error
}

// Preferences are the user settings a session consults per call.
type Preferences interface {
	ActionMode(ctx context.Context, platformName string) platform.ActionMode
	UnifiedAuth(ctx context.Context) bool
	CommandTemplate(ctx context.Context) string
	NoGameTemplate(ctx context.Context) string
}

// Result reports one update or chat attempt. The zero value is a failure
// with no recorded cause, which is what a panicking or dropped task yields.
type Result struct {
	OK      bool
	Action  platform.Action
	Game    string
	Message string
	Err     error
}

// InfoResult is the outcome of a channel read.
type InfoResult struct {
	Info platform.ChannelInfo
	Err  error
}

type base struct {
	name     string
	exec     *httpexec.Executor
	ownsExec bool
	flow     *auth.Flow
	bus      *events.Bus[auth.Event]
	creds    CredentialStore
	prefs    Preferences
	clock    clockwork.Clock
	log      *slog.Logger

	persistMu sync.Mutex
	mu        sync.RWMutex
	cred      platform.Credential

	busy   atomic.Bool
	closed atomic.Bool
}

func newBase(name string, exec *httpexec.Executor, creds CredentialStore, prefs Preferences, clock clockwork.Clock, log *slog.Logger) *base {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &base{
		name:  name,
		exec:  exec,
		creds: creds,
		prefs: prefs,
		clock: clock,
		bus:   events.New[auth.Event](strings.ToLower(name)),
		log:   log.With(slog.String("component", "session"), slog.String("platform", name)),
	}
	if b.exec == nil {
		b.exec = httpexec.New(httpexec.WithName(strings.ToLower(name)), httpexec.WithLogger(log))
		b.ownsExec = true
	}
	return b
}

// Name returns the platform name.
func (b *base) Name() string { return b.name }

// Credential returns a copy of the current credential.
func (b *base) Credential() platform.Credential {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cred
}

// IsAuthenticated reports whether a usable credential is held.
func (b *base) IsAuthenticated() bool { return b.Credential().IsAuthenticated() }

// FlowState returns the login handshake state.
func (b *base) FlowState() auth.State { return b.flow.State() }

// AuthRemaining returns the seconds left on a running login.
func (b *base) AuthRemaining() int { return b.flow.Remaining() }

// CallbackPort returns the port of the running login listener, or 0.
func (b *base) CallbackPort() int { return b.flow.Port() }

// Subscribe registers fn for this session's auth events.
func (b *base) Subscribe(fn func(auth.Event)) (unsubscribe func()) { return b.bus.Subscribe(fn) }

func (b *base) emit(e auth.Event) {
	e.Platform = b.name
	b.bus.Publish(e)
}

// Restore loads the persisted credential.
func (b *base) Restore(ctx context.Context) error {
	if b.creds == nil {
		return nil
	}
	c, err := b.creds.LoadCredential(ctx, b.name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cred = c
	b.mu.Unlock()
	telemetry.SetAuthenticated(b.name, c.IsAuthenticated())
	if c.IsAuthenticated() {
		b.log.Info("restored credential", slog.String("login", c.ChannelLogin))
	}
	return nil
}

// setCredential replaces the credential and persists it.
func (b *base) setCredential(ctx context.Context, c platform.Credential) {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	b.mu.Lock()
	b.cred = c
	b.mu.Unlock()
	b.persist(ctx, c)
}

// swapCredential replaces the credential only while its access token is
// still expect.
func (b *base) swapCredential(ctx context.Context, expect string, next platform.Credential) bool {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	b.mu.Lock()
	if b.cred.AccessToken != expect {
		b.mu.Unlock()
		return false
	}
	b.cred = next
	b.mu.Unlock()
	b.persist(ctx, next)
	return true
}

// persistMu must be held.
func (b *base) persist(ctx context.Context, c platform.Credential) {
	telemetry.SetAuthenticated(b.name, c.IsAuthenticated())
	if b.creds == nil {
		return
	}
	if err := b.creds.SaveCredential(context.WithoutCancel(ctx), b.name, c); err != nil {
		b.log.Error("failed to persist credential", slog.Any("err", err))
	}
}

// invalidateIf clears the credential when token is still the current one and
// asks the user to log in again. Calls that raced a newer login are ignored.
func (b *base) invalidateIf(ctx context.Context, token, reason string) bool {
	if token == "" || !b.swapCredential(ctx, token, platform.Credential{}) {
		return false
	}
	b.log.Warn("credential rejected, login required", slog.String("reason", reason), slog.String("token", platform.MaskToken(token)))
	b.emit(auth.Event{Kind: auth.ReauthRequired, Info: reason})
	return true
}

// Logout abandons a running login and forgets the credential.
func (b *base) Logout(ctx context.Context) {
	b.flow.Cancel()
	b.setCredential(ctx, platform.Credential{})
	b.log.Info("logged out")
}

// Shutdown stops the login listener and the event bus. A session that
// created its own executor shuts it down too.
func (b *base) Shutdown(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.flow.Cancel()
	var err error
	if b.ownsExec {
		err = b.exec.Shutdown(ctx)
	}
	b.bus.Close()
	return err
}

func (b *base) mode(ctx context.Context) platform.ActionMode {
	if b.prefs == nil {
		return platform.ModeCategoryChange
	}
	return b.prefs.ActionMode(ctx, b.name)
}

func (b *base) unified(ctx context.Context) bool {
	return b.prefs != nil && b.prefs.UnifiedAuth(ctx)
}

// chatCommand renders the command for game. The idle category uses the
// no-game template verbatim.
func (b *base) chatCommand(ctx context.Context, game string) string {
	tpl, noGame := "!setgame {game}", "!setgame just chatting"
	if b.prefs != nil {
		tpl, noGame = b.prefs.CommandTemplate(ctx), b.prefs.NoGameTemplate(ctx)
	}
	if game == platform.IdleCategory {
		return noGame
	}
	return strings.ReplaceAll(tpl, "{game}", game)
}

// guard enforces one update in flight. The slot is released when f resolves.
func (b *base) guard(start func() *httpexec.Future[Result]) (*httpexec.Future[Result], bool) {
	if !b.busy.CompareAndSwap(false, true) {
		b.log.Debug("update already in flight")
		return nil, false
	}
	f := start()
	f.OnComplete(func(Result) { b.busy.Store(false) })
	return f, true
}

// viaChat sends the templated command without waiting for it and reports an
// immediate success.
func (b *base) viaChat(ctx context.Context, game string, send func(context.Context, string) *httpexec.Future[Result]) *httpexec.Future[Result] {
	if cmd := b.chatCommand(ctx, game); cmd != "" {
		send(context.WithoutCancel(ctx), cmd).OnComplete(func(r Result) {
			if !r.OK {
				b.log.Warn("chat command failed", slog.String("game", game), slog.Any("err", r.Err))
			}
		})
	}
	return httpexec.Resolved(Result{OK: true, Action: platform.ActionCommand, Game: game, Message: "Command sent"})
}

func notAuthenticated(action platform.Action, game string) *httpexec.Future[Result] {
	return httpexec.Resolved(Result{Action: action, Game: game, Err: platform.ErrNotAuthenticated})
}
