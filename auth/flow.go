package auth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/browser"

	"github.com/onnwee/gamesync/loopback"
	"github.com/onnwee/gamesync/telemetry"
)

// Opener shows url to the user, normally in the system browser.
type Opener func(url string) error

// OpenBrowser opens url with the platform's default browser.
func OpenBrowser(url string) error { return browser.OpenURL(url) }

// FlowConfig configures a Flow.
type FlowConfig struct {
	Platform        string
	Port            int
	Timeout         time.Duration
	ListenerOptions []loopback.Option
	Clock           clockwork.Clock
	Open            Opener
	Emit            func(Event)
	Logger          *slog.Logger
}

// CallbackFunc receives the delivered token. It runs on the flow's goroutine
// after the listener has been shut down.
type CallbackFunc func(ctx context.Context, cb loopback.Callback)

type attempt struct {
	id       string
	listener *loopback.Listener
	deadline time.Time
	stop     chan struct{}
	exited   chan struct{}
}

// Flow runs at most one handshake at a time.
type Flow struct {
	cfg FlowConfig
	log *slog.Logger

	mu      sync.Mutex
	state   State
	current *attempt
}

// NewFlow returns an idle flow.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Open == nil {
		cfg.Open = OpenBrowser
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Flow{cfg: cfg, log: log.With(slog.String("component", "auth"), slog.String("platform", cfg.Platform))}
}

// State returns the current handshake state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Remaining returns the whole seconds left on a running handshake.
func (f *Flow) Remaining() int {
	f.mu.Lock()
	a := f.current
	f.mu.Unlock()
	if a == nil {
		return 0
	}
	return secondsLeft(a.deadline, f.cfg.Clock.Now())
}

// Port returns the callback listener port of the running handshake, or 0.
func (f *Flow) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return 0
	}
	return f.current.listener.Port()
}

// Begin starts a handshake. buildURL receives the attempt's state token and
// returns the consent page URL. It reports false without side effects when a
// handshake is already waiting for its callback.
func (f *Flow) Begin(buildURL func(state string) string, onCallback CallbackFunc) (bool, error) {
	f.mu.Lock()
	if f.state == AwaitingCallback {
		f.mu.Unlock()
		return false, nil
	}
	ln, err := loopback.Listen(f.cfg.Port, f.cfg.ListenerOptions...)
	if err != nil {
		f.mu.Unlock()
		return false, fmt.Errorf("start callback listener: %w", err)
	}
	a := &attempt{
		id:       uuid.NewString(),
		listener: ln,
		deadline: f.cfg.Clock.Now().Add(f.cfg.Timeout),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	// ticker created before the goroutine so fake clocks see it immediately
	ticker := f.cfg.Clock.NewTicker(time.Second)
	f.current = a
	f.state = AwaitingCallback
	f.mu.Unlock()

	url := buildURL(a.id)
	f.cfg.Emit(Event{Kind: TimerTick, Platform: f.cfg.Platform, Remaining: secondsLeft(a.deadline, f.cfg.Clock.Now())})
	go f.run(a, ticker, onCallback)

	if err := f.cfg.Open(url); err != nil {
		f.log.Warn("could not open browser, open the login URL manually", slog.Any("err", err), slog.String("url", url))
	} else {
		f.log.Info("login page opened", slog.Int("port", ln.Port()))
	}
	return true, nil
}

func (f *Flow) run(a *attempt, ticker clockwork.Ticker, onCallback CallbackFunc) {
	defer close(a.exited)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			_ = a.listener.Close()
			return

		case <-ticker.Chan():
			left := secondsLeft(a.deadline, f.cfg.Clock.Now())
			if left > 0 {
				f.cfg.Emit(Event{Kind: TimerTick, Platform: f.cfg.Platform, Remaining: left})
				continue
			}
			if !f.finish(a, TimedOut) {
				_ = a.listener.Close()
				return
			}
			_ = a.listener.Close()
			f.log.Info("login timed out")
			telemetry.RecordAuthFlow(f.cfg.Platform, "timeout")
			f.cfg.Emit(Event{Kind: TimerTick, Platform: f.cfg.Platform, Remaining: 0})
			f.cfg.Emit(Event{Kind: AuthFinished, Platform: f.cfg.Platform, Success: false, Info: "Timeout"})
			return

		case cb := <-a.listener.Callbacks():
			if cb.State != "" && cb.State != a.id {
				f.log.Warn("ignoring callback with unexpected state")
				continue
			}
			ticker.Stop()
			if !f.finish(a, Completed) {
				_ = a.listener.Close()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.listener.Shutdown(ctx); err != nil {
				f.log.Debug("callback listener shutdown", slog.Any("err", err))
			}
			cancel()
			onCallback(context.Background(), cb)
			return
		}
	}
}

// finish moves a out of AwaitingCallback. It reports false if a is no longer
// the current attempt (canceled concurrently).
func (f *Flow) finish(a *attempt, to State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != a {
		return false
	}
	f.current = nil
	f.state = to
	return true
}

// Cancel abandons a running handshake without emitting AuthFinished and waits
// for its listener to close. It is a no-op when idle.
func (f *Flow) Cancel() {
	f.mu.Lock()
	a := f.current
	if a == nil {
		f.mu.Unlock()
		return
	}
	f.current = nil
	f.state = Idle
	close(a.stop)
	f.mu.Unlock()
	<-a.exited
}

func secondsLeft(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
