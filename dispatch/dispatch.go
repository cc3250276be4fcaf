// Package dispatch fans category and chat requests out to the platform
// services. It suppresses duplicates, enforces a cooldown between issued
// dispatches and reconciles the displayed state by reading the current
// categories back.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/events"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
)

// Cooldown bounds for a positive configured delay.
const (
	MinDelay = 5 * time.Second
	MaxDelay = 300 * time.Second
)

const (
	// DefaultFetchDebounce is the minimum spacing of non-forced fetches.
	DefaultFetchDebounce = 10 * time.Second
	// DefaultReconcileDelay is how long after a dispatch the forced fetch runs.
	DefaultReconcileDelay = 3 * time.Second
)

// EventKind enumerates dispatcher notifications.
type EventKind int

const (
	// OutcomeReported carries one adapter attempt's result.
	OutcomeReported EventKind = iota
	CooldownStarted
	CooldownFinished
	// CategoriesFetched carries the aggregated result of one fetch round.
	CategoriesFetched
)

func (k EventKind) String() string {
	switch k {
	case OutcomeReported:
		return "outcome"
	case CooldownStarted:
		return "cooldown_started"
	case CooldownFinished:
		return "cooldown_finished"
	case CategoriesFetched:
		return "categories_fetched"
	default:
		return "unknown"
	}
}

// Event is published on the dispatcher's bus.
type Event struct {
	Kind       EventKind
	Outcome    platform.Outcome
	Cooldown   time.Duration
	Categories map[string]platform.ChannelInfo
}

// CooldownWindow is a snapshot of the cooldown state.
type CooldownWindow struct {
	Active    bool          `json:"active"`
	Remaining time.Duration `json:"remaining"`
	Deadline  time.Time     `json:"deadline,omitzero"`
}

// Categories maps platform name to its current channel state.
type Categories = map[string]platform.ChannelInfo

// Config configures a Dispatcher.
type Config struct {
	Services []platform.Service
	// Delay returns the configured cooldown in seconds. Nil means no cooldown.
	Delay          func(ctx context.Context) int
	FetchDebounce  time.Duration
	ReconcileDelay time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	services       []platform.Service
	delay          func(ctx context.Context) int
	debounce       time.Duration
	reconcileDelay time.Duration
	clock          clockwork.Clock
	log            *slog.Logger
	bus            *events.Bus[Event]

	// issueMu serializes UpdateCategory between the checks and the
	// bookkeeping that follows the adapter calls.
	issueMu sync.Mutex

	mu          sync.Mutex
	lastSet     string
	cooldown    clockwork.Timer
	cooldownGen uint64
	deadline    time.Time
	fetchTimer  clockwork.Timer
	inflight    *httpexec.Future[Categories]
	cached      *httpexec.Future[Categories]
	lastFetch   time.Time

	closing atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns a dispatcher whose last-set category is the idle category.
func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FetchDebounce <= 0 {
		cfg.FetchDebounce = DefaultFetchDebounce
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = DefaultReconcileDelay
	}
	if cfg.Delay == nil {
		cfg.Delay = func(context.Context) int { return 0 }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		services:       cfg.Services,
		delay:          cfg.Delay,
		debounce:       cfg.FetchDebounce,
		reconcileDelay: cfg.ReconcileDelay,
		clock:          cfg.Clock,
		log:            log.With(slog.String("component", "dispatch")),
		bus:            events.New[Event]("dispatch"),
		lastSet:        platform.IdleCategory,
		stop:           make(chan struct{}),
	}
}

// ClampDelay converts a configured delay in seconds into the cooldown
// duration. Zero or negative disables the cooldown.
func ClampDelay(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d < MinDelay {
		return MinDelay
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Subscribe registers fn for dispatcher events.
func (d *Dispatcher) Subscribe(fn func(Event)) (unsubscribe func()) { return d.bus.Subscribe(fn) }

// Services returns the configured services.
func (d *Dispatcher) Services() []platform.Service { return d.services }

// LastSetCategory returns the category of the last issued dispatch.
func (d *Dispatcher) LastSetCategory() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSet
}

// SetLastSetCategory overrides the duplicate-suppression reference, e.g.
// after reading the live category back.
func (d *Dispatcher) SetLastSetCategory(name string) {
	d.mu.Lock()
	d.lastSet = name
	d.mu.Unlock()
}

// IsOnCooldown reports whether new dispatches are currently blocked.
func (d *Dispatcher) IsOnCooldown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown != nil
}

// CooldownRemaining is derived from the running timer's deadline.
func (d *Dispatcher) CooldownRemaining() time.Duration {
	return d.Cooldown().Remaining
}

// Cooldown returns a snapshot of the cooldown window.
func (d *Dispatcher) Cooldown() CooldownWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cooldown == nil {
		return CooldownWindow{}
	}
	rem := d.deadline.Sub(d.clock.Now())
	if rem < 0 {
		rem = 0
	}
	return CooldownWindow{Active: true, Remaining: rem, Deadline: d.deadline}
}

// UpdateCategory issues req to the target services. It reports false, with
// no side effects, while the cooldown is active, when req repeats the
// last-set category without Force, or when no target accepted the update.
// The last-set category, the cooldown and the reconcile fetch only follow an
// update that at least one authenticated service accepted.
func (d *Dispatcher) UpdateCategory(ctx context.Context, req platform.UpdateRequest) bool {
	if d.closing.Load() {
		return false
	}
	d.issueMu.Lock()
	defer d.issueMu.Unlock()

	d.mu.Lock()
	if d.cooldown != nil {
		d.mu.Unlock()
		d.log.Info("action is on cooldown, ignoring request", slog.String("game", req.GameName))
		telemetry.RecordDispatch("category", false)
		return false
	}
	if !req.Force && req.GameName == d.lastSet {
		d.mu.Unlock()
		d.log.Debug("category already set, ignoring request", slog.String("game", req.GameName))
		telemetry.RecordDispatch("category", false)
		return false
	}
	d.mu.Unlock()

	targets := d.targets(req.Targets)
	uctx := context.WithoutCancel(ctx)
	var accepted []*httpexec.Future[platform.Outcome]
	issued := 0
	for _, s := range targets {
		authed := s.IsAuthenticated()
		f, ok := s.UpdateCategory(uctx, req.GameName, req.Title)
		if !ok {
			d.log.Info("update already in flight, skipping", slog.String("platform", s.Name()))
			continue
		}
		accepted = append(accepted, f)
		if authed {
			issued++
		}
	}
	for _, f := range accepted {
		f.OnComplete(d.publishOutcome)
	}
	if issued == 0 {
		d.log.Info("no service accepted the update", slog.String("game", req.GameName), slog.Int("targets", len(targets)))
		telemetry.RecordDispatch("category", false)
		return false
	}

	d.mu.Lock()
	d.lastSet = req.GameName
	d.startCooldownLocked(ctx)
	d.scheduleFetchLocked()
	d.mu.Unlock()

	d.log.Info("changing category", slog.String("game", req.GameName), slog.Int("issued", issued), slog.Bool("force", req.Force))
	telemetry.RecordDispatch("category", true)
	return true
}

// SendChatMessage sends message through every service. It is gated by the
// cooldown like UpdateCategory but does not start one.
func (d *Dispatcher) SendChatMessage(ctx context.Context, message string) bool {
	if d.closing.Load() {
		return false
	}
	if d.IsOnCooldown() {
		d.log.Info("action is on cooldown, ignoring chat message")
		telemetry.RecordDispatch("chat", false)
		return false
	}
	telemetry.RecordDispatch("chat", true)
	ctx = context.WithoutCancel(ctx)
	for _, s := range d.services {
		s.SendChatMessage(ctx, message).OnComplete(d.publishOutcome)
	}
	return true
}

func (d *Dispatcher) publishOutcome(o platform.Outcome) {
	d.bus.Publish(Event{Kind: OutcomeReported, Outcome: o})
}

// targets returns the named services, or every authenticated one when names
// is empty. Named services are included even when logged out so the caller
// gets their outcome.
func (d *Dispatcher) targets(names []string) []platform.Service {
	var out []platform.Service
	if len(names) == 0 {
		for _, s := range d.services {
			if s.IsAuthenticated() {
				out = append(out, s)
			}
		}
		return out
	}
	for _, s := range d.services {
		for _, n := range names {
			if strings.EqualFold(s.Name(), n) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// mu must be held.
func (d *Dispatcher) startCooldownLocked(ctx context.Context) {
	dur := ClampDelay(d.delay(ctx))
	if dur == 0 {
		return
	}
	d.cooldownGen++
	gen := d.cooldownGen
	d.deadline = d.clock.Now().Add(dur)
	d.cooldown = d.clock.AfterFunc(dur, func() { d.expireCooldown(gen) })
	telemetry.SetCooldown(true)
	d.bus.Publish(Event{Kind: CooldownStarted, Cooldown: dur})
}

func (d *Dispatcher) expireCooldown(gen uint64) {
	d.mu.Lock()
	if gen != d.cooldownGen || d.cooldown == nil {
		d.mu.Unlock()
		return
	}
	d.cooldown = nil
	d.deadline = time.Time{}
	d.mu.Unlock()
	telemetry.SetCooldown(false)
	d.log.Debug("cooldown finished")
	d.bus.Publish(Event{Kind: CooldownFinished})
}

// scheduleFetchLocked replaces any pending reconcile fetch. mu must be held.
func (d *Dispatcher) scheduleFetchLocked() {
	if d.fetchTimer != nil && d.fetchTimer.Stop() {
		d.wg.Done()
	}
	d.wg.Add(1)
	d.fetchTimer = d.clock.AfterFunc(d.reconcileDelay, func() {
		defer d.wg.Done()
		if d.closing.Load() {
			return
		}
		d.FetchCurrentCategories(context.Background(), true)
	})
}

// FetchCurrentCategories reads every authenticated service's channel.
// Non-forced calls within the debounce window return the in-flight or last
// result instead of issuing new reads. Failed reads are left out of the map.
func (d *Dispatcher) FetchCurrentCategories(ctx context.Context, force bool) *httpexec.Future[Categories] {
	if d.closing.Load() {
		return httpexec.Resolved(Categories{})
	}
	d.mu.Lock()
	if d.inflight != nil {
		f := d.inflight
		d.mu.Unlock()
		return f
	}
	now := d.clock.Now()
	if !force && d.cached != nil && now.Sub(d.lastFetch) < d.debounce {
		f := d.cached
		d.mu.Unlock()
		return f
	}
	var services []platform.Service
	for _, s := range d.services {
		if s.IsAuthenticated() {
			services = append(services, s)
		}
	}
	f, resolve := httpexec.NewPromise[Categories]()
	d.inflight = f
	d.lastFetch = now
	d.mu.Unlock()

	telemetry.RecordFetch()
	ctx = context.WithoutCancel(ctx)
	reads := make([]*httpexec.Future[platform.ChannelInfo], len(services))
	for i, s := range services {
		reads[i] = s.ChannelInfo(ctx)
	}
	httpexec.All(reads...).OnComplete(func(infos []platform.ChannelInfo) {
		out := make(Categories, len(infos))
		for i, info := range infos {
			if info.Category != "" {
				out[services[i].Name()] = info
			}
		}
		d.mu.Lock()
		d.inflight = nil
		d.cached = f
		d.mu.Unlock()
		resolve(out)
		d.bus.Publish(Event{Kind: CategoriesFetched, Categories: out})
	})
	return f
}

// StartReconciler runs a non-forced fetch every interval (with jitter) until
// ctx is done or the dispatcher shuts down.
func (d *Dispatcher) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			// per-iteration jitter of +-20% of interval
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-d.clock.After(interval + jitter):
			}
			d.FetchCurrentCategories(ctx, false)
		}
	}()
}

// Shutdown stops timers and the reconciler and waits for scheduled work,
// including a fetch already in flight.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.closing.Swap(true) {
		return nil
	}
	close(d.stop)
	d.mu.Lock()
	if d.cooldown != nil {
		d.cooldown.Stop()
		d.cooldown = nil
	}
	if d.fetchTimer != nil && d.fetchTimer.Stop() {
		d.wg.Done()
	}
	d.fetchTimer = nil
	inflight := d.inflight
	d.mu.Unlock()
	telemetry.SetCooldown(false)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if inflight != nil {
		if _, err := inflight.Await(ctx); err != nil {
			return err
		}
	}
	d.bus.Close()
	return nil
}
