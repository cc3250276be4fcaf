package feed

import (
	"context"
	"sync"
	"testing"

	"github.com/onnwee/gamesync/dispatch"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	cooldown bool
	requests []platform.UpdateRequest
	subs     []func(dispatch.Event)
}

func (f *fakeDispatcher) UpdateCategory(_ context.Context, req platform.UpdateRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cooldown {
		return false
	}
	f.requests = append(f.requests, req)
	return true
}

func (f *fakeDispatcher) IsOnCooldown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldown
}

func (f *fakeDispatcher) Subscribe(fn func(dispatch.Event)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs = nil
		f.mu.Unlock()
	}
}

func (f *fakeDispatcher) finishCooldown() {
	f.mu.Lock()
	f.cooldown = false
	subs := append([]func(dispatch.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(dispatch.Event{Kind: dispatch.CooldownFinished})
	}
}

func (f *fakeDispatcher) games() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.GameName
	}
	return out
}

type autoPref bool

func (a autoPref) ExecuteAutomatically(context.Context) bool { return bool(a) }

func TestDetectionWithoutAutoExecute(t *testing.T) {
	d := &fakeDispatcher{}
	tr := New(d, autoPref(false), nil)
	ctx := context.Background()

	if tr.GameDetected(ctx, "Celeste") {
		t.Error("GameDetected() dispatched with automatic execution off")
	}
	if tr.Detected() != "Celeste" || tr.Desired() != "Celeste" {
		t.Errorf("Detected, Desired = %q, %q", tr.Detected(), tr.Desired())
	}
	if !tr.ExecuteNow(ctx) {
		t.Fatal("ExecuteNow() = false")
	}
	if !tr.SetIdle(ctx) {
		t.Fatal("SetIdle() = false")
	}
	got := d.games()
	if len(got) != 2 || got[0] != "Celeste" || got[1] != platform.IdleCategory {
		t.Errorf("dispatched = %v", got)
	}
	if tr.Detected() != "Celeste" || tr.Desired() != platform.IdleCategory {
		t.Errorf("after SetIdle Detected, Desired = %q, %q", tr.Detected(), tr.Desired())
	}
}

func TestAutoExecute(t *testing.T) {
	tests := []struct {
		name string
		run  func(context.Context, *Translator) bool
		want string
	}{
		{"game", func(ctx context.Context, tr *Translator) bool { return tr.GameDetected(ctx, "Hades") }, "Hades"},
		{"no game", func(ctx context.Context, tr *Translator) bool { return tr.NoGameDetected(ctx) }, platform.IdleCategory},
		{"empty name", func(ctx context.Context, tr *Translator) bool { return tr.GameDetected(ctx, "") }, platform.IdleCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			tr := New(d, autoPref(true), nil)
			if !tt.run(context.Background(), tr) {
				t.Fatal("detection did not dispatch")
			}
			if got := d.games(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("dispatched = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestReappliesAfterCooldown(t *testing.T) {
	d := &fakeDispatcher{cooldown: true}
	tr := New(d, autoPref(true), nil)
	tr.Start()
	defer tr.Stop()

	if tr.GameDetected(context.Background(), "Celeste") {
		t.Error("GameDetected() during cooldown = true")
	}
	if tr.ExecuteNow(context.Background()) {
		t.Error("ExecuteNow() during cooldown = true")
	}
	d.finishCooldown()
	if got := d.games(); len(got) != 1 || got[0] != "Celeste" {
		t.Errorf("dispatched after cooldown = %v, want [Celeste]", got)
	}
}

type countingService struct {
	mu    sync.Mutex
	games []string
}

func (s *countingService) Name() string          { return platform.Twitch }
func (s *countingService) IsAuthenticated() bool { return true }

func (s *countingService) UpdateCategory(_ context.Context, game, _ string) (*httpexec.Future[platform.Outcome], bool) {
	s.mu.Lock()
	s.games = append(s.games, game)
	s.mu.Unlock()
	return httpexec.Resolved(platform.Outcome{Platform: platform.Twitch, Success: true, GameName: game}), true
}

func (s *countingService) SendChatMessage(context.Context, string) *httpexec.Future[platform.Outcome] {
	return httpexec.Resolved(platform.Outcome{Platform: platform.Twitch})
}

func (s *countingService) ChannelInfo(context.Context) *httpexec.Future[platform.ChannelInfo] {
	return httpexec.Resolved(platform.ChannelInfo{})
}

func (s *countingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

func TestWithDispatcher(t *testing.T) {
	svc := &countingService{}
	d := dispatch.New(dispatch.Config{Services: []platform.Service{svc}})
	defer d.Shutdown(context.Background())
	tr := New(d, autoPref(true), nil)
	ctx := context.Background()

	tr.GameDetected(ctx, "Celeste")
	tr.GameDetected(ctx, "Celeste")
	tr.NoGameDetected(ctx)

	if n := svc.count(); n != 2 {
		t.Errorf("updates = %d, want 2 (repeat detection suppressed)", n)
	}
	if got := d.LastSetCategory(); got != platform.IdleCategory {
		t.Errorf("LastSetCategory() = %q", got)
	}
}
