package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/loopback"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/store"
	"github.com/onnwee/gamesync/testutil"
)

func newTestTwitch(t *testing.T, api *testutil.MockTwitchServer, st *store.Settings, clock clockwork.Clock, o *opener) *Twitch {
	t.Helper()
	cfg := TwitchConfig{
		ClientID:    "cid",
		Port:        freePort(t),
		APIBaseURL:  api.BaseURL(),
		ValidateURL: api.URL + "/oauth2/validate",
		Exec:        newExec(t),
		Credentials: st,
		Prefs:       st,
		Clock:       clock,
	}
	if o != nil {
		cfg.Open = o.open
	}
	s := NewTwitch(cfg)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestTwitchLogin(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.MockUserResponse("42", "streamer")
	_, st := newSettings()
	o := &opener{}
	s := newTestTwitch(t, api, st, nil, o)
	ev := record(t, s.Subscribe)

	ok, err := s.StartAuthentication(platform.ModeCategoryChange, true)
	if err != nil || !ok {
		t.Fatalf("StartAuthentication() = %v, %v", ok, err)
	}
	if again, _ := s.StartAuthentication(platform.ModeCategoryChange, true); again {
		t.Error("second StartAuthentication() while waiting should report false")
	}
	if s.FlowState() != auth.AwaitingCallback {
		t.Errorf("FlowState() = %v", s.FlowState())
	}

	u := o.last(t)
	q := u.Query()
	if q.Get("response_type") != "token" || q.Get("client_id") != "cid" {
		t.Errorf("authorize query = %v", q)
	}
	if q.Get("scope") != "user:write:chat channel:manage:broadcast" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if !strings.HasPrefix(q.Get("redirect_uri"), "http://localhost:") {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	callback(t, s.CallbackPort(), url.Values{"token": {"user-token"}, "state": {q.Get("state")}})

	done := ev.next(t, auth.AuthFinished)
	if !done.Success || done.Info != "streamer" || done.Platform != platform.Twitch {
		t.Errorf("AuthFinished = %+v", done)
	}
	want := platform.Credential{AccessToken: "user-token", ChannelUserID: "42", ChannelLogin: "streamer"}
	if got := s.Credential(); got != want {
		t.Errorf("Credential() = %+v, want %+v", got, want)
	}
	if got, _ := st.LoadCredential(context.Background(), platform.Twitch); got != want {
		t.Errorf("persisted = %+v", got)
	}
	if s.FlowState() != auth.Completed {
		t.Errorf("FlowState() = %v, want completed", s.FlowState())
	}
}

func TestTwitchLoginIdentityFailure(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	_, st := newSettings()
	o := &opener{}
	s := newTestTwitch(t, api, st, nil, o)
	ev := record(t, s.Subscribe)

	if ok, err := s.StartAuthentication(platform.ModeChatCommand, false); !ok || err != nil {
		t.Fatalf("StartAuthentication() = %v, %v", ok, err)
	}
	if scope := o.last(t).Query().Get("scope"); scope != "user:write:chat" {
		t.Errorf("chat-mode scope = %q", scope)
	}
	callback(t, s.CallbackPort(), url.Values{"token": {"bad"}})
	if e := ev.next(t, auth.AuthFinished); e.Success {
		t.Errorf("AuthFinished = %+v, want failure", e)
	}
	if s.IsAuthenticated() {
		t.Error("failed login left a credential")
	}
}

func TestTwitchLoginTimeout(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	_, st := newSettings()
	fc := clockwork.NewFakeClock()
	s := newTestTwitch(t, api, st, fc, &opener{})
	ev := record(t, s.Subscribe)

	if ok, _ := s.StartAuthentication(platform.ModeCategoryChange, false); !ok {
		t.Fatal("StartAuthentication() = false")
	}
	port := s.CallbackPort()
	if e := ev.next(t, auth.TimerTick); e.Remaining != auth.DefaultTimeout {
		t.Errorf("first tick = %d", e.Remaining)
	}
	fc.Advance(31 * time.Second)

	if e := ev.next(t, auth.AuthFinished); e.Success || e.Info != "Timeout" {
		t.Errorf("AuthFinished = %+v, want Timeout", e)
	}
	if s.FlowState() != auth.TimedOut {
		t.Errorf("FlowState() = %v", s.FlowState())
	}
	ln, err := loopback.Listen(port)
	if err != nil {
		t.Fatalf("port not released after timeout: %v", err)
	}
	_ = ln.Close()
}

func TestTwitchStartWithoutClientID(t *testing.T) {
	s := NewTwitch(TwitchConfig{Port: freePort(t), Exec: newExec(t)})
	defer s.Shutdown(context.Background())
	if ok, err := s.StartAuthentication(platform.ModeCategoryChange, false); ok || err == nil {
		t.Errorf("StartAuthentication() = %v, %v; want false, error", ok, err)
	}
}

func authedTwitch(t *testing.T, api *testutil.MockTwitchServer) (*Twitch, *store.Memory, *store.Settings) {
	t.Helper()
	mem, st := newSettings()
	s := newTestTwitch(t, api, st, nil, nil)
	s.setCredential(context.Background(), platform.Credential{AccessToken: "tok", ChannelUserID: "42", ChannelLogin: "streamer"})
	return s, mem, st
}

func TestTwitchUpdateCategory(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.MockGames(map[string]string{"Celeste": "504461"})
	var patched map[string]string
	api.Handle("/helix/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Query().Get("broadcaster_id") != "42" {
			t.Errorf("unexpected %s %s", r.Method, r.URL)
		}
		_ = json.NewDecoder(r.Body).Decode(&patched)
		w.WriteHeader(http.StatusNoContent)
	})
	s, _, _ := authedTwitch(t, api)

	f, ok := s.UpdateCategory(context.Background(), "Celeste", "speedruns")
	if !ok {
		t.Fatal("UpdateCategory() = false")
	}
	res := await(t, f)
	if !res.OK || res.Err != nil || res.Action != platform.ActionCategory {
		t.Errorf("result = %+v", res)
	}
	if patched["game_id"] != "504461" || patched["title"] != "speedruns" {
		t.Errorf("patch body = %v", patched)
	}
}

func TestTwitchUpdateCategoryFailures(t *testing.T) {
	tests := []struct {
		name        string
		patchStatus int
		game        string
		wantErr     error
	}{
		{"game not found", http.StatusNoContent, "Unknown Game", platform.ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, "Celeste", platform.ErrRateLimited},
		{"server error", http.StatusInternalServerError, "Celeste", platform.ErrUpdateFailed},
		{"unexpected 200", http.StatusOK, "Celeste", platform.ErrUpdateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := testutil.NewMockTwitchServer(t)
			api.MockGames(map[string]string{"Celeste": "1"})
			api.MockChannels("", "", tt.patchStatus)
			s, _, _ := authedTwitch(t, api)
			f, _ := s.UpdateCategory(context.Background(), tt.game, "")
			res := await(t, f)
			if res.OK || !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("result = %+v, want %v", res, tt.wantErr)
			}
			if !s.IsAuthenticated() {
				t.Error("non-401 failure cleared the credential")
			}
		})
	}
}

func TestTwitchUnauthorizedClearsCredential(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.MockGames(map[string]string{"Celeste": "1"})
	api.MockChannels("", "", http.StatusUnauthorized)
	s, _, st := authedTwitch(t, api)
	ev := record(t, s.Subscribe)

	f, _ := s.UpdateCategory(context.Background(), "Celeste", "")
	res := await(t, f)
	if !errors.Is(res.Err, platform.ErrAuth) {
		t.Errorf("result = %+v, want ErrAuth", res)
	}
	ev.next(t, auth.ReauthRequired)
	if s.IsAuthenticated() {
		t.Error("credential kept after 401")
	}
	if c, _ := st.LoadCredential(context.Background(), platform.Twitch); c.AccessToken != "" {
		t.Error("cleared credential not persisted")
	}
	f, _ = s.UpdateCategory(context.Background(), "Celeste", "")
	if res := await(t, f); !errors.Is(res.Err, platform.ErrNotAuthenticated) {
		t.Errorf("after 401 result = %+v, want ErrNotAuthenticated", res)
	}
}

func TestTwitchOneUpdateInFlight(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	release := make(chan struct{})
	api.Handle("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		<-release
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": "1"}}})
	})
	api.MockChannels("", "", http.StatusNoContent)
	s, _, _ := authedTwitch(t, api)

	first, ok := s.UpdateCategory(context.Background(), "Celeste", "")
	if !ok {
		t.Fatal("first UpdateCategory() = false")
	}
	if _, ok := s.UpdateCategory(context.Background(), "Hades", ""); ok {
		t.Error("second UpdateCategory() while in flight should report false")
	}
	close(release)
	if res := await(t, first); !res.OK {
		t.Errorf("first result = %+v", res)
	}
	if f, ok := s.UpdateCategory(context.Background(), "Hades", ""); !ok {
		t.Error("UpdateCategory() after completion should be accepted")
	} else {
		await(t, f)
	}
	if n := api.Calls("/helix/games"); n != 2 {
		t.Errorf("games calls = %d, want 2", n)
	}
}

func TestTwitchChatMode(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	sent := make(chan string, 4)
	api.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["broadcaster_id"] != "42" || body["sender_id"] != "42" {
			t.Errorf("chat body = %v", body)
		}
		sent <- body["message"]
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"is_sent": true}}})
	})
	s, mem, _ := authedTwitch(t, api)
	_ = mem.Set(context.Background(), "twitch_action_mode", "0")

	f, ok := s.UpdateCategory(context.Background(), "Celeste", "")
	if !ok {
		t.Fatal("UpdateCategory() = false")
	}
	res, done := f.Value()
	if !done || !res.OK || res.Message != "Command sent" || res.Action != platform.ActionCommand {
		t.Errorf("chat-mode result = %+v, resolved=%v", res, done)
	}
	select {
	case msg := <-sent:
		if msg != "!setgame Celeste" {
			t.Errorf("message = %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("chat command never sent")
	}

	f, _ = s.UpdateCategory(context.Background(), platform.IdleCategory, "")
	await(t, f)
	select {
	case msg := <-sent:
		if msg != "!setgame just chatting" {
			t.Errorf("idle message = %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle command never sent")
	}
}

func TestTwitchChatAndChannelInfo(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.MockChatMessage(http.StatusOK)
	api.MockChannels("Celeste", "any%", http.StatusNoContent)
	s, _, _ := authedTwitch(t, api)

	if res := await(t, s.SendChatMessage(context.Background(), "hi")); !res.OK {
		t.Errorf("SendChatMessage() = %+v", res)
	}
	info := await(t, s.ChannelInfo(context.Background()))
	if info.Err != nil || info.Info.Category != "Celeste" || info.Info.Title != "any%" {
		t.Errorf("ChannelInfo() = %+v", info)
	}

	s.Logout(context.Background())
	if res := await(t, s.SendChatMessage(context.Background(), "hi")); !errors.Is(res.Err, platform.ErrNotAuthenticated) {
		t.Errorf("SendChatMessage() logged out = %+v", res)
	}
	if info := await(t, s.ChannelInfo(context.Background())); !errors.Is(info.Err, platform.ErrNotAuthenticated) {
		t.Errorf("ChannelInfo() logged out = %+v", info)
	}
}

func TestTwitchValidateStored(t *testing.T) {
	api := testutil.NewMockTwitchServer(t)
	api.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	s, _, _ := authedTwitch(t, api)
	ev := record(t, s.Subscribe)

	if err := await(t, s.ValidateStored(context.Background())); !errors.Is(err, platform.ErrAuth) {
		t.Errorf("ValidateStored() = %v, want ErrAuth", err)
	}
	ev.next(t, auth.ReauthRequired)
	if err := await(t, s.ValidateStored(context.Background())); err != nil {
		t.Errorf("ValidateStored() without token = %v, want nil", err)
	}
}
