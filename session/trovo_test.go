package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/store"
	"github.com/onnwee/gamesync/testutil"
)

func newTestTrovo(t *testing.T, api *testutil.MockTrovoServer, st *store.Settings, clock clockwork.Clock, o *opener) *Trovo {
	t.Helper()
	cfg := TrovoConfig{
		ClientID:    "cid",
		Port:        freePort(t),
		APIBaseURL:  api.BaseURL(),
		ProxyURL:    api.ProxyURL(),
		Exec:        newExec(t),
		Credentials: st,
		Prefs:       st,
		Clock:       clock,
	}
	if o != nil {
		cfg.Open = o.open
	}
	s := NewTrovo(cfg)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func authedTrovo(t *testing.T, api *testutil.MockTrovoServer, clock clockwork.Clock) (*Trovo, *store.Settings) {
	t.Helper()
	_, st := newSettings()
	s := newTestTrovo(t, api, st, clock, nil)
	s.setCredential(context.Background(), platform.Credential{AccessToken: "old", RefreshToken: "r1", ChannelUserID: "100", ChannelLogin: "streamer"})
	return s, st
}

// channelByToken serves /openplatform/channel: "old" is expired, anything in
// valid succeeds.
func channelByToken(api *testutil.MockTrovoServer, valid ...string) {
	api.Handle("/openplatform/channel", func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		for _, v := range valid {
			if hdr == "OAuth "+v {
				testutil.WriteJSON(w, http.StatusOK, map[string]string{"category_name": "Celeste", "live_title": "t"})
				return
			}
		}
		testutil.ExpiredToken(w)
	})
}

func TestTrovoLogin(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	api.MockValidate("100", "streamer")
	_, st := newSettings()
	o := &opener{}
	s := newTestTrovo(t, api, st, nil, o)
	ev := record(t, s.Subscribe)

	if ok, err := s.StartAuthentication(platform.ModeCategoryChange, false); !ok || err != nil {
		t.Fatalf("StartAuthentication() = %v, %v", ok, err)
	}
	q := o.last(t).Query()
	if q.Get("response_type") != "code" || q.Get("redirect_uri") != api.ProxyURL() {
		t.Errorf("login query = %v", q)
	}
	if q.Get("scope") != "channel_details_self channel_update_self user_details_self" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	callback(t, s.CallbackPort(), url.Values{"token": {"a1"}, "refresh_token": {"r1"}})
	if e := ev.next(t, auth.AuthFinished); !e.Success || e.Info != "streamer" {
		t.Errorf("AuthFinished = %+v", e)
	}
	want := platform.Credential{AccessToken: "a1", RefreshToken: "r1", ChannelUserID: "100", ChannelLogin: "streamer"}
	if got := s.Credential(); got != want {
		t.Errorf("Credential() = %+v, want %+v", got, want)
	}
	if got, _ := st.LoadCredential(context.Background(), platform.Trovo); got != want {
		t.Errorf("persisted = %+v", got)
	}
}

func TestTrovoRefreshAndReplay(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	channelByToken(api, "new")
	api.MockRefresh("new", "r2")
	s, st := authedTrovo(t, api, nil)

	info := await(t, s.ChannelInfo(context.Background()))
	if info.Err != nil || info.Info.Category != "Celeste" {
		t.Fatalf("ChannelInfo() = %+v", info)
	}
	if n := api.Calls("/proxy"); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if n := api.Calls("/openplatform/channel"); n != 2 {
		t.Errorf("channel calls = %d, want 2 (original + replay)", n)
	}
	c := s.Credential()
	if c.AccessToken != "new" || c.RefreshToken != "r2" || c.ChannelUserID != "100" {
		t.Errorf("credential = %+v", c)
	}
	if p, _ := st.LoadCredential(context.Background(), platform.Trovo); p != c {
		t.Errorf("persisted = %+v", p)
	}
}

func TestTrovoConcurrentExpiryRefreshesOnce(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	channelByToken(api, "new")
	api.MockRefresh("new", "r2")
	s, _ := authedTrovo(t, api, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			info, err := s.ChannelInfo(ctx).Await(ctx)
			if err != nil || info.Err != nil {
				t.Errorf("ChannelInfo() = %+v, %v", info, err)
			}
		}()
	}
	wg.Wait()
	if n := api.Calls("/proxy"); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestTrovoRefreshOutlivesCancelledCaller(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	api.MockRefresh("new", "r2")
	s, _ := authedTrovo(t, api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := s.refreshAfter(ctx, "old")
	if err != nil || tok != "new" {
		t.Fatalf("refreshAfter() = %q, %v, want new, nil", tok, err)
	}
	if c := s.Credential(); c.AccessToken != "new" || c.RefreshToken != "r2" {
		t.Errorf("credential = %+v", c)
	}
}

func TestTrovoRefreshRateLimited(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	var mu sync.Mutex
	valid := map[string]bool{"a1": true}
	setValid := func(tokens ...string) {
		mu.Lock()
		defer mu.Unlock()
		valid = map[string]bool{}
		for _, tok := range tokens {
			valid[tok] = true
		}
	}
	api.Handle("/openplatform/channel", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := valid[strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")]
		mu.Unlock()
		if !ok {
			testutil.ExpiredToken(w)
			return
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]string{"category_name": "Celeste"})
	})
	issued := 0
	api.Handle("/proxy", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		issued++
		tok := fmt.Sprintf("a%d", issued)
		mu.Unlock()
		testutil.WriteJSON(w, http.StatusOK, map[string]string{"access_token": tok, "refresh_token": "r"})
	})
	fc := clockwork.NewFakeClock()
	s, _ := authedTrovo(t, api, fc)

	if info := await(t, s.ChannelInfo(context.Background())); info.Err != nil {
		t.Fatalf("first call = %+v", info)
	}
	if got := api.Calls("/proxy"); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}

	// a1 expires before the limiter allows another refresh
	setValid()
	if info := await(t, s.ChannelInfo(context.Background())); !errors.Is(info.Err, platform.ErrAuth) {
		t.Errorf("throttled call = %+v, want ErrAuth", info)
	}
	if got := api.Calls("/proxy"); got != 1 {
		t.Errorf("refresh calls within interval = %d, want 1", got)
	}
	if !s.IsAuthenticated() {
		t.Error("throttled refresh should keep the credential")
	}

	fc.Advance(DefaultRefreshInterval)
	setValid("a2")
	if info := await(t, s.ChannelInfo(context.Background())); info.Err != nil {
		t.Errorf("call after interval = %+v", info)
	}
	if got := api.Calls("/proxy"); got != 2 {
		t.Errorf("refresh calls after interval = %d, want 2", got)
	}
	if s.Credential().AccessToken != "a2" {
		t.Errorf("token = %q, want a2", s.Credential().AccessToken)
	}
}

func TestTrovoReplayUnauthorizedClearsCredential(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	channelByToken(api)
	api.MockRefresh("new", "r2")
	s, _ := authedTrovo(t, api, nil)
	ev := record(t, s.Subscribe)

	if info := await(t, s.ChannelInfo(context.Background())); !errors.Is(info.Err, platform.ErrAuth) {
		t.Errorf("ChannelInfo() = %+v, want ErrAuth", info)
	}
	if n := api.Calls("/openplatform/channel"); n != 2 {
		t.Errorf("channel calls = %d, want exactly one replay", n)
	}
	ev.next(t, auth.ReauthRequired)
	if s.IsAuthenticated() {
		t.Error("credential kept after the replay was rejected")
	}
}

func TestTrovoRefreshRejected(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	channelByToken(api)
	api.Handle("/proxy", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	})
	s, st := authedTrovo(t, api, nil)
	ev := record(t, s.Subscribe)

	info := await(t, s.ChannelInfo(context.Background()))
	if !errors.Is(info.Err, platform.ErrAuth) {
		t.Errorf("ChannelInfo() = %+v, want ErrAuth", info)
	}
	if e := ev.next(t, auth.ReauthRequired); e.Platform != platform.Trovo {
		t.Errorf("event = %+v", e)
	}
	if s.IsAuthenticated() {
		t.Error("credential kept after refresh rejection")
	}
	if c, _ := st.LoadCredential(context.Background(), platform.Trovo); c.AccessToken != "" {
		t.Error("cleared credential not persisted")
	}
}

func TestTrovoPlainUnauthorizedClearsCredential(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	api.Handle("/openplatform/channel", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "accessTokenInvalid"})
	})
	s, _ := authedTrovo(t, api, nil)
	ev := record(t, s.Subscribe)

	if info := await(t, s.ChannelInfo(context.Background())); !errors.Is(info.Err, platform.ErrAuth) {
		t.Errorf("ChannelInfo() = %+v, want ErrAuth", info)
	}
	ev.next(t, auth.ReauthRequired)
	if api.Calls("/proxy") != 0 {
		t.Error("non-expiry 401 should not refresh")
	}
}

func TestTrovoUpdateCategory(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	api.MockCategories(map[string]string{"ChitChat": "10001", "Celeste": "2"})
	var body map[string]string
	api.Handle("/openplatform/channels/update", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	})
	s, _ := authedTrovo(t, api, nil)

	f, ok := s.UpdateCategory(context.Background(), platform.IdleCategory, "")
	if !ok {
		t.Fatal("UpdateCategory() = false")
	}
	if res := await(t, f); !res.OK || res.Game != platform.IdleCategory {
		t.Errorf("result = %+v", res)
	}
	if body["category_id"] != "10001" || body["channel_id"] != "100" {
		t.Errorf("update body = %v", body)
	}

	f, _ = s.UpdateCategory(context.Background(), "No Such Game", "")
	if res := await(t, f); !errors.Is(res.Err, platform.ErrNotFound) {
		t.Errorf("unknown game result = %+v", res)
	}
}

func TestTrovoChatModeAndChat(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	sent := make(chan string, 2)
	api.Handle("/openplatform/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		sent <- body["content"]
		testutil.WriteJSON(w, http.StatusOK, map[string]any{})
	})
	s, st := authedTrovo(t, api, nil)
	_ = st.SetActionMode(context.Background(), platform.Trovo, platform.ModeChatCommand)

	f, ok := s.UpdateCategory(context.Background(), "Celeste", "")
	if !ok {
		t.Fatal("UpdateCategory() = false")
	}
	if res := await(t, f); !res.OK || res.Message != "Command sent" {
		t.Errorf("result = %+v", res)
	}
	select {
	case msg := <-sent:
		if msg != "!setgame Celeste" {
			t.Errorf("content = %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("command not sent")
	}
}

func TestTrovoStartWithoutClientID(t *testing.T) {
	s := NewTrovo(TrovoConfig{Port: freePort(t), Exec: newExec(t)})
	defer s.Shutdown(context.Background())
	if ok, err := s.StartAuthentication(platform.ModeCategoryChange, true); ok || err == nil {
		t.Errorf("StartAuthentication() = %v, %v; want false, error", ok, err)
	}
}

func TestTrovoValidateStored(t *testing.T) {
	api := testutil.NewMockTrovoServer(t)
	api.MockValidate("100", "streamer")
	s, _ := authedTrovo(t, api, nil)

	if err := await(t, s.ValidateStored(context.Background())); err != nil {
		t.Errorf("ValidateStored() = %v", err)
	}
	if n := api.Calls("/openplatform/validate"); n != 1 {
		t.Errorf("validate calls = %d, want 1", n)
	}

	_, st := newSettings()
	idle := newTestTrovo(t, api, st, nil, nil)
	if err := await(t, idle.ValidateStored(context.Background())); err != nil {
		t.Errorf("ValidateStored() logged out = %v, want nil", err)
	}
	if n := api.Calls("/openplatform/validate"); n != 1 {
		t.Errorf("logged-out session called validate, calls = %d", n)
	}
}
