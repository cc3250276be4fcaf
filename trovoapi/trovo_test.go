package trovoapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

func run(t *testing.T, req httpexec.Request) httpexec.Response {
	t.Helper()
	exec := httpexec.New()
	defer exec.Shutdown(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := exec.Do(ctx, req).Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestBuildLoginURL(t *testing.T) {
	c := &Client{ClientID: "cid", ProxyURL: "https://proxy.example"}
	raw, err := c.BuildLoginURL("", []string{ScopeChannelDetails, ScopeChannelUpdate, ScopeUserDetails})
	if err != nil {
		t.Fatalf("BuildLoginURL() error = %v", err)
	}
	if !strings.HasPrefix(raw, DefaultLoginURL+"?") {
		t.Errorf("BuildLoginURL() = %s", raw)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "cid" || q.Get("redirect_uri") != "https://proxy.example" {
		t.Errorf("query = %v", q)
	}
	if q.Get("scope") != "channel_details_self channel_update_self user_details_self" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Has("state") {
		t.Errorf("state should be omitted, proxy does not forward it")
	}
	if _, err := (&Client{}).BuildLoginURL("", nil); err == nil {
		t.Error("BuildLoginURL() without client id should fail")
	}
}

func TestRequestsCarryHeaders(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Header.Get("client-id") != "cid" {
			t.Errorf("%s: client-id header = %q", r.URL.Path, r.Header.Get("client-id"))
		}
		if r.Header.Get("Authorization") != "OAuth tok" {
			t.Errorf("%s: Authorization = %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/openplatform/validate":
			_, _ = w.Write([]byte(`{"uid":"100","nick_name":"streamer"}`))
		case "/openplatform/searchcategory":
			var body struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Query != "ChitChat" || body.Limit != 1 {
				t.Errorf("search body = %+v", body)
			}
			_, _ = w.Write([]byte(`{"category_info":[{"id":"10001","name":"Chit Chat"}]}`))
		case "/openplatform/channels/update":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["channel_id"] != "100" || body["category_id"] != "10001" || body["live_title"] != "hi" {
				t.Errorf("update body = %v", body)
			}
			w.WriteHeader(http.StatusOK)
		case "/openplatform/chat/send":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["content"] != "hello" || body["channel_id"] != "100" {
				t.Errorf("chat body = %v", body)
			}
		case "/openplatform/channel":
			_, _ = w.Write([]byte(`{"category_name":"Celeste","live_title":"run"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	c := &Client{ClientID: "cid", BaseURL: server.URL + "/openplatform"}

	user, err := ParseValidate(run(t, c.ValidateRequest("tok")))
	if err != nil || user.ID != "100" || user.Nickname != "streamer" {
		t.Errorf("ParseValidate() = %+v, %v", user, err)
	}

	req, _ := c.SearchCategoryRequest("tok", CategoryName(platform.IdleCategory))
	id, err := ParseCategoryID(run(t, req))
	if err != nil || id != "10001" {
		t.Errorf("ParseCategoryID() = %q, %v", id, err)
	}

	req, _ = c.UpdateChannelRequest("tok", "100", "10001", "hi")
	if err := CheckUpdateChannel(run(t, req)); err != nil {
		t.Errorf("CheckUpdateChannel() = %v", err)
	}

	req, _ = c.SendChatRequest("tok", "100", "hello")
	if err := CheckSendChat(run(t, req)); err != nil {
		t.Errorf("CheckSendChat() = %v", err)
	}

	info, err := ParseChannel(run(t, c.ChannelRequest("tok")))
	if err != nil || info.Category != "Celeste" || info.Title != "run" {
		t.Errorf("ParseChannel() = %+v, %v", info, err)
	}
	if len(seen) != 5 {
		t.Errorf("requests = %v", seen)
	}
}

func TestRefreshRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("refresh must not send Authorization")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "refresh_token" || body["refresh_token"] != "r1" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":14400}`))
	}))
	defer server.Close()

	c := &Client{ClientID: "cid", ProxyURL: server.URL}
	req, err := c.RefreshRequest("r1")
	if err != nil {
		t.Fatal(err)
	}
	toks, err := ParseRefresh(run(t, req))
	if err != nil || toks.AccessToken != "a2" || toks.RefreshToken != "r2" {
		t.Errorf("ParseRefresh() = %+v, %v", toks, err)
	}
}

func TestParseRefreshRejected(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		if _, err := ParseRefresh(httpexec.Response{Status: status, Body: []byte(`{}`)}); !errors.Is(err, platform.ErrAuth) {
			t.Errorf("ParseRefresh(%d) = %v, want ErrAuth", status, err)
		}
	}
	if _, err := ParseRefresh(httpexec.Response{Status: 0}); !errors.Is(err, platform.ErrNetwork) {
		t.Errorf("ParseRefresh(0) = %v, want ErrNetwork", err)
	}
}

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name string
		resp httpexec.Response
		want bool
	}{
		{"expired", httpexec.Response{Status: 401, Body: []byte(`{"status":11714,"error":"accessTokenExpired","message":"expired"}`)}, true},
		{"invalid", httpexec.Response{Status: 401, Body: []byte(`{"error":"accessTokenInvalid"}`)}, false},
		{"other status", httpexec.Response{Status: 403, Body: []byte(`{"error":"accessTokenExpired"}`)}, false},
		{"no body", httpexec.Response{Status: 401}, false},
	}
	for _, tt := range tests {
		if got := IsTokenExpired(tt.resp); got != tt.want {
			t.Errorf("%s: IsTokenExpired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseCategoryIDNotFound(t *testing.T) {
	_, err := ParseCategoryID(httpexec.Response{Status: 200, Body: []byte(`{"category_info":[]}`)})
	if !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("ParseCategoryID() = %v, want ErrNotFound", err)
	}
}

func TestStatusErrorIncludesMessage(t *testing.T) {
	err := CheckUpdateChannel(httpexec.Response{Status: 403, Body: []byte(`{"error":"forbidden","message":"no permission"}`)})
	if err == nil || !strings.Contains(err.Error(), "no permission") {
		t.Errorf("CheckUpdateChannel() = %v", err)
	}
}

func TestCategoryName(t *testing.T) {
	if CategoryName(platform.IdleCategory) != IdleCategory {
		t.Error("idle category should map to ChitChat")
	}
	if CategoryName("Celeste") != "Celeste" {
		t.Error("game names pass through")
	}
}
