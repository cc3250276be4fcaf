package twitchapi

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

func TestBuildAuthorizeURL(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		scopes      []string
		state       string
		wantErr     bool
		wantParams  map[string]string
	}{
		{
			name:        "implicit grant",
			clientID:    "test-client-id",
			redirectURI: "http://localhost:30000/",
			scopes:      []string{ScopeChatWrite, ScopeManageChannel},
			state:       "random-state",
			wantParams: map[string]string{
				"response_type": "token",
				"client_id":     "test-client-id",
				"redirect_uri":  "http://localhost:30000/",
				"scope":         "user:write:chat channel:manage:broadcast",
				"state":         "random-state",
			},
		},
		{
			name:        "empty client ID",
			redirectURI: "http://localhost:30000/",
			wantErr:     true,
		},
		{
			name:     "empty redirect URI",
			clientID: "client",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := BuildAuthorizeURL("", tt.clientID, tt.redirectURI, tt.scopes, tt.state)
			if tt.wantErr {
				if err == nil {
					t.Errorf("BuildAuthorizeURL() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildAuthorizeURL() error = %v", err)
			}
			if !strings.HasPrefix(raw, DefaultAuthorizeURL+"?") {
				t.Errorf("BuildAuthorizeURL() = %s, want prefix %s", raw, DefaultAuthorizeURL)
			}
			u, _ := url.Parse(raw)
			for k, want := range tt.wantParams {
				if got := u.Query().Get(k); got != want {
					t.Errorf("param %s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestParseValidate(t *testing.T) {
	resp := httpexec.Response{Status: http.StatusOK, Body: []byte(`{"client_id":"cid","login":"streamer","user_id":"42","scopes":["user:write:chat"],"expires_in":3600}`)}
	ti, err := ParseValidate(resp)
	if err != nil {
		t.Fatalf("ParseValidate() error = %v", err)
	}
	if ti.UserID != "42" || ti.Login != "streamer" {
		t.Errorf("ParseValidate() = %+v", ti)
	}
	if !ti.HasScope(ScopeChatWrite) || ti.HasScope(ScopeManageChannel) {
		t.Errorf("HasScope() mismatch for %v", ti.Scopes)
	}
	if until := time.Until(ti.Expiry()); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("Expiry() in %v, want ~1h", until)
	}

	if _, err := ParseValidate(httpexec.Response{Status: http.StatusUnauthorized}); platform.ClassOf(err) != platform.ClassAuth {
		t.Errorf("ParseValidate(401) = %v, want auth class", err)
	}
}

func TestValidateRequestHeader(t *testing.T) {
	req := ValidateRequest("", "abc")
	if req.URL != DefaultValidateURL {
		t.Errorf("URL = %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "OAuth abc" {
		t.Errorf("Authorization = %q, want OAuth abc", got)
	}
}

func TestComputeExpiry(t *testing.T) {
	if d := time.Until(ComputeExpiry(0)); d < 59*time.Minute {
		t.Errorf("ComputeExpiry(0) = +%v, want ~60m default", d)
	}
	if d := time.Until(ComputeExpiry(120)); d > 2*time.Minute || d < 119*time.Second {
		t.Errorf("ComputeExpiry(120) = +%v", d)
	}
}
