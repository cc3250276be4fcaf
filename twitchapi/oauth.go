package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

const (
	// DefaultAuthorizeURL is the consent page for user tokens.
	DefaultAuthorizeURL = "https://id.twitch.tv/oauth2/authorize"
	// DefaultValidateURL checks a user token and returns its identity.
	DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"
)

// Scope names used by the session.
const (
	ScopeChatWrite     = "user:write:chat"
	ScopeManageChannel = "channel:manage:broadcast"
)

// BuildAuthorizeURL constructs the implicit-grant authorization URL. The token
// comes back in the redirect's fragment.
func BuildAuthorizeURL(authURL, clientID, redirectURI string, scopes []string, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	if authURL == "" {
		authURL = DefaultAuthorizeURL
	}
	cfg := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("response_type", "token"), oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// TokenInfo is the body of a successful validate call.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Expiry returns the absolute expiry, defaulting to +60m when unknown.
func (ti TokenInfo) Expiry() time.Time { return ComputeExpiry(ti.ExpiresIn) }

// HasScope reports whether the token was granted scope.
func (ti TokenInfo) HasScope(scope string) bool {
	for _, s := range ti.Scopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// ValidateRequest builds the token validation call. validateURL may be empty.
func ValidateRequest(validateURL, token string) httpexec.Request {
	if validateURL == "" {
		validateURL = DefaultValidateURL
	}
	req := httpexec.NewRequest(http.MethodGet, validateURL)
	req.Header.Set("Authorization", "OAuth "+token)
	return req
}

// ParseValidate maps a validate response. 401 means the token is dead.
func ParseValidate(resp httpexec.Response) (TokenInfo, error) {
	if err := platform.StatusError(resp.Status); err != nil {
		return TokenInfo{}, fmt.Errorf("twitch validate: %w", err)
	}
	var ti TokenInfo
	if err := resp.DecodeJSON(&ti); err != nil {
		return TokenInfo{}, fmt.Errorf("twitch validate: decode: %w", err)
	}
	return ti, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
