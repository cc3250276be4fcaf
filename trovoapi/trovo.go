// Package trovoapi builds Trovo Open Platform requests and parses their
// responses. Login goes through an external auth proxy that owns the client
// secret: it exchanges the authorization code and refreshes tokens.
package trovoapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

const (
	DefaultBaseURL  = "https://open-api.trovo.live/openplatform"
	DefaultLoginURL = "https://open.trovo.live/page/login.html"
	DefaultProxyURL = "https://trovo-obs.areaz12server.net.br"
)

// Scope names used by the session.
const (
	ScopeChannelDetails = "channel_details_self"
	ScopeChannelUpdate  = "channel_update_self"
	ScopeUserDetails    = "user_details_self"
	ScopeChatSend       = "chat_send_self"
)

// IdleCategory is Trovo's name for the non-game category.
const IdleCategory = "ChitChat"

// tokenExpired is the error code Trovo returns for a stale access token.
const tokenExpired = "accessTokenExpired"

// Client builds Trovo requests.
type Client struct {
	ClientID string
	BaseURL  string
	ProxyURL string
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

// Proxy returns the auth proxy URL, which is also the OAuth redirect target.
func (c *Client) Proxy() string {
	if c.ProxyURL != "" {
		return c.ProxyURL
	}
	return DefaultProxyURL
}

func (c *Client) request(method, path, token string) httpexec.Request {
	req := httpexec.NewRequest(method, c.base()+path)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-id", c.ClientID)
	if token != "" {
		req.Header.Set("Authorization", "OAuth "+token)
	}
	return req
}

func (c *Client) jsonRequest(method, path, token string, body any) (httpexec.Request, error) {
	return c.request(method, path, token).WithJSON(body)
}

// BuildLoginURL constructs the code-grant consent URL. The code is delivered
// to the proxy, which forwards the resulting tokens to the loopback listener.
func (c *Client) BuildLoginURL(loginURL string, scopes []string) (string, error) {
	if c.ClientID == "" {
		return "", errors.New("missing clientID")
	}
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	cfg := &oauth2.Config{
		ClientID:    c.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: loginURL},
		RedirectURL: c.Proxy(),
		Scopes:      scopes,
	}
	return cfg.AuthCodeURL(""), nil
}

// ValidateRequest resolves the identity behind token.
func (c *Client) ValidateRequest(token string) httpexec.Request {
	return c.request(http.MethodGet, "/validate", token)
}

// SearchCategoryRequest looks up the best matching category for query.
func (c *Client) SearchCategoryRequest(token, query string) (httpexec.Request, error) {
	return c.jsonRequest(http.MethodPost, "/searchcategory", token, struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}{Query: query, Limit: 1})
}

// UpdateChannelRequest sets the category (and title, when non-empty).
func (c *Client) UpdateChannelRequest(token, channelID, categoryID, title string) (httpexec.Request, error) {
	return c.jsonRequest(http.MethodPost, "/channels/update", token, struct {
		ChannelID  string `json:"channel_id"`
		CategoryID string `json:"category_id"`
		LiveTitle  string `json:"live_title,omitempty"`
	}{ChannelID: channelID, CategoryID: categoryID, LiveTitle: title})
}

// SendChatRequest posts content to the channel's chat.
func (c *Client) SendChatRequest(token, channelID, content string) (httpexec.Request, error) {
	return c.jsonRequest(http.MethodPost, "/chat/send", token, struct {
		Content   string `json:"content"`
		ChannelID string `json:"channel_id"`
	}{Content: content, ChannelID: channelID})
}

// ChannelRequest reads the authenticated user's channel.
func (c *Client) ChannelRequest(token string) httpexec.Request {
	return c.request(http.MethodGet, "/channel", token)
}

// RefreshRequest asks the proxy for a new token pair. It carries no
// Authorization header.
func (c *Client) RefreshRequest(refreshToken string) (httpexec.Request, error) {
	req := httpexec.NewRequest(http.MethodPost, c.Proxy())
	req.Header.Set("Accept", "application/json")
	return req.WithJSON(struct {
		GrantType    string `json:"grant_type"`
		RefreshToken string `json:"refresh_token"`
	}{GrantType: "refresh_token", RefreshToken: refreshToken})
}

// apiError is Trovo's error envelope.
type apiError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeError(resp httpexec.Response) apiError {
	var e apiError
	_ = resp.DecodeJSON(&e)
	return e
}

// IsTokenExpired reports a 401 whose body names an expired access token.
func IsTokenExpired(resp httpexec.Response) bool {
	return resp.Status == http.StatusUnauthorized && decodeError(resp).Error == tokenExpired
}

// statusError classifies a non-success response and appends Trovo's message.
func statusError(op string, resp httpexec.Response) error {
	err := platform.StatusError(resp.Status)
	if err == nil {
		return nil
	}
	if msg := decodeError(resp).Message; msg != "" {
		return fmt.Errorf("trovo %s: %w: %s", op, err, msg)
	}
	return fmt.Errorf("trovo %s: %w", op, err)
}

// User is the validated identity.
type User struct {
	ID       string
	Nickname string
}

// ParseValidate extracts uid and nick_name.
func ParseValidate(resp httpexec.Response) (User, error) {
	if err := statusError("validate", resp); err != nil {
		return User{}, err
	}
	var body struct {
		UID      string `json:"uid"`
		NickName string `json:"nick_name"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return User{}, fmt.Errorf("trovo validate: decode: %w", err)
	}
	if body.UID == "" {
		return User{}, fmt.Errorf("trovo validate: missing uid")
	}
	return User{ID: body.UID, Nickname: body.NickName}, nil
}

// ParseCategoryID extracts the first search hit. No hit is ErrNotFound.
func ParseCategoryID(resp httpexec.Response) (string, error) {
	if err := statusError("searchcategory", resp); err != nil {
		return "", err
	}
	var body struct {
		CategoryInfo []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"category_info"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("trovo searchcategory: decode: %w", err)
	}
	if len(body.CategoryInfo) == 0 || body.CategoryInfo[0].ID == "" {
		return "", platform.ErrNotFound
	}
	return body.CategoryInfo[0].ID, nil
}

// CheckUpdateChannel maps a channels/update response. Only 200 is success.
func CheckUpdateChannel(resp httpexec.Response) error {
	if resp.Status == http.StatusOK {
		return nil
	}
	if resp.OK() {
		return fmt.Errorf("trovo channels/update: %w: unexpected HTTP %d", platform.ErrUpdateFailed, resp.Status)
	}
	return statusError("channels/update", resp)
}

// CheckSendChat maps a chat/send response.
func CheckSendChat(resp httpexec.Response) error {
	if resp.Status == http.StatusOK {
		return nil
	}
	if resp.OK() {
		return fmt.Errorf("trovo chat/send: %w: unexpected HTTP %d", platform.ErrUpdateFailed, resp.Status)
	}
	return statusError("chat/send", resp)
}

// ParseChannel extracts category_name and live_title.
func ParseChannel(resp httpexec.Response) (platform.ChannelInfo, error) {
	if err := statusError("channel", resp); err != nil {
		return platform.ChannelInfo{}, err
	}
	var body struct {
		CategoryName string `json:"category_name"`
		LiveTitle    string `json:"live_title"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return platform.ChannelInfo{}, fmt.Errorf("trovo channel: decode: %w", err)
	}
	return platform.ChannelInfo{Category: body.CategoryName, Title: body.LiveTitle}, nil
}

// Tokens is a refreshed token pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ParseRefresh maps the proxy's refresh response. A 400 or 401 means the
// refresh token itself was rejected.
func ParseRefresh(resp httpexec.Response) (Tokens, error) {
	if resp.Status == http.StatusBadRequest {
		return Tokens{}, fmt.Errorf("trovo refresh: %w: refresh token rejected", platform.ErrAuth)
	}
	if err := statusError("refresh", resp); err != nil {
		return Tokens{}, err
	}
	var t Tokens
	if err := resp.DecodeJSON(&t); err != nil {
		return Tokens{}, fmt.Errorf("trovo refresh: decode: %w", err)
	}
	if t.AccessToken == "" {
		return Tokens{}, fmt.Errorf("trovo refresh: empty access token")
	}
	return t, nil
}

// CategoryName maps the shared idle category onto Trovo's name for it.
func CategoryName(game string) string {
	if game == platform.IdleCategory {
		return IdleCategory
	}
	return game
}
