// Package twitchapi contains the Twitch Helix calls needed to mirror a game
// onto a channel: identity lookup, game id resolution, channel updates and chat.
// Builders return httpexec requests so callers decide where they run; parsers
// turn responses into values or classified platform errors.
package twitchapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
)

// DefaultBaseURL is the production Helix endpoint.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient builds Helix requests for a user access token.
type HelixClient struct {
	ClientID string
	BaseURL  string
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (hc *HelixClient) request(method, path string, q url.Values, token string) httpexec.Request {
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req := httpexec.NewRequest(method, u)
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// UsersRequest resolves the identity behind token.
func (hc *HelixClient) UsersRequest(token string) httpexec.Request {
	return hc.request(http.MethodGet, "/users", nil, token)
}

// GamesRequest looks up a game by exact name.
func (hc *HelixClient) GamesRequest(token, name string) httpexec.Request {
	return hc.request(http.MethodGet, "/games", url.Values{"name": {name}}, token)
}

// ModifyChannelRequest sets game_id (and title, when non-empty) on the channel.
func (hc *HelixClient) ModifyChannelRequest(token, broadcasterID, gameID, title string) (httpexec.Request, error) {
	body := struct {
		GameID string `json:"game_id"`
		Title  string `json:"title,omitempty"`
	}{GameID: gameID, Title: title}
	return hc.request(http.MethodPatch, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, token).WithJSON(body)
}

// ChannelRequest reads the channel's current game and title.
func (hc *HelixClient) ChannelRequest(token, broadcasterID string) httpexec.Request {
	return hc.request(http.MethodGet, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, token)
}

// ChatMessageRequest sends message to the broadcaster's own chat as the broadcaster.
func (hc *HelixClient) ChatMessageRequest(token, broadcasterID, message string) (httpexec.Request, error) {
	body := struct {
		BroadcasterID string `json:"broadcaster_id"`
		SenderID      string `json:"sender_id"`
		Message       string `json:"message"`
	}{BroadcasterID: broadcasterID, SenderID: broadcasterID, Message: message}
	return hc.request(http.MethodPost, "/chat/messages", nil, token).WithJSON(body)
}

// User is a resolved identity.
type User struct {
	ID    string
	Login string
}

// ParseUser extracts the first user from a /users response.
func ParseUser(resp httpexec.Response) (User, error) {
	if err := platform.StatusError(resp.Status); err != nil {
		return User{}, fmt.Errorf("helix users: %w", err)
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return User{}, fmt.Errorf("helix users: decode: %w", err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return User{}, fmt.Errorf("helix users: user not found")
	}
	return User{ID: body.Data[0].ID, Login: body.Data[0].Login}, nil
}

// ParseGameID extracts the first game id. An empty result is ErrNotFound.
func ParseGameID(resp httpexec.Response) (string, error) {
	if err := platform.StatusError(resp.Status); err != nil {
		return "", fmt.Errorf("helix games: %w", err)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("helix games: decode: %w", err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", platform.ErrNotFound
	}
	return body.Data[0].ID, nil
}

// CheckModifyChannel maps a PATCH /channels response. Only 204 is success.
func CheckModifyChannel(resp httpexec.Response) error {
	if resp.Status == http.StatusNoContent {
		return nil
	}
	if resp.OK() {
		return fmt.Errorf("%w: unexpected HTTP %d", platform.ErrUpdateFailed, resp.Status)
	}
	return fmt.Errorf("helix channels: %w", platform.StatusError(resp.Status))
}

// ParseChannel extracts game_name and title.
func ParseChannel(resp httpexec.Response) (platform.ChannelInfo, error) {
	if err := platform.StatusError(resp.Status); err != nil {
		return platform.ChannelInfo{}, fmt.Errorf("helix channels: %w", err)
	}
	var body struct {
		Data []struct {
			GameName string `json:"game_name"`
			Title    string `json:"title"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return platform.ChannelInfo{}, fmt.Errorf("helix channels: decode: %w", err)
	}
	if len(body.Data) == 0 {
		return platform.ChannelInfo{}, fmt.Errorf("helix channels: channel not found")
	}
	return platform.ChannelInfo{Category: body.Data[0].GameName, Title: body.Data[0].Title}, nil
}

// CheckChatMessage maps a POST /chat/messages response. A 200 whose message
// was dropped by chat settings is reported with Twitch's drop reason.
func CheckChatMessage(resp httpexec.Response) error {
	if resp.Status != http.StatusOK {
		if err := platform.StatusError(resp.Status); err != nil {
			return fmt.Errorf("helix chat: %w", err)
		}
		return fmt.Errorf("%w: unexpected HTTP %d", platform.ErrUpdateFailed, resp.Status)
	}
	var body struct {
		Data []struct {
			IsSent     bool `json:"is_sent"`
			DropReason *struct {
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil || len(body.Data) == 0 {
		return nil
	}
	if d := body.Data[0]; !d.IsSent && d.DropReason != nil {
		return fmt.Errorf("%w: message dropped: %s", platform.ErrUpdateFailed, d.DropReason.Message)
	}
	return nil
}
