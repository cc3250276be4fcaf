// Package platform holds the vocabulary shared by the streaming platform
// sessions, their service adapters and the update dispatcher.
package platform

import (
	"context"
	"strconv"
	"strings"

	"github.com/onnwee/gamesync/httpexec"
)

// IdleCategory is the category used when no game is running. It is also the
// dispatcher's initial last-set category.
const IdleCategory = "Just Chatting"

// Platform names as reported by Service.Name.
const (
	Twitch = "Twitch"
	Trovo  = "Trovo"
)

// ActionMode selects how a session reflects a game change.
type ActionMode int

const (
	// ModeChatCommand sends a templated chat command (e.g. "!setgame Foo").
	ModeChatCommand ActionMode = iota
	// ModeCategoryChange changes the channel category through the platform API.
	ModeCategoryChange
)

func (m ActionMode) String() string {
	if m == ModeChatCommand {
		return "chat"
	}
	return "category"
}

// ParseActionMode accepts the persisted numeric form ("0", "1") as well as
// "chat" and "category". Anything else is category mode.
func ParseActionMode(s string) ActionMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "chat":
		return ModeChatCommand
	default:
		return ModeCategoryChange
	}
}

// Encode returns the persisted numeric form.
func (m ActionMode) Encode() string { return strconv.Itoa(int(m)) }

// Credential is the token set and identity of one platform account. It is
// owned by its session; callers only ever see copies.
type Credential struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	ChannelUserID string `json:"user_id"`
	ChannelLogin  string `json:"login"`
}

// IsAuthenticated reports whether both the token and the channel id are known.
func (c Credential) IsAuthenticated() bool {
	return c.AccessToken != "" && c.ChannelUserID != ""
}

// ChannelInfo is the current category and title read back from a platform.
type ChannelInfo struct {
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
}

// UpdateRequest asks the dispatcher to reflect a game on the target platforms.
// An empty Targets list means every authenticated platform.
type UpdateRequest struct {
	GameName string
	Title    string
	Force    bool
	Targets  []string
}

// Action is the kind of operation an Outcome reports on.
type Action string

const (
	ActionCategory Action = "category"
	ActionCommand  Action = "command"
	ActionChat     Action = "chat"
)

// Outcome is the result of one adapter attempt. Each attempt emits exactly one.
type Outcome struct {
	Platform string     `json:"platform"`
	Action   Action     `json:"action"`
	Success  bool       `json:"success"`
	GameName string     `json:"game,omitempty"`
	Class    ErrorClass `json:"-"`
	Message  string     `json:"message"`
}

// Describe returns the platform-prefixed user-visible message.
func (o Outcome) Describe() string {
	if o.Platform == "" {
		return o.Message
	}
	return o.Platform + ": " + o.Message
}

// Service is the uniform contract the dispatcher drives.
type Service interface {
	Name() string
	IsAuthenticated() bool
	// UpdateCategory returns false when an update is already in flight.
	UpdateCategory(ctx context.Context, game, title string) (*httpexec.Future[Outcome], bool)
	SendChatMessage(ctx context.Context, message string) *httpexec.Future[Outcome]
	ChannelInfo(ctx context.Context) *httpexec.Future[ChannelInfo]
}

// MaskToken keeps the last six characters of a token for logging.
func MaskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
