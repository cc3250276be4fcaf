package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/gamesync/platform"
)

// Setting keys shared by every backend.
const (
	KeyUnifiedAuth          = "unified_auth"
	KeyActionMode           = "action_mode"
	KeyActionDelaySeconds   = "action_delay_seconds"
	KeyCommandTemplate      = "command_template"
	KeyNoGameTemplate       = "command_no_game_template"
	KeyExecuteAutomatically = "execute_automatically"
)

// Defaults applied when a key is unset.
const (
	DefaultCommandTemplate = "!setgame {game}"
	DefaultNoGameTemplate  = "!setgame just chatting"
)

// Per-platform key suffixes, prefixed with the lower-cased platform name.
const (
	suffixAccessToken  = "_access_token"
	suffixRefreshToken = "_refresh_token"
	suffixUserID       = "_user_id"
	suffixLogin        = "_channel_login"
	suffixActionMode   = "_action_mode"
)

// PreferenceKeys lists the non-secret keys a user may read and edit.
func PreferenceKeys() []string {
	return []string{
		KeyUnifiedAuth,
		KeyActionMode,
		KeyActionDelaySeconds,
		KeyCommandTemplate,
		KeyNoGameTemplate,
		KeyExecuteAutomatically,
		PlatformKey(platform.Twitch, suffixActionMode),
		PlatformKey(platform.Trovo, suffixActionMode),
	}
}

// PlatformKey builds a per-platform setting key, e.g. "twitch_access_token".
func PlatformKey(platformName, suffix string) string {
	return strings.ToLower(platformName) + suffix
}

// Settings is the typed view over a Store. Read errors are logged and fall
// back to defaults; write errors are returned.
type Settings struct {
	s   Store
	log *slog.Logger
}

// NewSettings wraps s.
func NewSettings(s Store, log *slog.Logger) *Settings {
	if log == nil {
		log = slog.Default()
	}
	return &Settings{s: s, log: log.With(slog.String("component", "settings"))}
}

// Store returns the underlying store.
func (st *Settings) Store() Store { return st.s }

func (st *Settings) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := st.s.Get(ctx, key)
	if err != nil {
		st.log.Warn("settings read failed", slog.String("key", key), slog.Any("err", err))
		return "", false
	}
	return v, ok
}

// String returns key or def when unset.
func (st *Settings) String(ctx context.Context, key, def string) string {
	if v, ok := st.get(ctx, key); ok {
		return v
	}
	return def
}

// Bool parses key with strconv.ParseBool, def when unset or invalid.
func (st *Settings) Bool(ctx context.Context, key string, def bool) bool {
	v, ok := st.get(ctx, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int parses key as a decimal integer, def when unset or invalid.
func (st *Settings) Int(ctx context.Context, key string, def int) int {
	v, ok := st.get(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Set writes one raw value.
func (st *Settings) Set(ctx context.Context, key, value string) error {
	return st.s.Set(ctx, key, value)
}

// LoadCredential reads the stored credential of platformName. Missing keys
// yield empty fields.
func (st *Settings) LoadCredential(ctx context.Context, platformName string) (platform.Credential, error) {
	var c platform.Credential
	fields := []struct {
		suffix string
		dst    *string
	}{
		{suffixAccessToken, &c.AccessToken},
		{suffixRefreshToken, &c.RefreshToken},
		{suffixUserID, &c.ChannelUserID},
		{suffixLogin, &c.ChannelLogin},
	}
	for _, f := range fields {
		key := PlatformKey(platformName, f.suffix)
		v, _, err := st.s.Get(ctx, key)
		if err != nil {
			return platform.Credential{}, fmt.Errorf("load %s: %w", key, err)
		}
		*f.dst = v
	}
	return c, nil
}

// SaveCredential persists c. Empty fields delete their key.
func (st *Settings) SaveCredential(ctx context.Context, platformName string, c platform.Credential) error {
	fields := []struct {
		suffix string
		value  string
	}{
		{suffixAccessToken, c.AccessToken},
		{suffixRefreshToken, c.RefreshToken},
		{suffixUserID, c.ChannelUserID},
		{suffixLogin, c.ChannelLogin},
	}
	for _, f := range fields {
		key := PlatformKey(platformName, f.suffix)
		var err error
		if f.value == "" {
			err = st.s.Delete(ctx, key)
		} else {
			err = st.s.Set(ctx, key, f.value)
		}
		if err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// ActionMode returns the platform's mode, falling back to the global
// action_mode key and then to category change.
func (st *Settings) ActionMode(ctx context.Context, platformName string) platform.ActionMode {
	if v, ok := st.get(ctx, PlatformKey(platformName, suffixActionMode)); ok {
		return platform.ParseActionMode(v)
	}
	if v, ok := st.get(ctx, KeyActionMode); ok {
		return platform.ParseActionMode(v)
	}
	return platform.ModeCategoryChange
}

// SetActionMode persists the platform's mode.
func (st *Settings) SetActionMode(ctx context.Context, platformName string, m platform.ActionMode) error {
	return st.s.Set(ctx, PlatformKey(platformName, suffixActionMode), m.Encode())
}

// UnifiedAuth reports whether logins request every scope at once.
func (st *Settings) UnifiedAuth(ctx context.Context) bool {
	return st.Bool(ctx, KeyUnifiedAuth, false)
}

// CommandTemplate is the chat command sent for a game; {game} is replaced.
func (st *Settings) CommandTemplate(ctx context.Context) string {
	return st.String(ctx, KeyCommandTemplate, DefaultCommandTemplate)
}

// NoGameTemplate is the chat command sent for the idle category.
func (st *Settings) NoGameTemplate(ctx context.Context) string {
	return st.String(ctx, KeyNoGameTemplate, DefaultNoGameTemplate)
}

// ActionDelaySeconds is the dispatcher cooldown. 0 disables it.
func (st *Settings) ActionDelaySeconds(ctx context.Context) int {
	return st.Int(ctx, KeyActionDelaySeconds, 0)
}

// ExecuteAutomatically reports whether detected games are dispatched without
// user confirmation.
func (st *Settings) ExecuteAutomatically(ctx context.Context) bool {
	return st.Bool(ctx, KeyExecuteAutomatically, false)
}
