package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/loopback"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
	"github.com/onnwee/gamesync/twitchapi"
)

// DefaultTwitchPort is the registered redirect port of the Twitch app.
const DefaultTwitchPort = 30000

var twitchScopes = auth.Scopes{
	Unified:  []string{twitchapi.ScopeChatWrite, twitchapi.ScopeManageChannel},
	Chat:     []string{twitchapi.ScopeChatWrite},
	Category: []string{twitchapi.ScopeManageChannel},
}

// TwitchConfig configures a Twitch session. Zero values select production
// endpoints and defaults.
type TwitchConfig struct {
	ClientID    string
	Port        int
	AuthURL     string
	ValidateURL string
	APIBaseURL  string
	Timeout     time.Duration
	// Exec runs every HTTP call. When nil the session starts its own.
	Exec        *httpexec.Executor
	Credentials CredentialStore
	Prefs       Preferences
	Clock       clockwork.Clock
	Open        auth.Opener
	Logger      *slog.Logger
}

// Twitch is the Twitch session. Logins use the implicit grant, which issues
// no refresh token: a rejected token always requires a new login.
type Twitch struct {
	*base
	clientID    string
	port        int
	authURL     string
	validateURL string
	helix       *twitchapi.HelixClient
}

// NewTwitch returns a logged-out session. Call Restore to load a stored
// credential.
func NewTwitch(cfg TwitchConfig) *Twitch {
	if cfg.Port == 0 {
		cfg.Port = DefaultTwitchPort
	}
	if cfg.ValidateURL == "" {
		cfg.ValidateURL = twitchapi.DefaultValidateURL
	}
	t := &Twitch{
		base:        newBase(platform.Twitch, cfg.Exec, cfg.Credentials, cfg.Prefs, cfg.Clock, cfg.Logger),
		clientID:    cfg.ClientID,
		port:        cfg.Port,
		authURL:     cfg.AuthURL,
		validateURL: cfg.ValidateURL,
		helix:       &twitchapi.HelixClient{ClientID: cfg.ClientID, BaseURL: cfg.APIBaseURL},
	}
	t.flow = auth.NewFlow(auth.FlowConfig{
		Platform:        platform.Twitch,
		Port:            cfg.Port,
		Timeout:         cfg.Timeout,
		ListenerOptions: []loopback.Option{loopback.WithFragmentRelay(), loopback.WithTitle("Twitch"), loopback.WithLogger(t.log)},
		Clock:           t.clock,
		Open:            cfg.Open,
		Emit:            t.emit,
		Logger:          cfg.Logger,
	})
	return t
}

// StartAuthentication opens the login page with the scopes mode needs (all
// scopes when unified). It reports false when a login is already running.
func (t *Twitch) StartAuthentication(mode platform.ActionMode, unified bool) (bool, error) {
	if t.closed.Load() {
		return false, errors.New("session is shut down")
	}
	if t.clientID == "" {
		return false, errors.New("twitch client id is not configured")
	}
	redirect := fmt.Sprintf("http://localhost:%d/", t.port)
	scopes := twitchScopes.For(mode, unified)
	return t.flow.Begin(func(state string) string {
		u, _ := twitchapi.BuildAuthorizeURL(t.authURL, t.clientID, redirect, scopes, state)
		return u
	}, t.onToken)
}

// Authenticate starts a login using the stored preferences.
func (t *Twitch) Authenticate(ctx context.Context) (bool, error) {
	return t.StartAuthentication(t.mode(ctx), t.unified(ctx))
}

func (t *Twitch) onToken(ctx context.Context, cb loopback.Callback) {
	httpexec.Submit(ctx, t.exec, "twitch identity", func(ctx context.Context) struct{} {
		user, err := twitchapi.ParseUser(t.exec.Execute(ctx, t.helix.UsersRequest(cb.Token)))
		if err != nil {
			t.setCredential(ctx, platform.Credential{})
			telemetry.RecordAuthFlow(t.name, "failure")
			t.log.Warn("login failed: could not resolve user", slog.Any("err", err))
			t.emit(auth.Event{Kind: auth.AuthFinished, Success: false, Info: "could not resolve user: " + err.Error()})
			return struct{}{}
		}
		t.setCredential(ctx, platform.Credential{AccessToken: cb.Token, ChannelUserID: user.ID, ChannelLogin: user.Login})
		telemetry.RecordAuthFlow(t.name, "success")
		t.log.Info("login completed", slog.String("login", user.Login), slog.String("token", platform.MaskToken(cb.Token)))
		t.emit(auth.Event{Kind: auth.AuthFinished, Success: true, Info: user.Login})
		return struct{}{}
	})
}

// call executes req and drops the credential when Twitch rejects token.
func (t *Twitch) call(ctx context.Context, token string, req httpexec.Request) httpexec.Response {
	resp := t.exec.Execute(ctx, req)
	if resp.Status == http.StatusUnauthorized {
		t.invalidateIf(ctx, token, "token rejected by Twitch")
	}
	return resp
}

// UpdateCategory reflects game on the channel according to the action mode.
// It reports false while another update is in flight.
func (t *Twitch) UpdateCategory(ctx context.Context, game, title string) (*httpexec.Future[Result], bool) {
	return t.guard(func() *httpexec.Future[Result] {
		if t.mode(ctx) == platform.ModeChatCommand {
			return t.viaChat(ctx, game, t.SendChatMessage)
		}
		return t.setCategory(ctx, game, title)
	})
}

func (t *Twitch) setCategory(ctx context.Context, game, title string) *httpexec.Future[Result] {
	cred := t.Credential()
	if !cred.IsAuthenticated() {
		return notAuthenticated(platform.ActionCategory, game)
	}
	return httpexec.Submit(ctx, t.exec, "twitch update category", func(ctx context.Context) Result {
		res := Result{Action: platform.ActionCategory, Game: game}
		gameID, err := twitchapi.ParseGameID(t.call(ctx, cred.AccessToken, t.helix.GamesRequest(cred.AccessToken, game)))
		if err != nil {
			res.Err = err
			return res
		}
		req, err := t.helix.ModifyChannelRequest(cred.AccessToken, cred.ChannelUserID, gameID, title)
		if err != nil {
			res.Err = err
			return res
		}
		if err := twitchapi.CheckModifyChannel(t.call(ctx, cred.AccessToken, req)); err != nil {
			res.Err = err
			return res
		}
		t.log.Info("category updated", slog.String("game", game), slog.String("game_id", gameID))
		res.OK = true
		res.Message = "Category set to " + game
		return res
	})
}

// SendChatMessage posts message as the broadcaster.
func (t *Twitch) SendChatMessage(ctx context.Context, message string) *httpexec.Future[Result] {
	cred := t.Credential()
	if !cred.IsAuthenticated() {
		return notAuthenticated(platform.ActionChat, "")
	}
	return httpexec.Submit(ctx, t.exec, "twitch chat", func(ctx context.Context) Result {
		res := Result{Action: platform.ActionChat}
		req, err := t.helix.ChatMessageRequest(cred.AccessToken, cred.ChannelUserID, message)
		if err != nil {
			res.Err = err
			return res
		}
		if err := twitchapi.CheckChatMessage(t.call(ctx, cred.AccessToken, req)); err != nil {
			res.Err = err
			return res
		}
		res.OK = true
		res.Message = "Message sent"
		return res
	})
}

// ChannelInfo reads the channel's current category and title.
func (t *Twitch) ChannelInfo(ctx context.Context) *httpexec.Future[InfoResult] {
	cred := t.Credential()
	if !cred.IsAuthenticated() {
		return httpexec.Resolved(InfoResult{Err: platform.ErrNotAuthenticated})
	}
	return httpexec.Submit(ctx, t.exec, "twitch channel", func(ctx context.Context) InfoResult {
		info, err := twitchapi.ParseChannel(t.call(ctx, cred.AccessToken, t.helix.ChannelRequest(cred.AccessToken, cred.ChannelUserID)))
		return InfoResult{Info: info, Err: err}
	})
}

// ValidateStored checks the stored token against the validate endpoint and
// drops it when Twitch no longer accepts it. Without a token it resolves nil.
func (t *Twitch) ValidateStored(ctx context.Context) *httpexec.Future[error] {
	cred := t.Credential()
	if cred.AccessToken == "" {
		return httpexec.Resolved[error](nil)
	}
	return httpexec.Submit(ctx, t.exec, "twitch validate", func(ctx context.Context) error {
		info, err := twitchapi.ParseValidate(t.call(ctx, cred.AccessToken, twitchapi.ValidateRequest(t.validateURL, cred.AccessToken)))
		if err != nil {
			return err
		}
		missing := []string{}
		for _, s := range twitchScopes.Unified {
			if !info.HasScope(s) {
				missing = append(missing, s)
			}
		}
		t.log.Info("stored token valid", slog.String("login", info.Login), slog.Time("expires_at", info.Expiry()), slog.Any("missing_scopes", missing))
		return nil
	})
}
