package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/loopback"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/telemetry"
	"github.com/onnwee/gamesync/trovoapi"
)

// DefaultTrovoPort is the port the auth proxy redirects to.
const DefaultTrovoPort = 31000

// DefaultRefreshInterval is the minimum spacing of refresh attempts.
const DefaultRefreshInterval = 5 * time.Second

// refreshTimeout bounds one shared token refresh.
const refreshTimeout = 20 * time.Second

var trovoScopes = auth.Scopes{
	Unified:  []string{trovoapi.ScopeChannelDetails, trovoapi.ScopeChannelUpdate, trovoapi.ScopeUserDetails, trovoapi.ScopeChatSend},
	Chat:     []string{trovoapi.ScopeChannelDetails, trovoapi.ScopeUserDetails, trovoapi.ScopeChatSend},
	Category: []string{trovoapi.ScopeChannelDetails, trovoapi.ScopeChannelUpdate, trovoapi.ScopeUserDetails},
}

// TrovoConfig configures a Trovo session.
type TrovoConfig struct {
	ClientID        string
	Port            int
	LoginURL        string
	APIBaseURL      string
	ProxyURL        string
	Timeout         time.Duration
	RefreshInterval time.Duration
	Exec            *httpexec.Executor
	Credentials     CredentialStore
	Prefs           Preferences
	Clock           clockwork.Clock
	Open            auth.Opener
	Logger          *slog.Logger
}

// Trovo is the Trovo session. The auth proxy hands over a refresh token
// with the access token, so expired tokens are renewed and the failed call
// replayed once.
type Trovo struct {
	*base
	loginURL string
	client   *trovoapi.Client
	limiter  *rate.Limiter
	refresh  singleflight.Group
}

// NewTrovo returns a logged-out session.
func NewTrovo(cfg TrovoConfig) *Trovo {
	if cfg.Port == 0 {
		cfg.Port = DefaultTrovoPort
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	t := &Trovo{
		base:     newBase(platform.Trovo, cfg.Exec, cfg.Credentials, cfg.Prefs, cfg.Clock, cfg.Logger),
		loginURL: cfg.LoginURL,
		client:   &trovoapi.Client{ClientID: cfg.ClientID, BaseURL: cfg.APIBaseURL, ProxyURL: cfg.ProxyURL},
		limiter:  rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
	}
	t.flow = auth.NewFlow(auth.FlowConfig{
		Platform:        platform.Trovo,
		Port:            cfg.Port,
		Timeout:         cfg.Timeout,
		ListenerOptions: []loopback.Option{loopback.WithTitle("Trovo"), loopback.WithLogger(t.log)},
		Clock:           t.clock,
		Open:            cfg.Open,
		Emit:            t.emit,
		Logger:          cfg.Logger,
	})
	return t
}

// StartAuthentication opens the Trovo login page. The proxy completes the
// code exchange and calls the loopback listener with the token pair.
func (t *Trovo) StartAuthentication(mode platform.ActionMode, unified bool) (bool, error) {
	if t.closed.Load() {
		return false, errors.New("session is shut down")
	}
	loginURL, err := t.client.BuildLoginURL(t.loginURL, trovoScopes.For(mode, unified))
	if err != nil {
		return false, fmt.Errorf("trovo login url: %w", err)
	}
	return t.flow.Begin(func(string) string { return loginURL }, t.onToken)
}

// Authenticate starts a login using the stored preferences.
func (t *Trovo) Authenticate(ctx context.Context) (bool, error) {
	return t.StartAuthentication(t.mode(ctx), t.unified(ctx))
}

func (t *Trovo) onToken(ctx context.Context, cb loopback.Callback) {
	httpexec.Submit(ctx, t.exec, "trovo identity", func(ctx context.Context) struct{} {
		user, err := trovoapi.ParseValidate(t.exec.Execute(ctx, t.client.ValidateRequest(cb.Token)))
		if err != nil {
			t.setCredential(ctx, platform.Credential{})
			telemetry.RecordAuthFlow(t.name, "failure")
			t.log.Warn("login failed: could not validate token", slog.Any("err", err))
			t.emit(auth.Event{Kind: auth.AuthFinished, Success: false, Info: "could not validate token: " + err.Error()})
			return struct{}{}
		}
		t.setCredential(ctx, platform.Credential{
			AccessToken:   cb.Token,
			RefreshToken:  cb.RefreshToken,
			ChannelUserID: user.ID,
			ChannelLogin:  user.Nickname,
		})
		telemetry.RecordAuthFlow(t.name, "success")
		t.log.Info("login completed", slog.String("login", user.Nickname), slog.Bool("refresh_token", cb.RefreshToken != ""))
		t.emit(auth.Event{Kind: auth.AuthFinished, Success: true, Info: user.Nickname})
		return struct{}{}
	})
}

// do runs one authenticated call. An expired token is refreshed and the call
// replayed exactly once; the replay's response is the result. A plain 401
// drops the credential.
func (t *Trovo) do(ctx context.Context, build func(platform.Credential) (httpexec.Request, error)) (httpexec.Response, error) {
	cred := t.Credential()
	if !cred.IsAuthenticated() {
		return httpexec.Response{}, platform.ErrNotAuthenticated
	}
	req, err := build(cred)
	if err != nil {
		return httpexec.Response{}, err
	}
	resp := t.exec.Execute(ctx, req)
	if trovoapi.IsTokenExpired(resp) && cred.RefreshToken != "" {
		fresh, err := t.refreshAfter(ctx, cred.AccessToken)
		if err != nil {
			return resp, err
		}
		cred.AccessToken = fresh
		if req, err = build(cred); err != nil {
			return httpexec.Response{}, err
		}
		resp = t.exec.Execute(ctx, req)
	}
	if resp.Status == http.StatusUnauthorized {
		t.invalidateIf(ctx, cred.AccessToken, "token rejected by Trovo")
	}
	return resp, nil
}

// refreshAfter returns an access token newer than stale. Concurrent callers
// share one attempt, and a caller whose token was already replaced gets the
// current token without another refresh. The shared attempt is not bound to
// the caller that started it.
func (t *Trovo) refreshAfter(ctx context.Context, stale string) (string, error) {
	v, err, _ := t.refresh.Do("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		cur := t.Credential()
		if cur.AccessToken != "" && cur.AccessToken != stale {
			return cur.AccessToken, nil
		}
		if cur.RefreshToken == "" {
			return "", fmt.Errorf("trovo refresh: %w: no refresh token", platform.ErrAuth)
		}
		if !t.limiter.AllowN(t.clock.Now(), 1) {
			t.log.Info("refresh skipped, last attempt too recent")
			return "", fmt.Errorf("trovo refresh: %w: attempted too recently", platform.ErrAuth)
		}
		req, err := t.client.RefreshRequest(cur.RefreshToken)
		if err != nil {
			return "", err
		}
		toks, err := trovoapi.ParseRefresh(t.exec.Execute(ctx, req))
		if err != nil {
			telemetry.RecordRefresh(t.name, false)
			if errors.Is(err, platform.ErrAuth) {
				t.invalidateIf(ctx, stale, "refresh token rejected")
			}
			return "", err
		}
		telemetry.RecordRefresh(t.name, true)
		next := cur
		next.AccessToken = toks.AccessToken
		if toks.RefreshToken != "" {
			next.RefreshToken = toks.RefreshToken
		}
		if !t.swapCredential(ctx, stale, next) {
			// logged out or re-logged in meanwhile
			return "", fmt.Errorf("trovo refresh: %w: credential changed", platform.ErrAuth)
		}
		t.log.Info("access token refreshed", slog.String("token", platform.MaskToken(toks.AccessToken)))
		return toks.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// RefreshAccessToken forces a refresh of the current token.
func (t *Trovo) RefreshAccessToken(ctx context.Context) *httpexec.Future[error] {
	cred := t.Credential()
	return httpexec.Submit(ctx, t.exec, "trovo refresh", func(ctx context.Context) error {
		_, err := t.refreshAfter(ctx, cred.AccessToken)
		return err
	})
}

// ValidateStored checks the restored token against the validate endpoint,
// refreshing it first if it expired.
func (t *Trovo) ValidateStored(ctx context.Context) *httpexec.Future[error] {
	if !t.IsAuthenticated() {
		return httpexec.Resolved[error](nil)
	}
	return httpexec.Submit(ctx, t.exec, "trovo validate", func(ctx context.Context) error {
		resp, err := t.do(ctx, func(c platform.Credential) (httpexec.Request, error) {
			return t.client.ValidateRequest(c.AccessToken), nil
		})
		if err != nil {
			return err
		}
		user, err := trovoapi.ParseValidate(resp)
		if err != nil {
			return err
		}
		t.log.Info("stored token valid", slog.String("login", user.Nickname))
		return nil
	})
}

// UpdateCategory reflects game on the channel according to the action mode.
// It reports false while another update is in flight.
func (t *Trovo) UpdateCategory(ctx context.Context, game, title string) (*httpexec.Future[Result], bool) {
	return t.guard(func() *httpexec.Future[Result] {
		if t.mode(ctx) == platform.ModeChatCommand {
			return t.viaChat(ctx, game, t.SendChatMessage)
		}
		return t.setCategory(ctx, game, title)
	})
}

func (t *Trovo) setCategory(ctx context.Context, game, title string) *httpexec.Future[Result] {
	if !t.IsAuthenticated() {
		return notAuthenticated(platform.ActionCategory, game)
	}
	query := trovoapi.CategoryName(game)
	return httpexec.Submit(ctx, t.exec, "trovo update category", func(ctx context.Context) Result {
		res := Result{Action: platform.ActionCategory, Game: game}
		resp, err := t.do(ctx, func(c platform.Credential) (httpexec.Request, error) {
			return t.client.SearchCategoryRequest(c.AccessToken, query)
		})
		if err != nil {
			res.Err = err
			return res
		}
		categoryID, err := trovoapi.ParseCategoryID(resp)
		if err != nil {
			res.Err = err
			return res
		}
		resp, err = t.do(ctx, func(c platform.Credential) (httpexec.Request, error) {
			return t.client.UpdateChannelRequest(c.AccessToken, c.ChannelUserID, categoryID, title)
		})
		if err == nil {
			err = trovoapi.CheckUpdateChannel(resp)
		}
		if err != nil {
			res.Err = err
			return res
		}
		t.log.Info("category updated", slog.String("game", game), slog.String("category_id", categoryID))
		res.OK = true
		res.Message = "Category set to " + query
		return res
	})
}

// SendChatMessage posts message to the channel's chat.
func (t *Trovo) SendChatMessage(ctx context.Context, message string) *httpexec.Future[Result] {
	if !t.IsAuthenticated() {
		return notAuthenticated(platform.ActionChat, "")
	}
	return httpexec.Submit(ctx, t.exec, "trovo chat", func(ctx context.Context) Result {
		res := Result{Action: platform.ActionChat}
		resp, err := t.do(ctx, func(c platform.Credential) (httpexec.Request, error) {
			return t.client.SendChatRequest(c.AccessToken, c.ChannelUserID, message)
		})
		if err == nil {
			err = trovoapi.CheckSendChat(resp)
		}
		if err != nil {
			res.Err = err
			return res
		}
		res.OK = true
		res.Message = "Message sent"
		return res
	})
}

// ChannelInfo reads the channel's current category and title.
func (t *Trovo) ChannelInfo(ctx context.Context) *httpexec.Future[InfoResult] {
	if !t.IsAuthenticated() {
		return httpexec.Resolved(InfoResult{Err: platform.ErrNotAuthenticated})
	}
	return httpexec.Submit(ctx, t.exec, "trovo channel", func(ctx context.Context) InfoResult {
		resp, err := t.do(ctx, func(c platform.Credential) (httpexec.Request, error) {
			return t.client.ChannelRequest(c.AccessToken), nil
		})
		if err != nil {
			return InfoResult{Err: err}
		}
		info, err := trovoapi.ParseChannel(resp)
		return InfoResult{Info: info, Err: err}
	})
}
