package main

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gamesync/adapter"
	"github.com/onnwee/gamesync/config"
	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/server"
	"github.com/onnwee/gamesync/session"
	"github.com/onnwee/gamesync/store"
)

// configured is one platform with a client id.
type configured struct {
	name     string
	exec     *httpexec.Executor
	restore  func(context.Context) error
	validate func(context.Context) *httpexec.Future[error]
	shutdown func(context.Context) error
}

// platformSet holds the sessions and their adapters. Each session runs on
// its own executor.
type platformSet struct {
	platforms []configured
	sessions  []server.Session
	services  []platform.Service
}

func buildPlatforms(cfg *config.Config, settings *store.Settings, clock clockwork.Clock) *platformSet {
	newExecutor := func(name string) *httpexec.Executor {
		return httpexec.New(
			httpexec.WithName(name),
			httpexec.WithWorkers(cfg.HTTPWorkers),
			httpexec.WithLogger(slog.Default()),
		)
	}
	ps := &platformSet{}
	if cfg.TwitchClientID != "" {
		exec := newExecutor("twitch")
		tw := session.NewTwitch(session.TwitchConfig{
			ClientID:    cfg.TwitchClientID,
			Port:        cfg.TwitchCallbackPort,
			AuthURL:     cfg.TwitchAuthorizeURL(),
			ValidateURL: cfg.TwitchValidateURL(),
			APIBaseURL:  cfg.TwitchAPIBase,
			Timeout:     cfg.AuthTimeout,
			Exec:        exec,
			Credentials: settings,
			Prefs:       settings,
			Clock:       clock,
			Logger:      slog.Default(),
		})
		ps.platforms = append(ps.platforms, configured{tw.Name(), exec, tw.Restore, tw.ValidateStored, tw.Shutdown})
		ps.sessions = append(ps.sessions, tw)
		ps.services = append(ps.services, adapter.NewTwitch(tw, slog.Default()))
	}
	if cfg.TrovoClientID != "" {
		exec := newExecutor("trovo")
		tr := session.NewTrovo(session.TrovoConfig{
			ClientID:    cfg.TrovoClientID,
			Port:        cfg.TrovoCallbackPort,
			LoginURL:    cfg.TrovoLoginURL,
			APIBaseURL:  cfg.TrovoAPIBase,
			ProxyURL:    cfg.TrovoAuthProxyURL,
			Timeout:     cfg.AuthTimeout,
			Exec:        exec,
			Credentials: settings,
			Prefs:       settings,
			Clock:       clock,
			Logger:      slog.Default(),
		})
		ps.platforms = append(ps.platforms, configured{tr.Name(), exec, tr.Restore, tr.ValidateStored, tr.Shutdown})
		ps.sessions = append(ps.sessions, tr)
		ps.services = append(ps.services, adapter.NewTrovo(tr, slog.Default()))
	}
	return ps
}

// shutdown closes each session, then its executor.
func (ps *platformSet) shutdown(ctx context.Context) {
	for _, p := range ps.platforms {
		if err := p.shutdown(ctx); err != nil {
			slog.Warn("session shutdown incomplete", slog.String("platform", p.name), slog.Any("err", err))
		}
		if err := p.exec.Shutdown(ctx); err != nil {
			slog.Warn("executor shutdown incomplete", slog.String("platform", p.name), slog.Any("err", err))
		}
	}
}
