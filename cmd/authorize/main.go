// Package main provides a CLI tool that performs one loopback login for a
// platform and stores the resulting credential in the configured settings
// store, so the daemon can start already authenticated.
//
// Usage:
//
//	authorize --platform twitch|trovo [--mode chat|category] [--unified]
//
// Flags:
//
//	--platform: Platform to log in to (required)
//	--mode: Action mode whose scopes are requested (default: stored mode)
//	--unified: Request every scope regardless of mode
//
// The tool reads the same environment as the daemon (SETTINGS_BACKEND,
// SETTINGS_PATH, DB_DSN, ENCRYPTION_KEY, *_CLIENT_ID, *_CALLBACK_PORT).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/onnwee/gamesync/auth"
	"github.com/onnwee/gamesync/config"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/session"
	"github.com/onnwee/gamesync/store"
)

// loginSession is the part of a platform session the tool drives.
type loginSession interface {
	Name() string
	Credential() platform.Credential
	StartAuthentication(mode platform.ActionMode, unified bool) (bool, error)
	Subscribe(fn func(auth.Event)) (unsubscribe func())
	Shutdown(ctx context.Context) error
}

var errLoginFailed = errors.New("login failed")

func main() {
	platformName := flag.String("platform", "", "Platform to log in to (twitch or trovo)")
	modeFlag := flag.String("mode", "", "Action mode whose scopes are requested (chat or category)")
	unified := flag.Bool("unified", false, "Request every scope regardless of mode")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config.LoadDotEnv(".env")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.OpenOptions{
		Backend:       cfg.SettingsBackend,
		Path:          cfg.SettingsPath,
		DSN:           cfg.DBDsn,
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		slog.Error("failed to open settings store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	settings := store.NewSettings(st, logger)

	s, err := newSession(cfg, settings, *platformName)
	if err != nil {
		slog.Error("cannot start login", slog.Any("error", err))
		os.Exit(1)
	}

	mode := settings.ActionMode(ctx, s.Name())
	if *modeFlag != "" {
		mode = platform.ParseActionMode(*modeFlag)
	}
	unifiedAuth := *unified || settings.UnifiedAuth(ctx)

	err = login(ctx, s, mode, unifiedAuth)
	_ = s.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		slog.Error("authorization failed", slog.String("platform", s.Name()), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("authorization complete",
		slog.String("platform", s.Name()),
		slog.String("login", s.Credential().ChannelLogin))
}

func newSession(cfg *config.Config, settings *store.Settings, name string) (loginSession, error) {
	switch strings.ToLower(name) {
	case "twitch":
		if cfg.TwitchClientID == "" {
			return nil, errors.New("TWITCH_CLIENT_ID is not set")
		}
		return session.NewTwitch(session.TwitchConfig{
			ClientID:    cfg.TwitchClientID,
			Port:        cfg.TwitchCallbackPort,
			AuthURL:     cfg.TwitchAuthorizeURL(),
			ValidateURL: cfg.TwitchValidateURL(),
			APIBaseURL:  cfg.TwitchAPIBase,
			Timeout:     cfg.AuthTimeout,
			Credentials: settings,
			Prefs:       settings,
		}), nil
	case "trovo":
		if cfg.TrovoClientID == "" {
			return nil, errors.New("TROVO_CLIENT_ID is not set")
		}
		return session.NewTrovo(session.TrovoConfig{
			ClientID:    cfg.TrovoClientID,
			Port:        cfg.TrovoCallbackPort,
			LoginURL:    cfg.TrovoLoginURL,
			APIBaseURL:  cfg.TrovoAPIBase,
			ProxyURL:    cfg.TrovoAuthProxyURL,
			Timeout:     cfg.AuthTimeout,
			Credentials: settings,
			Prefs:       settings,
		}), nil
	default:
		return nil, fmt.Errorf("--platform must be twitch or trovo, got %q", name)
	}
}

// login runs one handshake and waits for it to finish. The session persists
// the credential before publishing a successful AuthFinished.
func login(ctx context.Context, s loginSession, mode platform.ActionMode, unified bool) error {
	finished := make(chan auth.Event, 1)
	unsubscribe := s.Subscribe(func(e auth.Event) {
		if e.Kind != auth.AuthFinished {
			return
		}
		select {
		case finished <- e:
		default:
		}
	})
	defer unsubscribe()

	started, err := s.StartAuthentication(mode, unified)
	if err != nil {
		return err
	}
	if !started {
		return errors.New("a login is already in progress")
	}
	slog.Info("waiting for browser login", slog.String("platform", s.Name()), slog.String("mode", mode.String()))

	select {
	case e := <-finished:
		if !e.Success {
			return fmt.Errorf("%w: %s", errLoginFailed, e.Info)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
