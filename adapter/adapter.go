// Package adapter exposes platform sessions through the uniform
// platform.Service contract used by the dispatcher.
package adapter

import (
	"context"
	"log/slog"

	"github.com/onnwee/gamesync/httpexec"
	"github.com/onnwee/gamesync/platform"
	"github.com/onnwee/gamesync/session"
	"github.com/onnwee/gamesync/telemetry"
)

// Session is what an adapter needs from a platform session.
type Session interface {
	Name() string
	IsAuthenticated() bool
	UpdateCategory(ctx context.Context, game, title string) (*httpexec.Future[session.Result], bool)
	SendChatMessage(ctx context.Context, message string) *httpexec.Future[session.Result]
	ChannelInfo(ctx context.Context) *httpexec.Future[session.InfoResult]
}

// Messages maps failure classes to user-visible reasons.
type Messages map[platform.ErrorClass]string

var defaultMessages = Messages{
	platform.ClassNetwork:          "network error",
	platform.ClassAuth:             "authentication failed, please log in again",
	platform.ClassRateLimited:      "rate limited, try again later",
	platform.ClassNotFound:         "game not found",
	platform.ClassNotAuthenticated: "not authenticated",
	platform.ClassUpdateFailed:     "update failed",
}

// Adapter turns session results into Outcomes.
type Adapter struct {
	s        Session
	messages Messages
	log      *slog.Logger
}

var _ platform.Service = (*Adapter)(nil)

// New adapts s. Entries in overrides replace the default failure messages.
func New(s Session, overrides Messages, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	msgs := make(Messages, len(defaultMessages))
	for k, v := range defaultMessages {
		msgs[k] = v
	}
	for k, v := range overrides {
		msgs[k] = v
	}
	return &Adapter{s: s, messages: msgs, log: log.With(slog.String("component", "adapter"), slog.String("platform", s.Name()))}
}

// NewTwitch adapts a Twitch session.
func NewTwitch(s *session.Twitch, log *slog.Logger) *Adapter { return New(s, nil, log) }

// NewTrovo adapts a Trovo session. Trovo searches categories rather than
// games, so a miss is reported as such.
func NewTrovo(s *session.Trovo, log *slog.Logger) *Adapter {
	return New(s, Messages{platform.ClassNotFound: "category not found"}, log)
}

func (a *Adapter) Name() string { return a.s.Name() }

func (a *Adapter) IsAuthenticated() bool { return a.s.IsAuthenticated() }

// UpdateCategory forwards to the session. It reports false when the session
// already has an update in flight.
func (a *Adapter) UpdateCategory(ctx context.Context, game, title string) (*httpexec.Future[platform.Outcome], bool) {
	f, ok := a.s.UpdateCategory(ctx, game, title)
	if !ok {
		return nil, false
	}
	return httpexec.Map(f, func(r session.Result) platform.Outcome {
		return a.outcome(r, platform.ActionCategory, game)
	}), true
}

func (a *Adapter) SendChatMessage(ctx context.Context, message string) *httpexec.Future[platform.Outcome] {
	return httpexec.Map(a.s.SendChatMessage(ctx, message), func(r session.Result) platform.Outcome {
		return a.outcome(r, platform.ActionChat, "")
	})
}

// ChannelInfo resolves the zero value when the read fails.
func (a *Adapter) ChannelInfo(ctx context.Context) *httpexec.Future[platform.ChannelInfo] {
	return httpexec.Map(a.s.ChannelInfo(ctx), func(r session.InfoResult) platform.ChannelInfo {
		if r.Err != nil {
			a.log.Warn("channel read failed", slog.Any("err", r.Err), slog.String("class", platform.ClassOf(r.Err).String()))
			return platform.ChannelInfo{}
		}
		return r.Info
	})
}

func (a *Adapter) outcome(r session.Result, action platform.Action, game string) platform.Outcome {
	o := platform.Outcome{Platform: a.Name(), Action: r.Action, Success: r.OK, GameName: game}
	if o.Action == "" {
		o.Action = action
	}
	switch {
	case r.OK:
		o.Message = r.Message
		if o.Message == "" {
			o.Message = "done"
		}
	case r.Err == nil:
		// task panicked or was dropped at shutdown
		o.Class = platform.ClassUpdateFailed
		o.Message = "internal error"
	default:
		o.Class = platform.ClassOf(r.Err)
		o.Message = a.messages[o.Class]
		if o.Message == "" {
			o.Message = r.Err.Error()
		}
	}
	telemetry.RecordOutcome(o.Platform, string(o.Action), o.Success)
	if o.Success {
		a.log.Info("action succeeded", slog.String("action", string(o.Action)), slog.String("game", game))
	} else {
		a.log.Warn("action failed", slog.String("action", string(o.Action)), slog.String("game", game), slog.String("class", o.Class.String()), slog.Any("err", r.Err))
	}
	return o
}
