// Package oauth schedules periodic checks of stored platform tokens. Each
// check runs the provider's validate function, which refreshes or drops the
// token as the platform requires. Checks are jittered.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is used when StartValidator gets a non-positive interval.
const DefaultInterval = 30 * time.Minute

// checkTimeout bounds one validate call.
const checkTimeout = 15 * time.Second

// ValidateFunc checks the provider's stored token. It returns nil when no
// token is stored.
type ValidateFunc func(ctx context.Context) error

// StartValidator launches a goroutine that calls fn about every interval
// until ctx is done. The returned channel is closed when the goroutine exits.
func StartValidator(ctx context.Context, clock clockwork.Clock, provider string, interval time.Duration, fn ValidateFunc) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("provider", provider))
	done := make(chan struct{})
	// Randomize initial delay so restarts don't line up with the platform's expiry.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(initialJitter):
		}
		for {
			check(ctx, log, fn)
			// Add per-iteration jitter (+-20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-clock.After(nextSleep):
			}
		}
	}()
	return done
}

func check(ctx context.Context, log *slog.Logger, fn ValidateFunc) {
	ctx2, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := fn(ctx2); err != nil {
		log.Warn("token validation failed", slog.Any("err", err))
		return
	}
	log.Debug("token validation ok")
}
