package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Restart backoff: 60s doubled per attempt, jittered by [0.8, 1.2],
// never more than a day between restarts. The attempt counter is
// monotonic for the life of the process, so a service that keeps dying
// settles at the cap instead of hammering Flickr.
const (
	restartBaseDelay = time.Minute
	restartMaxDelay  = 24 * time.Hour
	restartJitterLow = 0.8
	restartJitterHi  = 1.2
)

// Supervisor reruns the scheduler session forever. Every restart gets a
// session built from scratch: fresh login, fresh state loads.
type Supervisor struct {
	session func(ctx context.Context) error
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewSupervisor wraps a session factory-and-run function.
func NewSupervisor(session func(ctx context.Context) error, rng *rand.Rand, logger *slog.Logger) *Supervisor {
	return &Supervisor{session: session, rng: rng, logger: logger}
}

// Run loops sessions until the context is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := sv.session(ctx)
		if ctx.Err() != nil {
			sv.logger.Info("supervisor shutting down")
			return
		}
		if err == nil {
			// The scheduler only returns on error or cancellation.
			err = errors.New("session ended unexpectedly")
		}

		delay := restartDelay(attempt, sv.rng)
		sv.logger.Error("session failed, restarting",
			"attempt", attempt, "delay", delay.String(), "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			sv.logger.Info("supervisor shutting down")
			return
		case <-t.C:
		}
	}
}

// restartDelay computes base × 2^(attempt-1) × jitter, capped at
// restartMaxDelay no matter how large attempt grows.
func restartDelay(attempt int, rng *rand.Rand) time.Duration {
	d := float64(restartBaseDelay)
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= float64(restartMaxDelay)*restartJitterHi {
			break
		}
	}
	d *= restartJitterLow + rng.Float64()*(restartJitterHi-restartJitterLow)
	if d > float64(restartMaxDelay) {
		d = float64(restartMaxDelay)
	}
	return time.Duration(d)
}
