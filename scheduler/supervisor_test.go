package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRestartDelayFirstAttempt(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		d := restartDelay(1, rng)
		assert.GreaterOrEqual(t, d, time.Duration(float64(restartBaseDelay)*restartJitterLow))
		assert.LessOrEqual(t, d, time.Duration(float64(restartBaseDelay)*restartJitterHi))
	}
}

func TestRestartDelayGrows(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	d3 := restartDelay(3, rng)
	// 60s × 2² = 4m, jittered.
	assert.GreaterOrEqual(t, d3, time.Duration(float64(4*time.Minute)*restartJitterLow))
	assert.LessOrEqual(t, d3, time.Duration(float64(4*time.Minute)*restartJitterHi))
}

// The backoff must never exceed a day, however long the process has
// been failing.
func TestRestartDelayCapped(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, attempt := range []int{20, 100, 10000} {
		d := restartDelay(attempt, rng)
		assert.LessOrEqual(t, d, restartMaxDelay, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	sv := NewSupervisor(func(ctx context.Context) error {
		calls++
		cancel() // session dies because the process is shutting down
		return errors.New("interrupted")
	}, rand.New(rand.NewSource(1)), slog.New(slog.NewTextHandler(os.Stderr, nil)))

	done := make(chan struct{})
	go func() {
		sv.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancellation")
	}
	assert.Equal(t, 1, calls, "no restart after cancellation")
}
