package cooldown

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvverde/flickr-sub000/pool"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	m       *Manager
	clock   *fakeClock
	rate    map[string]RateLimit
	mod     map[string]Moderation
	saves   int
	visible bool
	watchOK bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &fakeClock{t: time.Unix(1700000000, 0)},
		watchOK: true,
	}
	watch := func(ctx context.Context, photoID, groupID string) (bool, error) {
		if !f.watchOK {
			return false, errors.New("flickr is down")
		}
		return f.visible, nil
	}
	persist := func(rate map[string]RateLimit, mod map[string]Moderation) {
		f.saves++
		f.rate = rate
		f.mod = mod
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	f.m = New(watch, persist, f.clock, rand.New(rand.NewSource(42)), logger)
	return f
}

func dayGroup(count int) *pool.Group {
	return &pool.Group{
		ID: "g1", Name: "Birds", PhotosOK: true,
		Throttle: pool.Throttle{Mode: pool.ThrottleDay, Count: count, Remaining: count},
	}
}

// A group limited to 2 posts per day must resume between 0.7 and 1.1
// times its period share (86400/2 seconds) from now.
func TestApplyRateLimitBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		f := newFixture(t)
		g := dayGroup(2)
		f.m.ApplyRateLimit(g, g.Throttle)

		rl, ok := f.m.rate[g.ID]
		require.True(t, ok)
		delta := rl.ResumeAt - f.clock.t.Unix()
		share := int64(86400 / 2)
		assert.GreaterOrEqual(t, delta, int64(0.7*float64(share))-1)
		assert.LessOrEqual(t, delta, int64(1.1*float64(share))+1)
		assert.Equal(t, pool.ThrottleDay, rl.Mode)
	}
}

func TestApplyRateLimitFloor(t *testing.T) {
	f := newFixture(t)
	g := dayGroup(1000000)
	f.m.ApplyRateLimit(g, g.Throttle)
	rl := f.m.rate[g.ID]
	assert.GreaterOrEqual(t, rl.ResumeAt, f.clock.t.Unix()+1, "delay floors at one second")
}

// Blocked must stay true until resume time passes, then flip to false
// and remove the record from the persisted map.
func TestRateLimitMonotonicExpiry(t *testing.T) {
	f := newFixture(t)
	g := dayGroup(2)
	f.m.ApplyRateLimit(g, g.Throttle)
	savesAfterApply := f.saves
	require.Equal(t, 1, savesAfterApply)

	ctx := context.Background()
	assert.True(t, f.m.Blocked(ctx, g))
	f.clock.advance(6 * time.Hour)
	assert.True(t, f.m.Blocked(ctx, g), "still inside the shortest possible window")

	f.clock.advance(8 * time.Hour) // beyond 1.1 × 12h
	assert.False(t, f.m.Blocked(ctx, g))
	assert.NotContains(t, f.rate, g.ID, "expired record must leave the persisted map")
	assert.Equal(t, savesAfterApply+1, f.saves, "expiry must be persisted")
	assert.False(t, f.m.Blocked(ctx, g), "second check stays cheap and unblocked")
}

func TestApplyFullDayRateLimit(t *testing.T) {
	f := newFixture(t)
	g := dayGroup(2)
	f.m.ApplyFullDayRateLimit(g)
	rl := f.m.rate[g.ID]
	assert.Equal(t, f.clock.t.Add(24*time.Hour).Unix(), rl.ResumeAt)
}

func TestTransientWindow(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		g := dayGroup(2)
		f.m.ApplyTransient(g, "last poster")

		assert.True(t, f.m.Blocked(ctx, g))
		f.clock.advance(20 * time.Minute)
		// Might still be blocked; never longer than an hour though.
		f.clock.advance(40 * time.Minute)
		assert.False(t, f.m.Blocked(ctx, g))
	}
}

func TestTransientIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.m.ApplyTransient(dayGroup(2), "throttled")
	assert.Zero(t, f.saves, "transient blocks never reach disk")
}

func moderatedGroup() *pool.Group {
	return &pool.Group{ID: "gm", Name: "Curated", PhotosOK: true, Moderated: true,
		Throttle: pool.Throttle{Mode: pool.ThrottleNone}}
}

func TestModerationConfirmedClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := moderatedGroup()
	f.m.ApplyModeration(g, "p1")
	require.True(t, f.m.ModerationPending(g.ID))

	f.visible = false
	assert.True(t, f.m.Blocked(ctx, g))

	f.visible = true
	assert.False(t, f.m.Blocked(ctx, g))
	assert.False(t, f.m.ModerationPending(g.ID))
	assert.NotContains(t, f.mod, g.ID)
}

func TestModerationCheckErrorKeepsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := moderatedGroup()
	f.m.ApplyModeration(g, "p1")

	f.watchOK = false
	assert.True(t, f.m.Blocked(ctx, g), "a failed live check blocks this cycle")
	assert.True(t, f.m.ModerationPending(g.ID), "and preserves the record")
}

func TestModerationTimeoutReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := moderatedGroup()
	f.m.ApplyModeration(g, "p1")

	f.visible = false
	f.clock.advance(ModerationTimeout + time.Minute)
	assert.False(t, f.m.Blocked(ctx, g))
	assert.False(t, f.m.ModerationPending(g.ID))
}

func TestModerationIgnoredForUnmoderatedGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := dayGroup(2)
	// A stale moderation record for a group no longer moderated must
	// not block it.
	f.m.moderated[g.ID] = Moderation{SubmittedAt: f.clock.t.Unix(), PhotoID: "p"}
	assert.False(t, f.m.Blocked(ctx, g))
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := dayGroup(2)
	f.m.Restore(
		map[string]RateLimit{g.ID: {ResumeAt: f.clock.t.Add(time.Hour).Unix(), Mode: pool.ThrottleDay}},
		nil,
	)
	assert.True(t, f.m.Blocked(ctx, g))
}
