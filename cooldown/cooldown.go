// Package cooldown tracks per-group posting suppressions of three
// independent kinds: rate-limit (derived from the group's throttle),
// moderation-pending (a submitted photo awaits approval) and short
// transient blocks after soft failures. Records expire lazily the next
// time the group is considered.
package cooldown

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jvverde/flickr-sub000/pool"
)

// Clock abstracts time retrieval so expiry logic is deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// RateLimit blocks a group until ResumeAt (unix seconds). Persisted.
type RateLimit struct {
	ResumeAt int64  `json:"resume_at"`
	Mode     string `json:"throttle_mode"`
}

// Moderation blocks a moderated group until the submitted photo shows
// up in its pool, or ModerationTimeout elapses. Persisted.
type Moderation struct {
	SubmittedAt int64  `json:"submitted_at"`
	PhotoID     string `json:"photo_id"`
}

// transient is a short in-memory block; it never reaches disk.
type transient struct {
	resumeAt time.Time
	reason   string
}

// ModerationTimeout is how long a moderation-pending cooldown holds
// before the group is assumed rejected (or indefinitely delayed) and
// released for another try.
const ModerationTimeout = 24 * time.Hour

// Transient block bounds for soft failures and post pacing.
const (
	transientMin = 20 * time.Minute
	transientMax = 60 * time.Minute
)

// Rate-limit jitter: the computed period share is scaled by a uniform
// factor in [0.7, 1.1], floored at one second.
const (
	jitterLow  = 0.7
	jitterHigh = 1.1
)

// WatchFunc answers whether a photo is currently visible in a group's
// pool. Used to confirm moderation approval with a live query.
type WatchFunc func(ctx context.Context, photoID, groupID string) (bool, error)

// PersistFunc saves both persisted cooldown maps. Errors are the
// callee's to log; cooldown decisions never depend on a save working.
type PersistFunc func(rate map[string]RateLimit, moderated map[string]Moderation)

// Manager owns the three cooldown maps for one scheduler session.
type Manager struct {
	clock     Clock
	rng       *rand.Rand
	watch     WatchFunc
	persist   PersistFunc
	logger    *slog.Logger
	rate      map[string]RateLimit
	moderated map[string]Moderation
	transient map[string]transient
}

// New returns a manager with empty cooldown maps.
func New(watch WatchFunc, persist PersistFunc, clock Clock, rng *rand.Rand, logger *slog.Logger) *Manager {
	return &Manager{
		clock:     clock,
		rng:       rng,
		watch:     watch,
		persist:   persist,
		logger:    logger,
		rate:      make(map[string]RateLimit),
		moderated: make(map[string]Moderation),
		transient: make(map[string]transient),
	}
}

// Restore replaces the persisted maps with state loaded from disk.
// Transient blocks are in-memory only and always start empty.
func (m *Manager) Restore(rate map[string]RateLimit, moderated map[string]Moderation) {
	if rate != nil {
		m.rate = rate
	}
	if moderated != nil {
		m.moderated = moderated
	}
}

// Blocked reports whether the group is currently under any cooldown.
// Each check expires its record lazily, so a group that has served its
// time costs nothing on subsequent calls.
func (m *Manager) Blocked(ctx context.Context, g *pool.Group) bool {
	now := m.clock.Now()

	if tb, ok := m.transient[g.ID]; ok {
		if now.Before(tb.resumeAt) {
			return true
		}
		delete(m.transient, g.ID)
	}

	if rl, ok := m.rate[g.ID]; ok {
		if now.Unix() < rl.ResumeAt {
			return true
		}
		delete(m.rate, g.ID)
		m.save()
	}

	if g.Moderated {
		if md, ok := m.moderated[g.ID]; ok {
			return m.moderationBlocked(ctx, g, md, now)
		}
	}
	return false
}

// moderationBlocked resolves a pending moderation record. A failed live
// check keeps the record and blocks this cycle (the safe default); a
// confirmed photo or an elapsed timeout clears it.
func (m *Manager) moderationBlocked(ctx context.Context, g *pool.Group, md Moderation, now time.Time) bool {
	visible, err := m.watch(ctx, md.PhotoID, g.ID)
	if err != nil {
		m.logger.Warn("moderation check failed, keeping cooldown",
			"group", g.ID, "photo", md.PhotoID, "error", err)
		return true
	}
	if visible {
		m.logger.Info("moderation approved", "group", g.ID, "photo", md.PhotoID)
		delete(m.moderated, g.ID)
		m.save()
		return false
	}
	if now.Sub(time.Unix(md.SubmittedAt, 0)) >= ModerationTimeout {
		m.logger.Info("moderation timed out, releasing group",
			"group", g.ID, "photo", md.PhotoID)
		delete(m.moderated, g.ID)
		m.save()
		return false
	}
	return true
}

// ApplyTransient blocks the group for a random 20 to 60 minutes.
func (m *Manager) ApplyTransient(g *pool.Group, reason string) {
	span := transientMax - transientMin
	d := transientMin + time.Duration(m.rng.Int63n(int64(span)))
	m.transient[g.ID] = transient{resumeAt: m.clock.Now().Add(d), reason: reason}
	m.logger.Info("transient cooldown applied",
		"group", g.ID, "name", g.Name, "reason", reason, "duration", d.String())
}

// ApplyRateLimit blocks the group for its throttle period divided by
// its limit count, jittered. A throttle without a known period (mode
// none or unknown) falls back to a full day.
func (m *Manager) ApplyRateLimit(g *pool.Group, t pool.Throttle) {
	period, ok := t.Period()
	if !ok {
		period = 24 * time.Hour
	}
	count := t.Count
	if count < 1 {
		count = 1
	}
	share := float64(period) / float64(count)
	d := time.Duration(share * (jitterLow + m.rng.Float64()*(jitterHigh-jitterLow)))
	if d < time.Second {
		d = time.Second
	}
	m.setRateLimit(g, t.Mode, d)
}

// ApplyFullDayRateLimit blocks the group for a whole day. Used when
// Flickr reports the posting limit as already reached.
func (m *Manager) ApplyFullDayRateLimit(g *pool.Group) {
	m.setRateLimit(g, g.Throttle.Mode, 24*time.Hour)
}

func (m *Manager) setRateLimit(g *pool.Group, mode string, d time.Duration) {
	m.rate[g.ID] = RateLimit{
		ResumeAt: m.clock.Now().Add(d).Unix(),
		Mode:     mode,
	}
	m.logger.Info("rate-limit cooldown applied",
		"group", g.ID, "name", g.Name, "mode", mode, "duration", d.String())
	m.save()
}

// ApplyModeration records that a photo was submitted to a moderated
// group and is awaiting approval.
func (m *Manager) ApplyModeration(g *pool.Group, photoID string) {
	m.moderated[g.ID] = Moderation{
		SubmittedAt: m.clock.Now().Unix(),
		PhotoID:     photoID,
	}
	m.logger.Info("moderation cooldown applied",
		"group", g.ID, "name", g.Name, "photo", photoID)
	m.save()
}

// RateLimited reports whether the group currently has a rate-limit
// record, without expiring anything.
func (m *Manager) RateLimited(groupID string) bool {
	_, ok := m.rate[groupID]
	return ok
}

// ModerationPending reports whether the group currently has a
// moderation record, without expiring anything.
func (m *Manager) ModerationPending(groupID string) bool {
	_, ok := m.moderated[groupID]
	return ok
}

func (m *Manager) save() {
	if m.persist != nil {
		m.persist(m.rate, m.moderated)
	}
}
