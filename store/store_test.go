package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvverde/flickr-sub000/cooldown"
	"github.com/jvverde/flickr-sub000/pool"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(
		filepath.Join(dir, "groups.json"),
		filepath.Join(dir, "cooldowns.json"),
		filepath.Join(dir, "cache.json"),
		logger,
	)
	return s, dir
}

func TestLoadGroupsMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	groups, refreshed := s.LoadGroups()
	assert.Nil(t, groups)
	assert.True(t, refreshed.IsZero())
}

func TestGroupsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	in := []*pool.Group{
		{
			ID: "1@N01", Name: "Birds", Privacy: 3, PhotosOK: true,
			Throttle: pool.Throttle{Mode: pool.ThrottleDay, Count: 2, Remaining: 1},
		},
		{
			ID: "2@N01", Name: "Macro", PhotosOK: true, Moderated: true,
			Throttle: pool.Throttle{Mode: pool.ThrottleNone},
			Excluded: &pool.Exclusion{Pattern: "macro", Matched: "Macro"},
		},
	}
	at := time.Unix(1700000000, 0)
	require.NoError(t, s.SaveGroups(in, at))

	out, refreshed := s.LoadGroups()
	require.Len(t, out, 2)
	assert.Equal(t, in, out)
	assert.Equal(t, at.Unix(), refreshed.Unix())
}

func TestLoadCooldownsCorruptFileIsColdStart(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cooldowns.json"), []byte("{not json"), 0o600))

	rate, moderated := s.LoadCooldowns()
	assert.Empty(t, rate)
	assert.Empty(t, moderated)
	assert.NotNil(t, rate)
	assert.NotNil(t, moderated)
}

func TestCooldownsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	rate := map[string]cooldown.RateLimit{
		"g1": {ResumeAt: 1700003600, Mode: pool.ThrottleDay},
	}
	moderated := map[string]cooldown.Moderation{
		"g2": {SubmittedAt: 1700000000, PhotoID: "p9"},
	}
	require.NoError(t, s.SaveCooldowns(rate, moderated))

	gotRate, gotMod := s.LoadCooldowns()
	assert.Equal(t, rate, gotRate)
	assert.Equal(t, moderated, gotMod)
}

func TestCorruptGroupsFileIsColdStart(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "groups.json"), []byte("]["), 0o600))

	groups, _ := s.LoadGroups()
	assert.Nil(t, groups)

	// And a save afterwards replaces the garbage.
	require.NoError(t, s.SaveGroups([]*pool.Group{{ID: "g", Name: "G"}}, time.Now()))
	groups, _ = s.LoadGroups()
	assert.Len(t, groups, 1)
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Unix(1700000000, 0)

	c := NewCache()
	c.Now = func() time.Time { return now.Add(-CacheTTL - time.Hour) }
	c.PutPage(PageKey{SetID: "old", Page: 1}, []pool.Photo{{ID: "stale"}})
	c.Now = func() time.Time { return now }
	c.PutPage(PageKey{SetID: "s1", Page: 2}, []pool.Photo{{ID: "p1", Title: "T", DateTaken: "2021-05-01 12:00:00"}})
	c.PutMember(MemberKey{PhotoID: "p1", GroupID: "g1"}, true)
	c.PutMember(MemberKey{PhotoID: "p2", GroupID: "g1"}, false)
	require.NoError(t, s.SaveCache(c))

	loaded := s.LoadCache(now)
	loaded.Now = func() time.Time { return now }

	_, ok := loaded.Page(PageKey{SetID: "old", Page: 1})
	assert.False(t, ok, "expired entry must be purged at load")

	photos, ok := loaded.Page(PageKey{SetID: "s1", Page: 2})
	require.True(t, ok)
	require.Len(t, photos, 1)
	assert.Equal(t, "p1", photos[0].ID)
	assert.Equal(t, "2021-05-01 12:00:00", photos[0].DateTaken)

	member, ok := loaded.Member(MemberKey{PhotoID: "p1", GroupID: "g1"})
	assert.True(t, ok)
	assert.True(t, member)
	member, ok = loaded.Member(MemberKey{PhotoID: "p2", GroupID: "g1"})
	assert.True(t, ok)
	assert.False(t, member)
}

func TestCacheLazyExpiryOnLookup(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewCache()
	c.Now = func() time.Time { return now }
	c.PutMember(MemberKey{PhotoID: "p", GroupID: "g"}, true)

	c.Now = func() time.Time { return now.Add(CacheTTL + time.Minute) }
	_, ok := c.Member(MemberKey{PhotoID: "p", GroupID: "g"})
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry must be deleted on lookup")
}

func TestCleanCache(t *testing.T) {
	s, _ := newTestStore(t)
	c := NewCache()
	c.PutMember(MemberKey{PhotoID: "p", GroupID: "g"}, true)
	require.NoError(t, s.SaveCache(c))
	require.NoError(t, s.CleanCache())
	assert.Zero(t, s.LoadCache(time.Now()).Len())
}

func TestEmptyPathsAreNoOps(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New("", "", "", logger)
	groups, _ := s.LoadGroups()
	assert.Nil(t, groups)
	assert.NoError(t, s.SaveGroups(nil, time.Now()))
	assert.NotNil(t, s.LoadCache(time.Now()))
}
