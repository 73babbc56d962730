package pool

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func group(name string, opts ...func(*Group)) *Group {
	g := &Group{
		ID:       "id-" + name,
		Name:     name,
		PhotosOK: true,
		Throttle: Throttle{Mode: ThrottleNone},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func TestCanPost(t *testing.T) {
	assert.True(t, group("open").CanPost())
	assert.False(t, group("closed", func(g *Group) { g.PhotosOK = false }).CanPost())
	assert.False(t, group("off", func(g *Group) { g.Throttle.Mode = ThrottleDisabled }).CanPost())
	// A throttled group is still postable, just slower.
	assert.True(t, group("slow", func(g *Group) { g.Throttle = Throttle{Mode: ThrottleDay, Count: 1} }).CanPost())
}

func TestThrottlePeriod(t *testing.T) {
	tests := []struct {
		mode   string
		want   time.Duration
		wantOK bool
	}{
		{ThrottleDay, 24 * time.Hour, true},
		{ThrottleWeek, 7 * 24 * time.Hour, true},
		{ThrottleMonth, 30 * 24 * time.Hour, true},
		{ThrottleNone, 0, false},
		{ThrottleDisabled, 0, false},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		got, ok := Throttle{Mode: tt.mode}.Period()
		assert.Equal(t, tt.wantOK, ok, "mode %q", tt.mode)
		assert.Equal(t, tt.want, got, "mode %q", tt.mode)
	}
}

func TestFilterEligible(t *testing.T) {
	birds := group("Birds of the World")
	macro := group("Macro Mondays")
	closed := group("Closed Pool", func(g *Group) { g.PhotosOK = false })
	banned := group("Awards Required", func(g *Group) {
		g.Excluded = &Exclusion{Pattern: "award", Matched: "Award"}
	})
	all := []*Group{birds, macro, closed, banned}

	tests := []struct {
		name           string
		include        string
		exclude        string
		ignoreExcluded bool
		want           []*Group
	}{
		{name: "no patterns", want: []*Group{birds, macro}},
		{name: "include", include: "(?i)birds", want: []*Group{birds}},
		{name: "exclude", exclude: "(?i)monday", want: []*Group{birds}},
		{name: "include beats nothing", include: "(?i)nomatch", want: nil},
		{name: "ignore exclusions", ignoreExcluded: true, want: []*Group{birds, macro, banned}},
		{name: "case-insensitive include", include: "(?i)MACRO", want: []*Group{macro}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inc, exc *regexp.Regexp
			if tt.include != "" {
				inc = regexp.MustCompile(tt.include)
			}
			if tt.exclude != "" {
				exc = regexp.MustCompile(tt.exclude)
			}
			got := FilterEligible(all, inc, exc, tt.ignoreExcluded)
			assert.Equal(t, tt.want, got)
		})
	}
}

// The filter must be pure: same inputs, same output, no mutation.
func TestFilterEligiblePure(t *testing.T) {
	all := []*Group{group("One"), group("Two", func(g *Group) { g.PhotosOK = false })}
	inc := regexp.MustCompile("(?i).")

	first := FilterEligible(all, inc, nil, false)
	second := FilterEligible(all, inc, nil, false)
	assert.Equal(t, first, second)
	assert.Len(t, all, 2, "input slice must not shrink")
	assert.True(t, all[0].PhotosOK)
}

func TestCarryExclusions(t *testing.T) {
	old := []*Group{
		group("Keep", func(g *Group) { g.Excluded = &Exclusion{Pattern: "keep", Matched: "Keep"} }),
		group("Plain"),
	}
	fresh := []*Group{group("Keep"), group("Plain"), group("New")}

	CarryExclusions(fresh, old)
	require.NotNil(t, fresh[0].Excluded)
	assert.Equal(t, "keep", fresh[0].Excluded.Pattern)
	assert.Nil(t, fresh[1].Excluded)
	assert.Nil(t, fresh[2].Excluded)
}

func TestTakenTime(t *testing.T) {
	tests := []struct {
		raw    string
		want   time.Time
		wantOK bool
	}{
		{"2015-03-01 10:00:00", time.Date(2015, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"2015-03-01", time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"0000-00-00 00:00:00", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := Photo{DateTaken: tt.raw}.TakenTime()
		assert.Equal(t, tt.wantOK, ok, "raw %q", tt.raw)
		if tt.wantOK {
			assert.True(t, got.Equal(tt.want), "raw %q: got %v", tt.raw, got)
		}
	}
}
