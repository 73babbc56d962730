// Package pool holds the domain model for Flickr group pools and the
// photos submitted to them: group records with their posting rules,
// photoset snapshots, and photo references.
package pool

import (
	"regexp"
	"time"
)

// Throttle modes as reported by flickr.groups.getInfo.
const (
	ThrottleNone     = "none"
	ThrottleDay      = "day"
	ThrottleWeek     = "week"
	ThrottleMonth    = "month"
	ThrottleDisabled = "disabled"
)

// Throttle describes a group's posting-frequency limit.
type Throttle struct {
	Mode      string `json:"mode"`
	Count     int    `json:"count"`
	Remaining int    `json:"remaining"`
}

// Limited reports whether the throttle enforces a periodic limit.
func (t Throttle) Limited() bool {
	switch t.Mode {
	case ThrottleDay, ThrottleWeek, ThrottleMonth:
		return true
	}
	return false
}

// Period returns the length of the throttle window. The second return
// is false for modes without a window (none, disabled, unknown).
func (t Throttle) Period() (time.Duration, bool) {
	switch t.Mode {
	case ThrottleDay:
		return 24 * time.Hour, true
	case ThrottleWeek:
		return 7 * 24 * time.Hour, true
	case ThrottleMonth:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// Exclusion marks a group the user never wants to post to. It is set by
// an explicit user action and survives directory refreshes until
// explicitly cleared.
type Exclusion struct {
	Pattern string `json:"pattern"`
	Matched string `json:"matched"`
}

// Group is one group the user can submit photos to. Static attributes
// are rebuilt wholesale on every directory refresh; Excluded is carried
// forward across refreshes by group ID.
type Group struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Privacy   int        `json:"privacy"` // 1 private, 2 invite-only, 3 public
	PhotosOK  bool       `json:"photos_ok"`
	Moderated bool       `json:"moderated"`
	Throttle  Throttle   `json:"throttle"`
	Excluded  *Exclusion `json:"excluded,omitempty"`
}

// CanPost reports the group's static eligibility: it accepts photos and
// its throttle is not disabled.
func (g *Group) CanPost() bool {
	return g.PhotosOK && g.Throttle.Mode != ThrottleDisabled
}

// Photoset is an immutable-per-run snapshot of one album.
type Photoset struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PhotoCount int    `json:"photo_count"`
}

// Photo is a photo summary as returned by photoset listings. DateTaken
// keeps Flickr's raw string form; use TakenTime to interpret it.
type Photo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	DateTaken string `json:"date_taken"`
}

// Date layouts Flickr uses for datetaken.
const (
	takenLayout     = "2006-01-02 15:04:05"
	takenDateLayout = "2006-01-02"
)

// TakenTime parses the taken date. The second return is false when the
// field is empty or in neither accepted layout.
func (p Photo) TakenTime() (time.Time, bool) {
	if p.DateTaken == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(takenLayout, p.DateTaken); err == nil {
		return t, true
	}
	if t, err := time.Parse(takenDateLayout, p.DateTaken); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// FilterEligible returns the groups that pass every static check: the
// group is postable, not persistently excluded (unless ignoreExcluded),
// matches the include pattern and does not match the exclude pattern.
// Nil patterns are no-ops. The function is pure: it never mutates its
// inputs and depends on nothing but them.
func FilterEligible(groups []*Group, include, exclude *regexp.Regexp, ignoreExcluded bool) []*Group {
	var out []*Group
	for _, g := range groups {
		if !eligible(g, include, exclude, ignoreExcluded) {
			continue
		}
		out = append(out, g)
	}
	return out
}

func eligible(g *Group, include, exclude *regexp.Regexp, ignoreExcluded bool) bool {
	if !g.CanPost() {
		return false
	}
	if !ignoreExcluded && g.Excluded != nil {
		return false
	}
	if include != nil && !include.MatchString(g.Name) {
		return false
	}
	if exclude != nil && exclude.MatchString(g.Name) {
		return false
	}
	return true
}

// CarryExclusions copies persistent exclusions from a previous group
// directory onto a freshly fetched one, matching by group ID.
func CarryExclusions(fresh, previous []*Group) {
	if len(previous) == 0 {
		return
	}
	excluded := make(map[string]*Exclusion, len(previous))
	for _, g := range previous {
		if g.Excluded != nil {
			excluded[g.ID] = g.Excluded
		}
	}
	for _, g := range fresh {
		if ex, ok := excluded[g.ID]; ok {
			g.Excluded = ex
		}
	}
}
