// Package scheduler runs the posting loop: pick a random photo, walk
// the currently unblocked groups in random order, post to the first one
// that passes every check, and apply the cooldown the outcome calls
// for. A restart supervisor wraps the whole session and brings it back
// up with capped exponential backoff after any fatal error.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/jvverde/flickr-sub000/cooldown"
	"github.com/jvverde/flickr-sub000/flickrapi"
	"github.com/jvverde/flickr-sub000/pool"
	"github.com/jvverde/flickr-sub000/selector"
	"github.com/jvverde/flickr-sub000/store"
)

// Flickr is the slice of the remote API the scheduler consumes. The
// concrete implementation retries internally; an error from any of
// these means retries are already exhausted.
type Flickr interface {
	Login(ctx context.Context) (flickrapi.User, error)
	PoolableGroups(ctx context.Context) ([]flickrapi.GroupListing, error)
	GroupInfo(ctx context.Context, groupID string) (flickrapi.GroupStatus, error)
	Photosets(ctx context.Context, userID string) ([]pool.Photoset, error)
	PhotosetPage(ctx context.Context, setID string, page int) ([]pool.Photo, error)
	PhotoGroups(ctx context.Context, photoID string) ([]string, error)
	AddToGroup(ctx context.Context, photoID, groupID string) (pending bool, err error)
	LatestInGroup(ctx context.Context, groupID string) (*flickrapi.GroupItem, error)
}

// Config is the per-run configuration of one scheduler session.
type Config struct {
	SetPattern       string // photoset title match, required
	GroupInclude     string // group name must match, optional
	GroupExclude     string // group name must not match, optional
	MaxAgeYears      int    // 0 disables the age filter
	MaxDelay         time.Duration
	DryRun           bool
	CleanCache       bool
	IgnoreExclusions bool
}

const (
	refreshInterval = 24 * time.Hour
	exhaustedSleep  = time.Hour
	noPhotoMinSleep = 5 * time.Second
	noPhotoMaxSleep = 15 * time.Second

	// DefaultMaxDelay is the default upper bound of the random pause
	// between posting cycles.
	DefaultMaxDelay = 5 * time.Minute
)

// Scheduler owns all mutable session state. Nothing here is global:
// every map and list lives on this struct and dies with the session.
type Scheduler struct {
	cfg    Config
	flickr Flickr
	store  *store.Store
	logger *slog.Logger
	clock  cooldown.Clock
	rng    *rand.Rand

	include *regexp.Regexp
	exclude *regexp.Regexp

	userID      string
	groups      []*pool.Group
	refreshedAt time.Time
	eligible    []*pool.Group
	sets        []pool.Photoset

	cooldowns *cooldown.Manager
	cache     *store.Cache
	picker    *selector.Selector
}

// New builds one session. It does not touch the network; Run does.
func New(cfg Config, fl Flickr, st *store.Store, logger *slog.Logger, clock cooldown.Clock, rng *rand.Rand) *Scheduler {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Scheduler{
		cfg:    cfg,
		flickr: fl,
		store:  st,
		logger: logger,
		clock:  clock,
		rng:    rng,
	}
}

// Run initializes the session and then loops posting cycles until the
// context is cancelled (clean exit) or a session-fatal error escapes
// (the supervisor restarts us).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Scheduler) init(ctx context.Context) error {
	setMatch, err := regexp.Compile("(?i)" + s.cfg.SetPattern)
	if err != nil {
		return fmt.Errorf("bad photoset pattern %q: %w", s.cfg.SetPattern, err)
	}
	if s.cfg.GroupInclude != "" {
		if s.include, err = regexp.Compile("(?i)" + s.cfg.GroupInclude); err != nil {
			return fmt.Errorf("bad group include pattern %q: %w", s.cfg.GroupInclude, err)
		}
	}
	if s.cfg.GroupExclude != "" {
		if s.exclude, err = regexp.Compile("(?i)" + s.cfg.GroupExclude); err != nil {
			return fmt.Errorf("bad group exclude pattern %q: %w", s.cfg.GroupExclude, err)
		}
	}

	user, err := s.flickr.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.userID = user.ID
	s.logger.Info("session started", "user", user.Username, "user_id", user.ID)

	s.groups, s.refreshedAt = s.store.LoadGroups()
	if len(s.groups) == 0 || s.clock.Now().Sub(s.refreshedAt) > refreshInterval {
		if err := s.refreshGroups(ctx); err != nil {
			return err
		}
	} else {
		s.eligible = pool.FilterEligible(s.groups, s.include, s.exclude, s.cfg.IgnoreExclusions)
	}
	if len(s.eligible) == 0 {
		return errors.New("no eligible groups to post to")
	}

	allSets, err := s.flickr.Photosets(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("list photosets: %w", err)
	}
	for _, set := range allSets {
		if setMatch.MatchString(set.Title) {
			s.sets = append(s.sets, set)
		}
	}
	if len(s.sets) == 0 {
		return fmt.Errorf("no photosets match %q", s.cfg.SetPattern)
	}
	s.logger.Info("session inventory",
		"groups", len(s.groups), "eligible", len(s.eligible), "photosets", len(s.sets))

	s.cooldowns = cooldown.New(s.photoInGroup, s.persistCooldowns, s.clock, s.rng, s.logger)
	s.cooldowns.Restore(s.store.LoadCooldowns())

	if s.cfg.CleanCache {
		if err := s.store.CleanCache(); err != nil {
			s.logger.Warn("cache clean failed", "error", err)
		}
	}
	s.cache = s.store.LoadCache(s.clock.Now())
	s.cache.Now = s.clock.Now
	s.picker = selector.New(s.flickr, s.cache, s.persistCache, s.rng, s.logger)
	return nil
}

// FetchDirectory builds a fresh group directory from Flickr: the
// groups the user may post to, each enriched with its posting rules.
func FetchDirectory(ctx context.Context, fl Flickr) ([]*pool.Group, error) {
	listings, err := fl.PoolableGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	fresh := make([]*pool.Group, 0, len(listings))
	for _, l := range listings {
		status, err := fl.GroupInfo(ctx, l.ID)
		if err != nil {
			return nil, fmt.Errorf("refresh group %s: %w", l.ID, err)
		}
		fresh = append(fresh, &pool.Group{
			ID:        l.ID,
			Name:      l.Name,
			Privacy:   l.Privacy,
			PhotosOK:  status.PhotosOK,
			Moderated: status.Moderated,
			Throttle:  status.Throttle,
		})
	}
	return fresh, nil
}

// refreshGroups rebuilds the group directory from Flickr, carries the
// persistent exclusions forward and recomputes the eligible subset.
func (s *Scheduler) refreshGroups(ctx context.Context) error {
	s.logger.Info("refreshing group directory")
	fresh, err := FetchDirectory(ctx, s.flickr)
	if err != nil {
		return err
	}
	pool.CarryExclusions(fresh, s.groups)

	s.groups = fresh
	s.refreshedAt = s.clock.Now()
	if err := s.store.SaveGroups(s.groups, s.refreshedAt); err != nil {
		s.logger.Warn("group directory not persisted", "error", err)
	}
	s.eligible = pool.FilterEligible(s.groups, s.include, s.exclude, s.cfg.IgnoreExclusions)
	s.logger.Info("group directory refreshed",
		"groups", len(s.groups), "eligible", len(s.eligible))
	return nil
}

// cycle is one pass of the outer loop: refresh if stale, pick a photo,
// try the unblocked groups for it, pause.
func (s *Scheduler) cycle(ctx context.Context) error {
	if s.clock.Now().Sub(s.refreshedAt) > refreshInterval {
		if err := s.refreshGroups(ctx); err != nil {
			return err
		}
	}

	var unblocked []*pool.Group
	for _, g := range s.eligible {
		if !s.cooldowns.Blocked(ctx, g) {
			unblocked = append(unblocked, g)
		}
	}
	if len(unblocked) == 0 {
		s.logger.Info("every group is cooling down", "sleep", exhaustedSleep.String())
		s.sleep(ctx, exhaustedSleep)
		return nil
	}

	var cutoff time.Time
	if s.cfg.MaxAgeYears > 0 {
		cutoff = s.clock.Now().AddDate(-s.cfg.MaxAgeYears, 0, 0)
	}
	ref, err := s.picker.Select(ctx, s.sets, cutoff)
	if err != nil {
		return err
	}
	if ref == nil {
		// Re-sample the photo space first rather than rotating groups.
		d := noPhotoMinSleep + time.Duration(s.rng.Int63n(int64(noPhotoMaxSleep-noPhotoMinSleep)))
		s.logger.Info("no suitable photo this cycle", "sleep", d.String())
		s.sleep(ctx, d)
		return nil
	}
	s.logger.Debug("photo selected",
		"photo", ref.Photo.ID, "title", ref.Photo.Title, "set", ref.SetID)

	// Working copy: a group that fails any check is out for this photo.
	working := make([]*pool.Group, len(unblocked))
	copy(working, unblocked)
	for len(working) > 0 {
		i := s.rng.Intn(len(working))
		g := working[i]
		working[i] = working[len(working)-1]
		working = working[:len(working)-1]

		posted, err := s.attemptGroup(ctx, g, ref)
		if err != nil {
			return err
		}
		if posted {
			break
		}
	}

	s.sleep(ctx, time.Duration(s.rng.Int63n(int64(s.cfg.MaxDelay)+1)))
	return nil
}

// attemptGroup runs one group through the per-photo checks and, if all
// pass, the post itself. A false return without error means the group
// is dropped for this photo; an error is session-fatal.
func (s *Scheduler) attemptGroup(ctx context.Context, g *pool.Group, ref *selector.PhotoRef) (bool, error) {
	// Live status check for groups with limits or moderation: the
	// cached directory entry may be a day old.
	if g.Throttle.Mode != pool.ThrottleNone || g.Moderated {
		status, err := s.flickr.GroupInfo(ctx, g.ID)
		if err != nil {
			s.logger.Warn("live group check failed, skipping group",
				"group", g.ID, "error", err)
			return false, nil
		}
		g.PhotosOK = status.PhotosOK
		g.Moderated = status.Moderated
		g.Throttle = status.Throttle
		if !status.PhotosOK || status.Throttle.Mode == pool.ThrottleDisabled ||
			(status.Throttle.Limited() && status.Throttle.Remaining == 0) {
			s.cooldowns.ApplyTransient(g, "throttled")
			return false, nil
		}
	}

	// Never stack our own photos back to back in a pool.
	latest, err := s.flickr.LatestInGroup(ctx, g.ID)
	if err != nil {
		s.logger.Warn("newest-photo check failed, skipping group",
			"group", g.ID, "error", err)
		return false, nil
	}
	if latest != nil && latest.OwnerID == s.userID {
		s.cooldowns.ApplyTransient(g, "last poster")
		return false, nil
	}

	key := store.MemberKey{PhotoID: ref.Photo.ID, GroupID: g.ID}
	member, cached := s.cache.Member(key)
	if !cached {
		groupIDs, err := s.flickr.PhotoGroups(ctx, ref.Photo.ID)
		if err != nil {
			return false, fmt.Errorf("photo contexts: %w", err)
		}
		member = false
		for _, id := range groupIDs {
			if id == g.ID {
				member = true
				break
			}
		}
		s.cache.PutMember(key, member)
		s.persistCache()
	}
	if member {
		s.logger.Debug("photo already in group", "photo", ref.Photo.ID, "group", g.ID)
		return false, nil
	}

	return s.post(ctx, g, ref)
}

func (s *Scheduler) post(ctx context.Context, g *pool.Group, ref *selector.PhotoRef) (bool, error) {
	if s.cfg.DryRun {
		s.logger.Info("dry-run: would post photo to group",
			"photo", ref.Photo.ID, "title", ref.Photo.Title, "group", g.ID, "name", g.Name)
		s.cooldowns.ApplyTransient(g, "posted (dry-run)")
		return true, nil
	}

	pending, err := s.flickr.AddToGroup(ctx, ref.Photo.ID, g.ID)
	if err != nil {
		var perr *flickrapi.PoolError
		if errors.As(err, &perr) {
			switch perr.Kind {
			case flickrapi.ErrLimitReached:
				s.logger.Info("group limit reached", "group", g.ID, "name", g.Name)
				s.cooldowns.ApplyFullDayRateLimit(g)
			case flickrapi.ErrNotAllowed:
				// The photo is at fault, not the group: drop the group
				// for this photo only, no cooldown.
				s.logger.Info("photo not allowed in group",
					"photo", ref.Photo.ID, "group", g.ID, "name", g.Name)
			}
			return false, nil
		}
		return false, fmt.Errorf("add photo %s to group %s: %w", ref.Photo.ID, g.ID, err)
	}

	s.logger.Info("photo posted",
		"photo", ref.Photo.ID, "title", ref.Photo.Title,
		"group", g.ID, "name", g.Name, "pending", pending)

	s.cache.PutMember(store.MemberKey{PhotoID: ref.Photo.ID, GroupID: g.ID}, true)
	s.persistCache()

	moderated := g.Moderated || pending
	if moderated {
		s.cooldowns.ApplyModeration(g, ref.Photo.ID)
	}
	if g.Throttle.Limited() {
		s.cooldowns.ApplyRateLimit(g, g.Throttle)
	} else if !moderated {
		// Keep the cadence human even where Flickr imposes no limit.
		s.cooldowns.ApplyTransient(g, "posted")
	}
	return true, nil
}

// photoInGroup is the live moderation confirmation used by the cooldown
// manager.
func (s *Scheduler) photoInGroup(ctx context.Context, photoID, groupID string) (bool, error) {
	groupIDs, err := s.flickr.PhotoGroups(ctx, photoID)
	if err != nil {
		return false, err
	}
	for _, id := range groupIDs {
		if id == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) persistCooldowns(rate map[string]cooldown.RateLimit, moderated map[string]cooldown.Moderation) {
	if err := s.store.SaveCooldowns(rate, moderated); err != nil {
		s.logger.Warn("cooldown history not persisted", "error", err)
	}
}

func (s *Scheduler) persistCache() {
	if err := s.store.SaveCache(s.cache); err != nil {
		s.logger.Warn("cache not persisted", "error", err)
	}
}

// sleep pauses for d or until the context is cancelled.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
