// Package store persists the scheduler's three datasets (group
// directory, cooldown history and the photo/membership cache) as
// independent human-readable JSON files. Persistence is advisory: a
// missing or corrupt file is a cold start, never an error, and a failed
// write leaves the in-memory state authoritative for the rest of the
// run.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jvverde/flickr-sub000/cooldown"
	"github.com/jvverde/flickr-sub000/pool"
)

// Store reads and writes the three JSON documents.
type Store struct {
	groupsPath    string
	cooldownsPath string
	cachePath     string
	logger        *slog.Logger
}

// New returns a store over the given file paths. Any path may be empty,
// in which case its load returns no data and its save is a no-op.
func New(groupsPath, cooldownsPath, cachePath string, logger *slog.Logger) *Store {
	return &Store{
		groupsPath:    groupsPath,
		cooldownsPath: cooldownsPath,
		cachePath:     cachePath,
		logger:        logger,
	}
}

type groupsDoc struct {
	Groups      []*pool.Group `json:"groups"`
	RefreshedAt int64         `json:"refreshed_at"`
}

type cooldownsDoc struct {
	Moderated map[string]cooldown.Moderation `json:"moderated"`
	RateLimit map[string]cooldown.RateLimit  `json:"ratelimit"`
	Timestamp int64                          `json:"timestamp"`
}

// LoadGroups returns the persisted group directory and when it was last
// refreshed. A missing or unreadable file yields (nil, zero time).
func (s *Store) LoadGroups() ([]*pool.Group, time.Time) {
	var doc groupsDoc
	if !s.readDoc(s.groupsPath, &doc) {
		return nil, time.Time{}
	}
	var refreshed time.Time
	if doc.RefreshedAt > 0 {
		refreshed = time.Unix(doc.RefreshedAt, 0)
	}
	return doc.Groups, refreshed
}

// SaveGroups writes the group directory.
func (s *Store) SaveGroups(groups []*pool.Group, refreshedAt time.Time) error {
	return s.writeDoc(s.groupsPath, groupsDoc{
		Groups:      groups,
		RefreshedAt: refreshedAt.Unix(),
	})
}

// LoadCooldowns returns the persisted rate-limit and moderation maps.
// Both maps are non-nil; a missing or corrupt file yields empty maps.
func (s *Store) LoadCooldowns() (map[string]cooldown.RateLimit, map[string]cooldown.Moderation) {
	var doc cooldownsDoc
	s.readDoc(s.cooldownsPath, &doc)
	if doc.RateLimit == nil {
		doc.RateLimit = make(map[string]cooldown.RateLimit)
	}
	if doc.Moderated == nil {
		doc.Moderated = make(map[string]cooldown.Moderation)
	}
	return doc.RateLimit, doc.Moderated
}

// SaveCooldowns writes both cooldown maps.
func (s *Store) SaveCooldowns(rate map[string]cooldown.RateLimit, moderated map[string]cooldown.Moderation) error {
	return s.writeDoc(s.cooldownsPath, cooldownsDoc{
		Moderated: moderated,
		RateLimit: rate,
		Timestamp: time.Now().Unix(),
	})
}

// LoadCache returns the photo/membership cache with entries older than
// CacheTTL (relative to now) already purged. Always non-nil.
func (s *Store) LoadCache(now time.Time) *Cache {
	c := NewCache()
	if s.readDoc(s.cachePath, c) {
		c.purge(now)
	}
	return c
}

// SaveCache writes the cache file.
func (s *Store) SaveCache(c *Cache) error {
	return s.writeDoc(s.cachePath, c)
}

// CleanCache truncates the cache file to an empty document.
func (s *Store) CleanCache() error {
	return s.writeDoc(s.cachePath, NewCache())
}

// readDoc loads one JSON document under a shared lock. It returns false
// when there is no usable data: missing file, read failure or corrupt
// JSON. Only the missing-file case is silent; the others are logged.
func (s *Store) readDoc(path string, v any) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cannot open state file", "path", path, "error", err)
		}
		return false
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		s.logger.Warn("cannot lock state file for reading", "path", path, "error", err)
		return false
	}
	data, err := io.ReadAll(f)
	if uerr := unlock(f); uerr != nil {
		s.logger.Warn("cannot unlock state file", "path", path, "error", uerr)
	}
	if err != nil {
		s.logger.Warn("cannot read state file", "path", path, "error", err)
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("state file is not valid JSON, treating as empty",
			"path", path, "error", err)
		return false
	}
	return true
}

// writeDoc saves one JSON document under an exclusive lock. The file is
// truncated only after the lock is held, so shared-lock readers never
// see a half-written document.
func (s *Store) writeDoc(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error("cannot encode state file", "path", path, "error", err)
		return fmt.Errorf("encode %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Error("cannot open state file for writing", "path", path, "error", err)
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		s.logger.Error("cannot lock state file for writing", "path", path, "error", err)
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() {
		if err := unlock(f); err != nil {
			s.logger.Warn("cannot unlock state file", "path", path, "error", err)
		}
	}()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		s.logger.Error("cannot write state file", "path", path, "error", err)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
