package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jvverde/flickr-sub000/pool"
)

// CacheTTL is how long a cached listing or membership answer stays
// valid. Entries older than this are dropped lazily.
const CacheTTL = 30 * 24 * time.Hour

// PageKey identifies one page of one photoset listing.
type PageKey struct {
	SetID string
	Page  int
}

// MemberKey identifies one photo/group membership answer.
type MemberKey struct {
	PhotoID string
	GroupID string
}

type pageEntry struct {
	stamp  time.Time
	photos []pool.Photo
}

type memberEntry struct {
	stamp  time.Time
	member bool
}

// Cache avoids redundant remote calls for photoset pages and
// photo-in-group membership. It is never a source of truth: a miss or
// an expired entry just means the caller asks Flickr again.
type Cache struct {
	pages   map[PageKey]pageEntry
	members map[MemberKey]memberEntry

	// Now is the clock used for entry stamps and validity. Replaced in
	// tests; defaults to time.Now.
	Now func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		pages:   make(map[PageKey]pageEntry),
		members: make(map[MemberKey]memberEntry),
		Now:     time.Now,
	}
}

// Page returns the cached photo listing for a photoset page, if present
// and still valid. Expired entries are deleted on lookup.
func (c *Cache) Page(k PageKey) ([]pool.Photo, bool) {
	e, ok := c.pages[k]
	if !ok {
		return nil, false
	}
	if c.Now().Sub(e.stamp) > CacheTTL {
		delete(c.pages, k)
		return nil, false
	}
	return e.photos, true
}

// PutPage stores a photoset page listing.
func (c *Cache) PutPage(k PageKey, photos []pool.Photo) {
	c.pages[k] = pageEntry{stamp: c.Now(), photos: photos}
}

// Member returns the cached membership answer for (photo, group), if
// present and still valid.
func (c *Cache) Member(k MemberKey) (member, ok bool) {
	e, found := c.members[k]
	if !found {
		return false, false
	}
	if c.Now().Sub(e.stamp) > CacheTTL {
		delete(c.members, k)
		return false, false
	}
	return e.member, true
}

// PutMember stores a membership answer.
func (c *Cache) PutMember(k MemberKey, member bool) {
	c.members[k] = memberEntry{stamp: c.Now(), member: member}
}

// Len reports the number of live entries across both key spaces.
func (c *Cache) Len() int {
	return len(c.pages) + len(c.members)
}

// purge drops every entry older than CacheTTL relative to now.
func (c *Cache) purge(now time.Time) {
	for k, e := range c.pages {
		if now.Sub(e.stamp) > CacheTTL {
			delete(c.pages, k)
		}
	}
	for k, e := range c.members {
		if now.Sub(e.stamp) > CacheTTL {
			delete(c.members, k)
		}
	}
}

// On disk the cache is a flat JSON object. Keys are rendered as
// "page/<set>/<page>" and "member/<photo>/<group>"; the typed key
// structs above exist so the rest of the program never concatenates or
// splits these strings.

type cacheRecord struct {
	Timestamp int64        `json:"timestamp"`
	Photos    []pool.Photo `json:"photos,omitempty"`
	IsMember  *int         `json:"is_member,omitempty"`
}

// MarshalJSON renders the cache in its flat on-disk form.
func (c *Cache) MarshalJSON() ([]byte, error) {
	flat := make(map[string]cacheRecord, c.Len())
	for k, e := range c.pages {
		flat[fmt.Sprintf("page/%s/%d", k.SetID, k.Page)] = cacheRecord{
			Timestamp: e.stamp.Unix(),
			Photos:    e.photos,
		}
	}
	for k, e := range c.members {
		m := 0
		if e.member {
			m = 1
		}
		flat[fmt.Sprintf("member/%s/%s", k.PhotoID, k.GroupID)] = cacheRecord{
			Timestamp: e.stamp.Unix(),
			IsMember:  &m,
		}
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat on-disk form. Keys it does not
// recognize are skipped, not errors: the cache tolerates anything.
func (c *Cache) UnmarshalJSON(data []byte) error {
	var flat map[string]cacheRecord
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if c.pages == nil {
		c.pages = make(map[PageKey]pageEntry)
	}
	if c.members == nil {
		c.members = make(map[MemberKey]memberEntry)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	for key, rec := range flat {
		stamp := time.Unix(rec.Timestamp, 0)
		switch {
		case strings.HasPrefix(key, "page/"):
			rest := strings.TrimPrefix(key, "page/")
			i := strings.LastIndex(rest, "/")
			if i < 0 {
				continue
			}
			page, err := strconv.Atoi(rest[i+1:])
			if err != nil {
				continue
			}
			c.pages[PageKey{SetID: rest[:i], Page: page}] = pageEntry{
				stamp:  stamp,
				photos: rec.Photos,
			}
		case strings.HasPrefix(key, "member/"):
			rest := strings.TrimPrefix(key, "member/")
			i := strings.Index(rest, "/")
			if i < 0 || rec.IsMember == nil {
				continue
			}
			c.members[MemberKey{PhotoID: rest[:i], GroupID: rest[i+1:]}] = memberEntry{
				stamp:  stamp,
				member: *rec.IsMember != 0,
			}
		}
	}
	return nil
}
