// Package selector picks one photo uniformly at random from the
// photosets matched at startup. The walk is exhaustive without
// replacement on three levels (set, page, index), so one call never
// revisits a triple, always terminates, and no reachable photo is
// structurally excluded.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jvverde/flickr-sub000/flickrapi"
	"github.com/jvverde/flickr-sub000/pool"
	"github.com/jvverde/flickr-sub000/store"
)

// PageSource fetches one page of a photoset listing.
type PageSource interface {
	PhotosetPage(ctx context.Context, setID string, page int) ([]pool.Photo, error)
}

// PhotoRef is a selected photo together with the photoset it came from.
type PhotoRef struct {
	Photo pool.Photo
	SetID string
}

// Selector draws random photos, going to Flickr only when the page
// cache cannot answer.
type Selector struct {
	source       PageSource
	cache        *store.Cache
	persistCache func()
	rng          *rand.Rand
	logger       *slog.Logger
}

// New builds a selector. persistCache is called after every cache
// write-back and may be nil.
func New(source PageSource, cache *store.Cache, persistCache func(), rng *rand.Rand, logger *slog.Logger) *Selector {
	return &Selector{
		source:       source,
		cache:        cache,
		persistCache: persistCache,
		rng:          rng,
		logger:       logger,
	}
}

// Select returns a random photo taken on or after ageCutoff (zero
// cutoff accepts everything), or nil when every candidate pool is
// exhausted with nothing acceptable. A failed page fetch abandons the
// photoset it belongs to and only that one; the only error Select
// itself reports is context cancellation.
func (s *Selector) Select(ctx context.Context, sets []pool.Photoset, ageCutoff time.Time) (*PhotoRef, error) {
	working := make([]pool.Photoset, len(sets))
	copy(working, sets)

	for len(working) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		i := s.rng.Intn(len(working))
		set := working[i]
		working[i] = working[len(working)-1]
		working = working[:len(working)-1]

		if set.PhotoCount <= 0 {
			continue
		}
		ref, err := s.walkSet(ctx, set, ageCutoff)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return nil, nil
}

// walkSet draws pages of one photoset without replacement. It returns
// nil (and no error) when the set is exhausted or had to be abandoned
// after a fetch failure.
func (s *Selector) walkSet(ctx context.Context, set pool.Photoset, ageCutoff time.Time) (*PhotoRef, error) {
	nPages := (set.PhotoCount + flickrapi.PageSize - 1) / flickrapi.PageSize
	pages := make([]int, nPages)
	for i := range pages {
		pages[i] = i + 1
	}

	for len(pages) > 0 {
		i := s.rng.Intn(len(pages))
		page := pages[i]
		pages[i] = pages[len(pages)-1]
		pages = pages[:len(pages)-1]

		photos, err := s.fetchPage(ctx, set.ID, page)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			s.logger.Warn("page fetch failed, abandoning photoset",
				"set", set.ID, "title", set.Title, "page", page, "error", err)
			return nil, nil
		}
		if len(photos) == 0 {
			continue
		}
		if ref := s.pickFromPage(set.ID, photos, ageCutoff); ref != nil {
			return ref, nil
		}
	}
	return nil, nil
}

func (s *Selector) fetchPage(ctx context.Context, setID string, page int) ([]pool.Photo, error) {
	key := store.PageKey{SetID: setID, Page: page}
	if photos, ok := s.cache.Page(key); ok {
		return photos, nil
	}
	photos, err := s.source.PhotosetPage(ctx, setID, page)
	if err != nil {
		return nil, err
	}
	s.cache.PutPage(key, photos)
	if s.persistCache != nil {
		s.persistCache()
	}
	return photos, nil
}

// pickFromPage draws indices of one fetched page without replacement,
// returning the first photo that passes the age filter. Photos whose
// taken date does not parse are accepted: an unreadable date is no
// reason to keep a photo out of circulation.
func (s *Selector) pickFromPage(setID string, photos []pool.Photo, ageCutoff time.Time) *PhotoRef {
	indices := make([]int, len(photos))
	for i := range indices {
		indices[i] = i
	}

	for len(indices) > 0 {
		i := s.rng.Intn(len(indices))
		idx := indices[i]
		indices[i] = indices[len(indices)-1]
		indices = indices[:len(indices)-1]

		photo := photos[idx]
		if !ageCutoff.IsZero() {
			if taken, ok := photo.TakenTime(); ok && taken.Before(ageCutoff) {
				continue
			}
		}
		return &PhotoRef{Photo: photo, SetID: setID}
	}
	return nil
}
