// Package flickrapi is the thin typed layer over the Flickr REST API:
// one method per remote operation the scheduler consumes, each executed
// through a shared retrying call wrapper. Responses are decoded into
// typed structs; loosely-typed attributes ("0"/"1" flags, numbers that
// may be absent) are parsed explicitly with documented defaults.
package flickrapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codeGROOVE-dev/retry"
	"gopkg.in/masci/flickr.v3"

	"github.com/jvverde/flickr-sub000/pool"
)

// PageSize is the photoset listing page size. The selector derives its
// page arithmetic from the same constant.
const PageSize = 250

const (
	groupsPerPage = 400
	setsPerPage   = 500
)

// User identifies the authenticated account.
type User struct {
	ID       string
	Username string
}

// GroupListing is one row of flickr.groups.pools.getGroups.
type GroupListing struct {
	ID      string
	Name    string
	Privacy int // 1 private, 2 invite-only, 3 public
}

// GroupStatus is the dynamic posting status of one group.
type GroupStatus struct {
	PhotosOK  bool
	Moderated bool
	Throttle  pool.Throttle
}

// GroupItem is the newest photo in a group's pool.
type GroupItem struct {
	PhotoID string
	OwnerID string
}

// Client calls the Flickr API on behalf of one authenticated user.
type Client struct {
	fc     *flickr.FlickrClient
	logger *slog.Logger
}

// New builds a client. OAuth tokens are mandatory: every operation the
// scheduler performs requires an authenticated session.
func New(apiKey, apiSecret, oauthToken, oauthTokenSecret string, logger *slog.Logger) (*Client, error) {
	if oauthToken == "" || oauthTokenSecret == "" {
		return nil, fmt.Errorf("OAuth tokens are required; run the auth command first")
	}
	fc := flickr.NewFlickrClient(apiKey, apiSecret)
	fc.OAuthToken = oauthToken
	fc.OAuthTokenSecret = oauthTokenSecret
	return &Client{fc: fc, logger: logger}, nil
}

// parseFlag interprets Flickr's "0"/"1" attribute strings. Anything but
// "1", including an absent attribute, is false.
func parseFlag(s string) bool {
	return s == "1"
}

// parseCount interprets a numeric attribute string. An absent or
// malformed value yields the given default.
func parseCount(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

type loginResponse struct {
	flickr.BasicResponse
	User struct {
		ID       string `xml:"id,attr"`
		Username string `xml:"username"`
	} `xml:"user"`
}

// Login checks the session and returns the authenticated user.
func (c *Client) Login(ctx context.Context) (User, error) {
	var user User
	err := c.do(ctx, "flickr.test.login", func() error {
		c.fc.Init()
		c.fc.Args.Set("method", "flickr.test.login")
		c.fc.OAuthSign()

		resp := &loginResponse{}
		if err := flickr.DoGet(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
		}
		user = User{ID: resp.User.ID, Username: resp.User.Username}
		return nil
	})
	return user, err
}

type poolGroupsResponse struct {
	flickr.BasicResponse
	Groups struct {
		Page  int `xml:"page,attr"`
		Pages int `xml:"pages,attr"`
		Group []struct {
			ID      string `xml:"id,attr"`
			NSID    string `xml:"nsid,attr"`
			Name    string `xml:"name,attr"`
			Privacy string `xml:"privacy,attr"`
		} `xml:"group"`
	} `xml:"groups"`
}

// PoolableGroups lists every group the user may add photos to.
func (c *Client) PoolableGroups(ctx context.Context) ([]GroupListing, error) {
	var listings []GroupListing
	page := 1
	for {
		var resp poolGroupsResponse
		err := c.do(ctx, "flickr.groups.pools.getGroups", func() error {
			c.fc.Init()
			c.fc.Args.Set("method", "flickr.groups.pools.getGroups")
			c.fc.Args.Set("per_page", strconv.Itoa(groupsPerPage))
			c.fc.Args.Set("page", strconv.Itoa(page))
			c.fc.OAuthSign()

			resp = poolGroupsResponse{}
			if err := flickr.DoGet(c.fc, &resp); err != nil {
				return err
			}
			if resp.HasErrors() {
				return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list groups page %d: %w", page, err)
		}

		for _, g := range resp.Groups.Group {
			id := g.ID
			if id == "" {
				id = g.NSID
			}
			listings = append(listings, GroupListing{
				ID:      id,
				Name:    g.Name,
				Privacy: parseCount(g.Privacy, 0),
			})
		}
		if page >= resp.Groups.Pages {
			break
		}
		page++
	}
	return listings, nil
}

type groupInfoResponse struct {
	flickr.BasicResponse
	Group struct {
		Moderated string `xml:"ispoolmoderated,attr"`
		Throttle  struct {
			Count     string `xml:"count,attr"`
			Mode      string `xml:"mode,attr"`
			Remaining string `xml:"remaining,attr"`
		} `xml:"throttle"`
		Restrictions struct {
			PhotosOK string `xml:"photos_ok,attr"`
		} `xml:"restrictions"`
	} `xml:"group"`
}

// GroupInfo fetches the posting rules of one group. An absent throttle
// mode means the group is unthrottled.
func (c *Client) GroupInfo(ctx context.Context, groupID string) (GroupStatus, error) {
	var status GroupStatus
	err := c.do(ctx, "flickr.groups.getInfo", func() error {
		c.fc.Init()
		c.fc.Args.Set("method", "flickr.groups.getInfo")
		c.fc.Args.Set("group_id", groupID)
		c.fc.OAuthSign()

		resp := &groupInfoResponse{}
		if err := flickr.DoGet(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
		}

		mode := resp.Group.Throttle.Mode
		if mode == "" {
			mode = pool.ThrottleNone
		}
		status = GroupStatus{
			PhotosOK:  parseFlag(resp.Group.Restrictions.PhotosOK),
			Moderated: parseFlag(resp.Group.Moderated),
			Throttle: pool.Throttle{
				Mode:      mode,
				Count:     parseCount(resp.Group.Throttle.Count, 0),
				Remaining: parseCount(resp.Group.Throttle.Remaining, 0),
			},
		}
		return nil
	})
	if err != nil {
		return GroupStatus{}, fmt.Errorf("group info %s: %w", groupID, err)
	}
	return status, nil
}

type photosetsResponse struct {
	flickr.BasicResponse
	Photosets struct {
		Page     int `xml:"page,attr"`
		Pages    int `xml:"pages,attr"`
		Photoset []struct {
			ID     string `xml:"id,attr"`
			Photos string `xml:"photos,attr"`
			Videos string `xml:"videos,attr"`
			Title  string `xml:"title"`
		} `xml:"photoset"`
	} `xml:"photosets"`
}

// Photosets lists all of the user's photosets with their item counts.
func (c *Client) Photosets(ctx context.Context, userID string) ([]pool.Photoset, error) {
	var sets []pool.Photoset
	page := 1
	for {
		var resp photosetsResponse
		err := c.do(ctx, "flickr.photosets.getList", func() error {
			c.fc.Init()
			c.fc.Args.Set("method", "flickr.photosets.getList")
			c.fc.Args.Set("user_id", userID)
			c.fc.Args.Set("per_page", strconv.Itoa(setsPerPage))
			c.fc.Args.Set("page", strconv.Itoa(page))
			c.fc.OAuthSign()

			resp = photosetsResponse{}
			if err := flickr.DoGet(c.fc, &resp); err != nil {
				return err
			}
			if resp.HasErrors() {
				return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list photosets page %d: %w", page, err)
		}

		for _, s := range resp.Photosets.Photoset {
			sets = append(sets, pool.Photoset{
				ID:         s.ID,
				Title:      s.Title,
				PhotoCount: parseCount(s.Photos, 0) + parseCount(s.Videos, 0),
			})
		}
		if page >= resp.Photosets.Pages {
			break
		}
		page++
	}
	return sets, nil
}

type photosetPageResponse struct {
	flickr.BasicResponse
	Photoset struct {
		Page  int `xml:"page,attr"`
		Pages int `xml:"pages,attr"`
		Photo []struct {
			ID        string `xml:"id,attr"`
			Title     string `xml:"title,attr"`
			DateTaken string `xml:"datetaken,attr"`
		} `xml:"photo"`
	} `xml:"photoset"`
}

// PhotosetPage fetches one page (PageSize items) of a photoset, with
// taken dates.
func (c *Client) PhotosetPage(ctx context.Context, setID string, page int) ([]pool.Photo, error) {
	var photos []pool.Photo
	err := c.do(ctx, "flickr.photosets.getPhotos", func() error {
		c.fc.Init()
		c.fc.Args.Set("method", "flickr.photosets.getPhotos")
		c.fc.Args.Set("photoset_id", setID)
		c.fc.Args.Set("extras", "date_taken")
		c.fc.Args.Set("per_page", strconv.Itoa(PageSize))
		c.fc.Args.Set("page", strconv.Itoa(page))
		c.fc.OAuthSign()

		resp := &photosetPageResponse{}
		if err := flickr.DoGet(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
		}

		photos = photos[:0]
		for _, p := range resp.Photoset.Photo {
			photos = append(photos, pool.Photo{
				ID:        p.ID,
				Title:     p.Title,
				DateTaken: p.DateTaken,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("photoset %s page %d: %w", setID, page, err)
	}
	return photos, nil
}

type contextsResponse struct {
	flickr.BasicResponse
	Pools []struct {
		ID string `xml:"id,attr"`
	} `xml:"pool"`
}

// PhotoGroups returns the IDs of every group pool the photo is
// currently in.
func (c *Client) PhotoGroups(ctx context.Context, photoID string) ([]string, error) {
	var groups []string
	err := c.do(ctx, "flickr.photos.getAllContexts", func() error {
		c.fc.Init()
		c.fc.Args.Set("method", "flickr.photos.getAllContexts")
		c.fc.Args.Set("photo_id", photoID)
		c.fc.OAuthSign()

		resp := &contextsResponse{}
		if err := flickr.DoGet(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
		}

		groups = groups[:0]
		for _, p := range resp.Pools {
			groups = append(groups, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("photo contexts %s: %w", photoID, err)
	}
	return groups, nil
}

// AddToGroup submits a photo to a group pool. The returned pending flag
// is true when the photo landed in the group's moderation queue, which
// counts as success. Limit-reached and content-not-allowed outcomes
// come back as a *PoolError without burning retries; other failures are
// retried and, if persistent, returned as plain errors.
func (c *Client) AddToGroup(ctx context.Context, photoID, groupID string) (pending bool, err error) {
	err = c.do(ctx, "flickr.groups.pools.add", func() error {
		c.fc.Init()
		c.fc.HTTPVerb = "POST"
		c.fc.Args.Set("method", "flickr.groups.pools.add")
		c.fc.Args.Set("photo_id", photoID)
		c.fc.Args.Set("group_id", groupID)
		c.fc.OAuthSign()

		resp := &flickr.BasicResponse{}
		if err := flickr.DoPost(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			msg := resp.ErrorMsg()
			if isPendingQueue(msg) {
				pending = true
				return nil
			}
			if perr := classifyPoolError(groupID, msg); perr != nil {
				return retry.Unrecoverable(perr)
			}
			return fmt.Errorf("flickr API error: %s", msg)
		}
		return nil
	})
	return pending, err
}

type groupPoolResponse struct {
	flickr.BasicResponse
	Photos struct {
		Photo []struct {
			ID    string `xml:"id,attr"`
			Owner string `xml:"owner,attr"`
		} `xml:"photo"`
	} `xml:"photos"`
}

// LatestInGroup returns the newest photo in a group's pool, or nil when
// the pool is empty.
func (c *Client) LatestInGroup(ctx context.Context, groupID string) (*GroupItem, error) {
	var item *GroupItem
	err := c.do(ctx, "flickr.groups.pools.getPhotos", func() error {
		c.fc.Init()
		c.fc.Args.Set("method", "flickr.groups.pools.getPhotos")
		c.fc.Args.Set("group_id", groupID)
		c.fc.Args.Set("per_page", "1")
		c.fc.Args.Set("page", "1")
		c.fc.OAuthSign()

		resp := &groupPoolResponse{}
		if err := flickr.DoGet(c.fc, resp); err != nil {
			return err
		}
		if resp.HasErrors() {
			return fmt.Errorf("flickr API error: %s", resp.ErrorMsg())
		}

		item = nil
		if len(resp.Photos.Photo) > 0 {
			p := resp.Photos.Photo[0]
			item = &GroupItem{PhotoID: p.ID, OwnerID: p.Owner}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group pool %s: %w", groupID, err)
	}
	return item, nil
}
