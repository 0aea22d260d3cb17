// Package queryservice sits between the HTTP layer and the store: it parses
// request parameters into normalized queries and exposes the read-side
// operations the handlers need.
package queryservice

import (
	"net/url"
	"strconv"

	"github.com/followstars/followstars/internal/store"
)

// Service wraps a store's read side.
type Service struct {
	store *store.Store
}

// New builds a query service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// ParseQuery builds a normalized star query from URL parameters. Unknown or
// malformed values fall back to defaults rather than erroring; a filter the
// client mistyped yields the unfiltered view, not a 400.
func ParseQuery(values url.Values) store.StarQuery {
	q := store.StarQuery{
		Search:   values.Get("q"),
		Language: values.Get("language"),
		Activity: values.Get("activity"),
		User:     values.Get("user"),
		UserMode: values.Get("user_mode"),
		Sort:     values.Get("sort"),
	}
	if page, err := strconv.Atoi(values.Get("page")); err == nil {
		q.Page = page
	}
	if size, err := strconv.Atoi(values.Get("page_size")); err == nil {
		q.PageSize = size
	}
	return q.Normalized()
}

// Stars runs a filtered page query.
func (s *Service) Stars(q store.StarQuery) (store.StarQueryResult, error) {
	return s.store.QueryStars(q)
}

// Recent returns the newest rows for the RSS feed.
func (s *Service) Recent(limit int) ([]store.FeedRow, error) {
	return s.store.RecentEventsForFeed(limit)
}

// Options returns the filter vocabulary with counts.
func (s *Service) Options() (store.OptionsSnapshot, error) {
	return s.store.QueryOptions()
}

// NextChecks returns the soonest scheduled poll per activity tier.
func (s *Service) NextChecks() (store.NextCheckSummary, error) {
	return s.store.NextChecks()
}

// Counts returns the tracked user and stored star totals.
func (s *Service) Counts() (users, stars int64, err error) {
	if users, err = s.store.CountUsers(); err != nil {
		return 0, 0, err
	}
	if stars, err = s.store.CountStars(); err != nil {
		return 0, 0, err
	}
	return users, stars, nil
}
