package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/followstars/followstars/internal/buildinfo"
	"github.com/followstars/followstars/internal/feed"
	"github.com/followstars/followstars/internal/queryservice"
	"github.com/followstars/followstars/internal/store"
)

// StarItem is one star event as rendered by GET /api/stars.
type StarItem struct {
	Login           string    `json:"login"`
	RepoFullName    string    `json:"repo_full_name"`
	RepoDescription string    `json:"repo_description,omitempty"`
	RepoLanguage    string    `json:"repo_language,omitempty"`
	RepoTopics      []string  `json:"repo_topics,omitempty"`
	RepoHTMLURL     string    `json:"repo_html_url"`
	StarredAt       time.Time `json:"starred_at"`
	FetchedAt       time.Time `json:"fetched_at"`
	ActivityTier    string    `json:"activity_tier,omitempty"`
}

// StarsMeta carries pagination and validator metadata alongside a page.
type StarsMeta struct {
	Page         int    `json:"page"`
	PageSize     int    `json:"page_size"`
	Total        int64  `json:"total"`
	HasNext      bool   `json:"has_next"`
	HasPrev      bool   `json:"has_prev"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified,omitempty"`
}

// StarsResponse is the GET /api/stars payload.
type StarsResponse struct {
	Items []StarItem `json:"items"`
	Meta  StarsMeta  `json:"meta"`
}

// Facet is one filter value with its star count.
type Facet struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// OptionsResponse is the GET /api/options payload.
type OptionsResponse struct {
	Languages []Facet    `json:"languages"`
	Activity  []Facet    `json:"activity"`
	Users     []Facet    `json:"users"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// StatusResponse is the GET /api/status payload.
type StatusResponse struct {
	Users              int64                `json:"users"`
	Stars              int64                `json:"stars"`
	LastPollStarted    *time.Time           `json:"last_poll_started,omitempty"`
	LastPollFinished   *time.Time           `json:"last_poll_finished,omitempty"`
	IsStale            bool                 `json:"is_stale"`
	NextCheckAt        map[string]time.Time `json:"next_check_at,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
	RateLimitRemaining *int64               `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     *time.Time           `json:"rate_limit_reset,omitempty"`
	Version            string               `json:"version,omitempty"`
}

func starItem(row store.FeedRow) StarItem {
	return StarItem{
		Login:           row.Login,
		RepoFullName:    row.RepoFullName,
		RepoDescription: row.RepoDescription,
		RepoLanguage:    row.RepoLanguage,
		RepoTopics:      row.RepoTopics,
		RepoHTMLURL:     row.RepoHTMLURL,
		StarredAt:       row.StarredAt,
		FetchedAt:       row.FetchedAt,
		ActivityTier:    row.ActivityTier,
	}
}

// handleStars serves the filtered, paginated star listing with weak ETag
// revalidation.
func (s *Server) handleStars(w http.ResponseWriter, r *http.Request) {
	q := queryservice.ParseQuery(r.URL.Query())
	key := q.NormalizedKey()

	entry, ok := s.stars.Get(key)
	if !ok {
		result, err := s.query.Stars(q)
		if err != nil {
			log.Printf("[api] stars query: %v", err)
			WriteError(w, http.StatusInternalServerError, "internal", "query failed")
			return
		}
		entry = buildStarsEntry(q, key, result)
		s.stars.Set(key, entry)
	}

	w.Header().Set("Cache-Control", "private, max-age=0")
	w.Header().Set("ETag", entry.etag)
	if !entry.lastModified.IsZero() {
		w.Header().Set("Last-Modified", entry.lastModified.Format(http.TimeFormat))
	}
	if noneMatchSatisfied(r.Header.Get("If-None-Match"), entry.etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	WriteJSON(w, http.StatusOK, entry.response)
}

func buildStarsEntry(q store.StarQuery, key string, result store.StarQueryResult) cachedStars {
	newest := "none"
	if !result.NewestFetchedAt.IsZero() {
		newest = fmt.Sprintf("%d", result.NewestFetchedAt.UnixMilli())
	}
	etag := weakETag("stars", fmt.Sprintf("%s|%s|%d", key, newest, result.Total))

	items := make([]StarItem, 0, len(result.Items))
	for _, row := range result.Items {
		items = append(items, starItem(row))
	}

	meta := StarsMeta{
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    result.Total,
		HasNext:  int64(q.Page*q.PageSize) < result.Total,
		HasPrev:  q.Page > 1,
		ETag:     etag,
	}
	if !result.NewestFetchedAt.IsZero() {
		meta.LastModified = result.NewestFetchedAt.Format(http.TimeFormat)
	}

	return cachedStars{
		response:     StarsResponse{Items: items, Meta: meta},
		etag:         etag,
		lastModified: result.NewestFetchedAt,
	}
}

// handleOptions serves the filter vocabulary with a fingerprint ETag.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	snap, err := s.query.Options()
	if err != nil {
		log.Printf("[api] options query: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}

	etag := weakETag("options", snap.Fingerprint())
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", etag)
	if noneMatchSatisfied(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp := OptionsResponse{
		Languages: facets(snap.Languages),
		Activity:  facets(snap.Activity),
		Users:     facets(snap.Users),
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt
		resp.UpdatedAt = &t
	}
	WriteJSON(w, http.StatusOK, resp)
}

func facets(in []store.FacetCount) []Facet {
	out := make([]Facet, 0, len(in))
	for _, f := range in {
		out = append(out, Facet{Value: f.Value, Count: f.Count})
	}
	return out
}

// handleStatus reports store totals, poller health, the rate-limit snapshot,
// and the per-tier next poll times.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	users, stars, err := s.query.Counts()
	if err != nil {
		log.Printf("[api] status counts: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}

	now := time.Now().UTC()
	snap := s.poll.Snapshot()
	resp := StatusResponse{
		Users:     users,
		Stars:     stars,
		IsStale:   s.poll.IsStale(now),
		LastError: snap.LastError,
		Version:   buildinfo.Version,
	}
	if !snap.LastCycleStarted.IsZero() {
		t := snap.LastCycleStarted
		resp.LastPollStarted = &t
	}
	if !snap.LastCycleFinished.IsZero() {
		t := snap.LastCycleFinished
		resp.LastPollFinished = &t
	}

	if rl := s.gh.RateLimitSnapshot(); !rl.Observed.IsZero() {
		remaining := rl.Remaining
		resp.RateLimitRemaining = &remaining
		if !rl.Reset.IsZero() {
			t := rl.Reset
			resp.RateLimitReset = &t
		}
	}

	if next, err := s.query.NextChecks(); err == nil {
		checks := make(map[string]time.Time)
		for tier, ts := range map[string]time.Time{
			"high":    next.High,
			"medium":  next.Medium,
			"low":     next.Low,
			"unknown": next.Unknown,
		} {
			if !ts.IsZero() {
				checks[tier] = ts
			}
		}
		if len(checks) > 0 {
			resp.NextCheckAt = checks
		}
	} else {
		log.Printf("[api] status next checks: %v", err)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", "encode failed")
		return
	}
	etag := weakETag("status", string(body))
	w.Header().Set("Cache-Control", "private, max-age=30, stale-while-revalidate=30")
	w.Header().Set("ETag", etag)
	if noneMatchSatisfied(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleFeed renders the RSS document from the newest stored events.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	rows, err := s.query.Recent(s.feedLength)
	if err != nil {
		log.Printf("[api] feed query: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	rss, err := feed.BuildRSS(rows, time.Now().UTC())
	if err != nil {
		log.Printf("[api] feed render: %v", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprint(w, rss)
}

// handleIndex serves the embedded front page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(feed.IndexHTML)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
