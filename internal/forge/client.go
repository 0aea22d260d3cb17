// Package forge talks to the GitHub REST API: the followings listing and the
// per-user starred-repositories endpoint, including conditional requests and
// rate-limit bookkeeping.
package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	perPage = 100

	acceptDefault = "application/vnd.github+json"
	// The star media type exposes starred_at; mercy-preview exposes topics.
	acceptStars = "application/vnd.github.star+json, application/vnd.github.mercy-preview+json"
)

// Following is one account the authenticated user follows.
type Following struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// StarEvent is one starred repository as reported by the API.
type StarEvent struct {
	RepoFullName    string
	RepoDescription string
	RepoLanguage    string
	RepoTopics      []string
	RepoHTMLURL     string
	StarredAt       time.Time
}

// StarResult is the outcome of one starred fetch for a user.
type StarResult struct {
	// NotModified is set on a 304; Events is empty and the validators are
	// the ones the caller sent.
	NotModified bool
	FetchedAt   time.Time
	// ETag and LastModified come from the first page of the listing and
	// validate the whole fetch.
	ETag         string
	LastModified string
	Events       []StarEvent
}

// RateLimit is the most recent rate-limit snapshot observed on any response.
type RateLimit struct {
	Remaining int64
	Reset     time.Time
	Observed  time.Time
}

// Client is a GitHub API client scoped to one token.
type Client struct {
	http      *http.Client
	baseURL   string
	token     string
	userAgent string

	mu sync.Mutex
	rl RateLimit
}

// New builds a client against baseURL (typically https://api.github.com).
func New(baseURL, token, userAgent string, timeout time.Duration) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		token:     token,
		userAgent: userAgent,
	}
}

// RateLimitSnapshot returns the last observed rate-limit headers. The zero
// value means no response has been seen yet.
func (c *Client) RateLimitSnapshot() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rl
}

// FetchFollowings lists every account the token's user follows, paging
// through the endpoint until a short page.
func (c *Client) FetchFollowings(ctx context.Context) ([]Following, error) {
	var all []Following
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/user/following?per_page=%d&page=%d", c.baseURL, perPage, page)
		resp, err := c.get(ctx, endpoint, acceptDefault, "", "")
		if err != nil {
			return nil, err
		}

		body, err := readBody(resp)
		if err != nil {
			return nil, fmt.Errorf("fetch followings page %d: %w", page, err)
		}

		var batch []Following
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("fetch followings page %d: decode: %w", page, err)
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// starredEntry mirrors the star+json wire shape.
type starredEntry struct {
	StarredAt time.Time `json:"starred_at"`
	Repo      struct {
		FullName    string   `json:"full_name"`
		Description string   `json:"description"`
		Language    string   `json:"language"`
		Topics      []string `json:"topics"`
		HTMLURL     string   `json:"html_url"`
	} `json:"repo"`
}

// FetchStarred lists login's starred repositories newest-first, stopping as
// soon as it reaches events at or before knownLatest. The etag and
// lastModified validators are sent on the first page only; a 304 there short
// circuits the whole fetch.
func (c *Client) FetchStarred(ctx context.Context, login, etag, lastModified string, knownLatest time.Time) (StarResult, error) {
	result := StarResult{FetchedAt: time.Now().UTC()}

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/users/%s/starred?per_page=%d&page=%d",
			c.baseURL, url.PathEscape(login), perPage, page)

		sendETag, sendModified := "", ""
		if page == 1 {
			sendETag, sendModified = etag, lastModified
		}
		resp, err := c.get(ctx, endpoint, acceptStars, sendETag, sendModified)
		if err != nil {
			return StarResult{}, err
		}

		if page == 1 {
			if resp.StatusCode == http.StatusNotModified {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				result.NotModified = true
				result.ETag = etag
				result.LastModified = lastModified
				return result, nil
			}
			result.ETag = resp.Header.Get("ETag")
			result.LastModified = resp.Header.Get("Last-Modified")
		}

		body, err := readBody(resp)
		if err != nil {
			return StarResult{}, fmt.Errorf("fetch starred %s page %d: %w", login, page, err)
		}

		var entries []starredEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return StarResult{}, fmt.Errorf("fetch starred %s page %d: decode: %w", login, page, err)
		}

		for _, e := range entries {
			if !knownLatest.IsZero() && !e.StarredAt.After(knownLatest) {
				// Listing is newest-first; everything from here on is
				// already stored.
				return result, nil
			}
			result.Events = append(result.Events, StarEvent{
				RepoFullName:    e.Repo.FullName,
				RepoDescription: e.Repo.Description,
				RepoLanguage:    e.Repo.Language,
				RepoTopics:      e.Repo.Topics,
				RepoHTMLURL:     e.Repo.HTMLURL,
				StarredAt:       e.StarredAt.UTC(),
			})
		}
		if len(entries) < perPage {
			return result, nil
		}
	}
}

// get issues one request and maps the failure statuses. A non-nil error means
// the response body is already closed.
func (c *Client) get(ctx context.Context, endpoint, accept, etag, lastModified string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	c.observeRateLimit(resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotModified:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp)
		return nil, ErrAuth
	case resp.StatusCode == http.StatusForbidden:
		retryAfter := resp.Header.Get("Retry-After")
		drain(resp)
		if secs, err := strconv.ParseInt(retryAfter, 10, 64); err == nil && secs > 0 {
			return nil, &RateLimitedError{Wait: time.Duration(secs) * time.Second}
		}
		return nil, ErrForbidden
	default:
		status := resp.StatusCode
		drain(resp)
		return nil, fmt.Errorf("github: unexpected status %d from %s", status, endpoint)
	}
}

func (c *Client) observeRateLimit(h http.Header) {
	remaining, err := strconv.ParseInt(h.Get("x-ratelimit-remaining"), 10, 64)
	if err != nil {
		return
	}
	snapshot := RateLimit{Remaining: remaining, Observed: time.Now().UTC()}
	if epoch, err := strconv.ParseInt(h.Get("x-ratelimit-reset"), 10, 64); err == nil {
		snapshot.Reset = time.Unix(epoch, 0).UTC()
	}

	c.mu.Lock()
	c.rl = snapshot
	c.mu.Unlock()
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
