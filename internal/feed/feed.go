// Package feed renders the aggregated star stream as RSS and serves the
// embedded HTML front page.
package feed

import (
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/feeds"

	"github.com/followstars/followstars/internal/store"
)

const (
	channelTitle       = "GitHub Followings Stars"
	channelLink        = "https://github.com"
	channelDescription = "Aggregated feed of repositories starred by the accounts you follow on GitHub."
)

// GUID returns the stable non-permalink identity of one star event.
func GUID(login, repoFullName string, starredAt time.Time) string {
	return fmt.Sprintf("github-star://%s/%s/%s", login, repoFullName, starredAt.UTC().Format(time.RFC3339))
}

// BuildRSS renders rows as an RSS 2.0 document, newest star first. now is
// the channel timestamp fallback when there are no items.
func BuildRSS(rows []store.FeedRow, now time.Time) (string, error) {
	sorted := make([]store.FeedRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StarredAt.After(sorted[j].StarredAt)
	})

	updated := now.UTC()
	if len(sorted) > 0 {
		updated = sorted[0].StarredAt.UTC()
	}

	f := &feeds.Feed{
		Title:       channelTitle,
		Link:        &feeds.Link{Href: channelLink},
		Description: channelDescription,
		Updated:     updated,
	}

	for _, row := range sorted {
		desc := fmt.Sprintf("Starred by https://github.com/%s", row.Login)
		if row.RepoDescription != "" {
			desc = row.RepoDescription + "\n" + desc
		}
		f.Items = append(f.Items, &feeds.Item{
			Title:       fmt.Sprintf("%s starred %s", row.Login, row.RepoFullName),
			Link:        &feeds.Link{Href: row.RepoHTMLURL},
			Description: desc,
			Id:          GUID(row.Login, row.RepoFullName, row.StarredAt),
			IsPermaLink: "false",
			Created:     row.StarredAt.UTC(),
		})
	}

	rss, err := f.ToRss()
	if err != nil {
		return "", fmt.Errorf("render rss: %w", err)
	}
	return rss, nil
}
