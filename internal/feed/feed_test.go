package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/followstars/followstars/internal/store"
)

func TestBuildRSSOrdersNewestFirst(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []store.FeedRow{
		{Login: "alice", RepoFullName: "octo/older", RepoHTMLURL: "https://github.com/octo/older", StarredAt: base.Add(-time.Hour)},
		{Login: "bob", RepoFullName: "octo/newer", RepoHTMLURL: "https://github.com/octo/newer", StarredAt: base},
	}

	rss, err := BuildRSS(rows, base)
	if err != nil {
		t.Fatalf("build rss: %v", err)
	}

	newer := strings.Index(rss, "octo/newer")
	older := strings.Index(rss, "octo/older")
	if newer == -1 || older == -1 {
		t.Fatalf("items missing from feed:\n%s", rss)
	}
	if newer > older {
		t.Fatal("newer star rendered after older one")
	}
	if !strings.Contains(rss, "<title>GitHub Followings Stars</title>") {
		t.Fatal("channel title missing")
	}
	if !strings.Contains(rss, "bob starred octo/newer") {
		t.Fatal("item title missing")
	}
}

func TestBuildRSSGUIDStableAndNonPermalink(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []store.FeedRow{
		{Login: "alice", RepoFullName: "octo/widgets", RepoHTMLURL: "u", StarredAt: base},
	}

	rss, err := BuildRSS(rows, base)
	if err != nil {
		t.Fatalf("build rss: %v", err)
	}
	want := "github-star://alice/octo/widgets/2024-03-01T12:00:00Z"
	if !strings.Contains(rss, want) {
		t.Fatalf("guid %q missing:\n%s", want, rss)
	}
	if !strings.Contains(rss, `isPermaLink="false"`) {
		t.Fatal("guid not marked non-permalink")
	}
}

func TestBuildRSSDescriptionIncludesAttribution(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	withDesc := []store.FeedRow{{
		Login: "alice", RepoFullName: "octo/widgets", RepoHTMLURL: "u",
		RepoDescription: "widget factory", StarredAt: base,
	}}
	rss, err := BuildRSS(withDesc, base)
	if err != nil {
		t.Fatalf("build rss: %v", err)
	}
	if !strings.Contains(rss, "widget factory") {
		t.Fatal("repo description missing")
	}
	if !strings.Contains(rss, "Starred by https://github.com/alice") {
		t.Fatal("attribution line missing")
	}

	noDesc := []store.FeedRow{{
		Login: "bob", RepoFullName: "octo/bare", RepoHTMLURL: "u", StarredAt: base,
	}}
	rss, err = BuildRSS(noDesc, base)
	if err != nil {
		t.Fatalf("build rss: %v", err)
	}
	if !strings.Contains(rss, "Starred by https://github.com/bob") {
		t.Fatal("attribution-only description missing")
	}
}

func TestBuildRSSEmpty(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rss, err := BuildRSS(nil, base)
	if err != nil {
		t.Fatalf("build rss: %v", err)
	}
	if !strings.Contains(rss, channelDescription) {
		t.Fatal("channel description missing from empty feed")
	}
}

func TestIndexHTMLEmbedded(t *testing.T) {
	page := string(IndexHTML)
	if !strings.Contains(page, "api/stars") {
		t.Fatal("front page does not fetch the stars API")
	}
	if !strings.Contains(page, "feed.xml") {
		t.Fatal("front page does not link the RSS feed")
	}
}
