package queryservice

import (
	"net/url"
	"testing"

	"github.com/followstars/followstars/internal/store"
)

func TestParseQueryDefaults(t *testing.T) {
	q := ParseQuery(url.Values{})
	if q.Page != 1 || q.PageSize != store.DefaultPageSize {
		t.Fatalf("pagination = (%d, %d), want (1, %d)", q.Page, q.PageSize, store.DefaultPageSize)
	}
	if q.Sort != store.SortNewest {
		t.Fatalf("sort = %q, want newest", q.Sort)
	}
	if q.UserMode != store.UserModeAll {
		t.Fatalf("user mode = %q, want all", q.UserMode)
	}
}

func TestParseQueryNormalizes(t *testing.T) {
	q := ParseQuery(url.Values{
		"q":         {"  Widgets  "},
		"language":  {" Go "},
		"activity":  {"HIGH"},
		"user":      {" Alice "},
		"user_mode": {"pin"},
		"sort":      {"alpha"},
		"page":      {"3"},
		"page_size": {"50"},
	})

	if q.Search != "Widgets" {
		t.Fatalf("search = %q, want trimmed original case", q.Search)
	}
	if q.Language != "go" || q.Activity != "high" || q.User != "alice" {
		t.Fatalf("filters not lowercased: %+v", q)
	}
	if q.UserMode != store.UserModePin || q.Sort != store.SortAlpha {
		t.Fatalf("mode/sort = (%q, %q)", q.UserMode, q.Sort)
	}
	if q.Page != 3 || q.PageSize != 50 {
		t.Fatalf("pagination = (%d, %d)", q.Page, q.PageSize)
	}
}

func TestParseQueryRejectsBadValues(t *testing.T) {
	q := ParseQuery(url.Values{
		"sort":      {"upside-down"},
		"user_mode": {"banish"},
		"page":      {"-4"},
		"page_size": {"9000"},
	})
	if q.Sort != store.SortNewest {
		t.Fatalf("sort = %q, want fallback newest", q.Sort)
	}
	if q.UserMode != store.UserModeAll {
		t.Fatalf("user mode = %q, want fallback all", q.UserMode)
	}
	if q.Page != 1 {
		t.Fatalf("page = %d, want clamped 1", q.Page)
	}
	if q.PageSize != store.MaxPageSize {
		t.Fatalf("page size = %d, want clamped %d", q.PageSize, store.MaxPageSize)
	}
}

func TestParseQueryDropsModeWithoutUser(t *testing.T) {
	q := ParseQuery(url.Values{"user_mode": {"exclude"}})
	if q.UserMode != store.UserModeAll {
		t.Fatalf("user mode = %q, want all when no user given", q.UserMode)
	}
}

func TestNormalizedKeyStable(t *testing.T) {
	a := ParseQuery(url.Values{"q": {"x"}, "language": {"go"}, "page": {"2"}})
	b := ParseQuery(url.Values{"language": {"Go"}, "page": {"2"}, "q": {"x"}})
	if a.NormalizedKey() != b.NormalizedKey() {
		t.Fatalf("keys differ:\n%s\n%s", a.NormalizedKey(), b.NormalizedKey())
	}
	if a.NormalizedKey() == ParseQuery(url.Values{"q": {"y"}}).NormalizedKey() {
		t.Fatal("different queries share a key")
	}
}
