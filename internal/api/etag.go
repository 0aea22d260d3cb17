package api

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// weakETag renders a weak validator from a label and an arbitrary payload
// fingerprint.
func weakETag(label, payload string) string {
	return fmt.Sprintf(`W/"%s-%016x"`, label, xxh3.HashString(payload))
}

// noneMatchSatisfied reports whether an If-None-Match header matches etag.
// Uses weak comparison, and honors "*" and comma-separated candidate lists.
func noneMatchSatisfied(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
