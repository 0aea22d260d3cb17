package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sort orders accepted by QueryStars.
const (
	SortNewest = "newest"
	SortAlpha  = "alpha"
)

// User filter modes.
const (
	UserModeAll     = "all"
	UserModePin     = "pin"
	UserModeExclude = "exclude"
)

// Pagination bounds.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// StarQuery describes one filtered, sorted, paginated view over the stars
// table. The zero value is not usable; call Normalized first.
type StarQuery struct {
	Search   string
	Language string
	Activity string
	User     string
	UserMode string
	Sort     string
	Page     int
	PageSize int
}

// Normalized returns a copy with every field trimmed, lowercased where the
// matching is case-insensitive, and clamped into its valid range.
func (q StarQuery) Normalized() StarQuery {
	q.Search = strings.TrimSpace(q.Search)
	q.Language = strings.ToLower(strings.TrimSpace(q.Language))
	q.Activity = strings.ToLower(strings.TrimSpace(q.Activity))
	q.User = strings.ToLower(strings.TrimSpace(q.User))

	switch q.UserMode {
	case UserModePin, UserModeExclude:
	default:
		q.UserMode = UserModeAll
	}
	if q.UserMode != UserModeAll && q.User == "" {
		q.UserMode = UserModeAll
	}

	switch q.Sort {
	case SortAlpha:
	default:
		q.Sort = SortNewest
	}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// NormalizedKey renders the normalized query as a stable cache key: sorted
// k=v pairs joined with ampersands. Empty optional filters are omitted.
func (q StarQuery) NormalizedKey() string {
	n := q.Normalized()

	parts := map[string]string{
		"user_mode": n.UserMode,
		"sort":      n.Sort,
		"page":      fmt.Sprintf("%d", n.Page),
		"page_size": fmt.Sprintf("%d", n.PageSize),
	}
	if n.Search != "" {
		parts["q"] = n.Search
	}
	if n.Language != "" {
		parts["language"] = n.Language
	}
	if n.Activity != "" {
		parts["activity"] = n.Activity
	}
	if n.User != "" {
		parts["user"] = n.User
	}

	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(parts[k])
	}
	return b.String()
}

// StarQueryResult is one page of filtered stars plus the aggregates the HTTP
// layer derives validators from.
type StarQueryResult struct {
	Items           []FeedRow
	Total           int64
	NewestFetchedAt time.Time
}

// buildFilter translates a normalized query into the shared WHERE clause and
// bind arguments used by the page, count, and newest queries.
func buildFilter(q StarQuery) (string, []any) {
	var clauses []string
	var args []any

	if q.Search != "" {
		needle := "%" + strings.ToLower(q.Search) + "%"
		clauses = append(clauses,
			"(lower(s.repo_full_name) LIKE ? OR lower(COALESCE(s.repo_description, '')) LIKE ?)")
		args = append(args, needle, needle)
	}
	if q.Language != "" {
		clauses = append(clauses, "lower(COALESCE(s.repo_language, '')) = ?")
		args = append(args, q.Language)
	}
	if q.Activity != "" {
		if q.Activity == "unknown" {
			clauses = append(clauses, "u.activity_tier IS NULL")
		} else {
			clauses = append(clauses, "lower(COALESCE(u.activity_tier, '')) = ?")
			args = append(args, q.Activity)
		}
	}
	if q.User != "" {
		switch q.UserMode {
		case UserModePin:
			clauses = append(clauses, "LOWER(u.login) = ?")
			args = append(args, q.User)
		case UserModeExclude:
			clauses = append(clauses, "LOWER(u.login) <> ?")
			args = append(args, q.User)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryStars runs a filtered page query. All filter matching happens in SQL;
// the result carries the total matching count and the newest fetch time for
// the same filter so validators stay consistent with the page.
func (s *Store) QueryStars(q StarQuery) (StarQueryResult, error) {
	q = q.Normalized()
	where, args := buildFilter(q)

	orderBy := "ORDER BY s.fetched_at DESC, s.id DESC"
	if q.Sort == SortAlpha {
		orderBy = "ORDER BY LOWER(s.repo_full_name) ASC, s.fetched_at DESC, s.id DESC"
	}

	offset := (q.Page - 1) * q.PageSize
	pageSQL := `SELECT u.login, s.repo_full_name, s.repo_description, s.repo_language, s.repo_topics,
	       s.repo_html_url, s.starred_at, s.fetched_at, u.activity_tier, s.id
	FROM stars s
	INNER JOIN users u ON u.user_id = s.user_id` + where + " " + orderBy + " LIMIT ? OFFSET ?"

	pageArgs := append(append([]any{}, args...), q.PageSize, offset)
	rows, err := s.db.Query(pageSQL, pageArgs...)
	if err != nil {
		return StarQueryResult{}, fmt.Errorf("query stars: %w", err)
	}
	defer rows.Close()

	items, err := collectFeedRows(rows)
	if err != nil {
		return StarQueryResult{}, err
	}

	aggSQL := `SELECT COUNT(*), MAX(s.fetched_at)
	FROM stars s
	INNER JOIN users u ON u.user_id = s.user_id` + where

	var total int64
	var newest sql.NullString
	if err := s.db.QueryRow(aggSQL, args...).Scan(&total, &newest); err != nil {
		return StarQueryResult{}, fmt.Errorf("count stars: %w", err)
	}

	res := StarQueryResult{Items: items, Total: total}
	if res.NewestFetchedAt, err = parseNullTime(newest); err != nil {
		return StarQueryResult{}, err
	}
	return res, nil
}

// FacetCount pairs a facet value with how many stars carry it.
type FacetCount struct {
	Value string
	Count int64
}

// OptionsSnapshot is the filter vocabulary the UI builds its dropdowns from.
type OptionsSnapshot struct {
	Languages []FacetCount
	Activity  []FacetCount
	Users     []FacetCount
	UpdatedAt time.Time
}

// Fingerprint is a stable text rendering of the snapshot for ETag hashing.
func (o OptionsSnapshot) Fingerprint() string {
	var b strings.Builder
	for _, f := range o.Languages {
		fmt.Fprintf(&b, "l:%s=%d;", f.Value, f.Count)
	}
	for _, f := range o.Activity {
		fmt.Fprintf(&b, "a:%s=%d;", f.Value, f.Count)
	}
	for _, f := range o.Users {
		fmt.Fprintf(&b, "u:%s=%d;", f.Value, f.Count)
	}
	if !o.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "t:%s", fmtTime(o.UpdatedAt))
	}
	return b.String()
}

// QueryOptions collects the distinct facet values present in the stars table
// with their counts. Languages exclude empty values; a NULL activity tier
// surfaces as "unknown".
func (s *Store) QueryOptions() (OptionsSnapshot, error) {
	var snap OptionsSnapshot

	langs, err := s.facetQuery(
		`SELECT lower(repo_language), COUNT(*) FROM stars
		 WHERE repo_language IS NOT NULL AND repo_language <> ''
		 GROUP BY lower(repo_language)
		 ORDER BY COUNT(*) DESC, lower(repo_language) ASC`)
	if err != nil {
		return OptionsSnapshot{}, fmt.Errorf("options: languages: %w", err)
	}
	snap.Languages = langs

	activity, err := s.facetQuery(
		`SELECT COALESCE(u.activity_tier, 'unknown'), COUNT(*)
		 FROM stars s
		 INNER JOIN users u ON u.user_id = s.user_id
		 GROUP BY COALESCE(u.activity_tier, 'unknown')
		 ORDER BY COUNT(*) DESC, COALESCE(u.activity_tier, 'unknown') ASC`)
	if err != nil {
		return OptionsSnapshot{}, fmt.Errorf("options: activity: %w", err)
	}
	snap.Activity = activity

	users, err := s.facetQuery(
		`SELECT u.login, COUNT(*)
		 FROM stars s
		 INNER JOIN users u ON u.user_id = s.user_id
		 GROUP BY u.login
		 ORDER BY COUNT(*) DESC, LOWER(u.login) ASC`)
	if err != nil {
		return OptionsSnapshot{}, fmt.Errorf("options: users: %w", err)
	}
	snap.Users = users

	var newest sql.NullString
	if err := s.db.QueryRow("SELECT MAX(fetched_at) FROM stars").Scan(&newest); err != nil {
		return OptionsSnapshot{}, fmt.Errorf("options: newest: %w", err)
	}
	if snap.UpdatedAt, err = parseNullTime(newest); err != nil {
		return OptionsSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) facetQuery(query string) ([]FacetCount, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FacetCount
	for rows.Next() {
		var f FacetCount
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// NextCheckSummary reports, per activity tier, the soonest scheduled poll.
// Zero times mean no user currently sits in that tier.
type NextCheckSummary struct {
	High    time.Time
	Medium  time.Time
	Low     time.Time
	Unknown time.Time
}

// NextChecks aggregates MIN(next_check_at) grouped by tier for the status
// endpoint.
func (s *Store) NextChecks() (NextCheckSummary, error) {
	rows, err := s.db.Query(
		`SELECT COALESCE(activity_tier, 'unknown'), MIN(next_check_at)
		 FROM users
		 GROUP BY COALESCE(activity_tier, 'unknown')`)
	if err != nil {
		return NextCheckSummary{}, fmt.Errorf("next checks: %w", err)
	}
	defer rows.Close()

	var summary NextCheckSummary
	for rows.Next() {
		var tier string
		var next sql.NullString
		if err := rows.Scan(&tier, &next); err != nil {
			return NextCheckSummary{}, fmt.Errorf("next checks: scan: %w", err)
		}
		ts, err := parseNullTime(next)
		if err != nil {
			return NextCheckSummary{}, err
		}
		switch tier {
		case "high":
			summary.High = ts
		case "medium":
			summary.Medium = ts
		case "low":
			summary.Low = ts
		default:
			summary.Unknown = ts
		}
	}
	return summary, rows.Err()
}

// CountUsers returns how many followed accounts are tracked.
func (s *Store) CountUsers() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountStars returns the total number of stored star events.
func (s *Store) CountStars() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM stars").Scan(&n); err != nil {
		return 0, fmt.Errorf("count stars: %w", err)
	}
	return n, nil
}
