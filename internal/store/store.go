package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/followstars/followstars/internal/cadence"
)

// timeLayout is the stored timestamp format. Second precision keeps the
// lexicographic order of the TEXT columns aligned with chronological order.
const timeLayout = time.RFC3339

// Following identifies one account the authenticated user follows.
type Following struct {
	ID    int64
	Login string
}

// User is a full row of the users table. Zero-value timestamps and empty
// strings stand in for NULL columns; EMAValid marks whether ema_minutes is
// present.
type User struct {
	UserID               int64
	Login                string
	LastStarredAt        time.Time
	LastFetchedAt        time.Time
	ETag                 string
	LastModified         string
	FetchIntervalMinutes int64
	NextCheckAt          time.Time
	ActivityTier         string
	EMAMinutes           float64
	EMAValid             bool
	StarCount            int64
}

// StarEvent is one starred-repository observation to be ingested.
type StarEvent struct {
	RepoFullName    string
	RepoDescription string
	RepoLanguage    string
	RepoTopics      []string
	RepoHTMLURL     string
	StarredAt       time.Time
}

// FeedRow is the denormalized star row handed to renderers.
type FeedRow struct {
	Login           string
	RepoFullName    string
	RepoDescription string
	RepoLanguage    string
	RepoTopics      []string
	RepoHTMLURL     string
	StarredAt       time.Time
	FetchedAt       time.Time
	ActivityTier    string
	IngestSequence  int64
}

// Store is the single logical writer over the SQLite database. All mutations
// take the write mutex and run in a transaction; reads go straight to the
// WAL snapshot.
type Store struct {
	db     *sql.DB
	engine cadence.Engine

	mu sync.Mutex
}

// Open opens the database at path, applies pragmas and migrations, and
// returns a ready Store.
func Open(path string, engine cadence.Engine) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, engine: engine}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertFollowings inserts any users not seen before with a pessimistic
// initial interval and an immediately-due next check. Existing users only
// have their login refreshed.
func (s *Store) UpsertFollowings(users []Following, initialIntervalMinutes int64, now time.Time) error {
	if len(users) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert followings: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO users (user_id, login, last_starred_at, last_fetched_at, etag, last_modified,
		                    fetch_interval_minutes, next_check_at, activity_tier, ema_minutes, star_count)
		 VALUES (?, ?, NULL, NULL, NULL, NULL, ?, ?, 'low', NULL, 0)
		 ON CONFLICT(user_id) DO UPDATE SET login = excluded.login`)
	if err != nil {
		return fmt.Errorf("upsert followings: prepare: %w", err)
	}
	defer stmt.Close()

	nowStr := fmtTime(now)
	for _, u := range users {
		if _, err := stmt.Exec(u.ID, u.Login, initialIntervalMinutes, nowStr); err != nil {
			return fmt.Errorf("upsert following %s: %w", u.Login, err)
		}
	}
	return tx.Commit()
}

// DueUsers returns every user whose next check is at or before now, ordered
// by next_check_at ascending.
func (s *Store) DueUsers(now time.Time) ([]User, error) {
	rows, err := s.db.Query(
		`SELECT user_id, login, last_starred_at, last_fetched_at, etag, last_modified,
		        fetch_interval_minutes, next_check_at, activity_tier, ema_minutes, star_count
		 FROM users
		 WHERE next_check_at <= ?
		 ORDER BY next_check_at ASC`,
		fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("due users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser loads a single user row. Returns sql.ErrNoRows when absent.
func (s *Store) GetUser(userID int64) (User, error) {
	row := s.db.QueryRow(
		`SELECT user_id, login, last_starred_at, last_fetched_at, etag, last_modified,
		        fetch_interval_minutes, next_check_at, activity_tier, ema_minutes, star_count
		 FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// RecordNotModified advances last_fetched_at and reschedules the user with
// its current interval after a 304 response. Nothing else changes.
func (s *Store) RecordNotModified(userID int64, fetchedAt time.Time, intervalMinutes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := nextCheckWithJitter(fetchedAt, intervalMinutes)
	_, err := s.db.Exec(
		"UPDATE users SET last_fetched_at = ?, next_check_at = ? WHERE user_id = ?",
		fmtTime(fetchedAt), fmtTime(next), userID)
	if err != nil {
		return fmt.Errorf("record not modified for user %d: %w", userID, err)
	}
	return nil
}

// DeferUser pushes a rate-limited user's next check out by wait. A user that
// never had an interval assigned is seeded with max(1, wait in minutes) so
// the band invariant holds from then on.
func (s *Store) DeferUser(userID int64, wait time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var interval int64
	err := s.db.QueryRow(
		"SELECT COALESCE(fetch_interval_minutes, 0) FROM users WHERE user_id = ?", userID,
	).Scan(&interval)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("defer user %d: read interval: %w", userID, err)
	}

	next := now.Add(wait)
	if _, err := s.db.Exec(
		"UPDATE users SET next_check_at = ?, last_fetched_at = ? WHERE user_id = ?",
		fmtTimeCeil(next), fmtTime(now), userID); err != nil {
		return fmt.Errorf("defer user %d: %w", userID, err)
	}
	if interval == 0 {
		seed := max(int64(wait/time.Minute), 1)
		if _, err := s.db.Exec(
			"UPDATE users SET fetch_interval_minutes = ? WHERE user_id = ?",
			seed, userID); err != nil {
			return fmt.Errorf("defer user %d: seed interval: %w", userID, err)
		}
	}
	return nil
}

// InsertStarEvents ingests a batch of star events for a user, refreshes the
// cache validators, recomputes the polling cadence, and reschedules the
// user, all in one transaction. Duplicate events are silently dropped.
// Returns the newly chosen interval in minutes.
func (s *Store) InsertStarEvents(user User, events []StarEvent, fetchedAt time.Time, etag, lastModified string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("insert stars: begin: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	var gaps []int64
	if len(events) > 0 {
		inserted, err = insertBatch(tx, user.UserID, events, fetchedAt)
		if err != nil {
			return 0, err
		}

		sorted := make([]time.Time, 0, len(events))
		for _, e := range events {
			sorted = append(sorted, e.StarredAt)
		}
		sortTimes(sorted)
		gaps = cadence.GapMinutes(sorted, user.LastStarredAt)
	}

	interval, err := s.updateAfterEvents(tx, user, fetchedAt, etag, lastModified, inserted, gaps)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert stars: commit: %w", err)
	}
	return interval, nil
}

func insertBatch(tx *sql.Tx, userID int64, events []StarEvent, fetchedAt time.Time) (int64, error) {
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO stars
		   (user_id, repo_full_name, repo_description, repo_language, repo_topics, repo_html_url, starred_at, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("insert stars: prepare: %w", err)
	}
	defer stmt.Close()

	fetched := fmtTime(fetchedAt)
	var inserted int64
	var maxStarred time.Time
	for _, e := range events {
		res, err := stmt.Exec(
			userID,
			e.RepoFullName,
			nullString(e.RepoDescription),
			nullString(e.RepoLanguage),
			topicsJSON(e.RepoTopics),
			e.RepoHTMLURL,
			fmtTime(e.StarredAt),
			fetched,
		)
		if err != nil {
			return 0, fmt.Errorf("insert star %s: %w", e.RepoFullName, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert star %s: rows affected: %w", e.RepoFullName, err)
		}
		inserted += n
		if e.StarredAt.After(maxStarred) {
			maxStarred = e.StarredAt
		}
	}

	if !maxStarred.IsZero() {
		if _, err := tx.Exec(
			`UPDATE users SET last_starred_at = ?
			 WHERE user_id = ? AND (last_starred_at IS NULL OR last_starred_at < ?)`,
			fmtTime(maxStarred), userID, fmtTime(maxStarred)); err != nil {
			return 0, fmt.Errorf("advance last_starred_at for user %d: %w", userID, err)
		}
	}
	return inserted, nil
}

func (s *Store) updateAfterEvents(tx *sql.Tx, user User, fetchedAt time.Time, etag, lastModified string, inserted int64, gaps []int64) (int64, error) {
	newStarCount := user.StarCount + inserted

	var avgErr error
	historicalAvg := func() (float64, bool) {
		avg, ok, err := averageGapMinutes(tx, user.UserID)
		if err != nil {
			avgErr = err
			return 0, false
		}
		return avg, ok
	}

	profile := s.engine.Recompute(cadence.State{
		IntervalMinutes: user.FetchIntervalMinutes,
		StarCount:       user.StarCount,
		EMAMinutes:      user.EMAMinutes,
		EMAValid:        user.EMAValid,
	}, newStarCount, gaps, historicalAvg)
	if avgErr != nil {
		return 0, fmt.Errorf("historical average for user %d: %w", user.UserID, avgErr)
	}

	next := nextCheckWithJitter(fetchedAt, profile.IntervalMinutes)
	var ema any
	if profile.EMAValid {
		ema = profile.EMAMinutes
	}
	_, err := tx.Exec(
		`UPDATE users SET next_check_at = ?, fetch_interval_minutes = ?, last_fetched_at = ?,
		        etag = COALESCE(?, etag), last_modified = COALESCE(?, last_modified),
		        activity_tier = ?, ema_minutes = ?, star_count = ?
		 WHERE user_id = ?`,
		fmtTime(next), profile.IntervalMinutes, fmtTime(fetchedAt),
		nullString(etag), nullString(lastModified),
		profile.Tier, ema, newStarCount, user.UserID)
	if err != nil {
		return 0, fmt.Errorf("update cadence for user %d: %w", user.UserID, err)
	}
	return profile.IntervalMinutes, nil
}

// averageGapMinutes computes the mean of the strictly-positive minute gaps
// between consecutive stored stars of one user. Used to bootstrap the EMA;
// reads through the ingest transaction so the current batch is visible.
func averageGapMinutes(tx *sql.Tx, userID int64) (float64, bool, error) {
	rows, err := tx.Query(
		"SELECT starred_at FROM stars WHERE user_id = ? ORDER BY starred_at ASC", userID)
	if err != nil {
		return 0, false, fmt.Errorf("gap scan for user %d: %w", userID, err)
	}
	defer rows.Close()

	var prev time.Time
	var total, count int64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, false, fmt.Errorf("gap scan for user %d: %w", userID, err)
		}
		ts, err := parseTime(raw)
		if err != nil {
			return 0, false, err
		}
		if !prev.IsZero() {
			gap := int64(ts.Sub(prev) / time.Minute)
			if gap > 0 {
				total += gap
				count++
			}
		}
		prev = ts
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if count == 0 {
		return 0, false, nil
	}
	return float64(total) / float64(count), true, nil
}

// RecentEventsForFeed returns the newest star rows by fetch time, joined with
// the owning user, limited to the configured feed length.
func (s *Store) RecentEventsForFeed(limit int) ([]FeedRow, error) {
	rows, err := s.db.Query(
		`SELECT u.login, s.repo_full_name, s.repo_description, s.repo_language, s.repo_topics,
		        s.repo_html_url, s.starred_at, s.fetched_at, u.activity_tier, s.id
		 FROM stars s
		 INNER JOIN users u ON u.user_id = s.user_id
		 ORDER BY s.fetched_at DESC, s.id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return collectFeedRows(rows)
}

// Maintain runs periodic database upkeep: query-planner statistics refresh
// and a WAL checkpoint. It never deletes rows.
func (s *Store) Maintain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		"PRAGMA optimize",
		"ANALYZE",
		"PRAGMA wal_checkpoint(TRUNCATE)",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("maintain: exec %q: %w", stmt, err)
		}
	}
	return nil
}

// nextCheckWithJitter schedules the next poll interval minutes after base,
// perturbed by a uniform jitter of up to 10% (bounded to [1, 30] minutes) so
// identically-cadenced users spread out over time.
func nextCheckWithJitter(base time.Time, intervalMinutes int64) time.Time {
	if intervalMinutes <= 0 {
		return base.Add(time.Minute)
	}

	jitterCap := int64(math.Ceil(float64(intervalMinutes) * 0.1))
	if jitterCap < 1 {
		jitterCap = 1
	}
	if jitterCap > 30 {
		jitterCap = 30
	}
	jitter := rand.Int63n(2*jitterCap+1) - jitterCap

	total := max(intervalMinutes+jitter, 1)
	return base.Add(time.Duration(total) * time.Minute)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u            User
		lastStarred  sql.NullString
		lastFetched  sql.NullString
		etag         sql.NullString
		lastModified sql.NullString
		nextCheck    string
		tier         sql.NullString
		ema          sql.NullFloat64
	)
	err := row.Scan(&u.UserID, &u.Login, &lastStarred, &lastFetched, &etag, &lastModified,
		&u.FetchIntervalMinutes, &nextCheck, &tier, &ema, &u.StarCount)
	if err != nil {
		return User{}, err
	}

	if u.LastStarredAt, err = parseNullTime(lastStarred); err != nil {
		return User{}, err
	}
	if u.LastFetchedAt, err = parseNullTime(lastFetched); err != nil {
		return User{}, err
	}
	if u.NextCheckAt, err = parseTime(nextCheck); err != nil {
		return User{}, err
	}
	u.ETag = etag.String
	u.LastModified = lastModified.String
	u.ActivityTier = tier.String
	u.EMAMinutes = ema.Float64
	u.EMAValid = ema.Valid
	return u, nil
}

func collectFeedRows(rows *sql.Rows) ([]FeedRow, error) {
	var out []FeedRow
	for rows.Next() {
		var (
			r      FeedRow
			desc   sql.NullString
			lang   sql.NullString
			topics sql.NullString
			tier   sql.NullString
			sAt    string
			fAt    string
		)
		if err := rows.Scan(&r.Login, &r.RepoFullName, &desc, &lang, &topics,
			&r.RepoHTMLURL, &sAt, &fAt, &tier, &r.IngestSequence); err != nil {
			return nil, fmt.Errorf("scan star row: %w", err)
		}
		var err error
		if r.StarredAt, err = parseTime(sAt); err != nil {
			return nil, err
		}
		if r.FetchedAt, err = parseTime(fAt); err != nil {
			return nil, err
		}
		r.RepoDescription = desc.String
		r.RepoLanguage = lang.String
		r.ActivityTier = tier.String
		r.RepoTopics = parseTopics(topics)
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTopics(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var topics []string
	if err := json.Unmarshal([]byte(raw.String), &topics); err != nil {
		return nil
	}
	return topics
}

func topicsJSON(topics []string) any {
	if len(topics) == 0 {
		return nil
	}
	b, err := json.Marshal(topics)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// fmtTimeCeil rounds up to the next whole second before formatting, so a
// stored deadline is never earlier than the intended one.
func fmtTimeCeil(t time.Time) string {
	if t.Nanosecond() > 0 {
		t = t.Truncate(time.Second).Add(time.Second)
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
