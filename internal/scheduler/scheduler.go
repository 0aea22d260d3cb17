// Package scheduler runs polling cycles: refresh the followings list, pick
// the users whose next check is due, and fan their starred fetches out over a
// bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/followstars/followstars/internal/forge"
	"github.com/followstars/followstars/internal/store"
)

// StarFetcher is the slice of the GitHub client the scheduler needs.
type StarFetcher interface {
	FetchFollowings(ctx context.Context) ([]forge.Following, error)
	FetchStarred(ctx context.Context, login, etag, lastModified string, knownLatest time.Time) (forge.StarResult, error)
}

// Scheduler coordinates one polling cycle at a time over a shared store.
type Scheduler struct {
	store   *store.Store
	fetcher StarFetcher

	maxConcurrency  int
	initialInterval int64

	// inflight guards against double-processing a user when cycles overlap.
	inflight *xsync.MapOf[int64, struct{}]
}

// New builds a scheduler. initialInterval is the pessimistic cadence assigned
// to newly discovered users, in minutes.
func New(st *store.Store, fetcher StarFetcher, maxConcurrency int, initialInterval int64) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{
		store:           st,
		fetcher:         fetcher,
		maxConcurrency:  maxConcurrency,
		initialInterval: initialInterval,
		inflight:        xsync.NewMapOf[int64, struct{}](),
	}
}

// RunCycle executes one full polling cycle. A rate-limited followings fetch
// is retried once after the advertised wait; rate limits on individual users
// defer that user without failing the cycle. Auth and permission errors abort.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	cycle := cycleID()
	started := time.Now()

	followings, err := s.fetchFollowingsWithRetry(ctx, cycle)
	if err != nil {
		return fmt.Errorf("cycle %s: followings: %w", cycle, err)
	}

	accounts := make([]store.Following, 0, len(followings))
	for _, f := range followings {
		accounts = append(accounts, store.Following{ID: f.ID, Login: f.Login})
	}

	now := time.Now().UTC()
	if err := s.store.UpsertFollowings(accounts, s.initialInterval, now); err != nil {
		return fmt.Errorf("cycle %s: %w", cycle, err)
	}

	due, err := s.store.DueUsers(now)
	if err != nil {
		return fmt.Errorf("cycle %s: %w", cycle, err)
	}
	log.Printf("[scheduler] cycle %s: %d followed, %d due", cycle, len(followings), len(due))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

dispatch:
	for _, user := range due {
		if _, loaded := s.inflight.LoadOrStore(user.UserID, struct{}{}); loaded {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.inflight.Delete(user.UserID)
			break dispatch
		}

		wg.Add(1)
		go func(user store.User) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.inflight.Delete(user.UserID)

			if err := s.processUser(ctx, cycle, user); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			}
		}(user)
	}
	wg.Wait()

	// A worker's fatal error outranks the cancellation it triggered.
	if firstErr != nil {
		return fmt.Errorf("cycle %s: %w", cycle, firstErr)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle %s: %w", cycle, err)
	}
	log.Printf("[scheduler] cycle %s: done in %s", cycle, time.Since(started).Round(time.Millisecond))
	return nil
}

// cycleID returns a short random tag correlating one cycle's log lines. It
// tags log output, not rows, so the truncation is harmless.
func cycleID() string {
	return uuid.NewString()[:8]
}

// fetchFollowingsWithRetry fetches the followings listing. A rate-limited
// response gets one retry after the advertised wait; a second rate limit is
// returned to the caller, and the next scheduled cycle tries again.
func (s *Scheduler) fetchFollowingsWithRetry(ctx context.Context, cycle string) ([]forge.Following, error) {
	retried := false
	for {
		followings, err := s.fetcher.FetchFollowings(ctx)
		if err == nil {
			return followings, nil
		}
		rl, ok := forge.AsRateLimited(err)
		if !ok || retried {
			return nil, err
		}
		retried = true
		log.Printf("[scheduler] cycle %s: followings rate limited, waiting %s", cycle, rl.Wait)
		if err := sleepCtx(ctx, rl.Wait); err != nil {
			return nil, err
		}
	}
}

func (s *Scheduler) processUser(ctx context.Context, cycle string, user store.User) error {
	res, err := s.fetcher.FetchStarred(ctx, user.Login, user.ETag, user.LastModified, user.LastStarredAt)
	if err != nil {
		if rl, ok := forge.AsRateLimited(err); ok {
			log.Printf("[scheduler] cycle %s: %s rate limited, deferring %s", cycle, user.Login, rl.Wait)
			if err := s.store.DeferUser(user.UserID, rl.Wait, time.Now().UTC()); err != nil {
				return err
			}
			return sleepCtx(ctx, rl.Wait)
		}
		return fmt.Errorf("user %s: %w", user.Login, err)
	}

	if res.NotModified {
		return s.store.RecordNotModified(user.UserID, res.FetchedAt, user.FetchIntervalMinutes)
	}

	events := make([]store.StarEvent, 0, len(res.Events))
	for _, e := range res.Events {
		events = append(events, store.StarEvent{
			RepoFullName:    e.RepoFullName,
			RepoDescription: e.RepoDescription,
			RepoLanguage:    e.RepoLanguage,
			RepoTopics:      e.RepoTopics,
			RepoHTMLURL:     e.RepoHTMLURL,
			StarredAt:       e.StarredAt,
		})
	}

	interval, err := s.store.InsertStarEvents(user, events, res.FetchedAt, res.ETag, res.LastModified)
	if err != nil {
		return fmt.Errorf("user %s: %w", user.Login, err)
	}
	if len(events) > 0 {
		log.Printf("[scheduler] cycle %s: %s ingested %d events, next in %dm", cycle, user.Login, len(events), interval)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
