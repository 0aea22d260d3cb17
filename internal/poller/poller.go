// Package poller owns the background polling loop and its health snapshot.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/followstars/followstars/internal/scanloop"
)

// CycleFunc runs one polling cycle.
type CycleFunc func(ctx context.Context) error

// Poller repeatedly runs a cycle on a fixed refresh interval and tracks when
// the last one started, finished, and how it went.
type Poller struct {
	refresh time.Duration
	run     CycleFunc

	mu       sync.RWMutex
	started  time.Time
	finished time.Time
	lastErr  string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Snapshot is a point-in-time view of the loop's health.
type Snapshot struct {
	LastCycleStarted  time.Time
	LastCycleFinished time.Time
	LastError         string
}

// New builds a poller that invokes run every refresh interval.
func New(refresh time.Duration, run CycleFunc) *Poller {
	return &Poller{
		refresh: refresh,
		run:     run,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the loop. The first cycle fires after one refresh interval;
// callers wanting an immediate cycle run one before starting.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.Run(p.stopCh, p.refresh, 0, p.runOnce)
	}()
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// RunOnce executes a single cycle synchronously, updating the snapshot the
// same way the background loop does.
func (p *Poller) RunOnce(ctx context.Context) error {
	return p.cycle(ctx)
}

func (p *Poller) runOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.cycle(ctx); err != nil {
		log.Printf("[poller] cycle failed: %v", err)
	}
}

func (p *Poller) cycle(ctx context.Context) error {
	now := time.Now().UTC()
	p.mu.Lock()
	p.started = now
	p.mu.Unlock()

	err := p.run(ctx)

	p.mu.Lock()
	p.finished = time.Now().UTC()
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
	}
	p.mu.Unlock()
	return err
}

// Snapshot returns the loop's current health view.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		LastCycleStarted:  p.started,
		LastCycleFinished: p.finished,
		LastError:         p.lastErr,
	}
}

// IsStale reports whether the last completed cycle is older than twice the
// refresh interval. A loop that has not completed a cycle yet is not stale.
func (p *Poller) IsStale(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.finished.IsZero() {
		return false
	}
	return now.Sub(p.finished) > 2*p.refresh
}
