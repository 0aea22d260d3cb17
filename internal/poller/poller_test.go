package poller

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunOnceRecordsSuccess(t *testing.T) {
	p := New(15*time.Minute, func(ctx context.Context) error { return nil })

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	snap := p.Snapshot()
	if snap.LastCycleStarted.IsZero() || snap.LastCycleFinished.IsZero() {
		t.Fatalf("snapshot missing timestamps: %+v", snap)
	}
	if snap.LastError != "" {
		t.Fatalf("last error = %q, want empty", snap.LastError)
	}
}

func TestRunOnceRecordsFailureThenClears(t *testing.T) {
	fail := true
	p := New(15*time.Minute, func(ctx context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})

	if err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if got := p.Snapshot().LastError; got != "boom" {
		t.Fatalf("last error = %q, want boom", got)
	}

	fail = false
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := p.Snapshot().LastError; got != "" {
		t.Fatalf("last error = %q, want cleared", got)
	}
}

func TestIsStale(t *testing.T) {
	p := New(15*time.Minute, func(ctx context.Context) error { return nil })

	now := time.Now().UTC()
	if p.IsStale(now) {
		t.Fatal("loop with no completed cycle reported stale")
	}

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if p.IsStale(now) {
		t.Fatal("fresh cycle reported stale")
	}
	if !p.IsStale(now.Add(31 * time.Minute)) {
		t.Fatal("cycle older than twice the refresh interval not reported stale")
	}
}

func TestStartStop(t *testing.T) {
	ran := make(chan struct{}, 1)
	p := New(10*time.Millisecond, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	p.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never ran a cycle")
	}
	p.Stop()
}
