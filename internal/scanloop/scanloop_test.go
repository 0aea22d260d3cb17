package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunStopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	var runs atomic.Int64

	go func() {
		Run(stopCh, 5*time.Millisecond, 0, func() { runs.Add(1) })
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("loop never ticked twice")
		case <-time.After(time.Millisecond):
		}
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestRunAppliesJitterWithinRange(t *testing.T) {
	stopCh := make(chan struct{})
	ticks := make(chan time.Time, 16)

	go Run(stopCh, 5*time.Millisecond, 5*time.Millisecond, func() {
		select {
		case ticks <- time.Now():
		default:
		}
	})
	defer close(stopCh)

	var prev time.Time
	for i := 0; i < 3; i++ {
		select {
		case ts := <-ticks:
			if !prev.IsZero() && ts.Sub(prev) < 5*time.Millisecond {
				t.Fatalf("tick gap %v below minimum interval", ts.Sub(prev))
			}
			prev = ts
		case <-time.After(2 * time.Second):
			t.Fatal("loop stalled")
		}
	}
}
