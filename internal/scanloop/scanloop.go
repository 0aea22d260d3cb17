// Package scanloop provides the shared timer loop used by the background
// poller and the maintenance runner.
package scanloop

import (
	"math/rand"
	"time"
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)). A jitterRange of
// zero yields a fixed cadence.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int63n(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
