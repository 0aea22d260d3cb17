// Package maintenance runs scheduled database upkeep.
package maintenance

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner fires a maintenance function on a standard cron schedule.
type Runner struct {
	schedule cron.Schedule
	fn       func() error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New parses a five-field cron expression and builds a runner around fn.
func New(spec string, fn func() error) (*Runner, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &Runner{
		schedule: schedule,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the schedule loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

// Stop signals the loop and waits for any in-flight run to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop() {
	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		started := time.Now()
		if err := r.fn(); err != nil {
			log.Printf("[maintenance] run failed: %v", err)
			continue
		}
		log.Printf("[maintenance] run completed in %s", time.Since(started).Round(time.Millisecond))
	}
}
