// Package cadence computes per-user polling intervals from observed star
// activity. The engine is pure: it never touches storage itself, and gets
// historical data through a caller-supplied closure.
package cadence

import (
	"math"
	"time"
)

// Tier buckets derived from the polling interval.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// alpha is the EMA smoothing factor. Recent gaps are weighted at 30%.
const alpha = 0.3

// State is the cadence-relevant slice of a user record before an update.
type State struct {
	IntervalMinutes int64
	StarCount       int64
	EMAMinutes      float64
	EMAValid        bool
}

// Profile is the outcome of a recompute: the new interval, its tier, and the
// updated EMA (absent while the user has fewer than three stars).
type Profile struct {
	IntervalMinutes int64
	Tier            string
	EMAMinutes      float64
	EMAValid        bool
}

// Engine holds the configured interval band. All values are minutes.
type Engine struct {
	MinInterval     int64
	MaxInterval     int64
	DefaultInterval int64
}

// Recompute derives the next polling interval for a user.
//
// gaps is the list of strictly-positive minute gaps produced by the newly
// ingested batch, in chronological order. newStarCount is the user's total
// star count after ingesting the batch. historicalAvg returns the average
// positive gap across all stored events for the user, and false when the
// user has no measurable gaps; it is consulted only when the EMA needs to be
// bootstrapped.
func (e Engine) Recompute(prev State, newStarCount int64, gaps []int64, historicalAvg func() (float64, bool)) Profile {
	minClamped := max(e.MinInterval, 1)
	maxClamped := max(e.MaxInterval, minClamped)
	fallbackDefault := clampInt(e.DefaultInterval, minClamped, maxClamped)
	minF := float64(minClamped)
	maxF := float64(maxClamped)

	interval := clampInt(prev.IntervalMinutes, minClamped, maxClamped)
	ema := prev.EMAMinutes
	emaValid := prev.EMAValid

	starCount := prev.StarCount
	for _, gap := range gaps {
		starCount++
		gapMinutes := float64(max(gap, 1))

		// Too little history to trust a moving average yet.
		if starCount < 3 {
			emaValid = false
			interval = fallbackDefault
			continue
		}

		if !emaValid {
			avg, ok := historicalAvg()
			if !ok {
				avg = float64(fallbackDefault)
			}
			ema = clampFloat(avg, minF, maxF)
			emaValid = true
		}

		ema = clampFloat(alpha*gapMinutes+(1-alpha)*ema, minF, maxF)
		interval = int64(math.Round(ema))
	}

	starCount = newStarCount
	switch {
	case starCount == 0:
		emaValid = false
		interval = maxClamped
	case starCount < 3:
		emaValid = false
		interval = fallbackDefault
	case len(gaps) == 0:
		if emaValid {
			interval = int64(math.Round(ema))
		} else if avg, ok := historicalAvg(); ok {
			ema = clampFloat(avg, minF, maxF)
			emaValid = true
			interval = int64(math.Round(ema))
		} else {
			interval = fallbackDefault
		}
	}

	interval = clampInt(interval, minClamped, maxClamped)
	return Profile{
		IntervalMinutes: interval,
		Tier:            TierFor(interval),
		EMAMinutes:      ema,
		EMAValid:        emaValid,
	}
}

// TierFor maps a polling interval onto a coarse activity bucket.
func TierFor(intervalMinutes int64) string {
	switch {
	case intervalMinutes <= 60:
		return TierHigh
	case intervalMinutes <= 24*60:
		return TierMedium
	default:
		return TierLow
	}
}

// GapMinutes computes the strictly-positive minute gaps between consecutive
// star timestamps. times must be sorted ascending. seed is the previously
// observed high-water mark; a zero seed means the first timestamp has no
// predecessor and produces no gap.
func GapMinutes(times []time.Time, seed time.Time) []int64 {
	var gaps []int64
	prev := seed
	for _, ts := range times {
		if !prev.IsZero() {
			gap := int64(ts.Sub(prev) / time.Minute)
			if gap > 0 {
				gaps = append(gaps, gap)
			}
		}
		prev = ts
	}
	return gaps
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
