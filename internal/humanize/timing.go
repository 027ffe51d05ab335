package humanize

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrElementNotVisible is returned when an element has no clickable box.
var ErrElementNotVisible = errors.New("element not visible or has no bounds")

// Range is an inclusive millisecond interval.
type Range struct {
	MinMs, MaxMs int
}

// Pick returns a uniformly random duration within r.
func (r Range) Pick(rng *rand.Rand) time.Duration {
	if r.MaxMs <= r.MinMs {
		return time.Duration(r.MinMs) * time.Millisecond
	}
	return time.Duration(r.MinMs+rng.Intn(r.MaxMs-r.MinMs+1)) * time.Millisecond
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
