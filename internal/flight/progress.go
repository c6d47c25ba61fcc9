package flight

import (
	"math"
	"time"
)

// Progress maps wall-clock time onto the fraction of a leg covered.
// Speed is in path length units per second.
type Progress struct {
	start  time.Time
	speed  float64
	length float64
}

// NewProgress creates a progress clock for a leg of the given length
func NewProgress(start time.Time, speed, length float64) Progress {
	return Progress{start: start, speed: speed, length: length}
}

// Start returns the leg start time
func (p Progress) Start() time.Time { return p.start }

// At returns clamp((now-start)*speed/length, 0, 1). A zero-length leg is always done.
func (p Progress) At(now time.Time) float64 {
	if p.length <= 0 {
		return 1
	}
	elapsed := now.Sub(p.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	f := elapsed * p.speed / p.length
	if f >= 1 || math.IsNaN(f) {
		return 1
	}
	return f
}

// Duration returns how long the leg takes at this speed
func (p Progress) Duration() time.Duration {
	if p.length <= 0 || p.speed <= 0 {
		return 0
	}
	return time.Duration(p.length / p.speed * float64(time.Second))
}
