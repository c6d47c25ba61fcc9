package flight

import (
	"fmt"
	"time"

	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// scenePaths resolves location IDs to straight scene paths
type scenePaths map[string]geo.Point

func (s scenePaths) ResolvePath(from, to string) (*geo.Path, error) {
	a, ok := s[from]
	if !ok {
		return nil, &ConfigError{Op: "resolve path", Err: fmt.Errorf("%w: %s", ErrUnknownLocation, from)}
	}
	b, ok := s[to]
	if !ok {
		return nil, &ConfigError{Op: "resolve path", Err: fmt.Errorf("%w: %s", ErrUnknownLocation, to)}
	}
	return geo.NewLinearPath(a, b), nil
}

var testPaths = scenePaths{
	"A": {X: 0, Y: 0},
	"B": {X: 10, Y: 0},
	"C": {X: 0, Y: 10},
}

type recordingRenderer struct {
	updates []Snapshot
	removed []FlightID
	failing error
}

func (r *recordingRenderer) Update(id FlightID, s Snapshot) error {
	if r.failing != nil {
		return r.failing
	}
	r.updates = append(r.updates, s)
	return nil
}

func (r *recordingRenderer) Remove(id FlightID) error {
	r.removed = append(r.removed, id)
	return nil
}

func (r *recordingRenderer) last() Snapshot {
	return r.updates[len(r.updates)-1]
}

type finished struct {
	view   FlightView
	reason FinishReason
}

type recordingObserver struct {
	spawned  []FlightView
	legs     []FlightView
	finished []finished
}

func (o *recordingObserver) FlightSpawned(v FlightView) { o.spawned = append(o.spawned, v) }
func (o *recordingObserver) LegCompleted(v FlightView)  { o.legs = append(o.legs, v) }
func (o *recordingObserver) FlightFinished(v FlightView, reason FinishReason) {
	o.finished = append(o.finished, finished{view: v, reason: reason})
}

// lazyScheduler never honours CancelFrame, so queued ticks are still delivered
type lazyScheduler struct {
	next   FrameID
	queued []FrameFunc
}

func (s *lazyScheduler) RequestFrame(fn FrameFunc) FrameID {
	s.next++
	s.queued = append(s.queued, fn)
	return s.next
}

func (s *lazyScheduler) CancelFrame(FrameID) {}

func (s *lazyScheduler) fire(now time.Time) {
	batch := s.queued
	s.queued = nil
	for _, fn := range batch {
		fn(now)
	}
}

func newTestLoop() (*Loop, *ManualClock) {
	clock := NewManualClock(t0)
	return NewLoop(clock, 60, logger.NewNop()), clock
}

// step advances the clock by d and runs one loop step
func step(l *Loop, c *ManualClock, d time.Duration) {
	l.Step(c.Advance(d))
}
