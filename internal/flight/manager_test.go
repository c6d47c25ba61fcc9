package flight

import (
	"errors"
	"testing"
	"time"

	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

type managerFixture struct {
	loop     *Loop
	clock    *ManualClock
	renderer *recordingRenderer
	observer *recordingObserver
	manager  *Manager
}

func newManagerFixture(opts ...Option) *managerFixture {
	l, c := newTestLoop()
	f := &managerFixture{
		loop:     l,
		clock:    c,
		renderer: &recordingRenderer{},
		observer: &recordingObserver{},
	}
	opts = append([]Option{WithRenderer(f.renderer), WithObserver(f.observer)}, opts...)
	f.manager = NewManager(l, c, testPaths, logger.NewNop(), opts...)
	return f
}

func (f *managerFixture) step(d time.Duration) {
	step(f.loop, f.clock, d)
}

func TestManagerRoundTrip(t *testing.T) {
	f := newManagerFixture()
	plane := NewResource("SE-ABC", "Bingo Buzzer", 0)
	route := Route{ID: "A-B", From: "A", To: "B"}

	fl, err := f.manager.Spawn(route, plane, 5) // 2 s per leg
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !plane.IsAssigned() {
		t.Fatal("resource not assigned on spawn")
	}
	if owner, _ := plane.AssignedFlight(); owner != fl.ID {
		t.Fatalf("resource bound to %s, want %s", owner, fl.ID)
	}
	if len(f.observer.spawned) != 1 {
		t.Fatalf("expected spawn notification")
	}

	f.step(time.Second)
	if got := f.renderer.last(); got.Direction != Outbound || got.Position.X != 5 || got.Bearing != 90 {
		t.Fatalf("unexpected outbound snapshot %+v", got)
	}

	f.step(time.Second) // outbound completes, return leg queued
	if f.manager.Len() != 1 {
		t.Fatalf("flight should still be active for the return leg")
	}
	view, _ := f.manager.Flight(fl.ID)
	if view.Direction != Return || view.Legs != 1 {
		t.Fatalf("expected return leg after one completed leg, got %+v", view)
	}
	if !plane.IsAssigned() {
		t.Fatal("resource released before the return leg")
	}

	f.step(time.Second)
	got := f.renderer.last()
	if got.ID != fl.ID || got.Direction != Return || got.Position.X != 5 || got.Bearing != 270 {
		t.Fatalf("unexpected return snapshot %+v", got)
	}

	f.step(time.Second) // return completes
	if f.manager.Len() != 0 {
		t.Fatalf("flight still registered after round trip")
	}
	if plane.IsAssigned() {
		t.Fatal("resource not released after round trip")
	}
	if len(f.renderer.removed) != 1 || f.renderer.removed[0] != fl.ID {
		t.Fatalf("expected drawable removal, got %v", f.renderer.removed)
	}
	if len(f.observer.legs) != 2 {
		t.Fatalf("expected 2 leg notifications, got %d", len(f.observer.legs))
	}
	if len(f.observer.finished) != 1 || f.observer.finished[0].reason != FinishCompleted || f.observer.finished[0].view.Legs != 2 {
		t.Fatalf("unexpected finish notifications %+v", f.observer.finished)
	}
	if f.loop.PendingFrames() != 0 {
		t.Fatalf("frames left behind: %d", f.loop.PendingFrames())
	}
}

func TestManagerOneWay(t *testing.T) {
	f := newManagerFixture()
	if _, err := f.manager.Spawn(Route{ID: "A-C", From: "A", To: "C", OneWay: true}, nil, 10); err != nil {
		t.Fatal(err)
	}
	f.step(500 * time.Millisecond)
	if got := f.renderer.last(); got.Bearing != 0 {
		t.Fatalf("expected heading north, got %f", got.Bearing)
	}
	f.step(time.Second)
	if f.manager.Len() != 0 {
		t.Fatal("one-way flight not removed on arrival")
	}
	if len(f.observer.legs) != 1 {
		t.Fatalf("expected 1 leg, got %d", len(f.observer.legs))
	}
}

func TestManagerReturnDelay(t *testing.T) {
	f := newManagerFixture(WithReturnDelay(time.Second))
	fl, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, nil, 10) // 1 s per leg
	if err != nil {
		t.Fatal(err)
	}

	f.step(time.Second) // outbound done at t0+1, return starts at t0+2
	f.step(500 * time.Millisecond)
	got := f.renderer.last()
	if got.Direction != Return || got.Progress != 0 || got.Position.X != 10 {
		t.Fatalf("expected to wait at the destination, got %+v", got)
	}
	view, _ := f.manager.Flight(fl.ID)
	if !view.StartedAt.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("return leg should start at t0+2s, got %s", view.StartedAt)
	}

	f.step(time.Second)
	if got := f.renderer.last(); got.Progress != 0.5 {
		t.Fatalf("expected return progress 0.5, got %f", got.Progress)
	}
}

func TestManagerUnknownEndpointFailsBeforeController(t *testing.T) {
	f := newManagerFixture()
	plane := NewResource("SE-ABC", "Bingo Buzzer", 0)

	_, err := f.manager.Spawn(Route{ID: "A-X", From: "A", To: "X"}, plane, 5)
	if !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("expected ErrUnknownLocation, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if f.manager.Len() != 0 || f.loop.PendingFrames() != 0 {
		t.Fatal("controller created for an invalid route")
	}
	if plane.IsAssigned() {
		t.Fatal("resource assigned for an invalid route")
	}
	if len(f.observer.spawned) != 0 {
		t.Fatal("observer notified for an invalid route")
	}
}

func TestManagerRejectsInvalidSpeed(t *testing.T) {
	f := newManagerFixture()
	_, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, nil, 0)
	if !errors.Is(err, ErrInvalidSpeed) || !IsConfigError(err) {
		t.Fatalf("expected config error wrapping ErrInvalidSpeed, got %v", err)
	}
	if f.manager.Len() != 0 {
		t.Fatal("flight registered with invalid speed")
	}
}

func TestManagerRejectsAssignedResource(t *testing.T) {
	f := newManagerFixture()
	plane := NewResource("SE-ABC", "Bingo Buzzer", 0)
	route := Route{ID: "A-B", From: "A", To: "B"}

	if _, err := f.manager.Spawn(route, plane, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Spawn(route, plane, 5); !errors.Is(err, ErrResourceAssigned) {
		t.Fatalf("expected ErrResourceAssigned, got %v", err)
	}
	// Unbound flights on the same route are fine
	if _, err := f.manager.Spawn(route, nil, 5); err != nil {
		t.Fatalf("second flight on the same route: %v", err)
	}
	if f.manager.Len() != 2 {
		t.Fatalf("expected 2 flights, got %d", f.manager.Len())
	}
}

func TestManagerCancel(t *testing.T) {
	f := newManagerFixture()
	plane := NewResource("SE-ABC", "Bingo Buzzer", 0)
	fl, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, plane, 5)
	if err != nil {
		t.Fatal(err)
	}
	f.step(100 * time.Millisecond)

	if err := f.manager.Cancel(fl.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Cancel(fl.ID); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("expected ErrUnknownFlight on second cancel, got %v", err)
	}
	if plane.IsAssigned() {
		t.Fatal("resource not released on cancel")
	}
	if f.loop.PendingFrames() != 0 {
		t.Fatal("cancelled flight left a frame queued")
	}

	updates := len(f.renderer.updates)
	f.step(10 * time.Second)
	if len(f.renderer.updates) != updates {
		t.Fatal("cancelled flight kept rendering")
	}
	if len(f.observer.legs) != 0 {
		t.Fatal("cancelled flight completed a leg")
	}
	if f.observer.finished[0].reason != FinishCancelled {
		t.Fatalf("expected cancelled, got %s", f.observer.finished[0].reason)
	}
}

func TestManagerCancelAll(t *testing.T) {
	f := newManagerFixture()
	planes := []*Resource{NewResource("p1", "m", 0), NewResource("p2", "m", 0)}
	for _, p := range planes {
		if _, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, p, 5); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.manager.Spawn(Route{ID: "A-C", From: "A", To: "C"}, nil, 5); err != nil {
		t.Fatal(err)
	}

	if n := f.manager.CancelAll(); n != 3 {
		t.Fatalf("expected 3 cancelled, got %d", n)
	}
	if f.manager.Len() != 0 || f.loop.PendingFrames() != 0 {
		t.Fatal("registry or frame queue not empty after CancelAll")
	}
	for _, p := range planes {
		if p.IsAssigned() {
			t.Fatalf("resource %s still assigned", p.ID)
		}
	}
}

func TestManagerRenderErrorAbortsAndReleases(t *testing.T) {
	f := newManagerFixture()
	plane := NewResource("SE-ABC", "Bingo Buzzer", 0)
	if _, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, plane, 5); err != nil {
		t.Fatal(err)
	}

	f.renderer.failing = errors.New("hub closed")
	f.step(100 * time.Millisecond)

	if f.manager.Len() != 0 {
		t.Fatal("flight still active after render failure")
	}
	if plane.IsAssigned() {
		t.Fatal("resource not released after render failure")
	}
	if len(f.observer.finished) != 1 || f.observer.finished[0].reason != FinishAborted {
		t.Fatalf("expected aborted finish, got %+v", f.observer.finished)
	}
}

func TestManagerFlightIDsAreUniqueAndOrdered(t *testing.T) {
	f := newManagerFixture()
	for i := 0; i < 5; i++ {
		fl, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, nil, 5)
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			if err := f.manager.Cancel(fl.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
	fl, _ := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, nil, 5)
	if fl.ID != 6 {
		t.Fatalf("IDs must never be reused, got %s", fl.ID)
	}

	views := f.manager.Flights()
	if len(views) != 5 {
		t.Fatalf("expected 5 flights, got %d", len(views))
	}
	for i := 1; i < len(views); i++ {
		if views[i].ID <= views[i-1].ID {
			t.Fatalf("flights not ordered by ID: %v", views)
		}
	}
}

func TestManagerMagneticBearingOnlyForGeodesic(t *testing.T) {
	geoPaths := resolverFunc(func(from, to string) (*geo.Path, error) {
		return geo.NewGeodesicPath(geo.LonLat(18, 59), geo.LonLat(12, 57), 10), nil
	})
	l, c := newTestLoop()
	r := &recordingRenderer{}
	m := NewManager(l, c, geoPaths, logger.NewNop(), WithRenderer(r),
		WithMagneticBearing(func(_ geo.Point, b float64, _ time.Time) float64 { return b - 5 }))

	if _, err := m.Spawn(Route{ID: "x", From: "a", To: "b"}, nil, 100); err != nil {
		t.Fatal(err)
	}
	step(l, c, 100*time.Millisecond)
	s := r.last()
	if s.MagneticBearing == nil || *s.MagneticBearing != s.Bearing-5 {
		t.Fatalf("expected magnetic bearing, got %+v", s)
	}

	f := newManagerFixture(WithMagneticBearing(func(geo.Point, float64, time.Time) float64 { return 0 }))
	if _, err := f.manager.Spawn(Route{ID: "A-B", From: "A", To: "B"}, nil, 5); err != nil {
		t.Fatal(err)
	}
	f.step(100 * time.Millisecond)
	if f.renderer.last().MagneticBearing != nil {
		t.Fatal("scene flights must not carry a magnetic bearing")
	}
}

type resolverFunc func(from, to string) (*geo.Path, error)

func (fn resolverFunc) ResolvePath(from, to string) (*geo.Path, error) { return fn(from, to) }
