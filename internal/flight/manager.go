package flight

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

// PathResolver turns a pair of location identities into a path.
// Unknown identities are reported as ErrUnknownLocation.
type PathResolver interface {
	ResolvePath(from, to string) (*geo.Path, error)
}

// MagneticFunc converts a true bearing at a geographic point to a magnetic one
type MagneticFunc func(at geo.Point, trueBearing float64, when time.Time) float64

// Option configures a Manager
type Option func(*Manager)

// WithRenderer sets the renderer that receives snapshots
func WithRenderer(r Renderer) Option {
	return func(m *Manager) { m.renderer = r }
}

// WithObserver adds a lifecycle observer
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithReturnDelay sets the turnaround time at the destination of a round trip
func WithReturnDelay(d time.Duration) Option {
	return func(m *Manager) { m.returnDelay = d }
}

// WithMagneticBearing adds a magnetic bearing to snapshots of geographic flights
func WithMagneticBearing(fn MagneticFunc) Option {
	return func(m *Manager) { m.magnetic = fn }
}

// Manager owns every active flight and its controller. All methods must be
// called on the loop goroutine.
type Manager struct {
	frames      FrameScheduler
	clock       Clock
	paths       PathResolver
	renderer    Renderer
	observers   []Observer
	returnDelay time.Duration
	magnetic    MagneticFunc
	logger      *logger.Logger

	nextID  FlightID
	flights map[FlightID]*Flight
}

// NewManager creates a new flight lifecycle manager
func NewManager(frames FrameScheduler, clock Clock, paths PathResolver, logger *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		frames:   frames,
		clock:    clock,
		paths:    paths,
		renderer: NopRenderer{},
		logger:   logger.Named("flights"),
		flights:  make(map[FlightID]*Flight),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn creates a flight on route, optionally bound to resource, and starts
// its outbound leg. Nothing is registered when an error is returned.
func (m *Manager) Spawn(route Route, resource *Resource, speed float64) (*Flight, error) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return nil, &ConfigError{Op: fmt.Sprintf("spawn on route %s", route.ID), Err: ErrInvalidSpeed}
	}

	path, err := m.paths.ResolvePath(route.From, route.To)
	if err != nil {
		if !IsConfigError(err) {
			err = &ConfigError{Op: fmt.Sprintf("spawn on route %s", route.ID), Err: err}
		}
		return nil, err
	}

	if resource != nil && resource.IsAssigned() {
		owner, _ := resource.AssignedFlight()
		return nil, fmt.Errorf("%w: %s is on flight %s", ErrResourceAssigned, resource.ID, owner)
	}

	m.nextID++
	f := &Flight{
		ID:        m.nextID,
		Route:     route,
		Direction: Outbound,
		Resource:  resource,
		Speed:     speed,
		Path:      path,
		outbound:  path,
	}

	ctrl, err := m.newController(f)
	if err != nil {
		return nil, err
	}
	if resource != nil {
		resource.assign(f.ID)
	}

	m.flights[f.ID] = f
	f.controller = ctrl
	ctrl.Start()
	f.StartedAt = ctrl.StartedAt()
	f.last = ctrl.PositionAt(0)

	m.logger.Info("Flight spawned",
		logger.Int64("flight", int64(f.ID)),
		logger.String("route", route.ID),
		logger.String("from", route.From),
		logger.String("to", route.To),
		logger.Float64("speed", speed),
		logger.Duration("leg_duration", ctrl.Duration()))

	view := f.view()
	for _, o := range m.observers {
		o.FlightSpawned(view)
	}
	return f, nil
}

func (m *Manager) newController(f *Flight) (*Controller, error) {
	var ctrl *Controller
	ctrl, err := NewController(f.Path, f.Speed, m.frames, m.clock, Callbacks{
		OnProgress: func(pos Position) error { return m.render(f, pos) },
		OnComplete: func() { m.onLegComplete(f.ID, ctrl) },
		OnAbort:    func(err error) { m.onAbort(f.ID, ctrl, err) },
	}, m.logger.With(logger.Int64("flight", int64(f.ID))))
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (m *Manager) render(f *Flight, pos Position) error {
	f.last = pos
	return m.renderer.Update(f.ID, m.snapshot(f, pos))
}

func (m *Manager) snapshot(f *Flight, pos Position) Snapshot {
	now := m.clock.Now()
	s := Snapshot{
		ID:        f.ID,
		RouteID:   f.Route.ID,
		Direction: f.Direction,
		Position:  pos.Point,
		Bearing:   pos.Bearing,
		Progress:  pos.Progress,
		Speed:     f.Speed,
		Timestamp: now,
	}
	if f.Resource != nil {
		s.ResourceID = f.Resource.ID
	}
	if m.magnetic != nil && f.Path.Kind() == geo.Geodesic {
		mb := m.magnetic(pos.Point, pos.Bearing, now)
		s.MagneticBearing = &mb
	}
	return s
}

// onLegComplete finishes the flight or turns it around into the return leg
func (m *Manager) onLegComplete(id FlightID, ctrl *Controller) {
	f, ok := m.flights[id]
	if !ok || f.controller != ctrl {
		return
	}

	f.Legs++
	f.last = ctrl.PositionAt(1)
	view := f.view()
	for _, o := range m.observers {
		o.LegCompleted(view)
	}

	if f.Direction == Return || f.Route.OneWay {
		m.finish(f, FinishCompleted)
		return
	}

	f.Direction = Return
	f.Path = f.outbound.Reversed()
	next, err := m.newController(f)
	if err != nil {
		// Speed and path were accepted for the outbound leg
		m.logger.Error("Failed to start return leg", logger.Int64("flight", int64(id)), logger.Error(err))
		m.finish(f, FinishAborted)
		return
	}
	f.controller = next
	f.StartedAt = m.clock.Now().Add(m.returnDelay)
	next.StartAt(f.StartedAt)
	f.last = next.PositionAt(0)

	m.logger.Debug("Flight turned around",
		logger.Int64("flight", int64(id)),
		logger.String("route", f.Route.ID),
		logger.Duration("return_delay", m.returnDelay))
}

func (m *Manager) onAbort(id FlightID, ctrl *Controller, err error) {
	f, ok := m.flights[id]
	if !ok || f.controller != ctrl {
		return
	}
	m.logger.Warn("Flight aborted", logger.Int64("flight", int64(id)), logger.Error(err))
	m.finish(f, FinishAborted)
}

// finish removes the flight from the registry and releases everything it holds
func (m *Manager) finish(f *Flight, reason FinishReason) {
	delete(m.flights, f.ID)
	f.controller.Cancel()
	if f.Resource != nil {
		f.Resource.release()
	}

	if err := m.renderer.Remove(f.ID); err != nil {
		m.logger.Debug("Renderer remove failed", logger.Int64("flight", int64(f.ID)), logger.Error(err))
	}

	m.logger.Info("Flight finished",
		logger.Int64("flight", int64(f.ID)),
		logger.String("route", f.Route.ID),
		logger.String("reason", reason.String()),
		logger.Int("legs", f.Legs))

	view := f.view()
	for _, o := range m.observers {
		o.FlightFinished(view, reason)
	}
}

// Cancel removes one flight before it completes
func (m *Manager) Cancel(id FlightID) error {
	f, ok := m.flights[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlight, id)
	}
	m.finish(f, FinishCancelled)
	return nil
}

// CancelAll cancels every flight and returns how many there were
func (m *Manager) CancelAll() int {
	ids := m.ids()
	for _, id := range ids {
		m.finish(m.flights[id], FinishCancelled)
	}
	if len(ids) > 0 {
		m.logger.Info("Cancelled all flights", logger.Int("count", len(ids)))
	}
	return len(ids)
}

// Len returns the number of active flights
func (m *Manager) Len() int { return len(m.flights) }

// Flight returns a view of one active flight
func (m *Manager) Flight(id FlightID) (FlightView, bool) {
	f, ok := m.flights[id]
	if !ok {
		return FlightView{}, false
	}
	return f.view(), true
}

// Flights returns views of all active flights ordered by ID
func (m *Manager) Flights() []FlightView {
	ids := m.ids()
	out := make([]FlightView, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.flights[id].view())
	}
	return out
}

// FlightWithPath returns a view including the current leg waypoints
func (m *Manager) FlightWithPath(id FlightID) (FlightView, error) {
	f, ok := m.flights[id]
	if !ok {
		return FlightView{}, fmt.Errorf("%w: %s", ErrUnknownFlight, id)
	}
	v := f.view()
	v.Waypoints = f.Path.Waypoints()
	return v, nil
}

// Controller returns the controller currently driving a flight
func (m *Manager) Controller(id FlightID) (*Controller, bool) {
	f, ok := m.flights[id]
	if !ok {
		return nil, false
	}
	return f.controller, true
}

func (m *Manager) ids() []FlightID {
	ids := make([]FlightID, 0, len(m.flights))
	for id := range m.flights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsResourceError reports whether err is about resource availability
func IsResourceError(err error) bool {
	return errors.Is(err, ErrResourceAssigned) || errors.Is(err, ErrNoFreeResource)
}
