// Package session wires the animation loop, the flight manager, the spawner and
// the network tables into one service that the HTTP and websocket layers use.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/internal/network"
	"github.com/yegors/skyroutes/internal/physics"
	"github.com/yegors/skyroutes/internal/storage/sqlite"
	"github.com/yegors/skyroutes/pkg/logger"
)

// SpawnRequest asks for one flight on an existing route
type SpawnRequest struct {
	RouteID    string  `json:"route_id"`
	ResourceID string  `json:"resource_id,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

// RouteRequest creates a route and immediately flies it. When ResourceID or
// Model is set an airplane is bound to the route.
type RouteRequest struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	OneWay        bool    `json:"one_way"`
	FlightsPerDay float64 `json:"flights_per_day"`
	ResourceID    string  `json:"resource_id,omitempty"`
	Model         string  `json:"model,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
}

// RouteConfirmation is returned after a route is created
type RouteConfirmation struct {
	Route        flight.Route                `json:"route"`
	Flight       flight.FlightView           `json:"flight"`
	Availability []network.ModelAvailability `json:"availability"`
}

// Stats summarises the running session
type Stats struct {
	ActiveFlights int                 `json:"active_flights"`
	Spawning      bool                `json:"spawning"`
	CachedPaths   int                 `json:"cached_paths"`
	Totals        *sqlite.Totals      `json:"totals,omitempty"`
	Routes        []sqlite.RouteStats `json:"routes,omitempty"`
}

// Option configures a Service
type Option func(*options)

type options struct {
	clock     flight.Clock
	renderers []flight.Renderer
}

// WithRenderer adds a renderer; several renderers are fanned out
func WithRenderer(r flight.Renderer) Option {
	return func(o *options) { o.renderers = append(o.renderers, r) }
}

// WithClock replaces the system clock
func WithClock(c flight.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Service owns the animation loop. Its exported methods are safe for concurrent
// use: they run on the loop through Do.
type Service struct {
	cfg     *config.Config
	loop    *flight.Loop
	network *network.Network
	manager *flight.Manager
	spawner *flight.Spawner
	journal *sqlite.Journal
	logger  *logger.Logger
}

// NewService creates the session. journal may be nil.
func NewService(cfg *config.Config, net *network.Network, journal *sqlite.Journal, log *logger.Logger, opts ...Option) (*Service, error) {
	o := options{clock: flight.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	selection, err := flight.ParseSelection(cfg.Spawner.Selection)
	if err != nil {
		return nil, fmt.Errorf("invalid spawner configuration: %w", err)
	}

	loop := flight.NewLoop(o.clock, cfg.Animation.FrameRateHz, log)

	managerOpts := []flight.Option{
		flight.WithReturnDelay(time.Duration(cfg.Animation.ReturnDelayMs) * time.Millisecond),
	}
	switch len(o.renderers) {
	case 0:
	case 1:
		managerOpts = append(managerOpts, flight.WithRenderer(o.renderers[0]))
	default:
		managerOpts = append(managerOpts, flight.WithRenderer(flight.MultiRenderer(o.renderers)))
	}
	if journal != nil {
		managerOpts = append(managerOpts, flight.WithObserver(journal))
	}
	if cfg.Map.MagneticBearing && net.Kind() == geo.Geodesic {
		managerOpts = append(managerOpts, flight.WithMagneticBearing(magneticBearing))
	}

	manager := flight.NewManager(loop, o.clock, net, log, managerOpts...)
	spawner := flight.NewSpawner(loop, manager, net, flight.SpawnerConfig{
		Interval:  time.Duration(cfg.Spawner.IntervalMs) * time.Millisecond,
		Selection: selection,
		SpeedMin:  cfg.Spawner.SpeedMin,
		SpeedMax:  cfg.Spawner.SpeedMax,
		MaxActive: cfg.Spawner.MaxActive,
		Seed:      cfg.Spawner.Seed,
	}, log)

	return &Service{
		cfg:     cfg,
		loop:    loop,
		network: net,
		manager: manager,
		spawner: spawner,
		journal: journal,
		logger:  log.Named("session"),
	}, nil
}

func magneticBearing(at geo.Point, trueBearing float64, when time.Time) float64 {
	return physics.MagneticBearing(trueBearing, at.Y, at.X, 0, when)
}

// Loop returns the animation loop
func (s *Service) Loop() *flight.Loop { return s.loop }

// Network returns the static tables
func (s *Service) Network() *network.Network { return s.network }

// Run drives the loop until ctx is cancelled, then stops spawning and
// cancels every flight so that renderers and the journal see them finish.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Spawner.Enabled {
		// The loop is not running yet, so this goroutine owns it
		s.spawner.Start()
	}

	err := s.loop.Run(ctx)

	s.spawner.Stop()
	n := s.manager.CancelAll()
	s.logger.Info("Session stopped", logger.Int("cancelled_flights", n))
	return err
}

// Do runs fn on the animation loop and waits for it
func (s *Service) Do(ctx context.Context, fn func() error) error {
	return s.loop.Do(ctx, fn)
}

// Spawn starts a flight on an existing route
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (flight.FlightView, error) {
	var view flight.FlightView
	err := s.Do(ctx, func() error {
		route, ok := s.network.Route(req.RouteID)
		if !ok {
			return fmt.Errorf("%w: %q", flight.ErrUnknownRoute, req.RouteID)
		}

		resource, err := s.resourceFor(route, req.ResourceID)
		if err != nil {
			return err
		}

		f, err := s.manager.Spawn(route, resource, s.speedFor(resource, req.Speed))
		if err != nil {
			return err
		}
		view, err = s.manager.FlightWithPath(f.ID)
		return err
	})
	return view, err
}

// resourceFor returns the requested airplane, or a free one of the route's
// fleet. Routes without a fleet fly without an airplane.
func (s *Service) resourceFor(route flight.Route, resourceID string) (*flight.Resource, error) {
	if resourceID != "" {
		r, ok := s.network.Resource(resourceID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", flight.ErrUnknownResource, resourceID)
		}
		return r, nil
	}
	if len(route.Fleet) == 0 {
		return nil, nil
	}
	for _, id := range route.Fleet {
		if r, ok := s.network.Resource(id); ok && !r.IsAssigned() {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w on route %s", flight.ErrNoFreeResource, route.ID)
}

func (s *Service) speedFor(resource *flight.Resource, requested float64) float64 {
	switch {
	case requested != 0:
		return requested
	case resource != nil && resource.Speed > 0:
		return resource.Speed
	default:
		return s.cfg.Animation.DefaultSpeed
	}
}

// CreateRoute registers a new route, binds an airplane when asked to and
// starts the first flight on it
func (s *Service) CreateRoute(ctx context.Context, req RouteRequest) (RouteConfirmation, error) {
	var conf RouteConfirmation
	err := s.Do(ctx, func() error {
		var resource *flight.Resource
		switch {
		case req.ResourceID != "":
			r, ok := s.network.Resource(req.ResourceID)
			if !ok {
				return fmt.Errorf("%w: %q", flight.ErrUnknownResource, req.ResourceID)
			}
			if r.IsAssigned() {
				owner, _ := r.AssignedFlight()
				return fmt.Errorf("%w: %s is on flight %s", flight.ErrResourceAssigned, r.ID, owner)
			}
			resource = r
		case req.Model != "":
			r, err := s.network.FreeResource(req.Model)
			if err != nil {
				return err
			}
			resource = r
		}

		speed := s.speedFor(resource, req.Speed)
		if !(speed > 0) {
			return &flight.ConfigError{Op: "create route", Err: flight.ErrInvalidSpeed}
		}

		route := flight.Route{
			From:          req.From,
			To:            req.To,
			OneWay:        req.OneWay,
			FlightsPerDay: req.FlightsPerDay,
		}
		if resource != nil {
			route.Fleet = []string{resource.ID}
		}
		route, err := s.network.AddRoute(route)
		if err != nil {
			return err
		}

		f, err := s.manager.Spawn(route, resource, speed)
		if err != nil {
			return err
		}
		view, err := s.manager.FlightWithPath(f.ID)
		if err != nil {
			return err
		}

		conf = RouteConfirmation{
			Route:        route,
			Flight:       view,
			Availability: s.network.ModelAvailability(),
		}
		s.logger.Info("Route created",
			logger.String("route", route.ID),
			logger.String("resource", view.ResourceID))
		return nil
	})
	return conf, err
}

// CancelFlight removes a flight before it completes
func (s *Service) CancelFlight(ctx context.Context, id flight.FlightID) error {
	return s.Do(ctx, func() error { return s.manager.Cancel(id) })
}

// Flights lists active flights
func (s *Service) Flights(ctx context.Context) ([]flight.FlightView, error) {
	var out []flight.FlightView
	err := s.Do(ctx, func() error {
		out = s.manager.Flights()
		return nil
	})
	return out, err
}

// Flight returns one active flight with its current leg waypoints
func (s *Service) Flight(ctx context.Context, id flight.FlightID) (flight.FlightView, error) {
	var view flight.FlightView
	err := s.Do(ctx, func() error {
		var err error
		view, err = s.manager.FlightWithPath(id)
		return err
	})
	return view, err
}

// NetworkSnapshot copies the tables, including airplane assignment
func (s *Service) NetworkSnapshot(ctx context.Context) (network.Snapshot, error) {
	var snap network.Snapshot
	err := s.Do(ctx, func() error {
		snap = s.network.Snapshot()
		return nil
	})
	return snap, err
}

// FleetStatus lists every airplane alongside the free count per model.
// Both halves come from the same loop turn so they always agree.
type FleetStatus struct {
	Airplanes []network.ResourceView      `json:"airplanes"`
	Models    []network.ModelAvailability `json:"models"`
}

// Fleet reports the airplanes and their availability per model
func (s *Service) Fleet(ctx context.Context) (FleetStatus, error) {
	var out FleetStatus
	err := s.Do(ctx, func() error {
		out.Airplanes = s.network.Snapshot().Fleet
		out.Models = s.network.ModelAvailability()
		return nil
	})
	return out, err
}

// SetSpawning starts or stops the periodic spawner
func (s *Service) SetSpawning(ctx context.Context, enabled bool) error {
	return s.Do(ctx, func() error {
		if enabled {
			s.spawner.Start()
		} else {
			s.spawner.Stop()
		}
		return nil
	})
}

// Stats reports live counters and, when the journal is enabled, session totals
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.Do(ctx, func() error {
		stats.ActiveFlights = s.manager.Len()
		stats.Spawning = s.spawner.Running()
		stats.CachedPaths = s.network.CachedPaths()
		return nil
	})
	if err != nil || s.journal == nil {
		return stats, err
	}

	totals, err := s.journal.Totals(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read journal totals: %w", err)
	}
	routes, err := s.journal.RouteStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read route stats: %w", err)
	}
	stats.Totals = &totals
	stats.Routes = routes
	return stats, nil
}

// RecentEvents returns the latest journal entries, newest first
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]sqlite.EventRecord, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.RecentEvents(ctx, limit)
}

// WebSocketSnapshot supplies the network tables for websocket snapshot responses
func (s *Service) WebSocketSnapshot(ctx context.Context) (map[string]any, error) {
	snap, err := s.NetworkSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"network": snap}, nil
}
