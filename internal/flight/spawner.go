package flight

import (
	"fmt"
	"time"

	"github.com/MichaelTJones/pcg"

	"github.com/yegors/skyroutes/pkg/logger"
)

// Selection is how the spawner picks a route
type Selection int

const (
	// SelectUniform picks every route with equal probability
	SelectUniform Selection = iota
	// SelectWeighted picks routes in proportion to their daily flights
	SelectWeighted
)

// ParseSelection parses "uniform" or "weighted"
func ParseSelection(s string) (Selection, error) {
	switch s {
	case "", "uniform":
		return SelectUniform, nil
	case "weighted":
		return SelectWeighted, nil
	default:
		return 0, fmt.Errorf("unknown selection %q", s)
	}
}

func (s Selection) String() string {
	if s == SelectWeighted {
		return "weighted"
	}
	return "uniform"
}

// RouteTable is the static data the spawner draws from
type RouteTable interface {
	Routes() []Route
	Resource(id string) (*Resource, bool)
}

// SpawnerConfig is the spawning policy
type SpawnerConfig struct {
	Interval  time.Duration
	Selection Selection
	SpeedMin  float64
	SpeedMax  float64
	MaxActive int   // 0 = unlimited
	Seed      int64 // 0 = seeded from the clock
}

// Spawner periodically starts flights on randomly chosen routes
type Spawner struct {
	intervals IntervalScheduler
	manager   *Manager
	table     RouteTable
	cfg       SpawnerConfig
	rng       *pcg.PCG32
	timer     Timer
	logger    *logger.Logger
}

// NewSpawner creates a stopped spawner
func NewSpawner(intervals IntervalScheduler, manager *Manager, table RouteTable, cfg SpawnerConfig, logger *logger.Logger) *Spawner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SpeedMax < cfg.SpeedMin {
		cfg.SpeedMax = cfg.SpeedMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := pcg.NewPCG32()
	rng.Seed(uint64(seed), 0xda3e39cb94b95bdb)

	return &Spawner{
		intervals: intervals,
		manager:   manager,
		table:     table,
		cfg:       cfg,
		rng:       rng,
		logger:    logger.Named("spawner"),
	}
}

// Start begins periodic spawning. Calling Start on a running spawner does nothing.
func (s *Spawner) Start() {
	if s.timer != nil {
		return
	}
	s.timer = s.intervals.Every(s.cfg.Interval, func(time.Time) {
		if _, err := s.SpawnOnce(); err != nil {
			s.logger.Warn("Spawn failed", logger.Error(err))
		}
	})
	s.logger.Info("Spawner started",
		logger.Duration("interval", s.cfg.Interval),
		logger.String("selection", s.cfg.Selection.String()))
}

// Stop cancels the periodic trigger. Flights already in the air keep flying.
func (s *Spawner) Stop() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.logger.Info("Spawner stopped")
}

// Running reports whether the periodic trigger is active
func (s *Spawner) Running() bool { return s.timer != nil }

// SpawnOnce runs one spawn attempt. It returns nil, nil when there is nothing to
// do: no routes, the active cap is reached, or the route's fleet is all busy.
func (s *Spawner) SpawnOnce() (*Flight, error) {
	routes := s.table.Routes()
	if len(routes) == 0 {
		return nil, nil
	}
	if s.cfg.MaxActive > 0 && s.manager.Len() >= s.cfg.MaxActive {
		return nil, nil
	}

	route := s.pick(routes)

	var resource *Resource
	if len(route.Fleet) > 0 {
		resource = s.freeResource(route)
		if resource == nil {
			s.logger.Debug("No free airplane, skipping", logger.String("route", route.ID))
			return nil, nil
		}
	}

	return s.manager.Spawn(route, resource, s.speedFor(resource))
}

func (s *Spawner) pick(routes []Route) Route {
	if s.cfg.Selection == SelectWeighted {
		if r, ok := s.pickWeighted(routes); ok {
			return r
		}
	}
	return routes[s.rng.Bounded(uint32(len(routes)))]
}

// pickWeighted does a single pass of weighted reservoir sampling. Routes with
// no daily flights are never picked; ok is false when no route has weight.
func (s *Spawner) pickWeighted(routes []Route) (Route, bool) {
	var total float64
	var chosen Route
	ok := false
	for _, r := range routes {
		if r.FlightsPerDay <= 0 {
			continue
		}
		total += r.FlightsPerDay
		if s.unit() < r.FlightsPerDay/total {
			chosen = r
			ok = true
		}
	}
	return chosen, ok
}

func (s *Spawner) freeResource(route Route) *Resource {
	for _, id := range route.Fleet {
		if res, ok := s.table.Resource(id); ok && !res.IsAssigned() {
			return res
		}
	}
	return nil
}

func (s *Spawner) speedFor(resource *Resource) float64 {
	if resource != nil && resource.Speed > 0 {
		return resource.Speed
	}
	return s.cfg.SpeedMin + s.unit()*(s.cfg.SpeedMax-s.cfg.SpeedMin)
}

// unit returns a uniform value in [0, 1)
func (s *Spawner) unit() float64 {
	return float64(s.rng.Random()) / (1 << 32)
}
