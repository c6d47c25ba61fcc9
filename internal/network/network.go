// Package network holds the static data flights are spawned from: locations,
// routes between them and the fleet of airplanes that can be bound to routes.
package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/brunoga/deep"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

// Location is a place routes connect: an airport or an abstract city
type Location struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Point geo.Point `json:"point"`
	Size  string    `json:"size,omitempty"`
}

// LocationView is a location with the traffic that touches it
type LocationView struct {
	Location
	DailyFlights float64 `json:"daily_flights"`
	Routes       int     `json:"routes"`
}

// ResourceView is a point-in-time copy of an airplane
type ResourceView struct {
	ID       string          `json:"id"`
	Model    string          `json:"model"`
	Speed    float64         `json:"speed"`
	Assigned bool            `json:"assigned"`
	FlightID flight.FlightID `json:"flight_id,omitempty"`
}

// ModelAvailability counts airplanes of one model
type ModelAvailability struct {
	Model string `json:"model"`
	Total int    `json:"total"`
	Free  int    `json:"free"`
}

// Snapshot is a deep copy of the network tables
type Snapshot struct {
	Kind      string         `json:"kind"`
	Locations []LocationView `json:"locations"`
	Routes    []flight.Route `json:"routes"`
	Fleet     []ResourceView `json:"fleet"`
}

// Network implements flight.PathResolver and flight.RouteTable.
// Table mutations are guarded; resource assignment flags belong to the
// flight manager and must only be read on the animation loop.
type Network struct {
	kind  geo.Kind
	steps int

	mu            sync.RWMutex
	locations     map[string]Location
	locationOrder []string
	routes        map[string]flight.Route
	routeOrder    []string
	resources     map[string]*flight.Resource
	resourceOrder []string
	pathCache     *lru.Cache[string, *geo.Path]
	logger        *logger.Logger
}

// New creates an empty network. Geodesic networks sample great circles with
// the given number of steps; Linear networks use straight scene segments.
func New(kind geo.Kind, steps, cacheSize int, logger *logger.Logger) (*Network, error) {
	if steps <= 0 {
		steps = geo.DefaultGeodesicSteps
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *geo.Path](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create path cache: %w", err)
	}

	return &Network{
		kind:      kind,
		steps:     steps,
		locations: make(map[string]Location),
		routes:    make(map[string]flight.Route),
		resources: make(map[string]*flight.Resource),
		pathCache: cache,
		logger:    logger.Named("network"),
	}, nil
}

// Kind returns the path kind routes resolve to
func (n *Network) Kind() geo.Kind { return n.kind }

// AddLocation registers a location
func (n *Network) AddLocation(loc Location) error {
	if loc.ID == "" {
		return &flight.ConfigError{Op: "add location", Err: fmt.Errorf("location has no id")}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.locations[loc.ID]; exists {
		return &flight.ConfigError{Op: "add location", Err: fmt.Errorf("duplicate location %q", loc.ID)}
	}
	if loc.Name == "" {
		loc.Name = loc.ID
	}
	n.locations[loc.ID] = loc
	n.locationOrder = append(n.locationOrder, loc.ID)
	return nil
}

// Location returns a location by ID
func (n *Network) Location(id string) (Location, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	loc, ok := n.locations[id]
	return loc, ok
}

// AddResource registers an airplane
func (n *Network) AddResource(r *flight.Resource) error {
	if r == nil || r.ID == "" {
		return &flight.ConfigError{Op: "add resource", Err: fmt.Errorf("resource has no id")}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.resources[r.ID]; exists {
		return &flight.ConfigError{Op: "add resource", Err: fmt.Errorf("duplicate resource %q", r.ID)}
	}
	n.resources[r.ID] = r
	n.resourceOrder = append(n.resourceOrder, r.ID)
	return nil
}

// AddRoute registers a route. Both endpoints and every fleet entry must already
// exist. An empty ID is generated from the endpoints.
func (n *Network) AddRoute(r flight.Route) (flight.Route, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range []string{r.From, r.To} {
		if _, ok := n.locations[id]; !ok {
			return flight.Route{}, &flight.ConfigError{
				Op:  fmt.Sprintf("add route %s->%s", r.From, r.To),
				Err: fmt.Errorf("%w: %q", flight.ErrUnknownLocation, id),
			}
		}
	}
	for _, id := range r.Fleet {
		if _, ok := n.resources[id]; !ok {
			return flight.Route{}, &flight.ConfigError{
				Op:  fmt.Sprintf("add route %s->%s", r.From, r.To),
				Err: fmt.Errorf("%w: %q", flight.ErrUnknownResource, id),
			}
		}
	}
	if r.FlightsPerDay < 0 {
		return flight.Route{}, &flight.ConfigError{
			Op:  fmt.Sprintf("add route %s->%s", r.From, r.To),
			Err: fmt.Errorf("negative flights per day"),
		}
	}

	if r.ID == "" {
		base := r.From + "-" + r.To
		r.ID = base
		for i := 2; ; i++ {
			if _, taken := n.routes[r.ID]; !taken {
				break
			}
			r.ID = fmt.Sprintf("%s-%d", base, i)
		}
	} else if _, taken := n.routes[r.ID]; taken {
		return flight.Route{}, &flight.ConfigError{Op: "add route", Err: fmt.Errorf("duplicate route %q", r.ID)}
	}

	r.Fleet = append([]string(nil), r.Fleet...)
	n.routes[r.ID] = r
	n.routeOrder = append(n.routeOrder, r.ID)

	n.logger.Debug("Route added",
		logger.String("route", r.ID),
		logger.String("from", r.From),
		logger.String("to", r.To),
		logger.Bool("one_way", r.OneWay))
	return r, nil
}

// Route returns a route by ID
func (n *Network) Route(id string) (flight.Route, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.routes[id]
	if !ok {
		return flight.Route{}, false
	}
	return deep.MustCopy(r), true
}

// Routes returns a copy of all routes in registration order
func (n *Network) Routes() []flight.Route {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]flight.Route, 0, len(n.routeOrder))
	for _, id := range n.routeOrder {
		out = append(out, n.routes[id])
	}
	return deep.MustCopy(out)
}

// Resource returns an airplane by ID
func (n *Network) Resource(id string) (*flight.Resource, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.resources[id]
	return r, ok
}

// Resources returns all airplanes in registration order
func (n *Network) Resources() []*flight.Resource {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*flight.Resource, 0, len(n.resourceOrder))
	for _, id := range n.resourceOrder {
		out = append(out, n.resources[id])
	}
	return out
}

// FreeResource returns the first unassigned airplane of model, or of any model
// when model is empty
func (n *Network) FreeResource(model string) (*flight.Resource, error) {
	for _, r := range n.Resources() {
		if (model == "" || r.Model == model) && !r.IsAssigned() {
			return r, nil
		}
	}
	if model == "" {
		return nil, flight.ErrNoFreeResource
	}
	return nil, fmt.Errorf("%w of model %q", flight.ErrNoFreeResource, model)
}

// ModelAvailability counts total and free airplanes per model, sorted by model
func (n *Network) ModelAvailability() []ModelAvailability {
	byModel := make(map[string]*ModelAvailability)
	for _, r := range n.Resources() {
		m, ok := byModel[r.Model]
		if !ok {
			m = &ModelAvailability{Model: r.Model}
			byModel[r.Model] = m
		}
		m.Total++
		if !r.IsAssigned() {
			m.Free++
		}
	}

	out := make([]ModelAvailability, 0, len(byModel))
	for _, m := range byModel {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Locations returns every location with the daily flights of the routes touching it
func (n *Network) Locations() []LocationView {
	n.mu.RLock()
	defer n.mu.RUnlock()

	daily := make(map[string]float64)
	count := make(map[string]int)
	for _, r := range n.routes {
		daily[r.From] += r.FlightsPerDay
		daily[r.To] += r.FlightsPerDay
		count[r.From]++
		count[r.To]++
	}

	out := make([]LocationView, 0, len(n.locationOrder))
	for _, id := range n.locationOrder {
		out = append(out, LocationView{
			Location:     n.locations[id],
			DailyFlights: daily[id],
			Routes:       count[id],
		})
	}
	return out
}

// ResolvePath returns the path between two locations. Paths are cached by endpoint pair.
func (n *Network) ResolvePath(from, to string) (*geo.Path, error) {
	key := from + "\x00" + to
	if p, ok := n.pathCache.Get(key); ok {
		return p, nil
	}

	n.mu.RLock()
	a, okA := n.locations[from]
	b, okB := n.locations[to]
	n.mu.RUnlock()

	if !okA {
		return nil, &flight.ConfigError{Op: "resolve path", Err: fmt.Errorf("%w: %q", flight.ErrUnknownLocation, from)}
	}
	if !okB {
		return nil, &flight.ConfigError{Op: "resolve path", Err: fmt.Errorf("%w: %q", flight.ErrUnknownLocation, to)}
	}

	var p *geo.Path
	if n.kind == geo.Geodesic {
		p = geo.NewGeodesicPath(a.Point, b.Point, n.steps)
	} else {
		p = geo.NewLinearPath(a.Point, b.Point)
	}
	n.pathCache.Add(key, p)
	return p, nil
}

// CachedPaths returns the number of resolved paths held in the cache
func (n *Network) CachedPaths() int {
	return n.pathCache.Len()
}

// Snapshot returns a deep copy of the tables. Resource assignment is read, so
// call it on the animation loop.
func (n *Network) Snapshot() Snapshot {
	fleet := make([]ResourceView, 0)
	for _, r := range n.Resources() {
		id, assigned := r.AssignedFlight()
		fleet = append(fleet, ResourceView{ID: r.ID, Model: r.Model, Speed: r.Speed, Assigned: assigned, FlightID: id})
	}

	return deep.MustCopy(Snapshot{
		Kind:      n.kind.String(),
		Locations: n.Locations(),
		Routes:    n.Routes(),
		Fleet:     fleet,
	})
}
