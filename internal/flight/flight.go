package flight

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/yegors/skyroutes/internal/geo"
)

// Direction is the leg a flight is on
type Direction int

const (
	Outbound Direction = iota
	Return
)

func (d Direction) String() string {
	if d == Return {
		return "return"
	}
	return "outbound"
}

// MarshalText encodes the direction as "outbound" or "return"
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses "outbound" or "return"
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "outbound":
		*d = Outbound
	case "return":
		*d = Return
	default:
		return fmt.Errorf("invalid direction %q", b)
	}
	return nil
}

// Route connects two locations
type Route struct {
	ID            string   `json:"id"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	OneWay        bool     `json:"one_way"`
	FlightsPerDay float64  `json:"flights_per_day"`
	Fleet         []string `json:"fleet,omitempty"`
}

// Resource is an airplane that can be bound to at most one flight at a time.
// Only the Manager changes its assignment.
type Resource struct {
	ID    string
	Model string
	Speed float64 // 0 = use the spawn policy

	assigned bool
	flightID FlightID
}

// NewResource creates an unassigned resource
func NewResource(id, model string, speed float64) *Resource {
	return &Resource{ID: id, Model: model, Speed: speed}
}

// IsAssigned reports whether the resource is bound to an active flight
func (r *Resource) IsAssigned() bool { return r.assigned }

// AssignedFlight returns the flight the resource is bound to
func (r *Resource) AssignedFlight() (FlightID, bool) {
	return r.flightID, r.assigned
}

func (r *Resource) assign(id FlightID) {
	r.assigned = true
	r.flightID = id
}

func (r *Resource) release() {
	r.assigned = false
	r.flightID = 0
}

// FlightID identifies a flight for the lifetime of the process
type FlightID int64

func (id FlightID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// RenderID is the drawable identity used by renderers
func (id FlightID) RenderID() string {
	return fmt.Sprintf("flight-%d", int64(id))
}

// ParseFlightID parses the decimal form produced by String
func ParseFlightID(s string) (FlightID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid flight id %q", s)
	}
	return FlightID(n), nil
}

// Flight is an active aircraft on a route. It is owned by the Manager and only
// touched on the loop goroutine.
type Flight struct {
	ID        FlightID
	Route     Route
	Direction Direction
	Resource  *Resource
	Speed     float64
	Path      *geo.Path
	StartedAt time.Time
	Legs      int

	outbound   *geo.Path
	controller *Controller
	last       Position
}

// FlightView is a value copy of a flight safe to hand to other goroutines
type FlightView struct {
	ID         FlightID    `json:"id"`
	RouteID    string      `json:"route_id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Direction  Direction   `json:"direction"`
	OneWay     bool        `json:"one_way"`
	ResourceID string      `json:"resource_id,omitempty"`
	Model      string      `json:"model,omitempty"`
	Speed      float64     `json:"speed"`
	LegLength  float64     `json:"leg_length"`
	StartedAt  time.Time   `json:"started_at"`
	Legs       int         `json:"legs"`
	Progress   float64     `json:"progress"`
	Position   geo.Point   `json:"position"`
	Bearing    float64     `json:"bearing"`
	Waypoints  []geo.Point `json:"waypoints,omitempty"`
}

func (f *Flight) view() FlightView {
	v := FlightView{
		ID:        f.ID,
		RouteID:   f.Route.ID,
		From:      f.Route.From,
		To:        f.Route.To,
		Direction: f.Direction,
		OneWay:    f.Route.OneWay,
		Speed:     f.Speed,
		LegLength: f.Path.Length(),
		StartedAt: f.StartedAt,
		Legs:      f.Legs,
		Progress:  f.last.Progress,
		Position:  f.last.Point,
		Bearing:   f.last.Bearing,
	}
	if f.Resource != nil {
		v.ResourceID = f.Resource.ID
		v.Model = f.Resource.Model
	}
	return v
}

// Snapshot is the per-frame state handed to renderers
type Snapshot struct {
	ID              FlightID  `json:"id"`
	RouteID         string    `json:"route_id"`
	Direction       Direction `json:"direction"`
	Position        geo.Point `json:"position"`
	Bearing         float64   `json:"bearing"`
	MagneticBearing *float64  `json:"magnetic_bearing,omitempty"`
	Progress        float64   `json:"progress"`
	Speed           float64   `json:"speed"`
	ResourceID      string    `json:"resource_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Renderer draws flights. Both methods must be idempotent per ID.
type Renderer interface {
	Update(id FlightID, s Snapshot) error
	Remove(id FlightID) error
}

// MultiRenderer fans out to several renderers
type MultiRenderer []Renderer

// Update forwards to every renderer and joins their errors
func (m MultiRenderer) Update(id FlightID, s Snapshot) error {
	var errs []error
	for _, r := range m {
		if err := r.Update(id, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove forwards to every renderer and joins their errors
func (m MultiRenderer) Remove(id FlightID) error {
	var errs []error
	for _, r := range m {
		if err := r.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopRenderer discards everything
type NopRenderer struct{}

func (NopRenderer) Update(FlightID, Snapshot) error { return nil }
func (NopRenderer) Remove(FlightID) error           { return nil }

// FinishReason says why a flight left the registry
type FinishReason int

const (
	FinishCompleted FinishReason = iota
	FinishCancelled
	FinishAborted
)

func (r FinishReason) String() string {
	switch r {
	case FinishCompleted:
		return "completed"
	case FinishCancelled:
		return "cancelled"
	case FinishAborted:
		return "aborted"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// MarshalText encodes the reason as its name
func (r FinishReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Observer is notified of lifecycle events on the loop goroutine. Implementations
// must not block.
type Observer interface {
	FlightSpawned(v FlightView)
	LegCompleted(v FlightView)
	FlightFinished(v FlightView, reason FinishReason)
}
