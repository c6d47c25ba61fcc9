package geo

import (
	"errors"
	"fmt"
)

// ErrTooFewWaypoints is returned when a path is built from fewer than two points
var ErrTooFewWaypoints = errors.New("path needs at least two waypoints")

// Kind selects the metric and interpolation of a path
type Kind int

const (
	// Linear paths use the Euclidean metric in scene units
	Linear Kind = iota
	// Geodesic paths are great-circle samples measured in kilometres
	Geodesic
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Geodesic:
		return "geodesic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Path is an immutable polyline with cached cumulative lengths
type Path struct {
	kind       Kind
	points     []Point
	cumulative []float64 // cumulative[i] = distance from points[0] to points[i]
	length     float64
}

// NewPath builds a path of the given kind through the points, in order
func NewPath(kind Kind, points []Point) (*Path, error) {
	if len(points) < 2 {
		return nil, ErrTooFewWaypoints
	}

	pts := make([]Point, len(points))
	copy(pts, points)

	p := &Path{kind: kind, points: pts, cumulative: make([]float64, len(pts))}
	for i := 1; i < len(pts); i++ {
		p.cumulative[i] = p.cumulative[i-1] + p.segmentLength(pts[i-1], pts[i])
	}
	p.length = p.cumulative[len(pts)-1]
	return p, nil
}

// NewLinearPath builds the straight two-point scene path a->b
func NewLinearPath(a, b Point) *Path {
	p, _ := NewPath(Linear, []Point{a, b})
	return p
}

// Kind returns the path kind
func (p *Path) Kind() Kind { return p.kind }

// Length returns the total length: scene units for Linear, kilometres for Geodesic
func (p *Path) Length() float64 { return p.length }

// Start returns the first waypoint
func (p *Path) Start() Point { return p.points[0] }

// End returns the last waypoint
func (p *Path) End() Point { return p.points[len(p.points)-1] }

// Waypoints returns a copy of the waypoints
func (p *Path) Waypoints() []Point {
	out := make([]Point, len(p.points))
	copy(out, p.points)
	return out
}

// PositionAtDistance returns the point d along the path and the bearing of the
// segment containing it. Negative d clamps to the start; d at or past the end
// (and any zero-length path) clamps to the last waypoint with bearing 0.
func (p *Path) PositionAtDistance(d float64) (Point, float64) {
	if d < 0 {
		d = 0
	}

	for i := 0; i < len(p.points)-1; i++ {
		seg := p.cumulative[i+1] - p.cumulative[i]
		if p.cumulative[i]+seg > d {
			t := (d - p.cumulative[i]) / seg
			a, b := p.points[i], p.points[i+1]
			return p.interpolate(a, b, t), p.segmentBearing(a, b)
		}
	}
	return p.End(), 0
}

// Reversed returns a distinct path running end->start. Samples are reused, not recomputed.
func (p *Path) Reversed() *Path {
	n := len(p.points)
	r := &Path{
		kind:       p.kind,
		points:     make([]Point, n),
		cumulative: make([]float64, n),
		length:     p.length,
	}
	for i := 0; i < n; i++ {
		r.points[i] = p.points[n-1-i]
		r.cumulative[i] = p.length - p.cumulative[n-1-i]
	}
	r.cumulative[0] = 0
	r.cumulative[n-1] = p.length
	return r
}

func (p *Path) segmentLength(a, b Point) float64 {
	if p.kind == Geodesic {
		return HaversineKm(a, b)
	}
	return EuclideanDistance(a, b)
}

func (p *Path) segmentBearing(a, b Point) float64 {
	if p.kind == Geodesic {
		return InitialBearing(a, b)
	}
	return CompassAngle(a, b)
}

func (p *Path) interpolate(a, b Point, t float64) Point {
	dx := b.X - a.X
	if p.kind == Geodesic {
		// Take the short way across the antimeridian
		if dx > 180 {
			dx -= 360
		} else if dx < -180 {
			dx += 360
		}
		lon := a.X + dx*t
		if lon > 180 {
			lon -= 360
		} else if lon < -180 {
			lon += 360
		}
		return Point{X: lon, Y: a.Y + (b.Y-a.Y)*t}
	}
	return Point{X: a.X + dx*t, Y: a.Y + (b.Y-a.Y)*t}
}
