// Package geo holds the path model flights are animated along: waypoints,
// linear and great-circle paths, and the distance and bearing helpers behind them.
package geo

import (
	"fmt"
	"math"
)

// Point is a waypoint. For geographic paths X is longitude and Y is latitude
// in degrees; for scene paths both are abstract scene units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LonLat builds a geographic point
func LonLat(lon, lat float64) Point {
	return Point{X: lon, Y: lat}
}

// Lon returns the longitude of a geographic point
func (p Point) Lon() float64 { return p.X }

// Lat returns the latitude of a geographic point
func (p Point) Lat() float64 { return p.Y }

func (p Point) String() string {
	return fmt.Sprintf("(%.5f, %.5f)", p.X, p.Y)
}

// EarthRadiusKm is the mean Earth radius used by the haversine metric
const EarthRadiusKm = 6371.0088

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// NormalizeBearing maps any angle in degrees into [0, 360)
func NormalizeBearing(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// HaversineKm returns the great-circle distance between two geographic points in kilometres
func HaversineKm(a, b Point) float64 {
	return EarthRadiusKm * angularDistance(a, b)
}

// angularDistance returns the central angle between two geographic points in radians
func angularDistance(a, b Point) float64 {
	lat1, lat2 := toRadians(a.Lat()), toRadians(b.Lat())
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon() - a.Lon())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// InitialBearing returns the initial great-circle bearing from a to b in degrees,
// clockwise from true north, in [0, 360)
func InitialBearing(a, b Point) float64 {
	lat1, lat2 := toRadians(a.Lat()), toRadians(b.Lat())
	dLon := toRadians(b.Lon() - a.Lon())

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return NormalizeBearing(toDegrees(math.Atan2(y, x)))
}

// CompassAngle returns the direction of the scene vector a->b in degrees,
// 0 = up (+Y), clockwise, in [0, 360)
func CompassAngle(a, b Point) float64 {
	return NormalizeBearing(toDegrees(math.Atan2(b.X-a.X, b.Y-a.Y)))
}

// EuclideanDistance returns the straight-line distance between two scene points
func EuclideanDistance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
