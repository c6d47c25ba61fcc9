package geo

import "math"

// DefaultGeodesicSteps is the sampling density of great-circle routes
const DefaultGeodesicSteps = 100

// NewGeodesicPath samples the great circle from a to b into steps+1 points.
// Coincident endpoints give the two-point path [a, b] of length 0. Antipodal
// endpoints have no unique great circle and also fall back to [a, b].
func NewGeodesicPath(a, b Point, steps int) *Path {
	if steps <= 0 {
		steps = DefaultGeodesicSteps
	}

	d := angularDistance(a, b)
	sinD := math.Sin(d)
	if d == 0 || math.Abs(sinD) < 1e-12 {
		p, _ := NewPath(Geodesic, []Point{a, b})
		return p
	}

	lat1, lon1 := toRadians(a.Lat()), toRadians(a.Lon())
	lat2, lon2 := toRadians(b.Lat()), toRadians(b.Lon())

	points := make([]Point, steps+1)
	points[0] = a
	points[steps] = b
	for i := 1; i < steps; i++ {
		f := float64(i) / float64(steps)
		ka := math.Sin((1-f)*d) / sinD
		kb := math.Sin(f*d) / sinD

		x := ka*math.Cos(lat1)*math.Cos(lon1) + kb*math.Cos(lat2)*math.Cos(lon2)
		y := ka*math.Cos(lat1)*math.Sin(lon1) + kb*math.Cos(lat2)*math.Sin(lon2)
		z := ka*math.Sin(lat1) + kb*math.Sin(lat2)

		lat := math.Atan2(z, math.Sqrt(x*x+y*y))
		lon := math.Atan2(y, x)
		points[i] = Point{X: toDegrees(lon), Y: toDegrees(lat)}
	}

	p, _ := NewPath(Geodesic, points)
	return p
}
