package sqlite

import "github.com/yegors/skyroutes/internal/geo"

// staticPaths resolves every pair to a 10 unit scene segment
type staticPaths struct{}

func (staticPaths) ResolvePath(from, to string) (*geo.Path, error) {
	return geo.NewLinearPath(geo.Point{}, geo.Point{X: 10}), nil
}
