package network

import (
	"fmt"

	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

// FromConfig builds the network from the [map], [[locations]], [[fleet]] and
// [[routes]] sections. Route endpoints that are not defined inline are looked
// up in the airports database. Any endpoint that cannot be found is fatal.
func FromConfig(cfg *config.Config, log *logger.Logger) (*Network, error) {
	kind := geo.Geodesic
	if cfg.Map.Coordinates == config.CoordinatesScene {
		kind = geo.Linear
	}

	n, err := New(kind, cfg.Map.GeodesicSteps, cfg.Map.PathCacheSize, log)
	if err != nil {
		return nil, err
	}

	inline := make(map[string]bool, len(cfg.Locations))
	for _, lc := range cfg.Locations {
		pt := geo.Point{X: lc.X, Y: lc.Y}
		if kind == geo.Geodesic {
			pt = geo.LonLat(lc.Lon, lc.Lat)
		}
		if err := n.AddLocation(Location{ID: lc.ID, Name: lc.Name, Point: pt, Size: lc.Size}); err != nil {
			return nil, err
		}
		inline[lc.ID] = true
	}

	if cfg.Map.AirportsDBPath != "" {
		missing := make(map[string]bool)
		for _, rc := range cfg.Routes {
			for _, id := range []string{rc.From, rc.To} {
				if !inline[id] {
					missing[id] = true
				}
			}
		}
		if len(missing) > 0 {
			airports, err := LoadAirportsCSV(cfg.Map.AirportsDBPath, missing)
			if err != nil {
				return nil, err
			}
			for _, loc := range airports {
				if err := n.AddLocation(loc); err != nil {
					return nil, err
				}
			}
			log.Info("Loaded airports",
				logger.String("path", cfg.Map.AirportsDBPath),
				logger.Int("count", len(airports)))
		}
	}

	for _, ac := range cfg.Fleet {
		if err := n.AddResource(flight.NewResource(ac.ID, ac.Model, ac.Speed)); err != nil {
			return nil, err
		}
	}

	for _, rc := range cfg.Routes {
		if _, err := n.AddRoute(flight.Route{
			ID:            rc.ID,
			From:          rc.From,
			To:            rc.To,
			OneWay:        rc.OneWay,
			FlightsPerDay: rc.FlightsPerDay,
			Fleet:         rc.Fleet,
		}); err != nil {
			return nil, fmt.Errorf("invalid route configuration: %w", err)
		}
	}

	log.Info("Network built",
		logger.String("kind", kind.String()),
		logger.Int("locations", len(n.locationOrder)),
		logger.Int("routes", len(n.routeOrder)),
		logger.Int("fleet", len(n.resourceOrder)))
	return n, nil
}
