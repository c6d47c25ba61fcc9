package network

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/yegors/skyroutes/internal/geo"
)

// LoadAirportsCSV reads locations from an OurAirports airports.csv file.
// Columns are found by header name. When keep is non-nil only airports whose
// ident is in keep are returned.
func LoadAirportsCSV(path string, keep map[string]bool) ([]Location, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open airports database: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read airports header: %w", err)
	}
	idx := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		return -1
	}

	identIdx := idx("ident")
	typeIdx := idx("type")
	nameIdx := idx("name")
	latIdx := idx("latitude_deg")
	lonIdx := idx("longitude_deg")
	if identIdx < 0 || latIdx < 0 || lonIdx < 0 {
		return nil, fmt.Errorf("airports database %s is missing ident/latitude_deg/longitude_deg columns", path)
	}

	var locations []Location
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("airports database line %d: %w", line, err)
		}
		if len(rec) <= max(identIdx, latIdx, lonIdx) {
			continue
		}

		ident := rec[identIdx]
		if keep != nil && !keep[ident] {
			continue
		}

		airportType := field(rec, typeIdx)
		if airportType == "closed" || airportType == "heliport" || airportType == "seaplane_base" {
			continue
		}

		lat, err := strconv.ParseFloat(rec[latIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude for %s: %w", ident, err)
		}
		lon, err := strconv.ParseFloat(rec[lonIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude for %s: %w", ident, err)
		}

		locations = append(locations, Location{
			ID:    ident,
			Name:  field(rec, nameIdx),
			Point: geo.LonLat(lon, lat),
			Size:  sizeFromType(airportType),
		})
	}
	return locations, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func sizeFromType(t string) string {
	switch t {
	case "large_airport":
		return "large"
	case "medium_airport":
		return "medium"
	default:
		return "small"
	}
}
