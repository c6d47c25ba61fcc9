package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Coordinate systems understood by the [map] section
const (
	CoordinatesGeographic = "geographic" // lon/lat degrees, great-circle routes
	CoordinatesScene      = "scene"      // abstract x/y scene units, straight routes
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig     `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig    `toml:"logging"`   // Application logging settings
	Map       MapConfig        `toml:"map"`       // Coordinate system and static data sources
	Locations []LocationConfig `toml:"locations"` // Inline locations (cities or airports)
	Routes    []RouteConfig    `toml:"routes"`    // Routes available to the spawner and the UI
	Fleet     []AirplaneConfig `toml:"fleet"`     // Airplanes that can be bound to round trips
	Animation AnimationConfig  `toml:"animation"` // Frame loop settings
	Spawner   SpawnerConfig    `toml:"spawner"`   // Periodic flight spawning policy
	Journal   JournalConfig    `toml:"journal"`   // In-memory session journal
	Scope     ScopeConfig      `toml:"scope"`     // Terminal radar scope renderer
	WebSocket WebSocketConfig  `toml:"websocket"` // Browser push transport
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = none)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	StaticFilesDir     string   `toml:"static_files_dir"`      // Directory with the browser front-end (optional)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" or "console"
	File       string `toml:"file"`         // Optional log file (forced when the scope is enabled)
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate the log file after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // Rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // Days to keep rotated files
}

// MapConfig selects the coordinate system and where locations come from
type MapConfig struct {
	Coordinates     string `toml:"coordinates"`      // "geographic" or "scene"
	AirportsDBPath  string `toml:"airports_db_path"` // OurAirports CSV (geographic only, optional)
	GeodesicSteps   int    `toml:"geodesic_steps"`   // Great-circle samples per route (default 100)
	PathCacheSize   int    `toml:"path_cache_size"`  // Resolved paths kept in the LRU cache
	MagneticBearing bool   `toml:"magnetic_bearing"` // Add WMM magnetic bearing to geographic snapshots
}

// LocationConfig defines one location inline
type LocationConfig struct {
	ID   string  `toml:"id"`   // Identity referenced by routes (e.g. "ESSA" or "stockholm")
	Name string  `toml:"name"` // Display name
	Lat  float64 `toml:"lat"`  // Latitude (geographic)
	Lon  float64 `toml:"lon"`  // Longitude (geographic)
	X    float64 `toml:"x"`    // Scene x (scene)
	Y    float64 `toml:"y"`    // Scene y (scene)
	Size string  `toml:"size"` // "small", "medium" or "large"
}

// RouteConfig defines one route between two locations
type RouteConfig struct {
	ID            string   `toml:"id"`              // Optional; generated from endpoints when empty
	From          string   `toml:"from"`            // Origin location id
	To            string   `toml:"to"`              // Destination location id
	OneWay        bool     `toml:"one_way"`         // Skip the return leg
	FlightsPerDay float64  `toml:"flights_per_day"` // Weight for weighted spawning
	Fleet         []string `toml:"fleet"`           // Airplane ids bound to this route when spawned
}

// AirplaneConfig defines one airplane of the fleet
type AirplaneConfig struct {
	ID    string  `toml:"id"`    // Registration or any unique id
	Model string  `toml:"model"` // Model name shown when creating routes
	Speed float64 `toml:"speed"` // Distance units per second, 0 = spawner policy
}

// AnimationConfig contains frame loop settings
type AnimationConfig struct {
	FrameRateHz   int     `toml:"frame_rate_hz"`   // Frames per second of the animation loop
	DefaultSpeed  float64 `toml:"default_speed"`   // Distance units per second when nothing else applies
	ReturnDelayMs int     `toml:"return_delay_ms"` // Turnaround at the destination before the return leg
}

// SpawnerConfig contains the periodic spawning policy
type SpawnerConfig struct {
	Enabled    bool    `toml:"enabled"`     // Spawn flights automatically
	IntervalMs int     `toml:"interval_ms"` // Time between spawn attempts
	Selection  string  `toml:"selection"`   // "uniform" or "weighted" (by flights_per_day)
	SpeedMin   float64 `toml:"speed_min"`   // Lower bound of the random speed
	SpeedMax   float64 `toml:"speed_max"`   // Upper bound of the random speed
	MaxActive  int     `toml:"max_active"`  // Cap on concurrent flights (0 = unlimited)
	Seed       int64   `toml:"seed"`        // RNG seed (0 = time based)
}

// JournalConfig contains settings for the in-memory session journal
type JournalConfig struct {
	Enabled     bool    `toml:"enabled"`       // Record flight events
	QueueSize   int     `toml:"queue_size"`    // Buffered events before new ones are dropped
	FarePerUnit float64 `toml:"fare_per_unit"` // Earnings per distance unit flown
}

// ScopeConfig contains settings for the terminal radar scope
type ScopeConfig struct {
	Enabled   bool `toml:"enabled"`    // Draw flights in the terminal
	RefreshHz int  `toml:"refresh_hz"` // Redraw rate
}

// WebSocketConfig contains settings for browser clients
type WebSocketConfig struct {
	SendBuffer      int    `toml:"send_buffer"`      // Per-client outbound queue length
	DefaultEncoding string `toml:"default_encoding"` // "json" or "msgpack"
}

// Load loads the configuration from a file
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return &config, nil
}

// LoadWithFallback tries the preferred path first, then the usual locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateMap(); err != nil {
		return err
	}
	if err := c.validateAnimation(); err != nil {
		return err
	}
	if err := c.validateSpawner(); err != nil {
		return err
	}
	if err := c.validateNetwork(); err != nil {
		return err
	}

	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = 1024
	}
	if c.Journal.FarePerUnit < 0 {
		return fmt.Errorf("invalid fare_per_unit: %f (must be >= 0)", c.Journal.FarePerUnit)
	}

	if c.Scope.RefreshHz <= 0 {
		c.Scope.RefreshHz = 30
	}

	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = 256
	}
	switch c.WebSocket.DefaultEncoding {
	case "":
		c.WebSocket.DefaultEncoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("invalid websocket default_encoding: %s (must be 'json' or 'msgpack')", c.WebSocket.DefaultEncoding)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = 60
	}

	if c.Server.StaticFilesDir != "" {
		if _, err := os.Stat(c.Server.StaticFilesDir); os.IsNotExist(err) {
			return fmt.Errorf("static files directory does not exist: %s", c.Server.StaticFilesDir)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// The scope draws over stdout/stderr, so logs must go somewhere else
	if c.Scope.Enabled && c.Logging.File == "" {
		c.Logging.File = "skyroutes.log"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 32
	}
	return nil
}

func (c *Config) validateMap() error {
	if c.Map.Coordinates == "" {
		c.Map.Coordinates = CoordinatesGeographic
	}
	switch c.Map.Coordinates {
	case CoordinatesGeographic, CoordinatesScene:
	default:
		return fmt.Errorf("invalid map coordinates: %s (must be 'geographic' or 'scene')", c.Map.Coordinates)
	}

	if c.Map.Coordinates == CoordinatesScene {
		if c.Map.AirportsDBPath != "" {
			return fmt.Errorf("airports_db_path is only supported with geographic coordinates")
		}
		if c.Map.MagneticBearing {
			return fmt.Errorf("magnetic_bearing is only supported with geographic coordinates")
		}
	}

	if c.Map.AirportsDBPath != "" {
		if _, err := os.Stat(c.Map.AirportsDBPath); err != nil {
			return fmt.Errorf("airports database not readable: %w", err)
		}
	}

	if c.Map.GeodesicSteps <= 0 {
		c.Map.GeodesicSteps = 100
	}
	if c.Map.PathCacheSize <= 0 {
		c.Map.PathCacheSize = 256
	}
	return nil
}

func (c *Config) validateAnimation() error {
	if c.Animation.FrameRateHz <= 0 {
		c.Animation.FrameRateHz = 60
	}
	if c.Animation.FrameRateHz > 240 {
		return fmt.Errorf("invalid frame_rate_hz: %d (must be <= 240)", c.Animation.FrameRateHz)
	}

	if c.Animation.DefaultSpeed < 0 {
		return fmt.Errorf("invalid default_speed: %f", c.Animation.DefaultSpeed)
	}
	if c.Animation.DefaultSpeed == 0 {
		// Geographic speeds are km/s, scene speeds are scene units/s
		if c.Map.Coordinates == CoordinatesScene {
			c.Animation.DefaultSpeed = 1
		} else {
			c.Animation.DefaultSpeed = 250
		}
	}

	if c.Animation.ReturnDelayMs < 0 {
		return fmt.Errorf("invalid return_delay_ms: %d", c.Animation.ReturnDelayMs)
	}
	return nil
}

func (c *Config) validateSpawner() error {
	if c.Spawner.IntervalMs <= 0 {
		c.Spawner.IntervalMs = 1000
	}

	switch c.Spawner.Selection {
	case "":
		c.Spawner.Selection = "uniform"
	case "uniform", "weighted":
	default:
		return fmt.Errorf("invalid spawner selection: %s (must be 'uniform' or 'weighted')", c.Spawner.Selection)
	}

	if c.Spawner.SpeedMin < 0 || c.Spawner.SpeedMax < 0 {
		return fmt.Errorf("spawner speeds must be >= 0")
	}
	if c.Spawner.SpeedMin == 0 {
		c.Spawner.SpeedMin = c.Animation.DefaultSpeed
	}
	if c.Spawner.SpeedMax == 0 {
		c.Spawner.SpeedMax = c.Spawner.SpeedMin
	}
	if c.Spawner.SpeedMax < c.Spawner.SpeedMin {
		return fmt.Errorf("spawner speed_max (%f) must be >= speed_min (%f)", c.Spawner.SpeedMax, c.Spawner.SpeedMin)
	}

	if c.Spawner.MaxActive < 0 {
		return fmt.Errorf("invalid spawner max_active: %d", c.Spawner.MaxActive)
	}
	return nil
}

// validateNetwork checks the inline tables for duplicates and dangling references.
// Route endpoints that are not inline may still come from the airports database,
// so those are checked when the network is built.
func (c *Config) validateNetwork() error {
	locations := make(map[string]bool)
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return fmt.Errorf("location %d has no id", i)
		}
		if locations[loc.ID] {
			return fmt.Errorf("duplicate location id: %s", loc.ID)
		}
		if c.Map.Coordinates == CoordinatesGeographic {
			if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
				return fmt.Errorf("location %s has invalid coordinates (%f, %f)", loc.ID, loc.Lat, loc.Lon)
			}
		}
		locations[loc.ID] = true
	}

	if c.Map.Coordinates == CoordinatesScene && len(c.Locations) == 0 && len(c.Routes) > 0 {
		return fmt.Errorf("scene coordinates require inline [[locations]]")
	}

	fleet := make(map[string]bool)
	for i, ap := range c.Fleet {
		if ap.ID == "" {
			return fmt.Errorf("fleet entry %d has no id", i)
		}
		if fleet[ap.ID] {
			return fmt.Errorf("duplicate airplane id: %s", ap.ID)
		}
		if ap.Speed < 0 {
			return fmt.Errorf("airplane %s has negative speed", ap.ID)
		}
		fleet[ap.ID] = true
	}

	routes := make(map[string]bool)
	for i, rt := range c.Routes {
		if rt.From == "" || rt.To == "" {
			return fmt.Errorf("route %d must have both from and to", i)
		}
		if rt.FlightsPerDay < 0 {
			return fmt.Errorf("route %s->%s has negative flights_per_day", rt.From, rt.To)
		}
		if rt.ID != "" {
			if routes[rt.ID] {
				return fmt.Errorf("duplicate route id: %s", rt.ID)
			}
			routes[rt.ID] = true
		}
		for _, id := range rt.Fleet {
			if !fleet[id] {
				return fmt.Errorf("route %s->%s references unknown airplane %s", rt.From, rt.To, id)
			}
		}
	}
	return nil
}
