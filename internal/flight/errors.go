package flight

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLocation is returned when a route endpoint is not in the location table
	ErrUnknownLocation = errors.New("unknown location")
	// ErrInvalidSpeed is returned for speeds that are not finite and positive
	ErrInvalidSpeed = errors.New("speed must be finite and greater than zero")
	// ErrUnknownFlight is returned when no active flight has the given ID
	ErrUnknownFlight = errors.New("unknown flight")
	// ErrUnknownRoute is returned when no route has the given ID
	ErrUnknownRoute = errors.New("unknown route")
	// ErrUnknownResource is returned when no airplane has the given ID
	ErrUnknownResource = errors.New("unknown resource")
	// ErrResourceAssigned is returned when a resource is already bound to a flight
	ErrResourceAssigned = errors.New("resource already assigned")
	// ErrNoFreeResource is returned when every resource of a pool is busy
	ErrNoFreeResource = errors.New("no free resource")
	// ErrLoopStopped is returned when work is handed to a loop that is not running anymore
	ErrLoopStopped = errors.New("animation loop stopped")
)

// ConfigError reports a problem with static data or spawn parameters.
// These are surfaced synchronously and are never retried.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is, or wraps, a *ConfigError
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
