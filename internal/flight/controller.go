package flight

import (
	"fmt"
	"math"
	"time"

	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

// State is the lifecycle state of a Controller
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Position is what a controller reports every frame
type Position struct {
	Point    geo.Point
	Bearing  float64 // degrees clockwise from north/up, [0, 360)
	Progress float64 // [0, 1]
	Distance float64 // along the current leg
}

// Callbacks connect a controller to its owner. Any of them may be nil.
type Callbacks struct {
	// OnProgress receives the position for frames with progress < 1. An error
	// aborts the leg.
	OnProgress func(Position) error
	// OnComplete runs exactly once when progress reaches 1
	OnComplete func()
	// OnAbort runs instead of OnComplete when OnProgress fails
	OnAbort func(error)
}

// Controller drives one flight along one leg. It is replaced, never reused,
// when the leg changes.
type Controller struct {
	path   *geo.Path
	speed  float64
	frames FrameScheduler
	clock  Clock
	cb     Callbacks
	logger *logger.Logger

	state     State
	cancelled bool
	progress  Progress
	high      float64
	frameID   FrameID
	hasFrame  bool
}

// NewController creates a controller for path at speed length units per second
func NewController(path *geo.Path, speed float64, frames FrameScheduler, clock Clock, cb Callbacks, logger *logger.Logger) (*Controller, error) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return nil, &ConfigError{Op: "new controller", Err: ErrInvalidSpeed}
	}
	if path == nil {
		return nil, &ConfigError{Op: "new controller", Err: geo.ErrTooFewWaypoints}
	}
	return &Controller{
		path:   path,
		speed:  speed,
		frames: frames,
		clock:  clock,
		cb:     cb,
		logger: logger,
	}, nil
}

// Start begins the leg now
func (c *Controller) Start() {
	c.StartAt(c.clock.Now())
}

// StartAt begins the leg at t. A start in the future holds the flight at the
// path start until t. Only the first call has any effect.
func (c *Controller) StartAt(t time.Time) {
	if c.state != StateCreated {
		return
	}
	c.state = StateRunning
	c.progress = NewProgress(t, c.speed, c.path.Length())
	c.requestFrame()
}

// Cancel stops the controller without invoking any callback. Idempotent.
func (c *Controller) Cancel() {
	if c.state == StateCompleted {
		return
	}
	c.state = StateCompleted
	c.cancelled = true
	if c.hasFrame {
		c.frames.CancelFrame(c.frameID)
		c.hasFrame = false
	}
}

// State returns the lifecycle state
func (c *Controller) State() State { return c.state }

// Cancelled reports whether the controller was stopped by Cancel
func (c *Controller) Cancelled() bool { return c.cancelled }

// Progress returns the highest progress reported so far
func (c *Controller) Progress() float64 { return c.high }

// StartedAt returns the leg start time (zero before Start)
func (c *Controller) StartedAt() time.Time { return c.progress.Start() }

// Duration returns the expected leg duration
func (c *Controller) Duration() time.Duration {
	return NewProgress(time.Time{}, c.speed, c.path.Length()).Duration()
}

// Path returns the leg path
func (c *Controller) Path() *geo.Path { return c.path }

// PositionAt returns the position for a progress fraction without side effects
func (c *Controller) PositionAt(progress float64) Position {
	d := progress * c.path.Length()
	pt, bearing := c.path.PositionAtDistance(d)
	return Position{Point: pt, Bearing: bearing, Progress: progress, Distance: d}
}

func (c *Controller) requestFrame() {
	c.frameID = c.frames.RequestFrame(c.tick)
	c.hasFrame = true
}

func (c *Controller) tick(now time.Time) {
	c.hasFrame = false
	// Frames queued before Cancel (or completion) may still be delivered
	if c.state != StateRunning {
		return
	}

	p := c.progress.At(now)
	if p < c.high {
		p = c.high
	}
	c.high = p

	if p >= 1 {
		c.state = StateCompleted
		if c.cb.OnComplete != nil {
			c.cb.OnComplete()
		}
		return
	}

	if c.cb.OnProgress != nil {
		if err := c.cb.OnProgress(c.PositionAt(p)); err != nil {
			c.logger.Warn("Render failed, aborting leg",
				logger.Error(err),
				logger.Float64("progress", p))
			c.state = StateCompleted
			if c.cb.OnAbort != nil {
				c.cb.OnAbort(err)
			}
			return
		}
	}

	// OnProgress may have cancelled us
	if c.state == StateRunning {
		c.requestFrame()
	}
}
