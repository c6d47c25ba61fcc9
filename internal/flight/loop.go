package flight

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yegors/skyroutes/pkg/logger"
)

// FrameID identifies a requested frame callback
type FrameID uint64

// FrameFunc is invoked once with the frame timestamp
type FrameFunc func(now time.Time)

// FrameScheduler is the per-frame trigger source. Callbacks requested while a
// frame batch is running are deferred to the next batch.
type FrameScheduler interface {
	RequestFrame(fn FrameFunc) FrameID
	CancelFrame(id FrameID)
}

// Timer is a handle on a periodic callback
type Timer interface {
	Stop()
}

// IntervalScheduler is the periodic trigger source
type IntervalScheduler interface {
	Every(interval time.Duration, fn func(now time.Time)) Timer
}

type frameRequest struct {
	id        FrameID
	fn        FrameFunc
	cancelled bool
}

type loopTimer struct {
	interval time.Duration
	next     time.Time
	fn       func(now time.Time)
	stopped  bool
}

func (t *loopTimer) Stop() { t.stopped = true }

// Loop is the single logical timeline of the animation engine. All flight
// state is owned by the goroutine that calls Step (or Run). Other goroutines
// hand work in through Post and Do.
type Loop struct {
	clock         Clock
	frameInterval time.Duration
	logger        *logger.Logger

	nextFrame FrameID
	pending   []*frameRequest
	byID      map[FrameID]*frameRequest
	timers    []*loopTimer

	posts    chan func()
	done     chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// NewLoop creates a loop that steps frameRate times per second when run
func NewLoop(clock Clock, frameRate int, logger *logger.Logger) *Loop {
	if frameRate <= 0 {
		frameRate = 60
	}
	return &Loop{
		clock:         clock,
		frameInterval: time.Second / time.Duration(frameRate),
		logger:        logger.Named("loop"),
		byID:          make(map[FrameID]*frameRequest),
		posts:         make(chan func(), 1024),
		done:          make(chan struct{}),
	}
}

// Now returns the loop clock time
func (l *Loop) Now() time.Time { return l.clock.Now() }

// RequestFrame schedules fn for the next frame batch
func (l *Loop) RequestFrame(fn FrameFunc) FrameID {
	l.nextFrame++
	req := &frameRequest{id: l.nextFrame, fn: fn}
	l.pending = append(l.pending, req)
	l.byID[req.id] = req
	return req.id
}

// CancelFrame drops a pending frame request. Unknown or already-run IDs are ignored.
func (l *Loop) CancelFrame(id FrameID) {
	if req, ok := l.byID[id]; ok {
		req.cancelled = true
		delete(l.byID, id)
	}
}

// Every calls fn each interval, starting one interval from now
func (l *Loop) Every(interval time.Duration, fn func(now time.Time)) Timer {
	if interval <= 0 {
		interval = l.frameInterval
	}
	t := &loopTimer{interval: interval, next: l.clock.Now().Add(interval), fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// PendingFrames returns the number of frame callbacks waiting for the next batch
func (l *Loop) PendingFrames() int {
	return len(l.byID)
}

// Step runs one iteration: posted closures, due timers, then the frame batch
func (l *Loop) Step(now time.Time) {
	l.drainPosts()
	l.fireTimers(now)

	batch := l.pending
	l.pending = nil
	for _, req := range batch {
		if req.cancelled {
			continue
		}
		delete(l.byID, req.id)
		req.fn(now)
	}
}

func (l *Loop) drainPosts() {
	for {
		select {
		case fn := <-l.posts:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) fireTimers(now time.Time) {
	timers := make([]*loopTimer, len(l.timers))
	copy(timers, l.timers)

	for _, t := range timers {
		if t.stopped || now.Before(t.next) {
			continue
		}
		t.fn(now)
		t.next = t.next.Add(t.interval)
		if !t.next.After(now) {
			// Skip intervals missed while the loop was stalled
			t.next = now.Add(t.interval)
		}
	}

	live := l.timers[:0]
	for _, t := range l.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(l.timers); i++ {
		l.timers[i] = nil
	}
	l.timers = live
}

// Run drives Step from a ticker until ctx is cancelled. Posted closures run as
// soon as they arrive so that Do callers are not held up by the frame rate.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("loop already running")
	}
	defer l.stop()

	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()

	l.logger.Info("Animation loop started", logger.Duration("frame_interval", l.frameInterval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Animation loop stopped")
			return nil
		case fn := <-l.posts:
			fn()
		case <-ticker.C:
			l.Step(l.clock.Now())
		}
	}
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.posts <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// Do runs fn on the loop goroutine and waits for its result
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := l.Post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The closure may still have run just before the loop exited
		select {
		case err := <-result:
			return err
		default:
			return ErrLoopStopped
		}
	}
}
