// Package radar draws active flights on a terminal scope
package radar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/internal/physics"
	"github.com/yegors/skyroutes/pkg/logger"
)

var (
	// ErrScopeClosed is returned by the renderer methods after the scope stopped
	ErrScopeClosed = errors.New("radar scope closed")
	// ErrUserQuit is returned by Run when the operator quits from the keyboard
	ErrUserQuit = errors.New("radar scope quit by user")
)

var (
	styleDefault  = tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite)
	styleHeader   = styleDefault.Foreground(tcell.ColorAqua).Bold(true)
	styleRoute    = styleDefault.Foreground(tcell.ColorDarkGray)
	styleLocation = styleDefault.Foreground(tcell.ColorYellow)
	styleOutbound = styleDefault.Foreground(tcell.ColorLime)
	styleReturn   = styleDefault.Foreground(tcell.ColorAqua)
	styleLeader   = styleDefault.Foreground(tcell.ColorGray)
)

var arrows = []rune{'↑', '↗', '→', '↘', '↓', '↙', '←', '↖'}

// Marker is a labelled location on the scope
type Marker struct {
	ID    string
	Point geo.Point
}

// RouteLine is the polyline a route's aircraft fly along
type RouteLine struct {
	Points []geo.Point
}

// RouteLines resolves each route through paths so curved routes are drawn
// the way aircraft fly them. Routes sharing both endpoints are drawn once and
// routes that fail to resolve are skipped.
func RouteLines(routes []flight.Route, paths flight.PathResolver) []RouteLine {
	var lines []RouteLine
	seen := make(map[[2]string]bool)
	for _, r := range routes {
		key := [2]string{r.From, r.To}
		if r.To < r.From {
			key = [2]string{r.To, r.From}
		}
		if seen[key] {
			continue
		}

		path, err := paths.ResolvePath(r.From, r.To)
		if err != nil {
			continue
		}
		seen[key] = true
		lines = append(lines, RouteLine{Points: path.Waypoints()})
	}
	return lines
}

var _ flight.Renderer = (*Scope)(nil)

// Scope is a flight.Renderer that draws on a tcell screen. Update and Remove
// only record state; drawing happens on the Run goroutine.
type Scope struct {
	screen  tcell.Screen
	refresh time.Duration
	logger  *logger.Logger

	mu      sync.Mutex
	flights map[flight.FlightID]flight.Snapshot
	markers []Marker
	routes  []RouteLine
	closed  bool
	title   string
}

// NewScope creates a scope drawing refreshHz times per second
func NewScope(screen tcell.Screen, refreshHz int, title string, logger *logger.Logger) *Scope {
	if refreshHz <= 0 {
		refreshHz = 30
	}
	return &Scope{
		screen:  screen,
		refresh: time.Second / time.Duration(refreshHz),
		logger:  logger.Named("radar"),
		flights: make(map[flight.FlightID]flight.Snapshot),
		title:   title,
	}
}

// SetMap sets the static background: locations and route lines
func (s *Scope) SetMap(markers []Marker, routes []RouteLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append([]Marker(nil), markers...)
	s.routes = append([]RouteLine(nil), routes...)
}

// Update implements flight.Renderer
func (s *Scope) Update(id flight.FlightID, snap flight.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	s.flights[id] = snap
	return nil
}

// Remove implements flight.Renderer
func (s *Scope) Remove(id flight.FlightID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	delete(s.flights, id)
	return nil
}

// Run initialises the screen and redraws until ctx is cancelled or the
// operator presses q, Esc or Ctrl-C
func (s *Scope) Run(ctx context.Context) error {
	if err := s.screen.Init(); err != nil {
		return fmt.Errorf("failed to initialise terminal: %w", err)
	}
	s.screen.SetStyle(styleDefault)
	s.screen.Clear()

	quit := make(chan struct{})
	go s.pollEvents(quit)

	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.screen.Fini()
	}()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	s.logger.Info("Radar scope started", logger.Duration("refresh", s.refresh))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return ErrUserQuit
		case <-ticker.C:
			s.Draw()
		}
	}
}

func (s *Scope) pollEvents(quit chan<- struct{}) {
	for {
		ev := s.screen.PollEvent()
		switch ev := ev.(type) {
		case nil:
			// Screen finalised
			return
		case *tcell.EventResize:
			s.screen.Sync()
		case *tcell.EventKey:
			if isQuitKey(ev.Key(), ev.Rune()) {
				close(quit)
				return
			}
		}
	}
}

func isQuitKey(key tcell.Key, r rune) bool {
	switch key {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyRune:
		return r == 'q' || r == 'Q'
	}
	return false
}

// Draw renders one frame
func (s *Scope) Draw() {
	s.mu.Lock()
	markers := s.markers
	routes := s.routes
	snaps := make([]flight.Snapshot, 0, len(s.flights))
	for _, snap := range s.flights {
		snaps = append(snaps, snap)
	}
	s.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	s.screen.Clear()
	w, h := s.screen.Size()
	proj := newProjection(markers, routes, snaps, w, h)

	for _, r := range routes {
		for i := 1; i < len(r.Points); i++ {
			x0, y0 := proj.cell(r.Points[i-1])
			x1, y1 := proj.cell(r.Points[i])
			drawLine(s.screen, x0, y0, x1, y1, '·', styleRoute)
			if i < len(r.Points)-1 {
				s.screen.SetContent(x1, y1, '·', nil, styleRoute)
			}
		}
	}

	for _, m := range markers {
		x, y := proj.cell(m.Point)
		s.screen.SetContent(x, y, '◉', nil, styleLocation)
		drawText(s.screen, x+2, y, m.ID, styleLocation)
	}

	for _, snap := range snaps {
		x, y := proj.cell(snap.Position)
		style := styleOutbound
		if snap.Direction == flight.Return {
			style = styleReturn
		}

		// Leader dot one cell ahead of the aircraft
		lead := physics.HeadingToVector(snap.Bearing, 1.5)
		lx, ly := x+int(math.Round(lead.X)), y-int(math.Round(lead.Y))
		if lx != x || ly != y {
			s.screen.SetContent(lx, ly, '∙', nil, styleLeader)
		}
		s.screen.SetContent(x, y, ArrowFor(snap.Bearing), nil, style)
	}

	header := fmt.Sprintf(" %s  flights: %d  [q] quit ", s.title, len(snaps))
	drawText(s.screen, 0, 0, header, styleHeader)
	s.screen.Show()
}

// ArrowFor returns the arrow glyph closest to a bearing
func ArrowFor(bearing float64) rune {
	b := geo.NormalizeBearing(bearing)
	return arrows[int((b+22.5)/45)%len(arrows)]
}

// projection maps path coordinates to terminal cells, north up, with a margin
// of one cell and a header row
type projection struct {
	minX, maxX, minY, maxY float64
	w, h                   int
}

func newProjection(markers []Marker, routes []RouteLine, snaps []flight.Snapshot, w, h int) projection {
	p := projection{
		minX: math.Inf(1), maxX: math.Inf(-1),
		minY: math.Inf(1), maxY: math.Inf(-1),
		w: w, h: h,
	}
	extend := func(pt geo.Point) {
		p.minX = math.Min(p.minX, pt.X)
		p.maxX = math.Max(p.maxX, pt.X)
		p.minY = math.Min(p.minY, pt.Y)
		p.maxY = math.Max(p.maxY, pt.Y)
	}
	for _, m := range markers {
		extend(m.Point)
	}
	// Great circles bulge past their endpoints
	for _, r := range routes {
		for _, pt := range r.Points {
			extend(pt)
		}
	}
	if len(markers) == 0 && len(routes) == 0 {
		for _, snap := range snaps {
			extend(snap.Position)
		}
	}
	if math.IsInf(p.minX, 0) {
		p.minX, p.maxX, p.minY, p.maxY = -1, 1, -1, 1
	}
	if p.maxX-p.minX < 1e-9 {
		p.minX, p.maxX = p.minX-1, p.maxX+1
	}
	if p.maxY-p.minY < 1e-9 {
		p.minY, p.maxY = p.minY-1, p.maxY+1
	}
	return p
}

func (p projection) cell(pt geo.Point) (int, int) {
	cols := float64(max(p.w-12, 1)) // room for labels on the right
	rows := float64(max(p.h-3, 1))
	x := 1 + int(math.Round((pt.X-p.minX)/(p.maxX-p.minX)*cols))
	y := 2 + int(math.Round((p.maxY-pt.Y)/(p.maxY-p.minY)*rows))
	return x, y
}

func drawText(screen tcell.Screen, x, y int, text string, style tcell.Style) {
	for _, r := range text {
		screen.SetContent(x, y, r, nil, style)
		x++
	}
}

// drawLine plots a Bresenham line, skipping the end cells (markers sit there)
func drawLine(screen tcell.Screen, x0, y0, x1, y1 int, r rune, style tcell.Style) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	x, y := x0, y0
	for {
		if (x != x0 || y != y0) && (x != x1 || y != y1) {
			screen.SetContent(x, y, r, nil, style)
		}
		if x == x1 && y == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
