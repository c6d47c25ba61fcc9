package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/pkg/logger"
)

// MemoryDSN keeps the journal in memory for the lifetime of the process
const MemoryDSN = ":memory:"

// Journal event kinds
const (
	EventSpawned      = "spawned"
	EventLegCompleted = "leg_completed"
	EventFinished     = "finished"
)

// EventRecord is one row of the journal
type EventRecord struct {
	ID         int64     `json:"id"`
	FlightID   int64     `json:"flight_id"`
	Kind       string    `json:"kind"`
	RouteID    string    `json:"route_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Direction  string    `json:"direction"`
	ResourceID string    `json:"resource_id,omitempty"`
	Speed      float64   `json:"speed"`
	Distance   float64   `json:"distance"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Totals summarises the session
type Totals struct {
	Spawned       int64   `json:"spawned"`
	LegsCompleted int64   `json:"legs_completed"`
	Completed     int64   `json:"completed"`
	Cancelled     int64   `json:"cancelled"`
	Aborted       int64   `json:"aborted"`
	Distance      float64 `json:"distance"`
	Earnings      float64 `json:"earnings"`
	Dropped       int64   `json:"dropped_events"`
}

// RouteStats summarises one route
type RouteStats struct {
	RouteID       string  `json:"route_id"`
	Spawned       int64   `json:"spawned"`
	LegsCompleted int64   `json:"legs_completed"`
	Completed     int64   `json:"completed"`
	Cancelled     int64   `json:"cancelled"`
	Aborted       int64   `json:"aborted"`
	Distance      float64 `json:"distance"`
	Earnings      float64 `json:"earnings"`
}

type journalOp struct {
	record  *EventRecord
	flushed chan struct{}
}

// Journal records flight lifecycle events in SQLite. It implements
// flight.Observer; observer calls only enqueue, the writes happen in Run.
type Journal struct {
	db          *sql.DB
	ops         chan journalOp
	farePerUnit float64
	now         func() time.Time
	logger      *logger.Logger

	mu      sync.Mutex
	dropped int64
}

// NewJournal opens the journal database and creates its schema
func NewJournal(dsn string, queueSize int, farePerUnit float64, log *logger.Logger) (*Journal, error) {
	journalLogger := log.Named("journal")

	if dsn == "" {
		dsn = MemoryDSN
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	journalLogger.Info("Initializing SQLite journal", logger.String("dsn", dsn))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database lives and dies with its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=OFF"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := initJournal(db, journalLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{
		db:          db,
		ops:         make(chan journalOp, queueSize),
		farePerUnit: farePerUnit,
		now:         time.Now,
		logger:      journalLogger,
	}, nil
}

func initJournal(db *sql.DB, log *logger.Logger) error {
	log.Debug("Initializing journal schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flight_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flight_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			route_id TEXT NOT NULL,
			from_location TEXT,
			to_location TEXT,
			direction TEXT,
			resource_id TEXT,
			speed REAL,
			distance REAL DEFAULT 0,
			reason TEXT,
			at_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create flight_events table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_flight_events_route ON flight_events(route_id)`); err != nil {
		return fmt.Errorf("failed to create route index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_flight_events_flight ON flight_events(flight_id)`); err != nil {
		return fmt.Errorf("failed to create flight index: %w", err)
	}
	return nil
}

// FlightSpawned implements flight.Observer
func (j *Journal) FlightSpawned(v flight.FlightView) {
	j.enqueue(j.record(EventSpawned, v, 0, ""))
}

// LegCompleted implements flight.Observer
func (j *Journal) LegCompleted(v flight.FlightView) {
	j.enqueue(j.record(EventLegCompleted, v, v.LegLength, ""))
}

// FlightFinished implements flight.Observer
func (j *Journal) FlightFinished(v flight.FlightView, reason flight.FinishReason) {
	j.enqueue(j.record(EventFinished, v, 0, reason.String()))
}

func (j *Journal) record(kind string, v flight.FlightView, distance float64, reason string) *EventRecord {
	return &EventRecord{
		FlightID:   int64(v.ID),
		Kind:       kind,
		RouteID:    v.RouteID,
		From:       v.From,
		To:         v.To,
		Direction:  v.Direction.String(),
		ResourceID: v.ResourceID,
		Speed:      v.Speed,
		Distance:   distance,
		Reason:     reason,
		At:         j.now(),
	}
}

// enqueue never blocks the animation loop; events are dropped when the queue is full
func (j *Journal) enqueue(rec *EventRecord) {
	select {
	case j.ops <- journalOp{record: rec}:
	default:
		j.mu.Lock()
		j.dropped++
		dropped := j.dropped
		j.mu.Unlock()
		if dropped%100 == 1 {
			j.logger.Warn("Journal queue full, dropping events", logger.Int64("dropped_total", dropped))
		}
	}
}

// Run writes queued events until ctx is cancelled, then drains what is left
func (j *Journal) Run(ctx context.Context) error {
	j.logger.Info("Journal writer started")
	for {
		select {
		case op := <-j.ops:
			j.apply(op)
		case <-ctx.Done():
			for {
				select {
				case op := <-j.ops:
					j.apply(op)
				default:
					j.logger.Info("Journal writer stopped")
					return nil
				}
			}
		}
	}
}

func (j *Journal) apply(op journalOp) {
	if op.flushed != nil {
		close(op.flushed)
		return
	}
	if err := j.insert(op.record); err != nil {
		j.logger.Error("Failed to write journal event",
			logger.Error(err),
			logger.String("kind", op.record.Kind),
			logger.Int64("flight", op.record.FlightID))
	}
}

// Flush waits until every event queued before the call has been written
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case j.ops <- journalOp{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) insert(r *EventRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO flight_events (
			flight_id, kind, route_id, from_location, to_location, direction,
			resource_id, speed, distance, reason, at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.FlightID, r.Kind, r.RouteID, r.From, r.To, r.Direction,
		nullString(r.ResourceID), r.Speed, r.Distance, nullString(r.Reason), r.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert flight event: %w", err)
	}
	return nil
}

const statsColumns = `
	COALESCE(SUM(kind = 'spawned'), 0),
	COALESCE(SUM(kind = 'leg_completed'), 0),
	COALESCE(SUM(kind = 'finished' AND reason = 'completed'), 0),
	COALESCE(SUM(kind = 'finished' AND reason = 'cancelled'), 0),
	COALESCE(SUM(kind = 'finished' AND reason = 'aborted'), 0),
	COALESCE(SUM(CASE WHEN kind = 'leg_completed' THEN distance ELSE 0 END), 0.0)`

// Totals returns the session summary. Earnings are completed-leg distance times the fare.
func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := j.db.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM flight_events`).Scan(
		&t.Spawned, &t.LegsCompleted, &t.Completed, &t.Cancelled, &t.Aborted, &t.Distance)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	t.Earnings = t.Distance * j.farePerUnit

	j.mu.Lock()
	t.Dropped = j.dropped
	j.mu.Unlock()
	return t, nil
}

// RouteStats returns per-route summaries ordered by route ID
func (j *Journal) RouteStats(ctx context.Context) ([]RouteStats, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT route_id, `+statsColumns+`
		FROM flight_events
		GROUP BY route_id
		ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query route stats: %w", err)
	}
	defer rows.Close()

	var stats []RouteStats
	for rows.Next() {
		var s RouteStats
		if err := rows.Scan(&s.RouteID, &s.Spawned, &s.LegsCompleted, &s.Completed, &s.Cancelled, &s.Aborted, &s.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan route stats: %w", err)
		}
		s.Earnings = s.Distance * j.farePerUnit
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// RecentEvents returns the newest events first
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, flight_id, kind, route_id, from_location, to_location, direction,
			COALESCE(resource_id, ''), speed, distance, COALESCE(reason, ''), at_ms
		FROM flight_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var atMs int64
		if err := rows.Scan(&e.ID, &e.FlightID, &e.Kind, &e.RouteID, &e.From, &e.To, &e.Direction,
			&e.ResourceID, &e.Speed, &e.Distance, &e.Reason, &atMs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
