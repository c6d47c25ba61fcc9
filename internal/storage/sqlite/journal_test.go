package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/pkg/logger"
)

func newTestJournal(t *testing.T, queue int) (*Journal, context.CancelFunc) {
	t.Helper()
	j, err := NewJournal(MemoryDSN, queue, 0.5, logger.NewNop())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		j.Close()
	})
	return j, cancel
}

func view(id flight.FlightID, route string, dir flight.Direction, length float64) flight.FlightView {
	return flight.FlightView{
		ID:        id,
		RouteID:   route,
		From:      "A",
		To:        "B",
		Direction: dir,
		Speed:     250,
		LegLength: length,
	}
}

func flush(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestJournalTotalsAndEarnings(t *testing.T) {
	j, _ := newTestJournal(t, 64)

	// Round trip on A-B: two legs of 400
	j.FlightSpawned(view(1, "A-B", flight.Outbound, 400))
	j.LegCompleted(view(1, "A-B", flight.Outbound, 400))
	j.LegCompleted(view(1, "A-B", flight.Return, 400))
	j.FlightFinished(view(1, "A-B", flight.Return, 400), flight.FinishCompleted)

	// Cancelled flight on B-C, no legs
	j.FlightSpawned(view(2, "B-C", flight.Outbound, 100))
	j.FlightFinished(view(2, "B-C", flight.Outbound, 100), flight.FinishCancelled)

	// Aborted flight on B-C after one leg
	j.FlightSpawned(view(3, "B-C", flight.Outbound, 100))
	j.LegCompleted(view(3, "B-C", flight.Outbound, 100))
	j.FlightFinished(view(3, "B-C", flight.Return, 100), flight.FinishAborted)

	flush(t, j)

	totals, err := j.Totals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Totals{Spawned: 3, LegsCompleted: 3, Completed: 1, Cancelled: 1, Aborted: 1, Distance: 900, Earnings: 450}
	if totals != want {
		t.Fatalf("got %+v, want %+v", totals, want)
	}

	stats, err := j.RouteStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(stats))
	}
	if stats[0].RouteID != "A-B" || stats[0].Distance != 800 || stats[0].Earnings != 400 || stats[0].Completed != 1 {
		t.Errorf("unexpected A-B stats %+v", stats[0])
	}
	if stats[1].RouteID != "B-C" || stats[1].Spawned != 2 || stats[1].Cancelled != 1 || stats[1].Aborted != 1 {
		t.Errorf("unexpected B-C stats %+v", stats[1])
	}
}

func TestJournalRecentEvents(t *testing.T) {
	j, _ := newTestJournal(t, 64)

	v := view(9, "A-B", flight.Outbound, 10)
	v.ResourceID = "SE-ABC"
	j.FlightSpawned(v)
	j.FlightFinished(v, flight.FinishCancelled)
	flush(t, j)

	events, err := j.RecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventFinished || events[0].Reason != "cancelled" {
		t.Errorf("newest event should be the finish, got %+v", events[0])
	}
	if events[1].Kind != EventSpawned || events[1].ResourceID != "SE-ABC" || events[1].Reason != "" {
		t.Errorf("unexpected spawn event %+v", events[1])
	}
	if !events[1].At.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp not preserved: %s", events[1].At)
	}
}

func TestJournalEmptyTotals(t *testing.T) {
	j, _ := newTestJournal(t, 8)
	totals, err := j.Totals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if totals != (Totals{}) {
		t.Fatalf("expected zero totals, got %+v", totals)
	}
}

func TestJournalDropsWhenQueueFull(t *testing.T) {
	j, err := NewJournal(MemoryDSN, 2, 1, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	// No writer running: the third event has nowhere to go
	for i := 1; i <= 3; i++ {
		j.FlightSpawned(view(flight.FlightID(i), "A-B", flight.Outbound, 1))
	}
	totals, err := j.Totals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if totals.Dropped != 1 {
		t.Fatalf("expected 1 dropped event, got %d", totals.Dropped)
	}
}

func TestJournalWithManager(t *testing.T) {
	j, _ := newTestJournal(t, 64)

	clock := flight.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	loop := flight.NewLoop(clock, 60, logger.NewNop())
	paths := staticPaths{}
	m := flight.NewManager(loop, clock, paths, logger.NewNop(), flight.WithObserver(j))

	if _, err := m.Spawn(flight.Route{ID: "A-B", From: "A", To: "B", OneWay: true}, nil, 5); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		loop.Step(clock.Advance(time.Second))
	}
	flush(t, j)

	totals, err := j.Totals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if totals.Completed != 1 || totals.Distance != 10 || totals.Earnings != 5 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
