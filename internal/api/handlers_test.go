package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/network"
	"github.com/yegors/skyroutes/internal/session"
	"github.com/yegors/skyroutes/pkg/logger"
)

const testConfig = `
[server]
port = 8080
cors_allowed_origins = ["http://localhost:3000"]

[map]
coordinates = "scene"

[animation]
default_speed = 1.0

[[locations]]
id = "a"
x = 0
y = 0

[[locations]]
id = "b"
x = 3
y = 4

[[fleet]]
id = "plane-1"
model = "Buzzer"

[[routes]]
id = "a-b"
from = "a"
to = "b"
flights_per_day = 2
`

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	log := logger.NewNop()
	net, err := network.FromConfig(cfg, log)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	clock := flight.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, err := session.NewService(cfg, net, nil, log, session.WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewRouter(svc, cfg, log, nil).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSpawnListAndCancelFlight(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/flights", map[string]any{"route_id": "a-b"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view flight.FlightView
	decodeBody(t, rec, &view)
	if view.RouteID != "a-b" || view.LegLength != 5 {
		t.Fatalf("unexpected flight: %+v", view)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/flights", nil)
	var list struct {
		Flights []flight.FlightView `json:"flights"`
		Count   int                 `json:"count"`
	}
	decodeBody(t, rec, &list)
	if list.Count != 1 || list.Flights[0].ID != view.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/flights/%d", view.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/api/v1/flights/%d", view.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/api/v1/flights/%d", view.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second cancel, got %d", rec.Code)
	}
}

func TestSpawnErrorsMapToStatus(t *testing.T) {
	h := newTestRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown route", http.MethodPost, "/api/v1/flights", map[string]any{"route_id": "x"}, http.StatusNotFound},
		{"missing route", http.MethodPost, "/api/v1/flights", map[string]any{}, http.StatusBadRequest},
		{"bad speed", http.MethodPost, "/api/v1/flights", map[string]any{"route_id": "a-b", "speed": -2}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/flights", map[string]any{"route": "a-b"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/flights/abc", nil, http.StatusBadRequest},
		{"unknown endpoint", http.MethodPost, "/api/v1/routes", map[string]any{"from": "a", "to": "nowhere"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/events?limit=0", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateRouteBindsAirplane(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/routes", map[string]any{"from": "b", "to": "a", "model": "Buzzer"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var conf session.RouteConfirmation
	decodeBody(t, rec, &conf)
	if conf.Route.ID != "b-a" || conf.Flight.ResourceID != "plane-1" {
		t.Fatalf("unexpected confirmation: %+v", conf)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/routes", map[string]any{"from": "a", "to": "b", "model": "Buzzer"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 with the fleet busy, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/fleet", nil)
	var fleet struct {
		Airplanes []network.ResourceView      `json:"airplanes"`
		Models    []network.ModelAvailability `json:"models"`
	}
	decodeBody(t, rec, &fleet)
	if len(fleet.Airplanes) != 1 || !fleet.Airplanes[0].Assigned {
		t.Fatalf("expected plane-1 assigned: %+v", fleet.Airplanes)
	}
	if len(fleet.Models) != 1 || fleet.Models[0].Free != 0 || fleet.Models[0].Total != 1 {
		t.Fatalf("unexpected availability: %+v", fleet.Models)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/routes", nil)
	var routes struct {
		Routes []flight.Route `json:"routes"`
	}
	decodeBody(t, rec, &routes)
	if len(routes.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes.Routes))
	}
}

func TestLocationsIncludeDailyFlights(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/v1/locations", nil)
	var body struct {
		Kind      string                 `json:"kind"`
		Locations []network.LocationView `json:"locations"`
	}
	decodeBody(t, rec, &body)
	if len(body.Locations) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(body.Locations))
	}
	for _, l := range body.Locations {
		if l.DailyFlights != 2 {
			t.Errorf("expected 2 daily flights at %s, got %v", l.ID, l.DailyFlights)
		}
	}
}

func TestSpawnerToggleAndStats(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/spawner", map[string]any{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/stats", nil)
	var stats session.Stats
	decodeBody(t, rec, &stats)
	if !stats.Spawning {
		t.Fatal("expected spawner running")
	}
	if stats.Totals != nil {
		t.Fatal("expected no totals without a journal")
	}

	rec = do(t, h, http.MethodPost, "/api/v1/spawner", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/flights", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for unknown origin, got %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", flight.ErrUnknownFlight), http.StatusNotFound},
		{flight.ErrUnknownRoute, http.StatusNotFound},
		{flight.ErrResourceAssigned, http.StatusConflict},
		{flight.ErrNoFreeResource, http.StatusConflict},
		{flight.ErrUnknownResource, http.StatusBadRequest},
		{&flight.ConfigError{Op: "spawn", Err: flight.ErrInvalidSpeed}, http.StatusBadRequest},
		{flight.ErrLoopStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
