package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/session"
	"github.com/yegors/skyroutes/internal/websocket"
	"github.com/yegors/skyroutes/pkg/logger"
)

const maxRequestBody = 1 << 16

// Handler contains the API handlers
type Handler struct {
	session  *session.Service
	config   *config.Config
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc *session.Service, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		session:  svc,
		config:   config,
		wsServer: wsServer,
		logger:   logger.Named("api-handler"),
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.session.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := map[string]any{
		"status":         "ok",
		"active_flights": stats.ActiveFlights,
		"spawning":       stats.Spawning,
	}
	if h.wsServer != nil {
		response["ws_clients"] = h.wsServer.ClientCount()
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetConfig returns the settings a front-end needs to draw the map
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"coordinates":      h.config.Map.Coordinates,
		"magnetic_bearing": h.config.Map.MagneticBearing,
		"frame_rate_hz":    h.config.Animation.FrameRateHz,
		"default_speed":    h.config.Animation.DefaultSpeed,
		"return_delay_ms":  h.config.Animation.ReturnDelayMs,
		"spawner": map[string]any{
			"enabled":     h.config.Spawner.Enabled,
			"interval_ms": h.config.Spawner.IntervalMs,
			"selection":   h.config.Spawner.Selection,
			"max_active":  h.config.Spawner.MaxActive,
		},
		"journal":     h.config.Journal.Enabled,
		"ws_encoding": h.config.WebSocket.DefaultEncoding,
	})
}

// GetLocations returns every location with its daily flights
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	snap, err := h.session.NetworkSnapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"kind":      snap.Kind,
		"locations": snap.Locations,
	})
}

// GetRoutes returns every route
func (h *Handler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	snap, err := h.session.NetworkSnapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"routes": snap.Routes})
}

// CreateRoute adds a route, binds an airplane and flies it
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req session.RouteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	conf, err := h.session.CreateRoute(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, conf)
}

// GetFleet returns the airplanes and the free count per model
func (h *Handler) GetFleet(w http.ResponseWriter, r *http.Request) {
	fleet, err := h.session.Fleet(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, fleet)
}

// GetFlights returns the active flights
func (h *Handler) GetFlights(w http.ResponseWriter, r *http.Request) {
	flights, err := h.session.Flights(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"flights": flights,
		"count":   len(flights),
	})
}

// GetFlight returns one flight with the waypoints of its current leg
func (h *Handler) GetFlight(w http.ResponseWriter, r *http.Request) {
	id, err := flight.ParseFlightID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.session.Flight(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// SpawnFlight starts a flight on an existing route
func (h *Handler) SpawnFlight(w http.ResponseWriter, r *http.Request) {
	var req session.SpawnRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RouteID == "" {
		writeJSONError(w, http.StatusBadRequest, "route_id is required")
		return
	}

	view, err := h.session.Spawn(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

// CancelFlight removes a flight before it completes
func (h *Handler) CancelFlight(w http.ResponseWriter, r *http.Request) {
	id, err := flight.ParseFlightID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.session.CancelFlight(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetSpawner starts or stops automatic spawning
func (h *Handler) SetSpawner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.session.SetSpawning(r.Context(), *req.Enabled); err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

// GetStats returns live counters and session totals
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.session.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetEvents returns the latest journal entries
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := h.session.RecentEvents(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// writeError maps domain errors to status codes
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.Error(err))
	} else {
		h.logger.Debug("Request rejected",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	writeJSONError(w, status, err.Error())
}

// StatusFor returns the HTTP status for an error returned by the session
func StatusFor(err error) int {
	switch {
	case errors.Is(err, flight.ErrUnknownFlight), errors.Is(err, flight.ErrUnknownRoute):
		return http.StatusNotFound
	case flight.IsResourceError(err):
		return http.StatusConflict
	case errors.Is(err, flight.ErrUnknownResource), flight.IsConfigError(err):
		return http.StatusBadRequest
	case errors.Is(err, flight.ErrLoopStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
