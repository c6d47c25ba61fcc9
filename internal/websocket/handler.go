package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/pkg/logger"
)

// SnapshotFunc supplies extra state for snapshot responses (network tables, stats)
type SnapshotFunc func(ctx context.Context) (map[string]any, error)

// Handler answers the messages browser clients send
type Handler struct {
	server   *Server
	snapshot SnapshotFunc
	timeout  time.Duration
	logger   *logger.Logger
}

// NewHandler creates a handler and installs it on server
func NewHandler(server *Server, snapshot SnapshotFunc, logger *logger.Logger) *Handler {
	h := &Handler{
		server:   server,
		snapshot: snapshot,
		timeout:  2 * time.Second,
		logger:   logger.Named("ws-handler"),
	}
	server.SetMessageHandler(h)
	return h
}

// HandleMessage implements MessageHandler
func (h *Handler) HandleMessage(client *Client, messageType string, data map[string]any) error {
	switch messageType {
	case MessageTypeSnapshotRequest:
		return h.handleSnapshotRequest(client)
	case MessageTypeFilterUpdate:
		return h.handleFilterUpdate(client, data)
	default:
		return fmt.Errorf("unknown message type %q", messageType)
	}
}

func (h *Handler) handleSnapshotRequest(client *Client) error {
	resp := map[string]any{"flights": h.server.Latest()}

	if h.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		extra, err := h.snapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to build snapshot: %w", err)
		}
		for k, v := range extra {
			resp[k] = v
		}
	}

	if !client.SendMessage(&Message{Type: MessageTypeSnapshotResponse, Data: resp}) {
		return fmt.Errorf("client send buffer full")
	}
	return nil
}

func (h *Handler) handleFilterUpdate(client *Client, data map[string]any) error {
	filters := &ClientFilters{Routes: make(map[string]bool)}

	if raw, ok := data["routes"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("filter routes must be a list, got %T", raw)
		}
		for _, item := range list {
			id, ok := item.(string)
			if !ok {
				return fmt.Errorf("filter route ids must be strings, got %T", item)
			}
			filters.Routes[id] = true
		}
	}

	if raw, ok := data["selected_flight"]; ok && raw != nil {
		id, err := toFlightID(raw)
		if err != nil {
			return err
		}
		filters.SelectedFlight = id
	}

	client.UpdateFilters(filters)
	h.logger.Debug("Client filters updated",
		logger.Int("routes", len(filters.Routes)),
		logger.Int64("selected_flight", int64(filters.SelectedFlight)))
	return nil
}

// toFlightID accepts the number types JSON and msgpack decode into
func toFlightID(v any) (flight.FlightID, error) {
	switch n := v.(type) {
	case float64:
		return flight.FlightID(n), nil
	case int8:
		return flight.FlightID(n), nil
	case int16:
		return flight.FlightID(n), nil
	case int32:
		return flight.FlightID(n), nil
	case int64:
		return flight.FlightID(n), nil
	case uint8:
		return flight.FlightID(n), nil
	case uint16:
		return flight.FlightID(n), nil
	case uint32:
		return flight.FlightID(n), nil
	case uint64:
		return flight.FlightID(n), nil
	case string:
		return flight.ParseFlightID(n)
	default:
		return 0, fmt.Errorf("invalid selected_flight %v (%T)", v, v)
	}
}
