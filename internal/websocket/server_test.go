package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/internal/geo"
	"github.com/yegors/skyroutes/pkg/logger"
)

type hubFixture struct {
	server *Server
	http   *httptest.Server
	cancel context.CancelFunc
	done   chan struct{}
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	s := NewServer(16, EncodingJSON, logger.NewNop())
	NewHandler(s, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"network": map[string]any{"kind": "linear"}}, nil
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	f := &hubFixture{
		server: s,
		http:   httptest.NewServer(http.HandlerFunc(s.HandleConnection)),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		f.stop()
		f.http.Close()
	})
	return f
}

func (f *hubFixture) stop() {
	f.cancel()
	<-f.done
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws" + query
	before := f.server.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for f.server.ClientCount() <= before {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

type wireMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, messageType string) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", messageType, err)
		}
		if msg.Type == messageType {
			return msg
		}
	}
}

func snapshot(id flight.FlightID, route string) flight.Snapshot {
	return flight.Snapshot{
		ID:       id,
		RouteID:  route,
		Position: geo.Point{X: 1, Y: 2},
		Bearing:  90,
		Progress: 0.5,
	}
}

func TestHubPushesUpdatesAndRemovals(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	if err := f.server.Update(7, snapshot(7, "A-B")); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, MessageTypeFlightUpdate)
	fl, ok := msg.Data["flight"].(map[string]any)
	if !ok || fl["route_id"] != "A-B" || fl["direction"] != "outbound" || fl["id"] != float64(7) {
		t.Fatalf("unexpected update payload %+v", msg.Data)
	}

	if err := f.server.Remove(7); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, MessageTypeFlightRemoved)
	if msg.Data["id"] != float64(7) {
		t.Fatalf("unexpected removal payload %+v", msg.Data)
	}
	if len(f.server.Latest()) != 0 {
		t.Fatal("removed flight still in latest snapshots")
	}
}

func TestHubSnapshotRequest(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	f.server.Update(1, snapshot(1, "A-B"))
	f.server.Update(2, snapshot(2, "B-C"))

	if err := conn.WriteJSON(Message{Type: MessageTypeSnapshotRequest}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, MessageTypeSnapshotResponse)
	flights, _ := msg.Data["flights"].([]any)
	if len(flights) != 2 {
		t.Fatalf("expected 2 flights, got %+v", msg.Data["flights"])
	}
	if _, ok := msg.Data["network"]; !ok {
		t.Fatal("snapshot response is missing the network")
	}
}

func TestHubRouteFilters(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	if err := conn.WriteJSON(Message{Type: MessageTypeFilterUpdate, Data: map[string]any{"routes": []string{"B-C"}}}); err != nil {
		t.Fatal(err)
	}
	// Messages are handled in order, so the filter is active once this is answered
	if err := conn.WriteJSON(Message{Type: MessageTypeSnapshotRequest}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, MessageTypeSnapshotResponse)

	f.server.Update(1, snapshot(1, "A-B"))
	f.server.Update(2, snapshot(2, "B-C"))

	msg := readUntil(t, conn, MessageTypeFlightUpdate)
	fl := msg.Data["flight"].(map[string]any)
	if fl["route_id"] != "B-C" {
		t.Fatalf("filtered route leaked through: %+v", fl)
	}
}

func TestHubMsgpackClient(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "?encoding=msgpack")

	f.server.Update(3, snapshot(3, "A-B"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if frameType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", frameType)
	}
	var msg wireMessage
	if err := unmarshalMsgpack(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeFlightUpdate {
		t.Fatalf("unexpected message %+v", msg)
	}
	fl, ok := msg.Data["flight"].(map[string]any)
	if !ok || fl["route_id"] != "A-B" {
		t.Fatalf("unexpected msgpack payload %+v", msg.Data)
	}
}

func TestHubRejectsUnknownEncoding(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?encoding=xml"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestHubClosedReturnsError(t *testing.T) {
	f := newHubFixture(t)
	f.stop()

	if err := f.server.Update(1, snapshot(1, "A-B")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	if err := f.server.Remove(1); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}

func TestHubRemovalSurvivesFullQueue(t *testing.T) {
	s := NewServer(8, EncodingJSON, logger.NewNop())
	client := &Client{
		send:      make(chan *Message, 64),
		closeChan: make(chan struct{}),
		server:    s,
	}
	s.clients[client] = true

	// Nothing drains the queue until Run starts
	for i := 0; i < 2000; i++ {
		if err := s.Update(1, snapshot(1, "r")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Remove(1); err != nil {
		t.Fatalf("remove with full queue: %v", err)
	}
	if n := s.PendingRemovals(); n != 1 {
		t.Fatalf("expected 1 pending removal, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				t.Fatal("client dropped before the removal arrived")
			}
			if msg.Type == MessageTypeFlightUpdate && msg.flightID == 1 {
				t.Fatal("update for a removed flight was sent")
			}
			if msg.Type == MessageTypeFlightRemoved {
				if msg.flightID != 1 {
					t.Fatalf("removal for flight %d", msg.flightID)
				}
				if s.PendingRemovals() != 0 {
					t.Fatal("removal still pending after dispatch")
				}
				return
			}
		case <-timeout:
			t.Fatal("flight_removed never reached the client")
		}
	}
}
