package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yegors/skyroutes/internal/flight"
	"github.com/yegors/skyroutes/pkg/logger"
)

// Message types pushed to and received from browser clients
const (
	MessageTypeFlightUpdate     = "flight_update"
	MessageTypeFlightRemoved    = "flight_removed"
	MessageTypeSnapshotRequest  = "snapshot_request"  // Client asks for every active flight
	MessageTypeSnapshotResponse = "snapshot_response" // Server answers with the latest state
	MessageTypeFilterUpdate     = "filter_update"     // Client sends filter preferences
	MessageTypeError            = "error"
)

// Encodings a client can ask for with ?encoding=
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// ErrHubClosed is returned by the renderer methods once the server has shut down
var ErrHubClosed = errors.New("websocket hub closed")

// Message is one frame on the wire. routeID and flightID are only used for filtering.
type Message struct {
	Type string         `json:"type" msgpack:"type"`
	Data map[string]any `json:"data" msgpack:"data"`

	routeID  string
	flightID flight.FlightID
}

// MessageHandler answers client requests
type MessageHandler interface {
	HandleMessage(client *Client, messageType string, data map[string]any) error
}

// ClientFilters limits which flight updates a client receives
type ClientFilters struct {
	Routes         map[string]bool `json:"routes"`          // route id -> shown; empty shows all
	SelectedFlight flight.FlightID `json:"selected_flight"` // always shown
}

// Client is one browser connection
type Client struct {
	conn      *websocket.Conn
	send      chan *Message
	server    *Server
	encoding  string
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	filters   *ClientFilters
}

// Server is the websocket hub. It implements flight.Renderer so the animation
// loop can push snapshots without knowing about connections.
type Server struct {
	clients         map[*Client]bool
	register        chan *Client
	unregister      chan *Client
	broadcast       chan *Message
	done            chan struct{}
	upgrader        websocket.Upgrader
	logger          *logger.Logger
	mu              sync.RWMutex
	messageHandler  MessageHandler // Handler for incoming messages
	sendBuffer      int
	defaultEncoding string

	latestMu sync.RWMutex
	latest   map[flight.FlightID]flight.Snapshot
	dropped  int64

	// Removals are sent once, so they bypass the bounded broadcast queue
	removalsMu   sync.Mutex
	removals     []*Message
	removalReady chan struct{}
}

// NewServer creates a hub; Run must be started before clients connect
func NewServer(sendBuffer int, defaultEncoding string, logger *logger.Logger) *Server {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if defaultEncoding != EncodingMsgpack {
		defaultEncoding = EncodingJSON
	}
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 1024),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the HTTP router
			},
		},
		logger:          logger.Named("web-socket"),
		sendBuffer:      sendBuffer,
		defaultEncoding: defaultEncoding,
		latest:          make(map[flight.FlightID]flight.Snapshot),
		removalReady:    make(chan struct{}, 1),
	}
}

// SetMessageHandler installs the handler for client requests
func (s *Server) SetMessageHandler(handler MessageHandler) {
	s.messageHandler = handler
}

// Run dispatches registrations and broadcasts until ctx is cancelled, then
// closes every client
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Websocket hub started")
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			s.removeClient(client)
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client unregistered", logger.Int("client_count", clientCount))

		case message := <-s.broadcast:
			if message.Type == MessageTypeFlightUpdate && !s.drawn(message.flightID) {
				// Queued before the flight was removed
				continue
			}
			s.dispatch(message)

		case <-s.removalReady:
			for _, message := range s.takeRemovals() {
				s.dispatch(message)
			}
		}
	}
}

func (s *Server) dispatch(message *Message) {
	s.mu.RLock()
	var stale []*Client
	for client := range s.clients {
		client.mu.Lock()
		if client.closed {
			stale = append(stale, client)
			client.mu.Unlock()
			continue
		}
		client.mu.Unlock()

		if !s.shouldSendToClient(client, message) {
			continue
		}

		select {
		case client.send <- message:
		default:
			// Channel is full, the client cannot keep up
			stale = append(stale, client)
		}
	}
	s.mu.RUnlock()

	if len(stale) > 0 {
		s.mu.Lock()
		for _, client := range stale {
			s.removeClient(client)
		}
		s.mu.Unlock()
	}
}

// removeClient must be called with s.mu held
func (s *Server) removeClient(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.mu.Lock()
	if !client.closed {
		client.closed = true
	}
	close(client.send)
	client.mu.Unlock()
}

func (s *Server) shutdown() {
	close(s.done)

	s.mu.Lock()
	for client := range s.clients {
		s.removeClient(client)
	}
	s.mu.Unlock()
	s.logger.Info("WebSocket server stopped")
}

// Closed reports whether Run has returned
func (s *Server) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// HandleConnection upgrades a request to a websocket client. The wire encoding
// is chosen with ?encoding=json|msgpack.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if s.Closed() {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	encoding := r.URL.Query().Get("encoding")
	if encoding == "" {
		encoding = s.defaultEncoding
	}
	if encoding != EncodingJSON && encoding != EncodingMsgpack {
		http.Error(w, fmt.Sprintf("unsupported encoding %q", encoding), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	s.logger.Debug("Client connected",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("encoding", encoding))

	client := &Client{
		conn:      conn,
		send:      make(chan *Message, s.sendBuffer),
		server:    s,
		encoding:  encoding,
		closeChan: make(chan struct{}),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for all connected clients. It never blocks: when
// the queue is full the message is dropped.
func (s *Server) Broadcast(message *Message) error {
	select {
	case <-s.done:
		return ErrHubClosed
	default:
	}

	select {
	case s.broadcast <- message:
		return nil
	default:
		s.latestMu.Lock()
		s.dropped++
		dropped := s.dropped
		s.latestMu.Unlock()
		if dropped%100 == 1 {
			s.logger.Warn("Broadcast queue full, dropping messages",
				logger.String("message_type", message.Type),
				logger.Int64("dropped_total", dropped))
		}
		return nil
	}
}

// Update implements flight.Renderer
func (s *Server) Update(id flight.FlightID, snap flight.Snapshot) error {
	if s.Closed() {
		return ErrHubClosed
	}

	s.latestMu.Lock()
	s.latest[id] = snap
	s.latestMu.Unlock()

	return s.Broadcast(&Message{
		Type:     MessageTypeFlightUpdate,
		Data:     map[string]any{"flight": snap},
		routeID:  snap.RouteID,
		flightID: id,
	})
}

// Remove implements flight.Renderer
func (s *Server) Remove(id flight.FlightID) error {
	s.latestMu.Lock()
	snap, ok := s.latest[id]
	delete(s.latest, id)
	s.latestMu.Unlock()

	if s.Closed() {
		return ErrHubClosed
	}
	if !ok {
		// Never drawn, nothing to remove on the clients
		return nil
	}

	s.removalsMu.Lock()
	s.removals = append(s.removals, &Message{
		Type:     MessageTypeFlightRemoved,
		Data:     map[string]any{"id": id, "route_id": snap.RouteID},
		routeID:  snap.RouteID,
		flightID: id,
	})
	s.removalsMu.Unlock()

	select {
	case s.removalReady <- struct{}{}:
	default:
		// Already signalled; the hub drains every pending removal at once
	}
	return nil
}

func (s *Server) takeRemovals() []*Message {
	s.removalsMu.Lock()
	defer s.removalsMu.Unlock()
	out := s.removals
	s.removals = nil
	return out
}

// PendingRemovals returns the number of removals not yet sent to clients
func (s *Server) PendingRemovals() int {
	s.removalsMu.Lock()
	defer s.removalsMu.Unlock()
	return len(s.removals)
}

func (s *Server) drawn(id flight.FlightID) bool {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	_, ok := s.latest[id]
	return ok
}

// Latest returns the last snapshot of every drawn flight ordered by ID
func (s *Server) Latest() []flight.Snapshot {
	s.latestMu.RLock()
	out := make([]flight.Snapshot, 0, len(s.latest))
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	s.latestMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// readPump decodes client requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}

		var message Message
		if messageType == websocket.BinaryMessage {
			err = unmarshalMsgpack(messageBytes, &message)
		} else {
			err = json.Unmarshal(messageBytes, &message)
		}
		if err != nil {
			c.server.logger.Error("Failed to parse WebSocket message", logger.Error(err))
			continue
		}

		c.server.logger.Debug("Client request",
			logger.String("type", message.Type),
			logger.String("client", c.conn.RemoteAddr().String()))

		if c.server.messageHandler != nil {
			if err := c.server.messageHandler.HandleMessage(c, message.Type, message.Data); err != nil {
				c.server.logger.Warn("Client request failed",
					logger.Error(err),
					logger.String("type", message.Type))
				c.SendMessage(&Message{Type: MessageTypeError, Data: map[string]any{"error": err.Error()}})
			}
		}
	}
}

// writePump encodes queued messages in the client's encoding
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			frameType, data, err := c.encode(message)
			if err != nil {
				c.server.logger.Error("Failed to marshal message", logger.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *Client) encode(message *Message) (int, []byte, error) {
	if c.encoding == EncodingMsgpack {
		data, err := marshalMsgpack(message)
		return websocket.BinaryMessage, data, err
	}
	data, err := json.Marshal(message)
	return websocket.TextMessage, data, err
}

// Encoding returns the wire encoding negotiated for this client
func (c *Client) Encoding() string { return c.encoding }

// Close drops the connection; the hub unregisters the client from readPump
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.closeChan)
	c.conn.Close()
}

// SendMessage queues a message for this client only. It returns false when
// the client is closed or its queue is full.
func (c *Client) SendMessage(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// UpdateFilters replaces the client's filters
func (c *Client) UpdateFilters(filters *ClientFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
}

// GetFilters returns a copy of the filters, or nil when none are set
func (c *Client) GetFilters() *ClientFilters {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters == nil {
		return nil
	}
	out := &ClientFilters{
		Routes:         make(map[string]bool, len(c.filters.Routes)),
		SelectedFlight: c.filters.SelectedFlight,
	}
	for route, shown := range c.filters.Routes {
		out.Routes[route] = shown
	}
	return out
}

// MatchesFilters checks if a flight on routeID passes the client's filters
func (c *Client) MatchesFilters(id flight.FlightID, routeID string) bool {
	filters := c.GetFilters()
	if filters == nil || len(filters.Routes) == 0 {
		return true
	}
	if filters.SelectedFlight != 0 && filters.SelectedFlight == id {
		return true
	}
	return filters.Routes[routeID]
}

func (s *Server) shouldSendToClient(client *Client, message *Message) bool {
	// Removals always go out so a client that changed filters drops stale drawables
	if message.Type != MessageTypeFlightUpdate {
		return true
	}
	return client.MatchesFilters(message.flightID, message.routeID)
}
