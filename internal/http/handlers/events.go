package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imagen/internal/events"
	"imagen/internal/infra"
)

const (
	eventSendBuffer = 32
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// eventMessage is the wire shape streamed to websocket clients.
type eventMessage struct {
	Kind             string    `json:"kind"`
	EntityID         string    `json:"entity_id"`
	EntityType       string    `json:"entity_type"`
	Timestamp        time.Time `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
	Outputs          []string  `json:"outputs,omitempty"`
	OrderStatus      string    `json:"order_status,omitempty"`
	GenerationStatus string    `json:"generation_status,omitempty"`
	ProductIDs       []string  `json:"product_ids,omitempty"`
}

// EventStream fans bus events out to websocket clients. It subscribes to
// every order and generation kind at construction. Slow clients drop
// events rather than blocking publishers.
type EventStream struct {
	logger   infra.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// NewEventStream builds the stream and registers it on the bus.
func NewEventStream(bus *events.Bus, logger infra.Logger) *EventStream {
	s := &EventStream{
		logger: logger.With().Str("component", "event_stream").Logger(),
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan []byte),
	}
	for _, kind := range events.OrderKinds() {
		bus.Subscribe(kind, s)
	}
	for _, kind := range events.GenerationKinds() {
		bus.Subscribe(kind, s)
	}
	return s
}

// Close unsubscribes from the bus and disconnects every client.
func (s *EventStream) Close() {
	for _, kind := range events.OrderKinds() {
		s.bus.Unsubscribe(kind, s)
	}
	for _, kind := range events.GenerationKinds() {
		s.bus.Unsubscribe(kind, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, send := range s.conns {
		close(send)
		delete(s.conns, conn)
	}
}

// HandleEvent implements events.Handler.
func (s *EventStream) HandleEvent(evt events.Event) {
	msg := eventMessage{
		Kind:       string(evt.Kind),
		EntityID:   evt.EntityID,
		EntityType: evt.EntityType,
		Timestamp:  evt.Timestamp,
		Error:      evt.Error,
		Outputs:    evt.Outputs,
	}
	if evt.Order != nil {
		msg.OrderStatus = string(evt.Order.Status)
	}
	if evt.Generation != nil {
		msg.GenerationStatus = string(evt.Generation.Status)
	}
	for _, product := range evt.Products {
		msg.ProductIDs = append(msg.ProductIDs, product.ID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("event_kind", string(evt.Kind)).Msg("marshal event failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, send := range s.conns {
		select {
		case send <- payload:
		default:
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("client too slow, dropping event")
		}
	}
}

// Serve upgrades the request and streams events until the client leaves.
func (s *EventStream) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	send := make(chan []byte, eventSendBuffer)
	s.mu.Lock()
	s.conns[conn] = send
	s.mu.Unlock()

	go s.writePump(conn, send)
	go s.readPump(conn)
}

func (s *EventStream) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if send, ok := s.conns[conn]; ok {
		close(send)
		delete(s.conns, conn)
	}
}

// readPump drains client frames to detect disconnects.
func (s *EventStream) readPump(conn *websocket.Conn) {
	defer func() {
		s.unregister(conn)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (s *EventStream) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
