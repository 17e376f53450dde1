package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventStream upgrades GET /ws connections and relays every models.RunEvent
// published on the bus to connected clients.
type EventStream struct {
	bus    *events.Bus
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewEventStream returns an EventStream bound to bus.
func NewEventStream(bus *events.Bus, logger arbor.ILogger) *EventStream {
	return &EventStream{bus: bus, logger: logger, clients: make(map[*websocket.Conn]*sync.Mutex)}
}

// HandleWebSocket upgrades the connection and streams events until the
// client disconnects.
func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = writeMu
	s.mu.Unlock()

	ch, unsubscribe := s.bus.Subscribe(32)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.pump(ctx, conn, writeMu, ch)

	defer func() {
		unsubscribe()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (s *EventStream) pump(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, ch <-chan models.RunEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to marshal run event")
				continue
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
