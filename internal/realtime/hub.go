package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
	maxMessage   = 4096
)

// IdentifyFunc resolves the user behind an upgrade request. ok is false
// for anonymous connections.
type IdentifyFunc func(r *http.Request) (userID string, ok bool)

// Hub accepts websocket connections and routes client events into the
// registry.
type Hub struct {
	reg      *Registry
	identify IdentifyFunc
	upgrader websocket.Upgrader
}

// NewHub creates a hub. With a nil identify every connection may join any
// user topic; otherwise wallet:join is limited to the caller's own user.
func NewHub(reg *Registry, identify IdentifyFunc) *Hub {
	return &Hub{
		reg:      reg,
		identify: identify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // CORS is enforced by the HTTP layer.
			},
		},
	}
}

// Registry returns the hub's topic registry.
func (h *Hub) Registry() *Registry { return h.reg }

type client struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) ID() string { return c.id }

func (c *client) Send(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "event", msg.Event, "err", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		// Slow consumer; drop rather than block publishers.
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) sendError(message string) {
	c.Send(Message{Event: EventError, Data: map[string]string{"message": message}})
}

// HandleWS handles websocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if h.identify != nil {
		userID, _ = h.identify(r)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	metrics.WebSocketClients.Inc()
	slog.Info("ws client connected", "session", c.id, "user_id", userID)

	go h.writePump(c)
	go h.readPump(c)
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type quotePayload struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

type joinPayload struct {
	UserID string `json:"userId"`
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.reg.Drop(c.id)
		c.close()
		c.conn.Close()
		metrics.WebSocketClients.Dec()
		slog.Info("ws client disconnected", "session", c.id)
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) dispatch(c *client, msg inbound) {
	switch msg.Event {
	case EventSubscribeQuote, EventUnsubscribeQuote:
		var p quotePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError("expected {exchange, symbol}")
			return
		}
		key, err := instrument.Normalize(p.Exchange, p.Symbol)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if msg.Event == EventSubscribeQuote {
			h.reg.Join(c, key.Topic())
		} else {
			h.reg.Leave(c.id, key.Topic())
		}

	case EventWalletJoin:
		var p joinPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.UserID == "" {
			c.sendError("expected {userId}")
			return
		}
		if h.identify != nil && p.UserID != c.userID {
			c.sendError("not allowed to join this wallet")
			return
		}
		h.reg.Join(c, UserTopic(p.UserID))

	default:
		c.sendError("unknown event " + msg.Event)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
