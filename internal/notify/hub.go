package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lendmirror/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendBuffer     = 16
)

// Hub fans liquidatable-set updates out to connected websocket clients.
// Clients are receive-only; anything they send is discarded.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	log        zerolog.Logger
	metrics    *observability.Metrics
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		log:        observability.NewLogger("notify-ws"),
		metrics:    metrics,
	}
}

// Run owns the client set until ctx is cancelled. Slow clients are dropped
// rather than allowed to stall the broadcast.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*wsClient]bool)
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return

		case c := <-h.register:
			clients[c] = true
			h.metrics.WSClients.Set(float64(len(clients)))
			h.log.Info().Str("client", c.id).Msg("subscriber connected")

		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				h.metrics.WSClients.Set(float64(len(clients)))
				h.log.Info().Str("client", c.id).Msg("subscriber disconnected")
			}

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					delete(clients, c)
					close(c.send)
					h.metrics.WSClients.Set(float64(len(clients)))
					h.log.Warn().Str("client", c.id).Msg("dropping slow subscriber")
				}
			}
		}
	}
}

// PublishLiquidatable broadcasts the new set to every connected client.
func (h *Hub) PublishLiquidatable(ctx context.Context, accounts []common.Address, height uint64) error {
	data, err := json.Marshal(NewLiquidatableUpdate(accounts, height))
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		h.metrics.NotifyPublished.WithLabelValues("ws").Inc()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ServeWS upgrades the request and registers the client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
