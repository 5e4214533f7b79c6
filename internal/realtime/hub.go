// Package realtime pushes order status changes to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orderflow/internal/orders"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// StatusMessage is sent to subscribers of an order on every status change.
type StatusMessage struct {
	OrderID   string        `json:"orderId"`
	Status    orders.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

type client struct {
	orderID string
	conn    *websocket.Conn
	send    chan []byte
}

// Hub fans status changes out to the clients watching each order. All
// subscription state is owned by the Run loop.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan StatusMessage
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*client]struct{}
}

// NewHub constructs a Hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan StatusMessage, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		subs:   make(map[string]map[*client]struct{}),
	}
}

// Run processes register, unregister and broadcast events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.subs {
				for c := range clients {
					close(c.send)
				}
			}
			h.subs = make(map[string]map[*client]struct{})
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.subs[c.orderID] == nil {
				h.subs[c.orderID] = make(map[*client]struct{})
			}
			h.subs[c.orderID][c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("encode status message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for c := range h.subs[msg.OrderID] {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("dropping slow websocket subscriber", zap.String("order_id", c.orderID))
					h.removeLocked(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	clients := h.subs[c.orderID]
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.subs, c.orderID)
	}
}

// NotifyStatus queues a status change for broadcast. It never blocks the
// saga; changes are dropped when the queue is full.
func (h *Hub) NotifyStatus(orderID string, status orders.Status, at time.Time) {
	select {
	case h.broadcast <- StatusMessage{OrderID: orderID, Status: status, Timestamp: at}:
	default:
		h.logger.Warn("status broadcast queue full", zap.String("order_id", orderID))
	}
}

// Subscribers reports how many clients watch orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

// Serve upgrades the request and streams status changes of orderID until
// the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orderID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{orderID: orderID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		return conn.Close()
	}

	go h.writeLoop(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
	return nil
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", zap.String("order_id", c.orderID), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
