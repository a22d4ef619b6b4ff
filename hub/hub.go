package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub fans order lifecycle events out to the connected staff clients of each
// tenant. Registration, unregistration and broadcast are all safe to call
// concurrently; broadcast iterates over a snapshot of the member set so a
// connection dying mid-broadcast cannot corrupt the registry.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[*Client]struct{}
	logger  *logrus.Logger
}

func New(logger *logrus.Logger) *Hub {
	return &Hub{
		tenants: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(businessId string, c *Client) {
	h.mu.Lock()
	set := h.tenants[businessId]
	if set == nil {
		set = make(map[*Client]struct{})
		h.tenants[businessId] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(businessId string, c *Client) {
	h.mu.Lock()
	if set := h.tenants[businessId]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.tenants, businessId)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) ConnectionCount(businessId string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[businessId])
}

func (h *Hub) snapshot(businessId string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.tenants[businessId]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Envelope is the JSON frame pushed to clients.
type Envelope struct {
	Type      string          `json:"type"`
	Order     json.RawMessage `json:"order,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func MarshalEnvelope(eventType string, order json.RawMessage) []byte {
	msg, _ := json.Marshal(Envelope{
		Type:      eventType,
		Order:     order,
		Timestamp: time.Now().UTC(),
	})
	return msg
}

// Broadcast delivers one event to every currently-registered connection of
// the tenant. A connection that cannot accept the message is dropped and
// unregistered; delivery to the rest is never delayed by it.
func (h *Hub) Broadcast(businessId string, message []byte) {
	for _, c := range h.snapshot(businessId) {
		if !c.trySend(message) {
			h.Unregister(businessId, c)
			if h.logger != nil {
				h.logger.WithFields(logrus.Fields{
					"module":      "hub",
					"business_id": businessId,
					"client_type": c.ClientType,
				}).Warn("dropped stalled websocket connection")
			}
		}
	}
}

// RunSweeper periodically closes connections idle past idleTimeout and pings
// the rest. The interval bounds how long a dead connection can linger.
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(time.Now(), idleTimeout)
		}
	}
}

func (h *Hub) sweepOnce(now time.Time, idleTimeout time.Duration) {
	h.mu.RLock()
	type member struct {
		businessId string
		client     *Client
	}
	var all []member
	for businessId, set := range h.tenants {
		for c := range set {
			all = append(all, member{businessId, c})
		}
	}
	h.mu.RUnlock()

	ping := MarshalEnvelope("ping", nil)
	for _, m := range all {
		if now.Sub(m.client.lastActiveAt()) > idleTimeout {
			h.Unregister(m.businessId, m.client)
			continue
		}
		if !m.client.trySend(ping) {
			h.Unregister(m.businessId, m.client)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Staff apps connect from mobile webviews and the admin console; origin
	// enforcement happens at the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and attaches the connection to its tenant.
// The client supplies business_id and client_type as query params.
func (h *Hub) ServeWS(c *gin.Context) {
	businessId := c.Query("business_id")
	if businessId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "business_id is required"})
		return
	}
	clientType := c.Query("client_type")
	if clientType == "" {
		clientType = "staff"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		config.LogError(h.logger, "hub", "ServeWS", "websocket upgrade failed", businessId, err)
		return
	}

	client := newClient(h, conn, businessId, clientType)
	h.Register(businessId, client)

	welcome, _ := json.Marshal(Envelope{
		Type:      "connection_established",
		Message:   "connected",
		Timestamp: time.Now().UTC(),
	})
	client.trySend(welcome)

	go client.writePump()
	go client.readPump()
}
