// README: WebSocket relay of ride and driver location topics to tracking pages.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/ride"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type Subscriber interface {
	Subscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

type RideReader interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
}

type StreamHandler struct {
	rides    RideReader
	sub      Subscriber
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewStreamHandler accepts handshakes from allowedOrigins, the same list CORS
// uses. An empty list accepts any origin.
func NewStreamHandler(rides RideReader, sub Subscriber, allowedOrigins []string, log *slog.Logger) *StreamHandler {
	return &StreamHandler{
		rides:    rides,
		sub:      sub,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(allowedOrigins)},
		log:      log.With("component", "http.stream"),
	}
}

// checkOrigin lets through requests without an Origin header; those come from
// non-browser clients.
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

type streamMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// safeConn serialises writes; gorilla/websocket allows one concurrent writer.
type safeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *safeConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *safeConn) close() { c.ws.Close() }

// Ride streams every ride:<id>:* topic to the rider, the assigned driver or an admin.
func (h *StreamHandler) Ride(c *gin.Context) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !canView(c, r) {
		writeError(c, http.StatusForbidden, "not your ride")
		return
	}
	h.relay(c, notify.RideTopic(r.ID, "*"))
}

// Driver streams a driver's own location topic.
func (h *StreamHandler) Driver(c *gin.Context) {
	id := c.Param("id")
	if !isAdmin(c) && middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "cannot watch another driver")
		return
	}
	h.relay(c, notify.DriverLocationTopic(types.ID(id)))
}

func (h *StreamHandler) relay(c *gin.Context, patterns ...string) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &safeConn{ws: ws}
	defer conn.close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := h.sub.Subscribe(ctx, patterns...)
	defer sub.Close()

	// Clients only send close frames; a read error means they are gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("stream opened", "patterns", patterns, "uid", middleware.CallerUID(c))
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			payload := json.RawMessage(m.Payload)
			if !json.Valid(payload) {
				payload, _ = json.Marshal(m.Payload)
			}
			if err := conn.writeJSON(streamMessage{Topic: m.Channel, Payload: payload}); err != nil {
				h.log.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
