package server

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gitworkflows/blockterm/internal/block"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/monitoring"
	"github.com/gitworkflows/blockterm/internal/session"
	"github.com/gitworkflows/blockterm/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the HTTP layer
	},
}

// wsHandler streams block events for one session over a WebSocket.
// It is strictly read-only: input routing stays on the HTTP API.
type wsHandler struct {
	manager *session.Manager
	metrics *monitoring.Metrics
	logger  *logging.Logger
}

func newWSHandler(manager *session.Manager, metrics *monitoring.Metrics, logger *logging.Logger) *wsHandler {
	return &wsHandler{manager: manager, metrics: metrics, logger: logger.Component("ws")}
}

// frame is one message on the stream. History blocks are replayed
// first as snapshot frames, then live events follow.
type frame struct {
	Type      string        `json:"type"` // "snapshot", "event", "closed", "error"
	SessionID string        `json:"session_id"`
	Block     *block.Block  `json:"block,omitempty"`
	Event     *block.Event  `json:"event,omitempty"`
	Info      *session.Info `json:"info,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

func (h *wsHandler) handle(c *gin.Context) {
	sessionID := id.SessionID(c.Param("id"))
	s, err := h.manager.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	h.logger.Debug("stream opened",
		zap.String("conn_id", connID),
		zap.String("session_id", sessionID.String()))
	defer h.logger.Debug("stream closed", zap.String("conn_id", connID))

	h.metrics.WSConnections.Inc()
	defer h.metrics.WSConnections.Dec()

	// Subscribe before the snapshot so nothing between the two is
	// missed; delivery is at-least-once, duplicates are fine.
	sub := s.Store().Subscribe()
	defer s.Store().Unsubscribe(sub.ID())

	info := s.Info()
	if err := h.send(conn, frame{Type: "snapshot", SessionID: sessionID.String(), Info: &info}); err != nil {
		return
	}
	for _, b := range s.Store().List(0, 0) {
		if err := h.send(conn, frame{Type: "snapshot", SessionID: sessionID.String(), Block: b}); err != nil {
			return
		}
	}

	// Drain client frames so pings and close handshakes are serviced;
	// anything else on a read-only stream is ignored.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.send(conn, frame{Type: "event", SessionID: sessionID.String(), Event: &ev}); err != nil {
				return
			}
		case <-s.Done():
			h.drainAndClose(conn, sub, sessionID)
			return
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// drainAndClose flushes events queued before the session ended, then
// tells the client the stream is over.
func (h *wsHandler) drainAndClose(conn *websocket.Conn, sub *block.Subscription, sessionID id.SessionID) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.send(conn, frame{Type: "event", SessionID: sessionID.String(), Event: &ev}); err != nil {
				return
			}
		default:
			h.send(conn, frame{Type: "closed", SessionID: sessionID.String(), Message: "session closed"})
			return
		}
	}
}

func (h *wsHandler) send(conn *websocket.Conn, f frame) error {
	f.Timestamp = time.Now().Unix()
	payload, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
