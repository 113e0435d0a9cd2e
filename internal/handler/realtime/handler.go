package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/pairing"
)

// Pairing is the lifecycle surface the gateway drives.
type Pairing interface {
	Create(clientID, ownerKey string) (session.Session, error)
	BeginPairing(id string) error
	Get(id string) (session.Session, error)
	RunTest(ctx context.Context, id, action string) (pairing.TestResult, error)
	Disconnect(id string) error
	DisconnectClient(clientID string) int
}

// Subscriber joins session topics.
type Subscriber interface {
	Subscribe(topic string, h events.Handler) func()
}

// Handler 负责 websocket 配对网关。
type Handler struct {
	pairing  Pairing
	bus      Subscriber
	upgrader websocket.Upgrader
}

// New 创建网关处理器
func New(p Pairing, bus Subscriber) *Handler {
	return &Handler{
		pairing: p,
		bus:     bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册 websocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

type requestData struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	OwnerKey  string `json:"owner_key"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("realtime: upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), conn)
	zap.L().Info("realtime: client connected", zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	defer func() {
		c.leaveAll()
		if n := h.pairing.DisconnectClient(c.id); n > 0 {
			zap.L().Info("realtime: client sessions released", zap.String("client_id", c.id), zap.Int("count", n))
		}
		c.close()
		_ = conn.Close()
		zap.L().Info("realtime: client disconnected", zap.String("client_id", c.id))
	}()

	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.enqueue(message(events.TypeConnected, "", map[string]any{"client_id": c.id}))

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				zap.L().Warn("realtime: read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		h.handleMessage(r.Context(), c, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *client, msg *inboundMessage) {
	var data requestData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.enqueue(errorMessage("", "invalid data payload"))
			return
		}
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = data.SessionID
	}

	switch msg.Type {
	case "get_qr":
		h.handleGetQR(c, sessionID, data)
	case "get_status":
		h.handleGetStatus(c, sessionID)
	case "test_whatsapp":
		h.handleTest(ctx, c, sessionID, data.Action)
	case "disconnect_whatsapp":
		h.handleDisconnect(c, sessionID)
	default:
		c.enqueue(errorMessage(sessionID, "unknown event type: "+msg.Type))
	}
}

// handleGetQR creates a session when none is named, joins its topic and
// starts pairing.
func (h *Handler) handleGetQR(c *client, sessionID string, data requestData) {
	if sessionID == "" {
		sess, err := h.pairing.Create(c.id, data.OwnerKey)
		if err != nil {
			c.enqueue(errorMessage("", err.Error()))
			return
		}
		sessionID = sess.ID
	} else if _, err := h.pairing.Get(sessionID); err != nil {
		c.enqueue(errorMessage(sessionID, err.Error()))
		return
	}

	c.join(h.bus, sessionID)
	if err := h.pairing.BeginPairing(sessionID); err != nil {
		zap.L().Warn("realtime: begin pairing failed", zap.String("session_id", sessionID), zap.Error(err))
		c.enqueue(errorMessage(sessionID, err.Error()))
	}
}

func (h *Handler) handleGetStatus(c *client, sessionID string) {
	if sessionID == "" {
		c.enqueue(errorMessage("", "session_id required"))
		return
	}
	sess, err := h.pairing.Get(sessionID)
	if err != nil {
		c.enqueue(errorMessage(sessionID, err.Error()))
		return
	}
	c.enqueue(fromEvent(pairing.StatusEvent(sess, time.Now())))
}

func (h *Handler) handleTest(ctx context.Context, c *client, sessionID, action string) {
	if sessionID == "" {
		c.enqueue(errorMessage("", "session_id required"))
		return
	}
	if action == "" {
		action = "send_test_message"
	}
	res, err := h.pairing.RunTest(ctx, sessionID, action)
	if err != nil {
		c.enqueue(errorMessage(sessionID, err.Error()))
		return
	}
	c.enqueue(fromEvent(pairing.TestResultEvent(sessionID, res, time.Now())))
}

func (h *Handler) handleDisconnect(c *client, sessionID string) {
	if sessionID == "" {
		c.enqueue(errorMessage("", "session_id required"))
		return
	}

	joined := c.inRoom(sessionID)
	err := h.pairing.Disconnect(sessionID)
	c.leave(sessionID)

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.enqueue(errorMessage(sessionID, err.Error()))
	case err != nil:
		zap.L().Error("realtime: disconnect failed", zap.String("session_id", sessionID), zap.Error(err))
		c.enqueue(errorMessage(sessionID, err.Error()))
	case !joined:
		// room members already got it from the bus
		c.enqueue(fromEvent(pairing.DisconnectedEvent(sessionID, pairing.ReasonRequested, time.Now())))
	}
}

func message(typ events.Type, sessionID string, data map[string]any) outgoingMessage {
	return outgoingMessage{
		Type:      string(typ),
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func errorMessage(sessionID, text string) outgoingMessage {
	return message(events.TypeError, sessionID, map[string]any{"message": text})
}
