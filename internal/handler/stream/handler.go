package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/pairing"
	"github.com/zhouzirui/wa-qr-bridge/backend/pkg/utils"
)

// SessionReader resolves sessions.
type SessionReader interface {
	Get(id string) (session.Session, error)
}

// Subscriber joins session topics.
type Subscriber interface {
	Subscribe(topic string, h events.Handler) func()
}

// Handler exposes a session topic as Server-Sent Events.
type Handler struct {
	sessions  SessionReader
	bus       Subscriber
	keepAlive time.Duration
}

// New creates a new stream handler
func New(sessions SessionReader, bus Subscriber) *Handler {
	return &Handler{sessions: sessions, bus: bus, keepAlive: 15 * time.Second}
}

// RegisterRoutes mounts the event stream under r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

// handleEvents streams the current status followed by every event of the
// session until it disconnects or the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := make(chan events.Event, 32)
	unsubscribe := h.bus.Subscribe(sessionID, func(evt events.Event) {
		select {
		case ch <- evt:
		default:
			zap.L().Warn("sse: subscriber lagging, dropping event", zap.String("session_id", sessionID))
		}
	})
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	initial := pairing.StatusEvent(sess, time.Now())
	if err := utils.SendSSEEvent(w, flusher, string(initial.Type), initial.Data); err != nil {
		return
	}
	zap.L().Debug("sse: stream opened", zap.String("session_id", sessionID))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			zap.L().Debug("sse: stream closed by client", zap.String("session_id", sessionID))
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case evt := <-ch:
			if err := utils.SendSSEEvent(w, flusher, string(evt.Type), evt.Data); err != nil {
				return
			}
			if evt.Type == events.TypeDisconnected {
				return
			}
		}
	}
}
