package sessions

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/pkg/utils"
)

// Service is the part of the lifecycle manager exposed over REST.
type Service interface {
	Get(id string) (session.Session, error)
	List() []session.Session
	Disconnect(id string) error
}

// Handler 会话查询与断开的 HTTP 处理器
type Handler struct {
	svc Service
}

// New 创建会话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Delete("/sessions/{sessionID}", h.handleDisconnect)
}

// sessionView 去掉二维码图片，列表接口只返回元数据
type sessionView struct {
	session.Session
	QRImage string `json:"qr_image,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list := h.svc.List()
	out := make([]sessionView, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionView{Session: sess})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Disconnect(chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, session.ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	utils.RespondError(w, status, err.Error())
}
