package panel

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/mirror"
	"github.com/zhouzirui/wa-qr-bridge/backend/pkg/utils"
)

// Reader reads mirrored panel records.
type Reader interface {
	Get(owner string) (mirror.Record, bool, error)
}

// Handler 面板状态查询处理器
type Handler struct {
	records Reader
}

// New 创建面板处理器，records 为 nil 时接口返回 503。
func New(records Reader) *Handler {
	return &Handler{records: records}
}

// RegisterRoutes 注册面板相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/panel/{ownerKey}/status", h.handleStatus)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "panel mirror disabled")
		return
	}

	owner := chi.URLParam(r, "ownerKey")
	rec, found, err := h.records.Get(owner)
	if err != nil {
		zap.L().Error("panel: read mirror failed", zap.String("owner_key", owner), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "mirror read failed")
		return
	}
	if !found {
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"estado": "no_session"})
		return
	}
	utils.RespondJSON(w, http.StatusOK, rec)
}
