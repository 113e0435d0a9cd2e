package system

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/pkg/utils"
)

// StatsSource reports session counters.
type StatsSource interface {
	Stats() session.Stats
	BrowserEnabled() bool
}

// Handler serves health and runtime statistics.
type Handler struct {
	source  StatsSource
	started time.Time
	proc    *process.Process
}

// New creates the system handler. Process metrics are omitted when the
// process cannot be inspected.
func New(source StatsSource) *Handler {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		zap.L().Warn("system: process metrics unavailable", zap.Error(err))
		proc = nil
	}
	return &Handler{source: source, started: time.Now(), proc: proc}
}

// RegisterRoutes 注册健康检查和统计路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "simulated"
	if h.source.BrowserEnabled() {
		mode = "enabled"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"browser":   mode,
		"sessions":  h.source.Stats(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"pid":            os.Getpid(),
	}
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfoWithContext(r.Context()); err == nil {
			info["rss_bytes"] = mem.RSS
		}
		if cpu, err := h.proc.CPUPercentWithContext(r.Context()); err == nil {
			info["cpu_percent"] = cpu
		}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": h.source.Stats(),
		"server_info":     info,
	})
}
