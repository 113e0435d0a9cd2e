package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler/panel"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler/realtime"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler/sessions"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler/stream"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler/system"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/pairing"
)

// Deps collects the services exposed over HTTP.
type Deps struct {
	Manager     *pairing.Manager
	Bus         *events.Bus
	Panel       panel.Reader
	CORSOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	system.New(deps.Manager).RegisterRoutes(r)
	realtime.New(deps.Manager, deps.Bus).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		sessions.New(deps.Manager).RegisterRoutes(api)
		stream.New(deps.Manager, deps.Bus).RegisterRoutes(api)
		panel.New(deps.Panel).RegisterRoutes(api)
	})

	return r
}
