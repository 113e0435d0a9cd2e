package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/config"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/handler"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/logging"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/mirror"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/pairing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	syncLogs, err := logging.Init(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer syncLogs()

	bus := events.NewBus()
	store := session.NewMemoryStore()

	var launcher browser.Launcher = browser.Unavailable{}
	if cfg.Browser.Enabled {
		rod := browser.NewRodLauncher(cfg.Browser.Bin, cfg.Browser.Headless, cfg.Browser.UserAgent)
		if !rod.Available() {
			zap.L().Warn("main: no chrome binary found, sessions will fall back to simulated QR")
		}
		launcher = rod
	} else {
		zap.L().Info("main: browser disabled, running in simulated mode")
	}

	manager, err := pairing.NewManager(pairing.Options{
		Store:    store,
		Launcher: launcher,
		Events:   bus,
		Workers:  cfg.Pairing.Workers,
		Policy: pairing.Policy{
			BrowserEnabled:     cfg.Browser.Enabled,
			WebURL:             cfg.Browser.WebURL,
			QRTimeout:          cfg.Pairing.QRTimeout,
			AuthTimeout:        cfg.Pairing.AuthTimeout,
			HeartbeatInterval:  cfg.Pairing.HeartbeatInterval,
			SimulatedAuthDelay: cfg.Pairing.SimulatedAuthDelay,
			RefreshSettle:      cfg.Pairing.RefreshSettle,
			MaxRegenerations:   cfg.Pairing.MaxRegenerations,
			IdleTimeout:        cfg.Pairing.IdleTimeout,
		},
	})
	if err != nil {
		zap.L().Fatal("main: failed to create pairing manager", zap.Error(err))
	}

	deps := handler.Deps{Manager: manager, Bus: bus, CORSOrigins: cfg.Server.CORSOrigins}

	var panelMirror *mirror.Mirror
	if cfg.Mirror.Enabled() {
		panelMirror, err = mirror.Open(cfg.Mirror.Path, store.Get)
		if err != nil {
			zap.L().Fatal("main: failed to open panel mirror", zap.String("path", cfg.Mirror.Path), zap.Error(err))
		}
		unsubscribe := bus.Subscribe(events.AllSessions, panelMirror.Handle)
		defer unsubscribe()
		deps.Panel = panelMirror
		zap.L().Info("main: panel mirror enabled", zap.String("path", cfg.Mirror.Path))
	}

	sweeper, err := pairing.NewSweeper(manager, cfg.Pairing.SweepInterval)
	if err != nil {
		zap.L().Fatal("main: failed to schedule sweeper", zap.Error(err))
	}
	sweeper.Start()

	startServer(ctx, cfg.Server, handler.NewRouter(deps))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sweeper.Stop(shutdownCtx)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("main: pairing shutdown incomplete", zap.Error(err))
	}
	if panelMirror != nil {
		if err := panelMirror.Close(); err != nil {
			zap.L().Warn("main: close panel mirror", zap.Error(err))
		}
	}
	zap.L().Info("main: stopped")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zap.L().Info("main: WhatsApp QR bridge listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		zap.L().Error("main: server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
