// Command streamserver wires configuration, logging, the display
// pool, the session manager, and the WebSocket relay into a minimal
// runnable front end for the session streaming plane.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virtdisplay/sessionstream/internal/config"
	"github.com/virtdisplay/sessionstream/internal/displaypool"
	"github.com/virtdisplay/sessionstream/internal/manager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	pool := displaypool.New(displaypool.Options{
		Base: cfg.DisplayPool.BaseDisplay,
		Max:  cfg.DisplayPool.MaxDisplays,

		DisplayServer: xvfbCommand,
		WindowManager: windowManagerCommand,
		ReadyProbe:    readinessProbeCommand,

		ReadinessAttempts: uint(cfg.DisplayPool.ReadinessPollAttempts),
		ReadinessInterval: time.Duration(cfg.DisplayPool.ReadinessPollInterval) * time.Millisecond,
		WMSettle:          time.Duration(cfg.DisplayPool.WindowManagerSettleMS) * time.Millisecond,
		StopTimeout:       time.Duration(cfg.DisplayPool.StopTimeoutSeconds) * time.Second,

		Logger: logger,
	})

	mgr := manager.New(manager.Options{
		Pool:     pool,
		Launcher: manager.RodLauncher{},

		QueueSize:       cfg.Session.SubscriberQueueSize,
		GOPCapBytes:     cfg.Session.GOPCapBytes,
		EncoderChunk:    cfg.Session.EncoderChunkBytes,
		EncoderSoftCap:  cfg.Extractor.SoftCapBytes,
		EncoderHardCap:  cfg.Extractor.HardCapBytes,
		SessionStopWait: time.Duration(cfg.Session.StopTimeoutSeconds) * time.Second,
		NavigateTimeout: 15 * time.Second,

		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:    ":8090",
		Handler: newRouter(mgr, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	for _, sess := range mgr.List() {
		_ = mgr.Destroy(context.Background(), sess.ID())
	}
	pool.ReleaseAll()
}
