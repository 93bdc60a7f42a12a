// Package main provides the local sync status server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/nutrilog/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/nutrilog/backend/internal/app"
	"github.com/kimhsiao/nutrilog/backend/internal/config"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	syncpkg "github.com/kimhsiao/nutrilog/backend/internal/sync"
)

const serviceName = "nutrilog-desktop"

func main() {
	if err := run(); err != nil {
		logging.Error("desktop server failed", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("NUTRILOG_CONFIG"))
	if err != nil {
		return err
	}
	app.InitLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	a.Engine.SetEventHandler(hub.BroadcastSyncEvent)

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Desktop.Port),
		Handler:           newServer(a.Engine, a.Scheduler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("desktop server starting", logging.Fields{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.Info("desktop server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// newServer registers every route.
func newServer(engine syncpkg.SyncEngineInterface, syncer handlers.Syncer, hub *WSHub) http.Handler {
	syncHandler := handlers.NewSyncHandler(engine, syncer)

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Sync routes
	mux.HandleFunc("/api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("/api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("/api/sync/queue/drain", syncHandler.DrainQueue)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	return mux
}
