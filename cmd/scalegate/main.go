// Command scalegate runs the protocol-mediation gateway: it loads
// configuration from the environment, starts every enabled device's
// runtime, and serves the REST control plane and WebSocket event stream
// until terminated. Grounded on the shape of the teacher's
// cmd/server/edge entrypoint (env-driven config, signal.Notify, graceful
// shutdown) even though that particular file predates this rewrite.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/scalegate/internal/config"
	"github.com/fisaks/scalegate/internal/eventbus"
	"github.com/fisaks/scalegate/internal/logging"
	"github.com/fisaks/scalegate/internal/manager"
	"github.com/fisaks/scalegate/internal/restapi"
	"github.com/fisaks/scalegate/internal/store"
	"github.com/fisaks/scalegate/internal/wsapi"

	_ "github.com/fisaks/scalegate/internal/driver/modbusdrv"
	_ "github.com/fisaks/scalegate/internal/driver/mqttdrv"
	_ "github.com/fisaks/scalegate/internal/driver/serialdrv"
	_ "github.com/fisaks/scalegate/internal/driver/tcpdrv"
)

func main() {
	logging.Init()

	settings, err := config.Load()
	if err != nil {
		logging.Fatal("failed to load settings", "error", err)
	}

	st := store.New()
	bus := eventbus.New()
	mgr := manager.New(st, bus)
	mgr.Startup()

	apiServer := restapi.NewServer(st, mgr, settings.APIKey)
	wsHandler := wsapi.NewHandler(mgr, settings.APIKey)

	router := apiServer.Router()
	router.Handle("/ws/stream", wsHandler)

	addr := fmt.Sprintf("%s:%d", settings.BackendHost, settings.BackendPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logging.Info("scalegate listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("scalegate shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("http server shutdown error", "error", err)
	}
	mgr.Shutdown()
}
