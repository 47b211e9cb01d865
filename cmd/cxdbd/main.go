// Command cxdbd runs the cxdb storage daemon: the binary turn/blob protocol
// listener and the read-only HTTP/JSON gateway, sharing one data directory.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/strongdm/cxdb/core"
	"github.com/strongdm/cxdb/internal/httpgw"
	"github.com/strongdm/cxdb/internal/wire"
	"github.com/strongdm/cxdb/pkg/config"
	"github.com/strongdm/cxdb/pkg/utils"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.New()
	if lvl, lerr := log.ParseLevel(cfg.Logging.Level); lerr == nil {
		logger.SetLevel(lvl)
	}

	store, err := core.OpenStore(cfg.Server.DataDir, cfg.Server.HeadCacheEntries, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.WithError(cerr).Warn("store close failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wireServer := &wire.Server{
		Store:           store,
		Log:             logger,
		MaxInFlight:     cfg.Server.MaxInFlight,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		ServerName:      "cxdbd",
		ServerVersion:   1,
	}

	gw := &httpgw.Gateway{Store: store, Log: logger}
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPBindAddr,
		Handler: httpgw.NewRouter(gw),
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- utils.Wrap(wireServer.ListenAndServe(ctx, cfg.Server.BindAddr), "binary listener")
	}()
	go func() {
		logger.WithField("addr", cfg.Server.HTTPBindAddr).Info("http gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- utils.Wrap(err, "http listener")
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("listener failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http gateway shutdown")
	}
	stop()
}
