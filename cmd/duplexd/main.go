package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/duplex/internal/app"
	"github.com/ent0n29/duplex/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	res, err := app.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
	}()

	if cfg.SourceFile != "" {
		log.Printf("config file: %s", cfg.SourceFile)
	}
	log.Printf("realtime provider: %s", res.Provider.Detail)
	log.Printf("conversation store: %s", res.StoreBackend)
	log.Printf("tools registered: %d", res.Tools.Len())

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		return res.Sessions.RunJanitor(ctx, 5*time.Second)
	})
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server error: %v", err)
	}
	log.Printf("shutdown complete")
}
