// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatal("failed to start engine:", err)
	}
	defer engine.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Mount("/", engine.Controller().Routes())

	owner := engine.OwnsDispatch(config.OwnerServer)
	if owner {
		if err := engine.Dispatcher.RestoreBudgets(ctx); err != nil {
			log.Fatal("failed to restore scope budgets:", err)
		}
	} else {
		logger.Info("dispatch owned by another process, tick endpoint and ticker disabled", "owner", cfg.Dispatch.Owner)
	}

	if owner && cfg.Dispatch.Interval > 0 {
		go func() {
			if err := engine.Dispatcher.Run(ctx, cfg.Dispatch.Interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("dispatch loop stopped", "err", err)
			}
		}()
		logger.Info("internal dispatch ticker enabled", "interval", cfg.Dispatch.Interval)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Println("🚀 Server running on", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
	log.Println("👋 Server stopped")
}
