// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/queue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

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

	// Connect to RabbitMQ
	conn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ:", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("Failed to open a channel:", err)
	}
	defer ch.Close()

	consumer := &queue.SignalConsumer{
		Channel:    ch,
		Queue:      cfg.AMQP.SignalQueue,
		Applier:    engine.Planner,
		Logger:     logger,
		MaxRetries: 3,
		Timeout:    10 * time.Second,
	}

	interval := cfg.Dispatch.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	g, gctx := errgroup.WithContext(ctx)
	if engine.OwnsDispatch(config.OwnerWorker) {
		if err := engine.Dispatcher.RestoreBudgets(ctx); err != nil {
			log.Fatal("failed to restore scope budgets:", err)
		}
		g.Go(func() error {
			return engine.Dispatcher.Run(gctx, interval)
		})
		log.Println("Worker ticking every", interval)
	} else {
		logger.Info("dispatch owned by the server, worker only consumes signals")
	}
	g.Go(func() error {
		return consumer.Run(gctx)
	})

	log.Println("Worker running and waiting for signals...")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker stopped:", err)
	}
	log.Println("👋 Worker stopped")
}
