//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/streadway/amqp"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/queue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	campaignID := flag.String("campaign", "demo", "campaign id for the seeded enrollments")
	replyLead := flag.String("reply", "", "publish a replied signal for this lead after seeding")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	// app.New applies the schema for the postgres store
	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	enrolled, err := app.Seed(ctx, engine, *campaignID, time.Now().UTC())
	if err != nil {
		log.Fatalf("failed to seed: %v", err)
	}
	for _, e := range enrolled {
		fmt.Printf("Seeded: %s (%s, scope %s)\n", e.LeadID, e.Temperature, e.Scope)
	}

	if *replyLead != "" {
		if err := publishReply(cfg, *replyLead); err != nil {
			log.Fatalf("failed to publish signal: %v", err)
		}
		fmt.Printf("Queued replied signal for %s\n", *replyLead)
	}

	fmt.Println("Database seeding completed successfully!")
}

func publishReply(cfg *config.Config, leadID string) error {
	conn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.AMQP.SignalQueue, true, false, false, false, nil); err != nil {
		return err
	}
	return queue.PublishSignal(ch, cfg.AMQP.SignalQueue, queue.SignalMessage{LeadID: leadID, Signal: model.SignalReplied})
}
