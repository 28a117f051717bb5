// Package app wires configuration into a running engine shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/followup-engine/internal/clock"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/controller"
	"github.com/unclebandit/followup-engine/internal/db"
	"github.com/unclebandit/followup-engine/internal/events"
	"github.com/unclebandit/followup-engine/internal/governor"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/planner"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/sender"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/timing"
)

// App holds the wired engine components.
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	Tasks       repository.TaskRepositoryInterface
	Enrollments repository.EnrollmentRepositoryInterface
	Messages    repository.MessageRepositoryInterface
	History     repository.MessageRecorder
	Planner     *planner.Planner
	Governor    *governor.Governor
	Senders     *sender.Registry
	Publisher   events.Publisher
	Dispatcher  *service.Dispatcher

	closers []func() error
}

// New opens the configured store and event stream and builds the engine.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	cadence, err := planner.NewCadence(cfg.Cadence)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("cadence: %w", err)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.Publisher = kp
		a.closers = append(a.closers, kp.Close)
	} else {
		a.Publisher = events.NopPublisher{}
	}

	a.Senders = sender.NewRegistry()
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelWhatsApp, model.ChannelInstagram} {
		sc, ok := cfg.Senders[string(ch)]
		if ok && sc.URL != "" {
			a.Senders.Register(ch, sender.NewWebhookSender(sc.URL, sc.Token))
			continue
		}
		logger.Warn("no gateway configured, using mock sender", "channel", ch)
		a.Senders.Register(ch, sender.NewMockSender(0.9, time.Now().UnixNano()))
	}

	sys := clock.System{}
	a.Planner = &planner.Planner{
		Enrollments:   a.Enrollments,
		Tasks:         a.Tasks,
		Messages:      a.Messages,
		Predictor:     timing.NewPredictor(timing.WithClock(sys), timing.WithLocation(loc)),
		Cadence:       cadence,
		Clock:         sys,
		Publisher:     a.Publisher,
		Logger:        logger,
		FallbackDelay: cfg.Dispatch.FallbackDelay,
	}
	a.Governor = governor.New(cfg.Governor, governor.WithLocation(loc))
	a.Dispatcher = &service.Dispatcher{
		Tasks:       a.Tasks,
		Enrollments: a.Enrollments,
		Planner:     a.Planner,
		Governor:    a.Governor,
		Sender:      a.Senders,
		Publisher:   a.Publisher,
		Logger:      logger,
		Clock:       sys,
		Settings: service.DispatchSettings{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			RetryBase:   cfg.Dispatch.RetryBase,
			SendTimeout: cfg.Dispatch.SendTimeout,
			Workers:     cfg.Dispatch.Workers,
			FetchLimit:  cfg.Dispatch.FetchLimit,
		},
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Store {
	case config.StoreMemory:
		store := repository.NewMemoryStore()
		a.Tasks = store.Tasks()
		a.Enrollments = store.Enrollments()
		a.Messages = store.Messages()
		a.History = store
		a.Logger.Warn("using in-memory store, state is lost on restart")
		return nil
	case config.StorePostgres:
		conn, err := db.Open(a.Config.Database.URL)
		if err != nil {
			return err
		}
		if err := db.Migrate(ctx, conn); err != nil {
			conn.Close()
			return err
		}
		a.useSQL(conn)
		return nil
	}
	return fmt.Errorf("unknown store %q", a.Config.Database.Store)
}

func (a *App) useSQL(conn *sql.DB) {
	messages := &repository.MessageRepository{DB: conn}
	a.Tasks = &repository.TaskRepository{DB: conn}
	a.Enrollments = &repository.EnrollmentRepository{DB: conn}
	a.Messages = messages
	a.History = messages
	a.closers = append(a.closers, conn.Close)
}

// OwnsDispatch reports whether this process is the configured tick owner.
func (a *App) OwnsDispatch(process string) bool {
	return a.Config.Dispatch.Owner == process
}

// Controller returns the HTTP surface over the wired engine. The tick route
// is only served when the server owns dispatch.
func (a *App) Controller() *controller.FollowupController {
	var ticker controller.Ticker
	if a.OwnsDispatch(config.OwnerServer) {
		ticker = a.Dispatcher
	}
	return &controller.FollowupController{
		Dispatcher:  ticker,
		Planner:     a.Planner,
		Enrollments: a.Enrollments,
		Tasks:       a.Tasks,
		Governor:    a.Governor,
		Clock:       clock.System{},
		TickToken:   a.Config.HTTP.TickToken,
	}
}

// Close releases the store and the event writer.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
