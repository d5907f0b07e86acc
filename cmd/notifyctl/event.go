package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notification-pipeline/internal/common/config"
	"notification-pipeline/internal/common/database"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/validation"
	"notification-pipeline/internal/orchestrator"
	"notification-pipeline/internal/queue"
	"notification-pipeline/internal/shortener"
	"notification-pipeline/internal/store"
)

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inject events into the pipeline",
	}
	cmd.AddCommand(newEventSendCmd())
	return cmd
}

func newEventSendCmd() *cobra.Command {
	var (
		userID string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "send <type>",
		Short: "Route an event through the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}

			env, err := connect(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer env.Close()

			created, err := env.orchestrator.ProcessEvent(cmd.Context(), orchestrator.Event{
				Type:   args[0],
				UserID: userID,
				Data:   payload,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created %d notification(s)\n", len(created))
			for _, n := range created {
				fmt.Fprintf(out, "  %s -> %s (%s)\n", n.ID, n.RecipientID, n.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User the event is about")
	cmd.Flags().StringVar(&data, "data", "", "Event payload as a JSON object")

	return cmd
}

// environment is the slice of the pipeline the CLI talks to.
type environment struct {
	log          logger.Logger
	pg           *database.PostgresClient
	broker       *queue.Broker
	dispatcher   *queue.Dispatcher
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
}

// connect opens Postgres and, when withBroker is set, RabbitMQ plus an
// orchestrator on top of them.
func connect(ctx context.Context, withBroker bool) (*environment, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	env := &environment{log: log, pg: pg, store: store.New(pg.DB)}
	if !withBroker {
		return env, nil
	}

	env.broker, err = queue.Dial(cfg.RabbitMQ.URL, log)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.dispatcher = queue.NewDispatcher(env.broker, cfg.RabbitMQ.PublishPoolSize, config.GetDuration(cfg.RabbitMQ.PublishTimeout), log)

	events, err := validation.NewEventValidator()
	if err != nil {
		env.Close()
		return nil, err
	}

	var short shortener.Shortener
	if cfg.Shortener.BaseURL != "" {
		short = shortener.NewClient(cfg.Shortener.BaseURL, config.GetDuration(cfg.Shortener.Timeout), log)
	}

	env.orchestrator = orchestrator.New(orchestrator.Deps{
		Templates:     env.store,
		Recipients:    env.store,
		Notifications: env.store,
		Publisher:     env.dispatcher,
		Links:         shortener.NewSubstitutor(short, log),
		Events:        events,
		Routes: orchestrator.EventRoutes{
			UserRegisteredTemplate: cfg.Events.UserRegisteredTemplate,
			NewMovieTemplate:       cfg.Events.NewMovieTemplate,
		},
	}, log)
	return env, nil
}

func (e *environment) Close() {
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	if e.broker != nil {
		e.broker.Close()
	}
	e.pg.Close()
}
