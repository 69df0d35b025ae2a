package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/logging"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish synthetic Todo events",
	Long: `Publish Todo events to the event exchange exactly as the todo API does.
With --count > 1 the todo id increments for each event.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		kindFlag, _ := cmd.Flags().GetString("kind")
		todoID, _ := cmd.Flags().GetInt("todo-id")
		userID, _ := cmd.Flags().GetString("user-id")
		title, _ := cmd.Flags().GetString("title")
		count, _ := cmd.Flags().GetInt("count")

		kind, err := parseKind(kindFlag)
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		publisher := amqputil.NewPublisher(
			amqputil.Dialer(cfg.RabbitMQ.URL(), "taskyctl", cfg.RabbitMQ.Heartbeat),
			messaging.Setup(messaging.EnsureTopology),
			cfg.RabbitMQ.PublishTimeout,
		)
		defer publisher.Close()
		producer := messaging.NewProducer(publisher, logging.WithComponent("producer"))

		for i := 0; i < count; i++ {
			event := buildEvent(kind, todoID+i, userID, title, time.Now().UTC())
			if err := producer.Send(cmd.Context(), event); err != nil {
				return fmt.Errorf("publish %s #%d: %w", kind, i+1, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %d %s event(s) for %s\n", count, kind, userID)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("kind", "created", "Event kind: created, completed or deleted")
	publishCmd.Flags().Int("todo-id", 1, "Todo id of the first event")
	publishCmd.Flags().String("user-id", "", "Owning user id")
	publishCmd.Flags().String("title", "Synthetic todo", "Todo title")
	publishCmd.Flags().Int("count", 1, "Number of events to publish")
	_ = publishCmd.MarkFlagRequired("user-id")
}

// parseKind accepts the wire tag (TodoCreated) or its short form (created).
func parseKind(raw string) (contracts.EventKind, error) {
	raw = strings.TrimSpace(raw)
	if kind, ok := contracts.ParseEventKind(raw); ok {
		return kind, nil
	}
	for _, kind := range contracts.Kinds {
		if strings.EqualFold("todo"+raw, kind.String()) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", raw)
}

func buildEvent(kind contracts.EventKind, todoID int, userID, title string, at time.Time) contracts.Event {
	switch kind {
	case contracts.KindTodoCompleted:
		return contracts.TodoCompleted{TodoID: todoID, UserID: userID, Title: title, CompletedAt: at}
	case contracts.KindTodoDeleted:
		return contracts.TodoDeleted{TodoID: todoID, UserID: userID, Title: title, DeletedAt: at}
	default:
		return contracts.TodoCreated{TodoID: todoID, UserID: userID, Title: title, CreatedAt: at}
	}
}
