package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskyctl",
	Short: "Operate the tasky event pipeline",
	Long: `taskyctl declares broker topology, publishes synthetic Todo events,
schedules email reminders, replays dead-lettered messages and watches a
user's realtime notifications.

Broker and service settings come from the same environment variables the
services read (RABBITMQ_HOST, RABBITMQ_PORT, JWT_SECRET, ...).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := "warn"
		if verbose {
			level = "debug"
		}
		logging.Init(logging.Config{Level: level, Output: os.Stderr})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskyctl %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging on stderr")

	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(reminderCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(watchCmd)
}

// openChannel loads the broker settings and opens one channel on a fresh
// connection. The returned func closes both.
func openChannel(ctx context.Context) (*amqp091.Channel, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dial := amqputil.Dialer(cfg.RabbitMQ.URL(), "taskyctl", cfg.RabbitMQ.Heartbeat)
	conn, err := amqputil.ConnectWithRetry(ctx, dial, 1, 0, logging.WithComponent("amqp"))
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, func() {
		_ = ch.Close()
		_ = conn.Close()
	}, nil
}
