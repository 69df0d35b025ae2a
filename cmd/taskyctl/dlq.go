package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Move dead-lettered messages back to their original route",
	Long: `Replay takes messages off the dead-letter queue and republishes each one
to the exchange and routing key it had before it was dead-lettered, with a
fresh retry budget. Use --limit 0 to drain the queue.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ch, closeFn, err := openChannel(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		pub, err := amqputil.NewConfirmChannel(ch)
		if err != nil {
			return err
		}

		n, err := messaging.ReplayDeadLetters(cmd.Context(), ch, pub, limit)
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s) from %s\n", n, messaging.DeadLetterQueue)
		return err
	},
}

func init() {
	dlqReplayCmd.Flags().Int("limit", 100, "Maximum messages to replay (0 for all)")
	dlqCmd.AddCommand(dlqReplayCmd)
}
