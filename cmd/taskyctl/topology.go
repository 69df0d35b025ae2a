package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/messaging"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Manage broker topology",
}

var topologyDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare every exchange, queue and binding tasky uses",
	Long: `Declare the topic exchange, the notification queue and its bindings, the
dead-letter exchange and queue, and the email reminder queue. Declaring is
idempotent; it fails if an existing queue was declared with other arguments.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ch, closeFn, err := openChannel(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := messaging.EnsureAll(ch); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "declared %s, %s, %s, %s\n",
			messaging.EventsExchange, messaging.NotificationsQueue, messaging.DeadLetterQueue, messaging.ReminderQueue)
		return nil
	},
}

func init() {
	topologyCmd.AddCommand(topologyDeclareCmd)
}
