package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/logging"
	"github.com/tasky-app/tasky/internal/pushclient"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print a user's realtime notifications",
	Long: `Connect to the notification hub, join the user's group and print every
pushed notification until interrupted. With --api the local view is first
reconciled from the REST endpoints.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, _ := cmd.Flags().GetString("url")
		userID, _ := cmd.Flags().GetString("user-id")
		token, _ := cmd.Flags().GetString("token")
		api, _ := cmd.Flags().GetString("api")

		out := cmd.OutOrStdout()
		client, err := pushclient.Dial(cmd.Context(), url, token,
			pushclient.WithLogger(logging.WithComponent("pushclient")),
			pushclient.WithAlerter(pushclient.AlerterFunc(func(n contracts.Notification) {
				fmt.Fprintf(out, "[%s] %s: %s\n", n.CreatedAt.Format(time.RFC3339), n.Title, n.Message)
			})),
		)
		if err != nil {
			return err
		}
		if err := client.Login(cmd.Context(), userID); err != nil {
			_ = client.Close()
			return err
		}
		if api != "" {
			if err := client.Reconcile(cmd.Context(), pushclient.NewRESTClient(api)); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "reconcile failed: %v\n", err)
			}
		}
		fmt.Fprintf(out, "watching %s (%d unread)\n", userID, client.Snapshot().UnreadCount)

		select {
		case <-cmd.Context().Done():
		case <-client.Done():
			return fmt.Errorf("hub closed the connection")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Logout(ctx)
	},
}

func init() {
	watchCmd.Flags().String("url", "ws://localhost:8083/notificationHub", "Hub websocket URL")
	watchCmd.Flags().String("user-id", "", "User whose notifications to watch")
	watchCmd.Flags().String("token", "", "Bearer token, required when the hub verifies tokens")
	watchCmd.Flags().String("api", "", "Notification service base URL for reconciliation")
	_ = watchCmd.MarkFlagRequired("user-id")
}
