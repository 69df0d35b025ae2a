package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/app/reminder"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/logging"
)

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Manage email reminders",
}

var reminderScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue an email reminder",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		email, _ := cmd.Flags().GetString("email")
		subject, _ := cmd.Flags().GetString("subject")
		body, _ := cmd.Flags().GetString("body")
		atRaw, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")

		at, err := scheduleTime(atRaw, in, time.Now().UTC())
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		publisher := amqputil.NewPublisher(
			amqputil.Dialer(cfg.RabbitMQ.URL(), "taskyctl", cfg.RabbitMQ.Heartbeat),
			messaging.Setup(messaging.EnsureReminderQueue),
			cfg.RabbitMQ.PublishTimeout,
		)
		defer publisher.Close()

		r, err := reminder.NewService(publisher, logging.WithComponent("reminders")).Schedule(cmd.Context(), reminder.ScheduleRequest{
			UserID:      userID,
			Email:       email,
			Subject:     subject,
			Body:        body,
			ScheduledAt: at,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled reminder %s for %s\n", r.ID, r.ScheduledAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	reminderScheduleCmd.Flags().String("user-id", "", "Recipient user id")
	reminderScheduleCmd.Flags().String("email", "", "Recipient email address")
	reminderScheduleCmd.Flags().String("subject", "Tasky reminder", "Email subject")
	reminderScheduleCmd.Flags().String("body", "", "Email body")
	reminderScheduleCmd.Flags().String("at", "", "Send time (RFC 3339)")
	reminderScheduleCmd.Flags().Duration("in", 0, "Send after this delay instead of --at")
	_ = reminderScheduleCmd.MarkFlagRequired("user-id")
	_ = reminderScheduleCmd.MarkFlagRequired("email")

	reminderCmd.AddCommand(reminderScheduleCmd)
}

func scheduleTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, errors.New("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --at: %w", err)
		}
		return t.UTC(), nil
	case in < 0:
		return time.Time{}, errors.New("--in must not be negative")
	default:
		return now.Add(in), nil
	}
}
