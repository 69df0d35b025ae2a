package contracts

import "time"

const (
	ReminderQueue     = "email_reminder_queue"
	HeaderScheduledAt = "scheduled_at"
)

// EmailReminder is the message carried on the reminder queue.
type EmailReminder struct {
	ID          string    `json:"Id"`
	UserID      string    `json:"UserId"`
	Email       string    `json:"Email"`
	Subject     string    `json:"Subject"`
	Body        string    `json:"Body"`
	ScheduledAt time.Time `json:"ScheduledAt"`
	CreatedAt   time.Time `json:"CreatedAt"`
}

// Due reports whether the reminder may be sent at now.
func (r EmailReminder) Due(now time.Time) bool {
	return !now.Before(r.ScheduledAt)
}
