package models

import "time"

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is the owning business record for due-date reminders. Unlike
// notifications there is no status machine for delivery: the claim is a
// compare-and-set on ReminderSent, and the reminder itself is delivered
// as a freshly enqueued notification.
type Task struct {
	ID           string     `json:"id" db:"id"`
	AssigneeID   string     `json:"assignee_id" db:"assignee_id"`
	Title        string     `json:"title" db:"title"`
	DealID       *string    `json:"deal_id,omitempty" db:"deal_id"`
	Status       TaskStatus `json:"status" db:"status"`
	DueAt        time.Time  `json:"due_at" db:"due_at"`
	ReminderSent bool       `json:"reminder_sent" db:"reminder_sent"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
