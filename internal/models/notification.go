package models

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusInFlight  NotificationStatus = "in_flight"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusFailed    NotificationStatus = "failed"
)

// IsTerminal reports whether a job in this status is done for good.
// Terminal rows are never re-claimed.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case NotificationStatusDelivered, NotificationStatusSent, NotificationStatusFailed:
		return true
	}
	return false
}

type NotificationType string

const (
	NotificationTypeTaskReminder  NotificationType = "task_reminder"
	NotificationTypeCoachingAlert NotificationType = "coaching_alert"
	NotificationTypeDealEvent     NotificationType = "deal_event"
	NotificationTypeSystem        NotificationType = "system"
)

type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
)

// Notification is one persisted unit of pending delivery work. Rows are
// created in pending state by upstream services and terminalized exactly
// once by the dispatch worker; they are retained afterwards for history.
type Notification struct {
	ID           string               `json:"id" db:"id"`
	UserID       string               `json:"user_id" db:"user_id"`
	Type         NotificationType     `json:"type" db:"type"`
	Priority     NotificationPriority `json:"priority" db:"priority"`
	Title        string               `json:"title" db:"title"`
	Body         string               `json:"body" db:"body"`
	Action       string               `json:"action,omitempty" db:"action"`
	ActionData   json.RawMessage      `json:"action_data,omitempty" db:"action_data"`
	Status       NotificationStatus   `json:"status" db:"status"`
	ScheduledFor time.Time            `json:"scheduled_for" db:"scheduled_for"`
	LastError    *string              `json:"last_error,omitempty" db:"last_error"`
	SentAt       *time.Time           `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time           `json:"delivered_at,omitempty" db:"delivered_at"`
	ClaimedAt    *time.Time           `json:"-" db:"claimed_at"`
	CreatedAt    time.Time            `json:"created_at" db:"created_at"`
	ReadAt       *time.Time           `json:"read_at,omitempty" db:"read_at"`
}
