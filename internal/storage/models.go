package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Notification is a persisted push notification.
type Notification struct {
	ID          string
	Type        string
	QueueName   string
	Title       string
	Message     string
	PayloadJSON string
	Link        string
	Gift        bool
	Read        bool
	Acked       bool
	ReceivedAt  time.Time
}

// notificationRow is the on-disk shape; timestamps are stored as RFC3339 text.
type notificationRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	QueueName   string `db:"queue_name"`
	Title       string `db:"title"`
	Message     string `db:"message"`
	PayloadJSON string `db:"payload_json"`
	Link        string `db:"link"`
	Gift        bool   `db:"gift"`
	Read        bool   `db:"read"`
	Acked       bool   `db:"acked"`
	ReceivedAt  string `db:"received_at"`
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UnreadOnly  bool
	UnackedOnly bool
	Limit       int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type jobRow struct {
	ID          string  `db:"id"`
	Type        string  `db:"type"`
	PayloadJSON string  `db:"payload_json"`
	Status      string  `db:"status"`
	Attempts    int     `db:"attempts"`
	MaxAttempts int     `db:"max_attempts"`
	RunAfter    string  `db:"run_after"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
	LastError   *string `db:"last_error"`
}
