package domain

import "time"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type NotificationStatus int

const (
	NotificationPending NotificationStatus = iota
	NotificationVisible
	NotificationDismissed
	NotificationExpired
)

func (s NotificationStatus) String() string {
	switch s {
	case NotificationPending:
		return "pending"
	case NotificationVisible:
		return "visible"
	case NotificationDismissed:
		return "dismissed"
	case NotificationExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Notification is one transient alert in the queue. ExpiresAfter of zero means
// the notification center applies its policy for the severity.
type Notification struct {
	ID           string
	Title        string
	Message      string
	Severity     Severity
	Link         string
	CreatedAt    time.Time
	ExpiresAfter time.Duration
}
