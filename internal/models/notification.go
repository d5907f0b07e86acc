package models

import "time"

// Status is the delivery state of one notification occurrence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Notification is one persisted send to one recipient. Recurring rows are
// re-armed to pending after each occurrence.
type Notification struct {
	ID                string                 `json:"id" db:"id"`
	RecipientID       string                 `json:"recipientId" db:"recipient_id"`
	TemplateID        string                 `json:"templateId" db:"template_id"`
	Subject           string                 `json:"subject" db:"subject"`
	Body              string                 `json:"body" db:"body"`
	ChannelType       ChannelType            `json:"channelType" db:"channel_type"`
	Status            Status                 `json:"status" db:"status"`
	SentAt            *time.Time             `json:"sentAt,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time             `json:"deliveredAt,omitempty" db:"delivered_at"`
	ErrorMessage      string                 `json:"errorMessage,omitempty" db:"error_message"`
	Payload           map[string]interface{} `json:"payload,omitempty" db:"payload"`
	ScheduledTime     *time.Time             `json:"scheduledTime,omitempty" db:"scheduled_time"`
	IsRecurring       bool                   `json:"isRecurring" db:"is_recurring"`
	RecurrencePattern string                 `json:"recurrencePattern,omitempty" db:"recurrence_pattern"`
	DispatchedAt      *time.Time             `json:"dispatchedAt,omitempty" db:"dispatched_at"`
	CreatedAt         time.Time              `json:"createdAt" db:"created_at"`
}

// Job converts the row into the wire record published to a channel queue.
func (n *Notification) Job() QueueJob {
	data := n.Payload
	if data == nil {
		data = map[string]interface{}{}
	}
	return QueueJob{
		NotificationID:   n.ID,
		UserID:           n.RecipientID,
		TemplateID:       n.TemplateID,
		Subject:          n.Subject,
		Body:             n.Body,
		NotificationType: n.ChannelType,
		Data:             data,
	}
}

// QueueJob is the transient JSON record carried on a channel queue.
type QueueJob struct {
	NotificationID   string                 `json:"notification_id"`
	UserID           string                 `json:"user_id"`
	TemplateID       string                 `json:"template_id"`
	Subject          string                 `json:"subject"`
	Body             string                 `json:"body"`
	NotificationType ChannelType            `json:"notification_type"`
	Data             map[string]interface{} `json:"data"`
}
