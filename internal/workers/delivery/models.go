package delivery

import (
	"context"
	"time"

	"notification-pipeline/internal/history"
	"notification-pipeline/internal/models"
)

// NotificationStore finalizes notification rows.
type NotificationStore interface {
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type RecipientStore interface {
	GetRecipient(ctx context.Context, id string) (*models.Recipient, error)
}

// HistoryRecorder receives one record per settled delivery.
type HistoryRecorder interface {
	Record(ctx context.Context, rec history.Record) error
}

// renderContext is the value tree a job is rendered against.
func renderContext(recipient models.Recipient, job *models.QueueJob, now time.Time) map[string]interface{} {
	extra := job.Data
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user":         recipient.TemplateContext(),
		"extra":        extra,
		"current_date": now,
	}
}
