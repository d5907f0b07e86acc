package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

const notificationColumns = `id, recipient_id, template_id, subject, body, channel_type, status, payload,
	scheduled_time, is_recurring, recurrence_pattern, error_message,
	sent_at, delivered_at, dispatched_at, created_at`

func scanNotification(row interface{ Scan(...interface{}) error }) (*models.Notification, error) {
	var n models.Notification
	var channel, status string
	var payload []byte
	var scheduled, sentAt, deliveredAt, dispatched sql.NullTime
	err := row.Scan(
		&n.ID, &n.RecipientID, &n.TemplateID, &n.Subject, &n.Body, &channel, &status, &payload,
		&scheduled, &n.IsRecurring, &n.RecurrencePattern, &n.ErrorMessage,
		&sentAt, &deliveredAt, &dispatched, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.ChannelType = models.ChannelType(channel)
	n.Status = models.Status(status)
	n.ScheduledTime = timePtr(scheduled)
	n.SentAt = timePtr(sentAt)
	n.DeliveredAt = timePtr(deliveredAt)
	n.DispatchedAt = timePtr(dispatched)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullable maps a nil *time.Time to SQL NULL.
func nullable(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	payload := n.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("payload is not JSON encodable: %v", err))
	}
	if n.Status == "" {
		n.Status = models.StatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, template_id, subject, body, channel_type, status,
			payload, scheduled_time, is_recurring, recurrence_pattern, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.RecipientID, n.TemplateID, n.Subject, n.Body, string(n.ChannelType), string(n.Status),
		raw, nullable(n.ScheduledTime), n.IsRecurring, n.RecurrencePattern, n.CreatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("create notification", err)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewResourceNotFoundError("Notification", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get notification", err)
	}
	return n, nil
}

// MarkSent finishes an occurrence. Recurring rows go back to pending; their
// scheduled_time was already advanced when the scheduler claimed them.
// Replays of an already finished occurrence change nothing.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = CASE WHEN is_recurring THEN 'pending' ELSE 'sent' END,
			sent_at = $2, error_message = ''
		WHERE id = $1 AND status IN ('pending', 'failed')`,
		id, at,
	)
	if err != nil {
		return apperrors.NewDatabaseError("mark sent", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'failed', error_message = $2
		WHERE id = $1 AND status IN ('pending', 'failed')`,
		id, reason,
	)
	if err != nil {
		return apperrors.NewDatabaseError("mark failed", err)
	}
	return nil
}

// RescheduleAt leaves a pending row for the scheduler to pick up at t.
func (s *Store) RescheduleAt(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET scheduled_time = $2 WHERE id = $1 AND status = 'pending'`,
		id, t,
	)
	if err != nil {
		return apperrors.NewDatabaseError("reschedule notification", err)
	}
	return nil
}

// ListDue returns pending rows whose scheduled time has passed, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending' AND scheduled_time IS NOT NULL AND scheduled_time <= $1
		ORDER BY scheduled_time
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due notifications", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan notification", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list due notifications", err)
	}
	return out, nil
}

// ClaimDue atomically moves a due row from observed to next (nil clears the
// schedule of a one-shot row). It reports false when another tick or
// instance claimed the row first.
func (s *Store) ClaimDue(ctx context.Context, id string, observed time.Time, next *time.Time, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET scheduled_time = $3, dispatched_at = $4
		WHERE id = $1 AND status = 'pending' AND scheduled_time = $2`,
		id, observed, nullable(next), now,
	)
	if err != nil {
		return false, apperrors.NewDatabaseError("claim notification", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewDatabaseError("claim notification", err)
	}
	return n == 1, nil
}

// ReleaseClaim undoes ClaimDue after a failed publish so the next tick
// retries the same occurrence.
func (s *Store) ReleaseClaim(ctx context.Context, id string, observed time.Time, claimed *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET scheduled_time = $2, dispatched_at = NULL
		WHERE id = $1 AND status = 'pending' AND scheduled_time IS NOT DISTINCT FROM $3`,
		id, observed, nullable(claimed),
	)
	if err != nil {
		return apperrors.NewDatabaseError("release claim", err)
	}
	return nil
}

// RearmRecurring returns recurring rows left sent or failed to pending once
// their next occurrence is due.
func (s *Store) RearmRecurring(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'pending', error_message = ''
		WHERE is_recurring AND status IN ('sent', 'failed')
			AND scheduled_time IS NOT NULL AND scheduled_time <= $1`,
		now,
	)
	if err != nil {
		return 0, apperrors.NewDatabaseError("rearm recurring notifications", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
