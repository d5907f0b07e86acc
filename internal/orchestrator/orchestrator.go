// Package orchestrator turns send requests and workflow events into
// persisted notifications and queue jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/validation"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/queue"
	"notification-pipeline/internal/schedule"
	"notification-pipeline/internal/shortener"
)

// BroadcastRecipient expands to every known recipient.
const BroadcastRecipient = "ALL"

type TemplateReader interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
}

type RecipientLister interface {
	ListRecipients(ctx context.Context) ([]models.Recipient, error)
}

type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	RescheduleAt(ctx context.Context, id string, t time.Time) error
}

// LinkSubstitutor fills {{linkN}} slots; it never fails.
type LinkSubstitutor interface {
	Substitute(ctx context.Context, body string, urls []string) string
}

// SendRequest describes one sendNotification call. An empty ChannelType
// uses the template's channel.
type SendRequest struct {
	TemplateID        string
	Recipients        []string
	ChannelType       models.ChannelType
	Payload           map[string]interface{}
	ScheduledTime     *time.Time
	Recurring         bool
	RecurrencePattern string
}

// Immediate reports whether the request is dispatched right away.
func (r SendRequest) Immediate() bool {
	return r.ScheduledTime == nil && !r.Recurring
}

type Orchestrator struct {
	templates     TemplateReader
	recipients    RecipientLister
	notifications NotificationWriter
	publisher     queue.Publisher
	links         LinkSubstitutor
	events        *validation.EventValidator
	routes        map[string]eventRoute
	log           logger.Logger
	now           func() time.Time
}

type Deps struct {
	Templates     TemplateReader
	Recipients    RecipientLister
	Notifications NotificationWriter
	Publisher     queue.Publisher
	Links         LinkSubstitutor
	Events        *validation.EventValidator
	Routes        EventRoutes
}

func New(deps Deps, log logger.Logger) *Orchestrator {
	links := deps.Links
	if links == nil {
		links = shortener.NewSubstitutor(nil, log)
	}
	return &Orchestrator{
		templates:     deps.Templates,
		recipients:    deps.Recipients,
		notifications: deps.Notifications,
		publisher:     deps.Publisher,
		links:         links,
		events:        deps.Events,
		routes:        deps.Routes.table(),
		log:           log.WithFields(map[string]interface{}{"component": "orchestrator"}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SendNotification creates one pending notification per recipient. Immediate
// requests are published at once; a publish failure leaves the row pending
// and due now, for the scheduler to retry.
func (o *Orchestrator) SendNotification(ctx context.Context, req SendRequest) ([]*models.Notification, error) {
	tpl, err := o.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	channel := req.ChannelType
	if channel == "" {
		channel = tpl.ChannelType
	}
	if !channel.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown channel type %q", channel))
	}

	recipients, err := o.resolveRecipients(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}

	now := o.now()
	scheduled := req.ScheduledTime
	if req.Recurring {
		if _, err := schedule.ParsePattern(req.RecurrencePattern); err != nil {
			o.log.Warn("unrecognized recurrence pattern, falling back to weekly interval", map[string]interface{}{
				"pattern": req.RecurrencePattern,
				"error":   err,
			})
		}
		if scheduled == nil {
			next := schedule.NextOccurrence(now, req.RecurrencePattern)
			scheduled = &next
		}
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body := o.links.Substitute(ctx, tpl.Body, shortener.LinksFromPayload(payload))

	created := make([]*models.Notification, 0, len(recipients))
	var publishErrs []error
	for _, recipientID := range recipients {
		n := &models.Notification{
			ID:                uuid.NewString(),
			RecipientID:       recipientID,
			TemplateID:        tpl.ID,
			Subject:           tpl.Subject,
			Body:              body,
			ChannelType:       channel,
			Status:            models.StatusPending,
			Payload:           payload,
			ScheduledTime:     scheduled,
			IsRecurring:       req.Recurring,
			RecurrencePattern: req.RecurrencePattern,
			CreatedAt:         now,
		}
		if err := o.notifications.CreateNotification(ctx, n); err != nil {
			return created, err
		}
		created = append(created, n)

		if req.Immediate() {
			if err := o.dispatch(ctx, n, now); err != nil {
				publishErrs = append(publishErrs, err)
			}
		}
	}

	o.log.Info("notifications created", map[string]interface{}{
		"templateId": tpl.ID,
		"channel":    channel.String(),
		"count":      len(created),
		"immediate":  req.Immediate(),
	})
	return created, errors.Join(publishErrs...)
}

// dispatch publishes n. It only returns an error when the row could not be
// handed to the scheduler either.
func (o *Orchestrator) dispatch(ctx context.Context, n *models.Notification, now time.Time) error {
	err := o.publisher.Publish(ctx, n.ChannelType, n.Job())
	if err == nil {
		return nil
	}

	o.log.Warn("immediate publish failed, deferring to scheduler", map[string]interface{}{
		"notificationId": n.ID,
		"error":          err,
	})
	if rerr := o.notifications.RescheduleAt(ctx, n.ID, now); rerr != nil {
		return fmt.Errorf("notification %s left pending without schedule: %w", n.ID, errors.Join(err, rerr))
	}
	n.ScheduledTime = &now
	return nil
}

// resolveRecipients expands "ALL" with a single read of the recipient table
// and drops duplicates, keeping the first occurrence.
func (o *Orchestrator) resolveRecipients(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, apperrors.NewValidationError("at least one recipient is required")
	}

	broadcast := false
	for _, id := range ids {
		if strings.EqualFold(strings.TrimSpace(id), BroadcastRecipient) {
			broadcast = true
			break
		}
	}

	if broadcast {
		all, err := o.recipients.ListRecipients(ctx)
		if err != nil {
			return nil, err
		}
		ids = make([]string, 0, len(all))
		for _, r := range all {
			ids = append(ids, r.ID)
		}
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
