// Package delivery consumes one channel queue: it renders each job, hands it
// to the channel sender and records the outcome on the notification row
// before settling the message.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
	"notification-pipeline/internal/history"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/queue"
	"notification-pipeline/internal/sandbox"
	"notification-pipeline/internal/sender"
)

type Handler struct {
	config        *Config
	notifications NotificationStore
	recipients    RecipientStore
	sender        sender.Sender
	engine        *sandbox.Engine
	limiter       *rate.Limiter
	history       HistoryRecorder
	logger        logger.Logger
	now           func() time.Time
}

var _ queue.DeliveryHandler = (*Handler)(nil)

// NewHandler builds the handler for config.Channel. history may be nil.
func NewHandler(config *Config, notifications NotificationStore, recipients RecipientStore, s sender.Sender,
	engine *sandbox.Engine, hist HistoryRecorder, log logger.Logger) *Handler {
	limit := rate.Inf
	if config.RatePerSec > 0 {
		limit = rate.Limit(config.RatePerSec)
	}
	return &Handler{
		config:        config,
		notifications: notifications,
		recipients:    recipients,
		sender:        s,
		engine:        engine,
		limiter:       rate.NewLimiter(limit, config.Burst),
		history:       hist,
		logger:        log.WithFields(map[string]interface{}{"component": "delivery", "channel": config.Channel.String()}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// HandleDelivery settles d exactly once. The row is updated before the
// message is acknowledged; if that update fails the message is requeued.
func (h *Handler) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	channel := h.config.Channel.String()
	start := time.Now()
	metrics.DeliveriesInFlight.WithLabelValues(channel).Inc()
	defer metrics.DeliveriesInFlight.WithLabelValues(channel).Dec()

	var job models.QueueJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.NotificationID == "" {
		h.logger.Error("malformed job, dead-lettering", map[string]interface{}{
			"messageId": d.MessageId,
			"error":     err,
		})
		h.nack(d, false)
		metrics.DeliveriesTotal.WithLabelValues(channel, metrics.StatusDeadLetter).Inc()
		return
	}

	attempt := queue.Attempt(d)
	log := h.logger.WithFields(map[string]interface{}{
		"notificationId": job.NotificationID,
		"attempt":        attempt,
	})

	rec := history.Record{
		NotificationID: job.NotificationID,
		RecipientID:    job.UserID,
		TemplateID:     job.TemplateID,
		Channel:        h.config.Channel,
		Attempt:        attempt,
	}

	sendErr := h.Execute(ctx, &job)
	if sendErr == nil {
		if err := h.notifications.MarkSent(ctx, job.NotificationID, h.now()); err != nil {
			log.Error("sent but could not mark notification, requeueing", map[string]interface{}{"error": err})
			h.nack(d, true)
			metrics.DeliveriesTotal.WithLabelValues(channel, metrics.StatusRetried).Inc()
			return
		}
		h.ack(d)
		log.Info("notification sent", nil)
		rec.Outcome = history.OutcomeSent
		h.finish(ctx, rec, start)
		return
	}

	requeue := apperrors.IsRetryable(sendErr) && attempt < h.config.MaxRedeliveries
	if err := h.notifications.MarkFailed(ctx, job.NotificationID, sendErr.Error()); err != nil {
		log.Error("could not mark notification failed", map[string]interface{}{"error": err})
		requeue = attempt < h.config.MaxRedeliveries
	}
	h.nack(d, requeue)

	rec.Error = sendErr.Error()
	rec.Outcome = history.OutcomeDeadLetter
	if requeue {
		rec.Outcome = history.OutcomeRetried
	}
	log.Warn("delivery failed", map[string]interface{}{
		"error":   sendErr,
		"requeue": requeue,
	})
	h.finish(ctx, rec, start)
}

// Execute renders job for its recipient and sends it. It does not touch the
// notification row or the message.
func (h *Handler) Execute(ctx context.Context, job *models.QueueJob) error {
	recipient := models.Recipient{ID: job.UserID}
	if r, err := h.recipients.GetRecipient(ctx, job.UserID); err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeResourceNotFound) {
			return err
		}
		h.logger.Warn("recipient not found, sending with empty address fields", map[string]interface{}{
			"notificationId": job.NotificationID,
			"recipientId":    job.UserID,
		})
	} else {
		recipient = *r
	}

	renderCtx := renderContext(recipient, job, h.now())
	subject, err := h.engine.Render(job.Subject, renderCtx, sandbox.ModeText)
	if err != nil {
		return apperrors.NewRenderFailedError(fmt.Errorf("subject: %w", err))
	}
	body, err := h.engine.Render(job.Body, renderCtx, sandbox.ModeFor(h.config.Channel.PlainText()))
	if err != nil {
		return apperrors.NewRenderFailedError(fmt.Errorf("body: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.config.SendTimeout)
	defer cancel()

	if err := h.limiter.Wait(sendCtx); err != nil {
		return apperrors.NewTimeoutError("rate limiter", err)
	}
	return h.sender.Send(sendCtx, recipient, subject, body)
}

func (h *Handler) finish(ctx context.Context, rec history.Record, start time.Time) {
	elapsed := time.Since(start)
	channel := h.config.Channel.String()
	metrics.DeliveriesTotal.WithLabelValues(channel, rec.Outcome).Inc()
	metrics.DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())

	if h.history == nil {
		return
	}
	rec.DurationMs = elapsed.Milliseconds()
	rec.Timestamp = h.now()
	if err := h.history.Record(ctx, rec); err != nil {
		h.logger.Warn("failed to index delivery history", map[string]interface{}{
			"notificationId": rec.NotificationID,
			"error":          err,
		})
	}
}

func (h *Handler) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		h.logger.Error("failed to ack message", map[string]interface{}{"deliveryTag": d.DeliveryTag, "error": err})
	}
}

func (h *Handler) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		h.logger.Error("failed to nack message", map[string]interface{}{"deliveryTag": d.DeliveryTag, "error": err})
	}
}
