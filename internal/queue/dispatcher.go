package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
	"notification-pipeline/internal/models"
)

// Publisher puts a job on the work queue of its channel type.
type Publisher interface {
	Publish(ctx context.Context, ct models.ChannelType, job models.QueueJob) error
}

var errNacked = errors.New("broker did not confirm the message")

// publishChannel is one pooled channel in confirm mode.
type publishChannel interface {
	publish(ctx context.Context, queue string, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type confirmChannel struct {
	*amqp.Channel
}

func (c confirmChannel) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

// Dispatcher publishes persistent JSON messages and waits for the broker's
// confirm. Channels are pooled; a channel that errors is discarded.
type Dispatcher struct {
	open    func() (publishChannel, error)
	pool    chan publishChannel
	timeout time.Duration
	log     logger.Logger
}

var _ Publisher = (*Dispatcher)(nil)

func NewDispatcher(b *Broker, poolSize int, timeout time.Duration, log logger.Logger) *Dispatcher {
	open := func() (publishChannel, error) {
		ch, err := b.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		return confirmChannel{ch}, nil
	}
	return newDispatcher(open, poolSize, timeout, log)
}

func newDispatcher(open func() (publishChannel, error), poolSize int, timeout time.Duration, log logger.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Dispatcher{
		open:    open,
		pool:    make(chan publishChannel, poolSize),
		timeout: timeout,
		log:     log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
}

func (d *Dispatcher) Publish(ctx context.Context, ct models.ChannelType, job models.QueueJob) error {
	queue, err := QueueName(ct)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}

	body, err := json.Marshal(job)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("encode job %s: %w", job.NotificationID, err))
	}

	ch, err := d.acquire()
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(queue, "error").Inc()
		return apperrors.NewPublishFailedError(queue, err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(ct),
		Body:         body,
	}

	if err := ch.publish(ctx, queue, msg); err != nil {
		ch.Close()
		metrics.PublishesTotal.WithLabelValues(queue, "error").Inc()
		d.log.Error("publish failed", map[string]interface{}{
			"queue":          queue,
			"notificationId": job.NotificationID,
			"error":          err,
		})
		return apperrors.NewPublishFailedError(queue, err)
	}

	d.release(ch)
	metrics.PublishesTotal.WithLabelValues(queue, "ok").Inc()
	d.log.Debug("job published", map[string]interface{}{
		"queue":          queue,
		"notificationId": job.NotificationID,
	})
	return nil
}

func (d *Dispatcher) acquire() (publishChannel, error) {
	for {
		select {
		case ch := <-d.pool:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			return d.open()
		}
	}
}

func (d *Dispatcher) release(ch publishChannel) {
	if ch.IsClosed() {
		return
	}
	select {
	case d.pool <- ch:
	default:
		ch.Close()
	}
}

// Close closes the pooled channels.
func (d *Dispatcher) Close() {
	for {
		select {
		case ch := <-d.pool:
			ch.Close()
		default:
			return
		}
	}
}
