package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notification-pipeline/internal/common/logger"
)

// DeliveryHandler settles each delivery it receives with Ack or Nack.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d amqp.Delivery)
}

type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

var ErrDeliveriesClosed = errors.New("delivery stream closed by broker")

// Consumer feeds one queue into a handler, one message at a time.
type Consumer struct {
	open     func() (consumeChannel, error)
	queue    string
	prefetch int
	handler  DeliveryHandler
	log      logger.Logger
}

func NewConsumer(b *Broker, queue string, prefetch int, handler DeliveryHandler, log logger.Logger) *Consumer {
	open := func() (consumeChannel, error) { return b.Channel() }
	return newConsumer(open, queue, prefetch, handler, log)
}

func newConsumer(open func() (consumeChannel, error), queue string, prefetch int, handler DeliveryHandler, log logger.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		open:     open,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		log:      log.WithFields(map[string]interface{}{"component": "consumer", "queue": queue}),
	}
}

func (c *Consumer) Queue() string { return c.queue }

// Run consumes until ctx is cancelled or the broker closes the stream. A
// delivery already being handled when ctx is cancelled runs to completion.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.open()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", c.queue, err)
	}

	tag := fmt.Sprintf("%s-%s", c.queue, uuid.NewString()[:8])
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.log.Info("consumer started", map[string]interface{}{"consumerTag": tag})
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped", nil)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.handler.HandleDelivery(handlerCtx, d)
		}
	}
}

// Attempt returns which delivery of the message d is, starting at 1.
func Attempt(d amqp.Delivery) int {
	switch n := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
