// Package queue carries notification jobs over RabbitMQ: one durable work
// queue per channel type, dead-lettering into a shared queue.
package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification-pipeline/internal/models"
)

const DeadLetterQueue = "dead_letter_queue"

var queueNames = map[models.ChannelType]string{
	models.ChannelEmail:   "email_notifications",
	models.ChannelSMS:     "sms_notifications",
	models.ChannelPush:    "push_notifications",
	models.ChannelInstant: "instant_notifications",
}

// QueueName returns the work queue for a channel type.
func QueueName(ct models.ChannelType) (string, error) {
	name, ok := queueNames[ct]
	if !ok {
		return "", fmt.Errorf("no queue for channel type %q", ct)
	}
	return name, nil
}

// Declarer is the part of *amqp.Channel used to declare queues.
type Declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// DeclareTopology declares the dead letter queue and every work queue.
// Work queues are quorum queues, so redeliveries carry x-delivery-count, and
// reject into the dead letter queue through the default exchange.
func DeclareTopology(ch Declarer) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}

	for _, ct := range models.ChannelTypes {
		name := queueNames[ct]
		args := amqp.Table{
			"x-queue-type":              "quorum",
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadLetterQueue,
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}
