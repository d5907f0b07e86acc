package queue

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification-pipeline/internal/common/logger"
)

// Broker owns the AMQP connection and redials it when it drops.
type Broker struct {
	url string
	log logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects and declares the queue topology.
func Dial(url string, log logger.Logger) (*Broker, error) {
	b := &Broker{
		url: url,
		log: log.WithFields(map[string]interface{}{"component": "broker"}),
	}

	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := DeclareTopology(ch); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Channel opens a channel, reconnecting first if the connection is gone.
func (b *Broker) Channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		if b.conn != nil {
			b.log.Warn("reconnected to rabbitmq", nil)
		}
		b.conn = conn
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Healthy reports whether the connection is open.
func (b *Broker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
