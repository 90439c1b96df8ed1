package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// routingPrefix is prepended to Message.Kind to form the routing key.
const routingPrefix = "notify.sms."

// AMQPNotifier publishes messages to a topic exchange for the SMS/WhatsApp
// sender to consume. A closed connection or channel is reopened on the next
// Send.
type AMQPNotifier struct {
	mu       sync.Mutex
	url      string
	exchange string
	dial     func(url string) (*amqp.Connection, error)
	conn     *amqp.Connection
	ch       *amqp.Channel
}

// NewAMQPNotifier dials url and declares exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, exchange: exchange, dial: amqp.Dial}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureChannel(); err != nil {
		return nil, err
	}
	return n, nil
}

// ensureChannel must be called with mu held.
func (n *AMQPNotifier) ensureChannel() error {
	if n.conn == nil || n.conn.IsClosed() {
		n.ch = nil
		conn, err := n.dial(n.url)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		n.conn = conn
	}
	if n.ch != nil && !n.ch.IsClosed() {
		return nil
	}
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	n.ch = ch
	return nil
}

// Send publishes message as persistent JSON, retrying once on a fresh
// channel when the broker closed the previous one.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for attempt := 0; ; attempt++ {
		if err := n.ensureChannel(); err != nil {
			return err
		}
		err := n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(message.Kind), false, false, publishing)
		if err == nil || attempt > 0 || !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		n.ch = nil
	}
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// RoutingKey returns the topic a message kind is published under.
func RoutingKey(kind string) string {
	return routingPrefix + kind
}
