// Package notify pushes state changes to connected clients over AMQP. The
// broadcast is fire-and-forget: a publish failure is logged and dropped,
// never propagated into the transaction that caused it. Clients must not
// rely on these events for correctness; the periodic full resync is the
// delivery guarantee.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"rimborso/internal/core"
)

type Notifier struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
}

// NewNotifier connects to the broker and declares the exchange and queue.
func NewNotifier(url, exchangeName, queueName string) (*Notifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	n := &Notifier{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
	}

	if err := n.setup(); err != nil {
		n.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return n, nil
}

func (n *Notifier) setup() error {
	err := n.channel.ExchangeDeclare(
		n.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = n.channel.QueueDeclare(
		n.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = n.channel.QueueBind(
		n.queueName,    // queue name
		n.queueName,    // routing key (same as queue name for direct exchange)
		n.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

func (n *Notifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// ReportStateChanged broadcasts a workflow transition.
func (n *Notifier) ReportStateChanged(ctx context.Context, key core.ReportKey, from, to core.ReportStatus, actorID string) {
	n.publish(ctx, NewReportEventMessage(key, from, to, actorID))
}

// SyncApplied broadcasts an applied sync mutation.
func (n *Notifier) SyncApplied(ctx context.Context, kind, opType, naturalKey string) {
	n.publish(ctx, NewSyncEventMessage(kind, opType, naturalKey))
}

func (n *Notifier) publish(ctx context.Context, msg *EventMessage) {
	body, err := msg.ToJSON()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal event", "event", msg.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = n.channel.PublishWithContext(
		ctx,
		n.exchangeName, // exchange
		n.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		// Best effort only; clients resync periodically.
		slog.WarnContext(ctx, "Failed to publish event",
			"event", msg.Event,
			"exchange", n.exchangeName,
			"error", err)
		return
	}

	slog.DebugContext(ctx, "Published event", "event", msg.Event, "exchange", n.exchangeName)
}
