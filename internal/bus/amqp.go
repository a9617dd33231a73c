package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tailorcv/backend/internal/status"
)

// AMQP is a RabbitMQ-backed Bus for multi-instance deployments: pipeline
// workers publish to a topic exchange and every stream server instance
// receives the deltas for the jobs its viewers watch. Routing key is the
// job ID; each subscription gets its own exclusive auto-deleted queue.
type AMQP struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex // protects the shared publish channel
	ch *amqp.Channel
}

// NewAMQP connects to RabbitMQ and declares the status exchange.
func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQP{conn: conn, exchange: exchange, ch: ch}, nil
}

// Publish sends snap to the exchange under the job's routing key.
func (b *AMQP) Publish(ctx context.Context, jobID string, snap status.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	b.mu.Lock()
	err = b.ch.PublishWithContext(ctx,
		b.exchange, // exchange
		jobID,      // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

// Subscribe binds a fresh queue to the job's routing key and decodes
// deliveries onto the subscription channel. Undecodable messages are logged
// and skipped; the stream catch-up replay covers any gap.
func (b *AMQP) Subscribe(jobID string) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, jobID, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack: statuses are idempotent and recoverable via catch-up
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	sub := &amqpSub{ch: ch, events: make(chan status.Snapshot, subBuffer)}
	go sub.pump(jobID, deliveries)
	return sub, nil
}

type amqpSub struct {
	ch     *amqp.Channel
	events chan status.Snapshot
}

func (s *amqpSub) pump(jobID string, deliveries <-chan amqp.Delivery) {
	defer close(s.events)
	for d := range deliveries {
		var snap status.Snapshot
		if err := json.Unmarshal(d.Body, &snap); err != nil {
			slog.Warn("Dropping undecodable status delta", "job", jobID, "error", err)
			continue
		}
		s.events <- snap
	}
}

func (s *amqpSub) Events() <-chan status.Snapshot { return s.events }

// Close cancels the consumer; the auto-deleted queue goes away with it.
func (s *amqpSub) Close() error {
	return s.ch.Close()
}

// Close tears down the publish channel and the connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil {
		slog.Warn("Failed to close AMQP channel", "error", err)
	}
	return b.conn.Close()
}
