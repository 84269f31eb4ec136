// Package queue wraps the durable, prefetch=1, ack-after-commit FIFO
// queues the orchestration pipeline uses to hand work between stages
// (spec §4.8). The reconnect-with-backoff consumer loop is grounded on the
// teacher's healthcheck.Monitor per-service goroutine shape (register a
// cancelable context, loop until it's done), generalized from an HTTP/TCP
// polling ticker to an AMQP channel consume loop.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sliceforge/orchestrator/internal/model"
)

// Stage names one of the two pipeline stages that own a queue per zone.
type Stage string

const (
	StageVLANMapping Stage = "vlan_mapping"
	StagePlacement   Stage = "vm_placement"
)

// QueueName returns the durable queue name for a (stage, zone) pair, e.g.
// "vlan_mapping_linux" or "vm_placement_openstack".
func QueueName(stage Stage, zone model.Zone) string {
	return string(stage) + "_" + string(zone)
}

// Action is what a consumer handler tells the broker to do with a delivery
// after processing it.
type Action int

const (
	// Ack acknowledges the message: its effect has been committed.
	Ack Action = iota
	// NackRequeue nacks with requeue=true: a transient fault, retry later.
	NackRequeue
	// NackDrop nacks with requeue=false: a permanent fault, avoid a poison loop.
	NackDrop
)

// Handler processes one delivery body and reports the outcome.
type Handler func(ctx context.Context, body []byte) Action

// Broker owns one AMQP091 connection and reconnects it with exponential
// backoff when lost.
type Broker struct {
	url      string
	minDelay time.Duration
	maxDelay time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewBroker dials the AMQP broker once up front so misconfiguration is
// caught at startup, then returns a Broker ready to declare queues,
// publish, and consume.
func NewBroker(url string, minDelay, maxDelay time.Duration, logger *slog.Logger) (*Broker, error) {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}
	return &Broker{url: url, minDelay: minDelay, maxDelay: maxDelay, logger: logger, conn: conn}, nil
}

// Close releases the broker's connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func (b *Broker) connection(ctx context.Context) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	delay := b.minDelay
	for {
		conn, err := amqp.Dial(b.url)
		if err == nil {
			b.conn = conn
			return conn, nil
		}
		b.logger.Warn("amqp reconnect failed, backing off", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.maxDelay {
			delay = b.maxDelay
		}
	}
}

// DeclareQueue ensures a durable queue exists.
func (b *Broker) DeclareQueue(ctx context.Context, name string) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return nil
}

// Publish persists body onto the named durable queue (delivery_mode=2).
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queueName, err)
	}
	return nil
}

// Consume runs handler over every delivery on queueName with prefetch=1
// until ctx is canceled, reconnecting with backoff on connection loss.
// This is the consumer goroutine started at process boot (spec §4.8).
func (b *Broker) Consume(ctx context.Context, queueName string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.consumeOnce(ctx, queueName, handler); err != nil {
			b.logger.Warn("queue consumer interrupted, reconnecting", "queue", queueName, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.minDelay):
			}
		}
	}
}

func (b *Broker) consumeOnce(ctx context.Context, queueName string, handler Handler) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume on %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			switch handler(ctx, d.Body) {
			case Ack:
				_ = d.Ack(false)
			case NackRequeue:
				_ = d.Nack(false, true)
			case NackDrop:
				_ = d.Nack(false, false)
			}
		}
	}
}
