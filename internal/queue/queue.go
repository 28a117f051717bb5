// Package queue consumes enrollment signals (replies, conversions,
// unsubscribes) from RabbitMQ and applies them to the planner.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/model"
)

const (
	DefaultSignalQueue = "enrollment_signals"
	retryHeader        = "x-retry-count"
	defaultMaxRetries  = 3
)

// SignalApplier applies a terminal signal to a lead's enrollments.
type SignalApplier interface {
	ApplySignal(ctx context.Context, leadID string, signal model.Signal) ([]*model.Enrollment, error)
}

// Channel is the part of *amqp.Channel the consumer uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// SignalMessage is the queue payload.
type SignalMessage struct {
	LeadID string       `json:"lead_id"`
	Signal model.Signal `json:"signal"`
}

// SignalConsumer reads SignalMessages and hands them to the applier.
// Bad payloads are acked and dropped. Failed applies are re-published with
// an incremented retry header until MaxRetries, then rejected.
type SignalConsumer struct {
	Channel    Channel
	Queue      string
	Applier    SignalApplier
	Logger     logging.Logger
	MaxRetries int
	// Timeout bounds one ApplySignal call.
	Timeout time.Duration
}

func (c *SignalConsumer) logger() logging.Logger {
	if c.Logger == nil {
		return logging.NopLogger{}
	}
	return c.Logger
}

func (c *SignalConsumer) queue() string {
	if c.Queue == "" {
		return DefaultSignalQueue
	}
	return c.Queue
}

// Run declares the durable queue and consumes until ctx is done or the
// broker closes the delivery channel.
func (c *SignalConsumer) Run(ctx context.Context) error {
	q, err := c.Channel.QueueDeclare(
		c.queue(), // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue(), err)
	}

	msgs, err := c.Channel.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.logger().Info("signal consumer started", "queue", q.Name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("signal delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it.
func (c *SignalConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger()

	var msg SignalMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn("dropping invalid signal payload", "err", err)
		_ = d.Ack(false)
		return
	}
	if msg.LeadID == "" {
		log.Warn("dropping signal without lead id", "signal", msg.Signal)
		_ = d.Ack(false)
		return
	}
	if _, ok := msg.Signal.Status(); !ok {
		log.Warn("dropping unknown signal", "lead_id", msg.LeadID, "signal", msg.Signal)
		_ = d.Ack(false)
		return
	}

	applyCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	changed, err := c.Applier.ApplySignal(applyCtx, msg.LeadID, msg.Signal)
	if err == nil {
		log.Info("signal applied", "lead_id", msg.LeadID, "signal", msg.Signal, "enrollments", len(changed))
		_ = d.Ack(false)
		return
	}

	retries := RetryCount(d.Headers)
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retries >= maxRetries {
		log.Error("signal dropped after retries", "lead_id", msg.LeadID, "signal", msg.Signal, "retries", retries, "err", err)
		_ = d.Nack(false, false)
		return
	}

	log.Warn("signal apply failed, retrying", "lead_id", msg.LeadID, "signal", msg.Signal, "retry", retries+1, "err", err)
	if perr := c.Channel.Publish("", c.queue(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries + 1)},
		Body:         d.Body,
	}); perr != nil {
		// keep the original so it is not lost
		log.Error("republish signal failed", "lead_id", msg.LeadID, "err", perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// RetryCount reads the retry header; AMQP tables carry integers in several widths.
func RetryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// PublishSignal enqueues a signal for the consumer.
func PublishSignal(ch Channel, queue string, msg SignalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if queue == "" {
		queue = DefaultSignalQueue
	}
	return ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
