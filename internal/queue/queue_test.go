package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup-engine/internal/model"
)

// MockAcknowledger records how a delivery was settled.
type MockAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.acked = true
	return nil
}

func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.nacked = true
	m.requeue = requeue
	return nil
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}

type MockApplier struct {
	mu    sync.Mutex
	calls []SignalMessage
	err   error
}

func (m *MockApplier) ApplySignal(_ context.Context, leadID string, signal model.Signal) ([]*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SignalMessage{LeadID: leadID, Signal: signal})
	if m.err != nil {
		return nil, m.err
	}
	return []*model.Enrollment{{LeadID: leadID}}, nil
}

type MockChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	keys       []string
	publishErr error
	deliveries chan amqp.Delivery
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return m.deliveries, nil
}

func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.keys = append(m.keys, key)
	m.published = append(m.published, msg)
	return nil
}

func delivery(body string, headers amqp.Table) (amqp.Delivery, *MockAcknowledger) {
	ack := &MockAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body), Headers: headers}, ack
}

func TestHandleAppliesSignal(t *testing.T) {
	applier := &MockApplier{}
	c := &SignalConsumer{Channel: &MockChannel{}, Applier: applier}

	d, ack := delivery(`{"lead_id":"lead-1","signal":"replied"}`, nil)
	c.Handle(context.Background(), d)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, []SignalMessage{{LeadID: "lead-1", Signal: model.SignalReplied}}, applier.calls)
}

func TestHandleDropsInvalidPayloads(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"signal":"replied"}`,
		`{"lead_id":"lead-1","signal":"opened"}`,
	} {
		applier := &MockApplier{}
		c := &SignalConsumer{Channel: &MockChannel{}, Applier: applier}
		d, ack := delivery(body, nil)
		c.Handle(context.Background(), d)

		assert.True(t, ack.acked, body)
		assert.Empty(t, applier.calls, body)
	}
}

func TestHandleRepublishesWithRetryCount(t *testing.T) {
	ch := &MockChannel{}
	c := &SignalConsumer{Channel: ch, Queue: "signals", Applier: &MockApplier{err: errors.New("db down")}}

	d, ack := delivery(`{"lead_id":"lead-1","signal":"converted"}`, amqp.Table{retryHeader: int32(1)})
	c.Handle(context.Background(), d)

	assert.True(t, ack.acked)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "signals", ch.keys[0])
	assert.Equal(t, 2, RetryCount(ch.published[0].Headers))
	assert.Equal(t, d.Body, ch.published[0].Body)
}

func TestHandleGivesUpAfterMaxRetries(t *testing.T) {
	ch := &MockChannel{}
	c := &SignalConsumer{Channel: ch, Applier: &MockApplier{err: errors.New("db down")}}

	d, ack := delivery(`{"lead_id":"lead-1","signal":"unsubscribed"}`, amqp.Table{retryHeader: int64(3)})
	c.Handle(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Empty(t, ch.published)
}

func TestHandleRequeuesWhenRepublishFails(t *testing.T) {
	ch := &MockChannel{publishErr: errors.New("channel closed")}
	c := &SignalConsumer{Channel: ch, Applier: &MockApplier{err: errors.New("db down")}}

	d, ack := delivery(`{"lead_id":"lead-1","signal":"replied"}`, nil)
	c.Handle(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.False(t, ack.acked)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	ch := &MockChannel{deliveries: make(chan amqp.Delivery, 1)}
	applier := &MockApplier{}
	c := &SignalConsumer{Channel: ch, Applier: applier, Timeout: time.Second}

	d, ack := delivery(`{"lead_id":"lead-9","signal":"replied"}`, nil)
	ch.deliveries <- d

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		applier.mu.Lock()
		defer applier.mu.Unlock()
		return len(applier.calls) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, ack.acked)
}

func TestRunStopsWhenBrokerClosesDeliveries(t *testing.T) {
	ch := &MockChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	c := &SignalConsumer{Channel: ch, Applier: &MockApplier{}}
	assert.Error(t, c.Run(context.Background()))
}

func TestPublishSignal(t *testing.T) {
	ch := &MockChannel{}
	require.NoError(t, PublishSignal(ch, "", SignalMessage{LeadID: "lead-1", Signal: model.SignalReplied}))
	require.Len(t, ch.published, 1)
	assert.Equal(t, DefaultSignalQueue, ch.keys[0])
	assert.JSONEq(t, `{"lead_id":"lead-1","signal":"replied"}`, string(ch.published[0].Body))
}
