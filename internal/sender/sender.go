// Package sender delivers a rendered step to a lead over one channel.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

var (
	// ErrPermanent marks a failure that retrying will not fix (bad address, rejected content).
	ErrPermanent = errors.New("permanent send failure")
	// ErrTransient marks a failure worth retrying (timeouts, transport 5xx).
	ErrTransient = errors.New("transient send failure")
)

// Result is what a transport reports for an accepted message.
type Result struct {
	MessageID string `json:"message_id"`
}

// Sender sends the content slot to the lead. Errors should wrap ErrPermanent
// or ErrTransient; anything else is treated as transient.
type Sender interface {
	Send(ctx context.Context, channel model.Channel, leadID, contentSlot string) (Result, error)
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsPermanent reports whether err should not be retried. Deadlines and
// cancellations are never permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrPermanent) || errors.Is(err, appErrors.ErrUnknownChannel)
}

// Registry routes a send to the sender registered for its channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[model.Channel]Sender
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[model.Channel]Sender)}
}

// Register binds s to channel, replacing any previous sender.
func (r *Registry) Register(channel model.Channel, s Sender) {
	r.mu.Lock()
	r.senders[channel] = s
	r.mu.Unlock()
}

// Channels returns the number of registered channels.
func (r *Registry) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Send implements Sender.
func (r *Registry) Send(ctx context.Context, channel model.Channel, leadID, contentSlot string) (Result, error) {
	r.mu.RLock()
	s, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", appErrors.ErrUnknownChannel, channel)
	}
	return s.Send(ctx, channel, leadID, contentSlot)
}

// MockSender simulates a transport: SuccessRate of sends succeed, the rest fail transiently.
type MockSender struct {
	SuccessRate float64
	// Latency is slept before answering, honoring ctx.
	Latency time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
	seq int
}

// NewMockSender creates a mock with the given success rate and seed.
func NewMockSender(successRate float64, seed int64) *MockSender {
	return &MockSender{
		SuccessRate: successRate,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// Send implements Sender.
func (m *MockSender) Send(ctx context.Context, channel model.Channel, leadID, contentSlot string) (Result, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Result{}, Transient(ctx.Err())
		}
	}

	m.mu.Lock()
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ok := m.rnd.Float64() < m.SuccessRate
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	if !ok {
		return Result{}, Transient(fmt.Errorf("mock %s send to %s failed", channel, leadID))
	}
	return Result{MessageID: fmt.Sprintf("mock-%s-%d", channel, seq)}, nil
}
