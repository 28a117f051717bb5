// Package events streams dispatch and enrollment outcomes to dashboards.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TaskCompleted       = "task.completed"
	TaskRetryScheduled  = "task.retry_scheduled"
	TaskFailed          = "task.failed"
	TaskCancelled       = "task.cancelled"
	EnrollmentAdvanced  = "enrollment.advanced"
	EnrollmentDormant   = "enrollment.dormant"
	EnrollmentExhausted = "enrollment.exhausted"
	EnrollmentSignal    = "enrollment.signal"
)

// Event is one outcome record. Fields that do not apply are left empty.
type Event struct {
	Type         string    `json:"type"`
	LeadID       string    `json:"lead_id"`
	EnrollmentID string    `json:"enrollment_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	Step         int       `json:"step"`
	CampaignDay  int       `json:"campaign_day"`
	Attempts     int       `json:"attempts,omitempty"`
	Status       string    `json:"status,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
