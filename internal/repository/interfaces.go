package repository

import (
    "context"
    "time"

    "github.com/unclebandit/followup-engine/internal/model"
)

// TaskRepositoryInterface is the scheduled task store used by the planner and dispatcher.
type TaskRepositoryInterface interface {
    Create(ctx context.Context, t *model.ScheduledTask) error
    GetByID(ctx context.Context, id string) (*model.ScheduledTask, error)
    // ListDue returns pending tasks with scheduled_at <= now, oldest first.
    ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error)
    Update(ctx context.Context, t *model.ScheduledTask) error
    // Claim moves a pending task to processing and stamps updated_at with at.
    // It reports false when the task is no longer pending.
    Claim(ctx context.Context, t *model.ScheduledTask, at time.Time) (bool, error)
    // ListStale returns processing tasks last touched before cutoff.
    ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.ScheduledTask, error)
    // CountSent returns completed sends per scope since dayStart, and the part of them since hourStart.
    CountSent(ctx context.Context, dayStart, hourStart time.Time) (map[string]SentCount, error)
    // CancelPending marks every pending task of the enrollment cancelled and returns how many changed.
    CancelPending(ctx context.Context, enrollmentID string) (int, error)
    ListByEnrollment(ctx context.Context, enrollmentID string) ([]*model.ScheduledTask, error)
}

// SentCount is a scope's completed sends in the current day and hour.
type SentCount struct {
    Day  int
    Hour int
}

type EnrollmentRepositoryInterface interface {
    Create(ctx context.Context, e *model.Enrollment) error
    GetByID(ctx context.Context, id string) (*model.Enrollment, error)
    ListByLead(ctx context.Context, leadID string) ([]*model.Enrollment, error)
    Update(ctx context.Context, e *model.Enrollment) error
    // Delete removes an enrollment that never got a task.
    Delete(ctx context.Context, id string) error
}

// MessageRepositoryInterface is the message history source for behavior profiles.
type MessageRepositoryInterface interface {
    // ListByLead returns the lead's messages ordered by timestamp ascending.
    ListByLead(ctx context.Context, leadID string) ([]model.Message, error)
}

// MessageRecorder appends to a lead's message history.
type MessageRecorder interface {
    Record(ctx context.Context, m model.Message) error
}
