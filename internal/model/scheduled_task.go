// internal/model/scheduled_task.go
package model

import (
    "time"

    "github.com/google/uuid"
)

type TaskStatus string

const (
    TaskPending    TaskStatus = "pending"
    TaskProcessing TaskStatus = "processing"
    TaskCompleted  TaskStatus = "completed"
    TaskFailed     TaskStatus = "failed"
    TaskCancelled  TaskStatus = "cancelled"
)

type ScheduledTask struct {
    ID           string     `db:"id" json:"id"`
    EnrollmentID string     `db:"enrollment_id" json:"enrollment_id"`
    LeadID       string     `db:"lead_id" json:"lead_id"`
    Scope        string     `db:"scope" json:"scope"`
    Channel      Channel    `db:"channel" json:"channel"`
    ContentSlot  string     `db:"content_slot" json:"content_slot"`
    CampaignDay  int        `db:"campaign_day" json:"campaign_day"`
    ScheduledAt  time.Time  `db:"scheduled_at" json:"scheduled_at"`
    Status       TaskStatus `db:"status" json:"status"` // pending, processing, completed, failed, cancelled
    Attempts     int        `db:"attempts" json:"attempts"`
    LastError    string     `db:"last_error,omitempty" json:"last_error,omitempty"`
    Confidence   float64    `db:"confidence" json:"confidence"`
    Reason       string     `db:"reason" json:"reason,omitempty"`
    CreatedAt    time.Time  `db:"created_at" json:"created_at"`
    UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// NewID returns a fresh identifier for tasks and enrollments.
func NewID() string {
    return uuid.NewString()
}
