// internal/model/enrollment.go
package model

import "time"

type EnrollmentStatus string

const (
    EnrollmentActive       EnrollmentStatus = "active"
    EnrollmentReplied      EnrollmentStatus = "replied"
    EnrollmentConverted    EnrollmentStatus = "converted"
    EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
    EnrollmentExhausted    EnrollmentStatus = "exhausted"
)

// Signal is an external event that ends an active enrollment.
type Signal string

const (
    SignalReplied      Signal = "replied"
    SignalConverted    Signal = "converted"
    SignalUnsubscribed Signal = "unsubscribed"
)

// Status returns the terminal enrollment status a signal moves to.
func (s Signal) Status() (EnrollmentStatus, bool) {
    switch s {
    case SignalReplied:
        return EnrollmentReplied, true
    case SignalConverted:
        return EnrollmentConverted, true
    case SignalUnsubscribed:
        return EnrollmentUnsubscribed, true
    }
    return "", false
}

// Enrollment is one lead's progress through one campaign cadence.
type Enrollment struct {
    ID           string           `db:"id" json:"id"`
    LeadID       string           `db:"lead_id" json:"lead_id"`
    CampaignID   string           `db:"campaign_id" json:"campaign_id"`
    Scope        string           `db:"scope" json:"scope"`
    CurrentStep  int              `db:"current_step" json:"current_step"`
    ChannelIndex int              `db:"channel_index" json:"channel_index"`
    Temperature  Temperature      `db:"temperature" json:"temperature"`
    Status       EnrollmentStatus `db:"status" json:"status"`
    LastError    string           `db:"last_error" json:"last_error,omitempty"`
    CreatedAt    time.Time        `db:"created_at" json:"created_at"`
    UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether new tasks may still be created for the enrollment.
func (e *Enrollment) IsActive() bool {
    return e.Status == EnrollmentActive
}
