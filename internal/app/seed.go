package app

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
)

// DemoLead describes one seeded lead.
type DemoLead struct {
	LeadID      string
	Scope       string
	Temperature model.Temperature
	// replies are (outbound offset, reply delay) pairs relative to the seed time.
	replies [][2]time.Duration
}

// DemoLeads covers a fast responder, a slow responder and a lead with no history.
func DemoLeads() []DemoLead {
	return []DemoLead{
		{
			LeadID:      "lead-ana",
			Scope:       "acct-1",
			Temperature: model.TemperatureHot,
			replies: [][2]time.Duration{
				{-50 * time.Hour, 20 * time.Minute},
				{-26 * time.Hour, 35 * time.Minute},
			},
		},
		{
			LeadID:      "lead-ben",
			Scope:       "acct-1",
			Temperature: model.TemperatureWarm,
			replies: [][2]time.Duration{
				{-6 * 24 * time.Hour, 30 * time.Hour},
			},
		},
		{
			LeadID:      "lead-cho",
			Scope:       "acct-2",
			Temperature: model.TemperatureCold,
		},
	}
}

// Seed records demo message history and enrolls every demo lead.
func Seed(ctx context.Context, a *App, campaignID string, now time.Time) ([]*model.Enrollment, error) {
	var enrolled []*model.Enrollment
	for _, lead := range DemoLeads() {
		for _, r := range lead.replies {
			out := model.Message{LeadID: lead.LeadID, Direction: model.Outbound, Timestamp: now.Add(r[0])}
			in := model.Message{LeadID: lead.LeadID, Direction: model.Inbound, Timestamp: now.Add(r[0] + r[1])}
			for _, m := range []model.Message{out, in} {
				if err := a.History.Record(ctx, m); err != nil {
					return enrolled, fmt.Errorf("record history of %s: %w", lead.LeadID, err)
				}
			}
		}

		e, task, err := a.Planner.Enroll(ctx, lead.LeadID, campaignID, lead.Scope, lead.Temperature)
		if err != nil {
			return enrolled, fmt.Errorf("enroll %s: %w", lead.LeadID, err)
		}
		a.Logger.Info("seeded lead", "lead_id", lead.LeadID, "enrollment_id", e.ID,
			"first_send", task.ScheduledAt, "confidence", task.Confidence)
		enrolled = append(enrolled, e)
	}
	return enrolled, nil
}
