// Package behavior derives per-lead interaction profiles from message history.
package behavior

import (
	"sort"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
)

const (
	replyCutoff    = 7 * 24 * time.Hour
	recentWindow   = 72 * time.Hour
	fastReply      = time.Hour
	topN           = 3
	pointsPerReply = 20
	fastReplyBonus = 30
	maxEngagement  = 100
)

// Profile summarizes how and when a lead interacts.
// A lead with no inbound messages has a zero Profile.
type Profile struct {
	AverageResponseLatency *time.Duration `json:"average_response_latency,omitempty"`
	PreferredHours         []int          `json:"preferred_hours,omitempty"`
	PreferredDays          []time.Weekday `json:"preferred_days,omitempty"`
	EngagementScore        int            `json:"engagement_score"`
	LastActiveAt           *time.Time     `json:"last_active_at,omitempty"`
}

// FastResponder reports whether the lead usually answers within an hour.
func (p Profile) FastResponder() bool {
	return p.AverageResponseLatency != nil && *p.AverageResponseLatency < fastReply
}

// Build computes a Profile from messages ordered by timestamp.
// now anchors the trailing engagement window, and its location is the one
// preferred hours and days are read in.
func Build(messages []model.Message, now time.Time) Profile {
	loc := now.Location()
	var p Profile

	var gaps []time.Duration
	for i := 0; i+1 < len(messages); i++ {
		cur, next := messages[i], messages[i+1]
		if cur.Direction != model.Outbound || next.Direction != model.Inbound {
			continue
		}
		gap := next.Timestamp.Sub(cur.Timestamp)
		if gap < 0 || gap > replyCutoff {
			continue
		}
		gaps = append(gaps, gap)
	}
	if len(gaps) > 0 {
		var total time.Duration
		for _, g := range gaps {
			total += g
		}
		avg := total / time.Duration(len(gaps))
		p.AverageResponseLatency = &avg
	}

	hours := newHistogram()
	days := newHistogram()
	recent := 0
	for i, m := range messages {
		if m.Direction != model.Inbound {
			continue
		}
		local := m.Timestamp.In(loc)
		hours.add(local.Hour(), i)
		days.add(int(local.Weekday()), i)

		age := now.Sub(m.Timestamp)
		if age >= 0 && age <= recentWindow {
			recent++
		}
		ts := m.Timestamp
		if p.LastActiveAt == nil || ts.After(*p.LastActiveAt) {
			p.LastActiveAt = &ts
		}
	}
	if hours.empty() {
		return p
	}

	p.PreferredHours = hours.top(topN)
	for _, d := range days.top(topN) {
		p.PreferredDays = append(p.PreferredDays, time.Weekday(d))
	}

	score := pointsPerReply * recent
	if p.FastResponder() {
		score += fastReplyBonus
	}
	p.EngagementScore = min(maxEngagement, score)

	return p
}

type bucket struct {
	key   int
	count int
	last  int
}

// histogram counts keys and remembers the position of their latest occurrence.
type histogram struct {
	buckets map[int]*bucket
}

func newHistogram() *histogram {
	return &histogram{buckets: make(map[int]*bucket)}
}

func (h *histogram) add(key, pos int) {
	b, ok := h.buckets[key]
	if !ok {
		b = &bucket{key: key}
		h.buckets[key] = b
	}
	b.count++
	b.last = pos
}

func (h *histogram) empty() bool {
	return len(h.buckets) == 0
}

// top returns up to n keys by count, ties going to the most recent occurrence.
func (h *histogram) top(n int) []int {
	all := make([]*bucket, 0, len(h.buckets))
	for _, b := range h.buckets {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].last > all[j].last
	})
	if len(all) > n {
		all = all[:n]
	}
	keys := make([]int, len(all))
	for i, b := range all {
		keys[i] = b.key
	}
	return keys
}
