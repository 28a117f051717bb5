package governor

import (
	"sync"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
)

// Budget is the rate-limiting state of one scope. Counters only grow within
// their window and drop to zero when the wall-clock hour or day rolls over.
type Budget struct {
	mu sync.Mutex

	hourStart   time.Time
	dayStart    time.Time
	sentHour    int
	sentDay     int
	lastBatchAt time.Time
	cooldown    map[cooldownKey]time.Time
}

// A bounce holds back one lead on one channel; other channels stay open
// so the planner's fallback can still go out.
type cooldownKey struct {
	lead    string
	channel model.Channel
}

// Snapshot is a point-in-time copy of a Budget's counters.
type Snapshot struct {
	SentThisHour int       `json:"sent_this_hour"`
	SentToday    int       `json:"sent_today"`
	LastBatchAt  time.Time `json:"last_batch_at"`
	CoolingDown  int       `json:"cooling_down"`
}

func newBudget() *Budget {
	return &Budget{cooldown: make(map[cooldownKey]time.Time)}
}

// windows returns the starts of the wall-clock hour and day containing now.
func windows(now time.Time) (hour, day time.Time) {
	y, m, d := now.Date()
	return time.Date(y, m, d, now.Hour(), 0, 0, 0, now.Location()), time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// roll resets counters whose window ended before now. Callers hold mu.
func (b *Budget) roll(now time.Time) {
	hour, day := windows(now)
	if !hour.Equal(b.hourStart) {
		b.hourStart = hour
		b.sentHour = 0
	}
	if !day.Equal(b.dayStart) {
		b.dayStart = day
		b.sentDay = 0
	}
	for key, until := range b.cooldown {
		if !now.Before(until) {
			delete(b.cooldown, key)
		}
	}
}

func (b *Budget) remaining(l Limits) int {
	return max(0, min(l.MaxPerHour-b.sentHour, l.MaxPerDay-b.sentDay))
}
