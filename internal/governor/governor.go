// Package governor enforces per-scope sending caps that protect account and
// domain reputation.
package governor

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

// Refusal reasons returned by Check.
const (
	ReasonQuietHours  = "quiet hours"
	ReasonHourlyCap   = "hourly cap reached"
	ReasonDailyCap    = "daily cap reached"
	ReasonMinInterval = "min interval not elapsed"
	ReasonOffPeak     = "off-peak skip"
)

// Governor holds one Budget per scope. Budgets are independent: each has its
// own lock, so scopes never contend with each other.
type Governor struct {
	limits Limits
	loc    *time.Location

	mu      sync.Mutex
	budgets map[string]*Budget

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Option configures a Governor.
type Option func(*Governor)

// WithRand sets the random source for batch sizing and the off-peak draw.
func WithRand(r *rand.Rand) Option {
	return func(g *Governor) {
		g.rnd = r
	}
}

// WithLocation sets the time zone quiet and peak hours are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(g *Governor) {
		g.loc = loc
	}
}

// New constructs a Governor. Limits are expected to be validated.
func New(limits Limits, opts ...Option) *Governor {
	g := &Governor{
		limits:  limits,
		budgets: make(map[string]*Budget),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.loc == nil {
		g.loc = time.UTC
	}
	if g.rnd == nil {
		g.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return g
}

// Limits returns the configured caps.
func (g *Governor) Limits() Limits {
	return g.limits
}

func (g *Governor) budget(scope string) *Budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[scope]
	if !ok {
		b = newBudget()
		g.budgets[scope] = b
	}
	return b
}

func (g *Governor) float() float64 {
	g.rndMu.Lock()
	defer g.rndMu.Unlock()
	return g.rnd.Float64()
}

func (g *Governor) intn(n int) int {
	g.rndMu.Lock()
	defer g.rndMu.Unlock()
	return g.rnd.Intn(n)
}

// MayDispatch reports whether scope may send at now.
func (g *Governor) MayDispatch(scope string, now time.Time) bool {
	ok, _ := g.Check(scope, now)
	return ok
}

// Check is MayDispatch with the reason for a refusal.
// Refusals are not errors; the caller simply leaves its tasks pending.
func (g *Governor) Check(scope string, now time.Time) (bool, string) {
	now = now.In(g.loc)
	hour := now.Hour()
	if g.limits.quiet(hour) {
		return false, ReasonQuietHours
	}

	b := g.budget(scope)
	b.mu.Lock()
	b.roll(now)
	switch {
	case b.sentHour >= g.limits.MaxPerHour:
		b.mu.Unlock()
		return false, ReasonHourlyCap
	case b.sentDay >= g.limits.MaxPerDay:
		b.mu.Unlock()
		return false, ReasonDailyCap
	case !b.lastBatchAt.IsZero() && now.Sub(b.lastBatchAt) < g.limits.MinInterval:
		b.mu.Unlock()
		return false, ReasonMinInterval
	}
	b.mu.Unlock()

	if !g.limits.peak(hour) && g.float() >= g.limits.OffPeakProbability {
		return false, ReasonOffPeak
	}
	return true, ""
}

// CoolingDown reports whether lead bounced on channel in scope recently
// enough to be held back.
func (g *Governor) CoolingDown(scope, leadID string, channel model.Channel, now time.Time) bool {
	b := g.budget(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldown[cooldownKey{leadID, channel}]
	return ok && now.Before(until)
}

// SelectBatch picks the tasks to send now: leads in cooldown are skipped, the
// rest are taken oldest-due first, up to a random size within the batch bounds
// and never more than the budget left in the current hour and day.
func (g *Governor) SelectBatch(scope string, due []*model.ScheduledTask, now time.Time) []*model.ScheduledTask {
	b := g.budget(scope)
	b.mu.Lock()
	b.roll(now.In(g.loc))
	left := b.remaining(g.limits)
	eligible := make([]*model.ScheduledTask, 0, len(due))
	for _, t := range due {
		if until, ok := b.cooldown[cooldownKey{t.LeadID, t.Channel}]; ok && now.Before(until) {
			continue
		}
		eligible = append(eligible, t)
	}
	b.mu.Unlock()

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})

	size := g.limits.BatchMin
	if spread := g.limits.BatchMax - g.limits.BatchMin; spread > 0 {
		size += g.intn(spread + 1)
	}
	size = min(size, left, len(eligible))
	return eligible[:size]
}

// RecordDispatch consumes one send from the scope's budget. The cap check and
// the increment happen under the scope lock; ErrBudgetExhausted means nothing
// was consumed.
func (g *Governor) RecordDispatch(scope string, now time.Time) error {
	now = now.In(g.loc)
	b := g.budget(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(now)
	if b.sentHour >= g.limits.MaxPerHour || b.sentDay >= g.limits.MaxPerDay {
		return appErrors.ErrBudgetExhausted
	}
	b.sentHour++
	b.sentDay++
	b.lastBatchAt = now
	return nil
}

// RecordBounce starts the cooldown of lead on channel in scope.
func (g *Governor) RecordBounce(scope, leadID string, channel model.Channel, now time.Time) {
	b := g.budget(scope)
	b.mu.Lock()
	b.cooldown[cooldownKey{leadID, channel}] = now.Add(g.limits.BounceCooldown)
	b.mu.Unlock()
}

// Windows returns the starts of the hour and day budget windows containing now.
func (g *Governor) Windows(now time.Time) (hour, day time.Time) {
	return windows(now.In(g.loc))
}

// Restore raises the scope's counters to sent counts observed elsewhere,
// e.g. in the task store after a restart. Counters never go down.
func (g *Governor) Restore(scope string, sentHour, sentDay int, now time.Time) {
	b := g.budget(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(now.In(g.loc))
	b.sentHour = max(b.sentHour, sentHour)
	b.sentDay = max(b.sentDay, sentDay)
}

// Snapshot returns the scope's current counters.
func (g *Governor) Snapshot(scope string, now time.Time) Snapshot {
	b := g.budget(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(now.In(g.loc))
	return Snapshot{
		SentThisHour: b.sentHour,
		SentToday:    b.sentDay,
		LastBatchAt:  b.lastBatchAt,
		CoolingDown:  len(b.cooldown),
	}
}
