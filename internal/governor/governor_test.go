package governor

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

// Monday 10:00 UTC, inside peak hours.
var peak = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func testLimits() Limits {
	l := DefaultLimits()
	l.MaxPerHour = 5
	l.MaxPerDay = 8
	l.MinInterval = 0
	l.BatchMin = 2
	l.BatchMax = 4
	return l
}

func newTestGovernor(l Limits, seed int64) *Governor {
	return New(l, WithRand(rand.New(rand.NewSource(seed))))
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.BatchMin = 5
	bad.BatchMax = 2
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.OffPeakProbability = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.QuietStart = 24
	assert.Error(t, bad.Validate())
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	l := DefaultLimits()
	for _, h := range []int{22, 23, 0, 3, 6} {
		assert.True(t, l.quiet(h), "hour %d", h)
	}
	for _, h := range []int{7, 9, 12, 21} {
		assert.False(t, l.quiet(h), "hour %d", h)
	}

	g := newTestGovernor(l, 1)
	ok, reason := g.Check("acct", time.Date(2025, 3, 3, 23, 30, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, ReasonQuietHours, reason)
}

func TestRecordDispatchNeverExceedsHourlyCap(t *testing.T) {
	l := testLimits()
	l.MaxPerDay = 1000
	g := newTestGovernor(l, 1)

	for hour := 0; hour < 3; hour++ {
		windowStart := peak.Add(time.Duration(hour) * time.Hour)
		accepted := 0
		for i := 0; i < 20; i++ {
			if g.RecordDispatch("acct", windowStart.Add(time.Duration(i)*time.Minute)) == nil {
				accepted++
			}
		}
		assert.Equal(t, l.MaxPerHour, accepted, "window %d", hour)
	}
}

func TestRecordDispatchIsAtomicPerScope(t *testing.T) {
	l := testLimits()
	g := newTestGovernor(l, 1)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.RecordDispatch("acct", peak) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, l.MaxPerHour, accepted.Load())

	// another scope has its own budget
	assert.NoError(t, g.RecordDispatch("other", peak))
}

func TestDailyCapBlocksRegardlessOfAge(t *testing.T) {
	l := testLimits()
	g := newTestGovernor(l, 1)

	sent := 0
	for h := 0; sent < l.MaxPerDay; h++ {
		for i := 0; i < l.MaxPerHour && sent < l.MaxPerDay; i++ {
			require.NoError(t, g.RecordDispatch("acct", peak.Add(time.Duration(h)*time.Hour)))
			sent++
		}
	}

	later := peak.Add(4 * time.Hour)
	ok, reason := g.Check("acct", later)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyCap, reason)
	assert.ErrorIs(t, g.RecordDispatch("acct", later), appErrors.ErrBudgetExhausted)

	old := []*model.ScheduledTask{{ID: "t1", LeadID: "l1", ScheduledAt: peak.AddDate(0, 0, -30)}}
	assert.Empty(t, g.SelectBatch("acct", old, later))

	// the next day starts from zero
	tomorrow := peak.AddDate(0, 0, 1)
	assert.True(t, g.MayDispatch("acct", tomorrow))
	assert.Equal(t, 0, g.Snapshot("acct", tomorrow).SentToday)
}

func TestMinInterval(t *testing.T) {
	l := testLimits()
	l.MinInterval = 5 * time.Minute
	g := newTestGovernor(l, 1)

	require.NoError(t, g.RecordDispatch("acct", peak))
	ok, reason := g.Check("acct", peak.Add(time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonMinInterval, reason)
	assert.True(t, g.MayDispatch("acct", peak.Add(5*time.Minute)))
}

func TestOffPeakProbability(t *testing.T) {
	l := testLimits()
	evening := time.Date(2025, 3, 3, 19, 0, 0, 0, time.UTC)

	l.OffPeakProbability = 0
	assert.False(t, newTestGovernor(l, 1).MayDispatch("acct", evening))

	l.OffPeakProbability = 1
	assert.True(t, newTestGovernor(l, 1).MayDispatch("acct", evening))

	l.OffPeakProbability = 0.3
	g := newTestGovernor(l, 7)
	allowed := 0
	for i := 0; i < 1000; i++ {
		if g.MayDispatch("acct", evening) {
			allowed++
		}
	}
	assert.InDelta(t, 300, allowed, 60)

	// peak hours always pass
	l.OffPeakProbability = 0
	assert.True(t, newTestGovernor(l, 1).MayDispatch("acct", peak))
}

func TestSelectBatchFIFOAndBounds(t *testing.T) {
	l := testLimits()
	g := newTestGovernor(l, 3)

	var due []*model.ScheduledTask
	for i := 0; i < 10; i++ {
		due = append(due, &model.ScheduledTask{
			ID:          string(rune('a' + i)),
			LeadID:      string(rune('A' + i)),
			ScheduledAt: peak.Add(-time.Duration(i) * time.Minute),
		})
	}

	for round := 0; round < 20; round++ {
		batch := g.SelectBatch("acct", due, peak)
		require.GreaterOrEqual(t, len(batch), l.BatchMin)
		require.LessOrEqual(t, len(batch), l.BatchMax)
		// oldest-due first
		assert.Equal(t, "j", batch[0].ID)
		for i := 1; i < len(batch); i++ {
			assert.False(t, batch[i].ScheduledAt.Before(batch[i-1].ScheduledAt))
		}
	}
}

func TestSelectBatchRespectsRemainingBudgetAndCooldown(t *testing.T) {
	l := testLimits()
	l.BatchMin = 4
	l.BatchMax = 4
	g := newTestGovernor(l, 3)

	for i := 0; i < l.MaxPerHour-2; i++ {
		require.NoError(t, g.RecordDispatch("acct", peak))
	}
	g.RecordBounce("acct", "bounced", model.ChannelEmail, peak)

	due := []*model.ScheduledTask{
		{ID: "1", LeadID: "bounced", Channel: model.ChannelEmail, ScheduledAt: peak.Add(-time.Hour)},
		{ID: "2", LeadID: "l2", Channel: model.ChannelEmail, ScheduledAt: peak.Add(-30 * time.Minute)},
		{ID: "3", LeadID: "l3", Channel: model.ChannelEmail, ScheduledAt: peak.Add(-20 * time.Minute)},
		{ID: "4", LeadID: "l4", Channel: model.ChannelEmail, ScheduledAt: peak.Add(-10 * time.Minute)},
	}
	batch := g.SelectBatch("acct", due, peak)
	require.Len(t, batch, 2)
	assert.Equal(t, "2", batch[0].ID)
	assert.Equal(t, "3", batch[1].ID)

	assert.True(t, g.CoolingDown("acct", "bounced", model.ChannelEmail, peak.Add(6*24*time.Hour)))
	assert.False(t, g.CoolingDown("acct", "bounced", model.ChannelEmail, peak.Add(7*24*time.Hour)))
	assert.False(t, g.CoolingDown("other", "bounced", model.ChannelEmail, peak))
}

func TestBounceHoldsBackOnlyThatChannel(t *testing.T) {
	l := testLimits()
	l.BatchMin = 4
	l.BatchMax = 4
	g := newTestGovernor(l, 1)
	g.RecordBounce("acct", "lead-1", model.ChannelEmail, peak)

	assert.True(t, g.CoolingDown("acct", "lead-1", model.ChannelEmail, peak.Add(time.Hour)))
	assert.False(t, g.CoolingDown("acct", "lead-1", model.ChannelWhatsApp, peak.Add(time.Hour)))

	due := []*model.ScheduledTask{
		{ID: "email", LeadID: "lead-1", Channel: model.ChannelEmail, ScheduledAt: peak.Add(-time.Hour)},
		{ID: "whatsapp", LeadID: "lead-1", Channel: model.ChannelWhatsApp, ScheduledAt: peak},
	}
	batch := g.SelectBatch("acct", due, peak.Add(time.Hour))
	require.Len(t, batch, 1)
	assert.Equal(t, "whatsapp", batch[0].ID)
}

func TestHourWindowFollowsLocalWallClock(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	l := testLimits()
	l.MaxPerHour = 1
	g := New(l, WithLocation(kolkata), WithRand(rand.New(rand.NewSource(1))))

	// 10:10 and 10:40 local share an hour even though 10:30 local is a UTC hour boundary
	first := time.Date(2025, 3, 3, 10, 10, 0, 0, kolkata)
	require.NoError(t, g.RecordDispatch("acct", first))
	assert.ErrorIs(t, g.RecordDispatch("acct", first.Add(30*time.Minute)), appErrors.ErrBudgetExhausted)
	require.NoError(t, g.RecordDispatch("acct", time.Date(2025, 3, 3, 11, 0, 0, 0, kolkata)))

	hour, day := g.Windows(first.UTC())
	assert.True(t, hour.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, kolkata)))
	assert.True(t, day.Equal(time.Date(2025, 3, 3, 0, 0, 0, 0, kolkata)))
}

func TestRestoreRaisesCounters(t *testing.T) {
	l := testLimits()
	g := newTestGovernor(l, 1)
	g.Restore("acct", l.MaxPerHour, 6, peak)

	ok, reason := g.Check("acct", peak.Add(10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonHourlyCap, reason)

	// a smaller count never lowers what this process already recorded
	g.Restore("acct", 0, 0, peak)
	snap := g.Snapshot("acct", peak)
	assert.Equal(t, l.MaxPerHour, snap.SentThisHour)
	assert.Equal(t, 6, snap.SentToday)
}
