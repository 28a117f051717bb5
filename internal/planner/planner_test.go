package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup-engine/internal/clock"
	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/events"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/timing"
)

// Tuesday 10:00 UTC
var start = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	planner *Planner
	store   *repository.MemoryStore
	clock   *clock.Fixed
	events  *events.Recorder
}

func newFixture(t *testing.T, entries []Entry) *fixture {
	t.Helper()
	cadence, err := NewCadence(entries)
	require.NoError(t, err)

	clk := clock.NewFixed(start)
	store := repository.NewMemoryStore()
	rec := &events.Recorder{}
	p := &Planner{
		Enrollments:   store.Enrollments(),
		Tasks:         store.Tasks(),
		Messages:      store.Messages(),
		Predictor:     timing.NewPredictor(timing.WithClock(clk), timing.WithJitter(0)),
		Cadence:       cadence,
		Clock:         clk,
		Publisher:     rec,
		FallbackDelay: 2 * time.Hour,
	}
	return &fixture{planner: p, store: store, clock: clk, events: rec}
}

func complete(t *testing.T, f *fixture, task *model.ScheduledTask) *model.ScheduledTask {
	t.Helper()
	task.Status = model.TaskCompleted
	require.NoError(t, f.store.Tasks().Update(context.Background(), task))
	next, err := f.planner.Advance(context.Background(), task)
	require.NoError(t, err)
	return next
}

func TestNewCadenceGroupsByDay(t *testing.T) {
	c, err := NewCadence([]Entry{
		{Day: 3, Channel: "WhatsApp", ContentSlot: "value"},
		{Day: 0, Channel: model.ChannelEmail},
		{Day: 3, Channel: model.ChannelEmail, ContentSlot: "value"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	first, ok := c.Option(0, 0)
	require.True(t, ok)
	assert.Equal(t, "day0", first.ContentSlot)

	alt, ok := c.Option(1, 1)
	require.True(t, ok)
	assert.Equal(t, model.ChannelEmail, alt.Channel)
	wa, _ := c.Option(1, 0)
	assert.Equal(t, model.ChannelWhatsApp, wa.Channel)

	_, ok = c.Option(1, 2)
	assert.False(t, ok)
	assert.Equal(t, 3*24*time.Hour, c.BaseDelay(1))

	_, err = NewCadence(nil)
	assert.Error(t, err)
	_, err = NewCadence([]Entry{{Day: 0, Channel: "fax"}})
	assert.Error(t, err)
}

func TestEnrollSchedulesFirstStep(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()

	e, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, model.EnrollmentActive, e.Status)
	assert.Equal(t, 0, task.CampaignDay)
	assert.Equal(t, model.ChannelEmail, task.Channel)
	assert.Equal(t, "intro.warm", task.ContentSlot)
	assert.Equal(t, "acct-1", task.Scope)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, start, task.ScheduledAt)
	assert.Equal(t, 0.5, task.Confidence)
	assert.Equal(t, []string{events.EnrollmentAdvanced}, f.events.Types())
}

func TestAdvanceWalksCadenceThenGoesDormant(t *testing.T) {
	f := newFixture(t, []Entry{
		{Day: 0, Channel: model.ChannelEmail, ContentSlot: "intro"},
		{Day: 1, Channel: model.ChannelEmail, ContentSlot: "bump"},
		{Day: 3, Channel: model.ChannelWhatsApp, ContentSlot: "value"},
	})
	ctx := context.Background()

	e, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)

	next := complete(t, f, task)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.CampaignDay)
	assert.Equal(t, start.Add(24*time.Hour), next.ScheduledAt)

	last := complete(t, f, next)
	require.NotNil(t, last)
	assert.Equal(t, 3, last.CampaignDay)
	assert.Equal(t, model.ChannelWhatsApp, last.Channel)

	assert.Nil(t, complete(t, f, last))

	got, err := f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentActive, got.Status)
	assert.Equal(t, 3, got.CurrentStep)

	tasks, err := f.store.Tasks().ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	assert.Contains(t, f.events.Types(), events.EnrollmentDormant)
}

func TestAdvanceIgnoresStaleCompletion(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()

	_, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)
	require.NotNil(t, complete(t, f, task))

	// the same completion delivered twice must not skip a step
	next, err := f.planner.Advance(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFallbackTriesNextChannelThenExhausts(t *testing.T) {
	f := newFixture(t, []Entry{
		{Day: 0, Channel: model.ChannelEmail, ContentSlot: "intro"},
		{Day: 0, Channel: model.ChannelWhatsApp, ContentSlot: "intro"},
		{Day: 2, Channel: model.ChannelEmail, ContentSlot: "bump"},
	})
	ctx := context.Background()

	e, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)

	task.Status = model.TaskFailed
	task.LastError = "hard bounce"
	alt, err := f.planner.Fallback(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, alt)
	assert.Equal(t, model.ChannelWhatsApp, alt.Channel)
	assert.Equal(t, 0, alt.CampaignDay)
	assert.Equal(t, start.Add(2*time.Hour), alt.ScheduledAt)

	alt.Status = model.TaskFailed
	alt.LastError = "number not on whatsapp"
	none, err := f.planner.Fallback(ctx, alt)
	require.NoError(t, err)
	assert.Nil(t, none)

	got, err := f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentExhausted, got.Status)
	assert.Equal(t, "number not on whatsapp", got.LastError)
	assert.Contains(t, f.events.Types(), events.EnrollmentExhausted)
}

func TestApplySignalIsTerminal(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()

	e, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureHot)
	require.NoError(t, err)

	changed, err := f.planner.ApplySignal(ctx, "lead-1", model.SignalReplied)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, model.EnrollmentReplied, changed[0].Status)

	cancelled, err := f.store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, cancelled.Status)

	// no new task after a terminal signal, whatever arrives next
	next, err := f.planner.Advance(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)
	alt, err := f.planner.Fallback(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, alt)

	stored, err := f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	_, err = f.planner.schedule(ctx, stored, 0)
	assert.True(t, errors.Is(err, appErrors.ErrEnrollmentInactive))

	// a later signal does not rewrite the outcome
	changed, err = f.planner.ApplySignal(ctx, "lead-1", model.SignalUnsubscribed)
	require.NoError(t, err)
	assert.Empty(t, changed)
	stored, err = f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentReplied, stored.Status)

	tasks, err := f.store.Tasks().ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestApplySignalRejectsUnknownSignal(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	_, err := f.planner.ApplySignal(context.Background(), "lead-1", model.Signal("maybe"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidSignal)
}

func TestScheduleUsesBehaviorProfile(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()

	// replies within 30 minutes, always around 15:00
	for d := 1; d <= 3; d++ {
		out := start.AddDate(0, 0, -d).Add(4*time.Hour + 30*time.Minute)
		require.NoError(t, f.store.Record(ctx, model.Message{LeadID: "lead-1", Direction: model.Outbound, Timestamp: out}))
		require.NoError(t, f.store.Record(ctx, model.Message{LeadID: "lead-1", Direction: model.Inbound, Timestamp: out.Add(30 * time.Minute)}))
	}

	_, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*time.Hour), task.ScheduledAt)
	assert.InDelta(t, 0.9, task.Confidence, 1e-9)
	assert.Contains(t, task.Reason, "fast responder")
}

type failingTaskCreates struct {
	repository.TaskRepositoryInterface
}

func (failingTaskCreates) Create(context.Context, *model.ScheduledTask) error {
	return errors.New("disk full")
}

type failingEnrollmentUpdates struct {
	repository.EnrollmentRepositoryInterface
}

func (failingEnrollmentUpdates) Update(context.Context, *model.Enrollment) error {
	return errors.New("connection reset")
}

func TestEnrollLeavesNothingWhenTaskCreateFails(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	f.planner.Tasks = failingTaskCreates{f.store.Tasks()}
	ctx := context.Background()

	e, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.Error(t, err)
	assert.Nil(t, e)
	assert.Nil(t, task)

	left, err := f.store.Enrollments().ListByLead(ctx, "lead-1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestAdvanceKeepsStepWhenTaskCreateFails(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()
	e, first, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)

	f.planner.Tasks = failingTaskCreates{f.store.Tasks()}
	_, err = f.planner.Advance(ctx, first)
	require.Error(t, err)

	got, err := f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
}

func TestAdvanceCancelsTaskWhenEnrollmentUpdateFails(t *testing.T) {
	f := newFixture(t, DefaultEntries())
	ctx := context.Background()
	e, first, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)
	first.Status = model.TaskCompleted
	require.NoError(t, f.store.Tasks().Update(ctx, first))

	f.planner.Enrollments = failingEnrollmentUpdates{f.store.Enrollments()}
	_, err = f.planner.Advance(ctx, first)
	require.Error(t, err)

	got, err := f.store.Enrollments().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)

	tasks, err := f.store.Tasks().ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.TaskCompleted, tasks[0].Status)
	assert.Equal(t, model.TaskCancelled, tasks[1].Status)
}

func TestScheduleReadsPreferredHourInConfiguredZone(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	f := newFixture(t, DefaultEntries())
	f.planner.Predictor = timing.NewPredictor(timing.WithClock(f.clock), timing.WithJitter(0), timing.WithLocation(newYork))
	ctx := context.Background()

	// replies at 15:00 New York time, stored in UTC
	for d := 1; d <= 3; d++ {
		out := time.Date(2025, 3, 4-d, 14, 30, 0, 0, newYork).UTC()
		require.NoError(t, f.store.Record(ctx, model.Message{LeadID: "lead-1", Direction: model.Outbound, Timestamp: out}))
		require.NoError(t, f.store.Record(ctx, model.Message{LeadID: "lead-1", Direction: model.Inbound, Timestamp: out.Add(30 * time.Minute)}))
	}

	profile, err := f.planner.Profile(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, []int{15}, profile.PreferredHours)

	_, task, err := f.planner.Enroll(ctx, "lead-1", "spring", "acct-1", model.TemperatureWarm)
	require.NoError(t, err)
	local := task.ScheduledAt.In(newYork)
	assert.Equal(t, 15, local.Hour())
	assert.True(t, task.ScheduledAt.Equal(time.Date(2025, 3, 4, 15, 0, 0, 0, newYork)))
}
