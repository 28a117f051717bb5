// Package planner moves lead enrollments through the campaign cadence.
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/followup-engine/internal/behavior"
	"github.com/unclebandit/followup-engine/internal/clock"
	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/events"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/timing"
)

const defaultFallbackDelay = time.Hour

// Planner is the per-enrollment step state machine.
//
// States are active (sub-indexed by CurrentStep), replied, converted,
// unsubscribed and exhausted. Only active enrollments get new tasks, and
// nothing moves an enrollment back to active. An active enrollment whose
// CurrentStep is past the last configured day is dormant: it stays active
// but has no further task.
type Planner struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Tasks       repository.TaskRepositoryInterface
	Messages    repository.MessageRepositoryInterface
	Predictor   *timing.Predictor
	Cadence     *Cadence
	Clock       clock.Clock
	Publisher   events.Publisher
	Logger      logging.Logger

	// FallbackDelay is the base delay before trying the next channel of a failed step.
	FallbackDelay time.Duration

	locks sync.Map // lead id -> *sync.Mutex
}

// lockLead serializes mutations of one lead's enrollments.
func (p *Planner) lockLead(leadID string) func() {
	v, _ := p.locks.LoadOrStore(leadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (p *Planner) now() time.Time {
	if p.Clock == nil {
		return time.Now().UTC()
	}
	return p.Clock.Now()
}

func (p *Planner) logger() logging.Logger {
	if p.Logger == nil {
		return logging.NopLogger{}
	}
	return p.Logger
}

func (p *Planner) emit(ctx context.Context, ev events.Event) {
	if p.Publisher == nil {
		return
	}
	ev.At = p.now()
	if err := p.Publisher.Publish(ctx, ev); err != nil {
		p.logger().Warn("publish event failed", "type", ev.Type, "lead_id", ev.LeadID, "err", err)
	}
}

// Enroll creates an active enrollment at step 0 and schedules its first task.
func (p *Planner) Enroll(ctx context.Context, leadID, campaignID, scope string, temp model.Temperature) (*model.Enrollment, *model.ScheduledTask, error) {
	if leadID == "" || scope == "" {
		return nil, nil, fmt.Errorf("lead id and scope are required")
	}
	unlock := p.lockLead(leadID)
	defer unlock()

	e := &model.Enrollment{
		LeadID:      leadID,
		CampaignID:  campaignID,
		Scope:       scope,
		Temperature: temp,
		Status:      model.EnrollmentActive,
	}
	if err := p.Enrollments.Create(ctx, e); err != nil {
		return nil, nil, fmt.Errorf("create enrollment: %w", err)
	}

	task, err := p.schedule(ctx, e, p.Cadence.BaseDelay(0))
	if err != nil {
		if derr := p.Enrollments.Delete(ctx, e.ID); derr != nil {
			p.logger().Error("remove enrollment without task", "enrollment_id", e.ID, "lead_id", leadID, "err", derr)
		}
		return nil, nil, err
	}
	return e, task, nil
}

// Advance moves the enrollment past the step the completed task belonged to
// and schedules exactly one task for the next step, if there is one.
func (p *Planner) Advance(ctx context.Context, completed *model.ScheduledTask) (*model.ScheduledTask, error) {
	unlock := p.lockLead(completed.LeadID)
	defer unlock()

	e, err := p.Enrollments.GetByID(ctx, completed.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if !e.IsActive() {
		return nil, nil
	}
	if e.CurrentStep >= p.Cadence.Len() || p.Cadence.Day(e.CurrentStep) != completed.CampaignDay {
		// a stale completion for a step the enrollment already left
		return nil, nil
	}

	e.CurrentStep++
	e.ChannelIndex = 0
	e.LastError = ""
	if e.CurrentStep >= p.Cadence.Len() {
		if err := p.Enrollments.Update(ctx, e); err != nil {
			return nil, fmt.Errorf("update enrollment: %w", err)
		}
		p.emit(ctx, events.Event{
			Type:         events.EnrollmentDormant,
			LeadID:       e.LeadID,
			EnrollmentID: e.ID,
			Scope:        e.Scope,
			Step:         e.CurrentStep,
			CampaignDay:  completed.CampaignDay,
		})
		return nil, nil
	}

	return p.schedule(ctx, e, p.Cadence.BaseDelay(e.CurrentStep))
}

// Fallback handles a task that failed for good. The next channel configured for
// the same step is scheduled; when none is left the enrollment becomes exhausted.
func (p *Planner) Fallback(ctx context.Context, failed *model.ScheduledTask) (*model.ScheduledTask, error) {
	unlock := p.lockLead(failed.LeadID)
	defer unlock()

	e, err := p.Enrollments.GetByID(ctx, failed.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if !e.IsActive() {
		return nil, nil
	}
	if e.CurrentStep >= p.Cadence.Len() || p.Cadence.Day(e.CurrentStep) != failed.CampaignDay {
		return nil, nil
	}

	e.ChannelIndex++
	e.LastError = failed.LastError
	if _, ok := p.Cadence.Option(e.CurrentStep, e.ChannelIndex); ok {
		delay := p.FallbackDelay
		if delay <= 0 {
			delay = defaultFallbackDelay
		}
		return p.schedule(ctx, e, delay)
	}

	e.Status = model.EnrollmentExhausted
	if err := p.Enrollments.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update enrollment: %w", err)
	}
	p.logger().Info("enrollment exhausted", "enrollment_id", e.ID, "lead_id", e.LeadID, "step", e.CurrentStep)
	p.emit(ctx, events.Event{
		Type:         events.EnrollmentExhausted,
		LeadID:       e.LeadID,
		EnrollmentID: e.ID,
		Scope:        e.Scope,
		Step:         e.CurrentStep,
		CampaignDay:  failed.CampaignDay,
		Status:       string(e.Status),
		Detail:       failed.LastError,
	})
	return nil, nil
}

// ApplySignal moves every active enrollment of the lead to the signal's
// terminal status and cancels their pending tasks. Enrollments that already
// left active are not touched.
func (p *Planner) ApplySignal(ctx context.Context, leadID string, signal model.Signal) ([]*model.Enrollment, error) {
	status, ok := signal.Status()
	if !ok {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrInvalidSignal, signal)
	}
	unlock := p.lockLead(leadID)
	defer unlock()

	enrollments, err := p.Enrollments.ListByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}

	changed := []*model.Enrollment{}
	for _, e := range enrollments {
		if !e.IsActive() {
			continue
		}
		e.Status = status
		if err := p.Enrollments.Update(ctx, e); err != nil {
			return changed, fmt.Errorf("update enrollment %s: %w", e.ID, err)
		}
		cancelled, err := p.Tasks.CancelPending(ctx, e.ID)
		if err != nil {
			return changed, fmt.Errorf("cancel tasks of enrollment %s: %w", e.ID, err)
		}
		changed = append(changed, e)

		p.logger().Info("enrollment signal applied", "enrollment_id", e.ID, "lead_id", leadID, "signal", signal, "cancelled", cancelled)
		p.emit(ctx, events.Event{
			Type:         events.EnrollmentSignal,
			LeadID:       leadID,
			EnrollmentID: e.ID,
			Scope:        e.Scope,
			Step:         e.CurrentStep,
			Status:       string(status),
			Detail:       fmt.Sprintf("%d pending task(s) cancelled", cancelled),
		})
	}
	return changed, nil
}

// Profile builds the lead's behavior profile from its message history.
func (p *Planner) Profile(ctx context.Context, leadID string) (behavior.Profile, error) {
	if p.Messages == nil {
		return behavior.Profile{}, nil
	}
	history, err := p.Messages.ListByLead(ctx, leadID)
	if err != nil {
		return behavior.Profile{}, err
	}
	now := p.now()
	if p.Predictor != nil {
		// preferred hours must match the zone the predictor schedules in
		now = now.In(p.Predictor.Location())
	}
	return behavior.Build(history, now), nil
}

// Preview returns the prediction the planner would use for the enrollment's
// current step without creating anything.
func (p *Planner) Preview(ctx context.Context, e *model.Enrollment) (behavior.Profile, timing.Prediction, error) {
	profile, err := p.Profile(ctx, e.LeadID)
	if err != nil {
		return behavior.Profile{}, timing.Prediction{}, err
	}
	step := min(e.CurrentStep, p.Cadence.Len()-1)
	return profile, p.Predictor.Predict(profile, p.Cadence.BaseDelay(step), e.Temperature), nil
}

// schedule creates the task for e's current step and channel. Callers hold the lead lock.
func (p *Planner) schedule(ctx context.Context, e *model.Enrollment, baseDelay time.Duration) (*model.ScheduledTask, error) {
	if !e.IsActive() {
		return nil, appErrors.ErrEnrollmentInactive
	}
	entry, ok := p.Cadence.Option(e.CurrentStep, e.ChannelIndex)
	if !ok {
		return nil, fmt.Errorf("no cadence entry for step %d channel %d", e.CurrentStep, e.ChannelIndex)
	}

	profile, err := p.Profile(ctx, e.LeadID)
	if err != nil {
		// missing history only costs precision
		p.logger().Warn("behavior profile unavailable, using defaults", "lead_id", e.LeadID, "err", err)
		profile = behavior.Profile{}
	}
	prediction := p.Predictor.Predict(profile, baseDelay, e.Temperature)

	task := &model.ScheduledTask{
		EnrollmentID: e.ID,
		LeadID:       e.LeadID,
		Scope:        e.Scope,
		Channel:      entry.Channel,
		ContentSlot:  ContentSlot(entry, e.Temperature),
		CampaignDay:  entry.Day,
		ScheduledAt:  prediction.SendAt,
		Status:       model.TaskPending,
		Confidence:   prediction.Confidence,
		Reason:       prediction.Reason,
	}
	// task first: an enrollment is never left advanced without its task
	if err := p.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := p.Enrollments.Update(ctx, e); err != nil {
		task.Status = model.TaskCancelled
		if cerr := p.Tasks.Update(ctx, task); cerr != nil {
			p.logger().Error("cancel orphaned task", "task_id", task.ID, "err", cerr)
		}
		return nil, fmt.Errorf("update enrollment: %w", err)
	}

	p.logger().Debug("task scheduled",
		"task_id", task.ID, "lead_id", e.LeadID, "channel", task.Channel,
		"day", task.CampaignDay, "send_at", task.ScheduledAt, "confidence", task.Confidence)
	p.emit(ctx, events.Event{
		Type:         events.EnrollmentAdvanced,
		LeadID:       e.LeadID,
		EnrollmentID: e.ID,
		TaskID:       task.ID,
		Scope:        e.Scope,
		Channel:      string(task.Channel),
		Step:         e.CurrentStep,
		CampaignDay:  task.CampaignDay,
		Detail:       task.Reason,
	})
	return task, nil
}
