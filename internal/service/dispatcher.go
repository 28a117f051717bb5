package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/followup-engine/internal/clock"
	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/events"
	"github.com/unclebandit/followup-engine/internal/governor"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/sender"
)

// Planner is what the dispatcher needs from the step planner.
type Planner interface {
	Advance(ctx context.Context, completed *model.ScheduledTask) (*model.ScheduledTask, error)
	Fallback(ctx context.Context, failed *model.ScheduledTask) (*model.ScheduledTask, error)
}

// A processing task untouched for this many send timeouts is treated as lost.
const staleSendTimeouts = 3

var errSendOutcomeUnknown = errors.New("send outcome unknown: task was left in processing")

// DispatchSettings are the retry and concurrency knobs of a tick.
type DispatchSettings struct {
	MaxAttempts int
	RetryBase   time.Duration
	SendTimeout time.Duration
	Workers     int
	FetchLimit  int
}

// TickResult summarizes one tick.
type TickResult struct {
	Due       int `json:"due"`
	Reclaimed int `json:"reclaimed"`
	Cancelled int `json:"cancelled"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	// Skipped counts tasks that stopped being pending before they could be claimed.
	Skipped int `json:"skipped"`
	// ScopeErrors counts scopes whose batch was aborted this tick.
	ScopeErrors int `json:"scope_errors"`
}

func (r *TickResult) add(o TickResult) {
	r.Cancelled += o.Cancelled
	r.Skipped += o.Skipped
	r.Sent += o.Sent
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.ScopeErrors += o.ScopeErrors
}

// Dispatcher runs ticks: it pulls due tasks, lets the governor pick what may
// go out per scope, sends them and feeds the outcome back to the planner.
type Dispatcher struct {
	Tasks       repository.TaskRepositoryInterface
	Enrollments repository.EnrollmentRepositoryInterface
	Planner     Planner
	Governor    *governor.Governor
	Sender      sender.Sender
	Publisher   events.Publisher
	Logger      logging.Logger
	Clock       clock.Clock
	Settings    DispatchSettings

	ticking sync.Mutex
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

func (d *Dispatcher) logger() logging.Logger {
	if d.Logger == nil {
		return logging.NopLogger{}
	}
	return d.Logger
}

func (d *Dispatcher) settings() DispatchSettings {
	s := d.Settings
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryBase <= 0 {
		s.RetryBase = 5 * time.Minute
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 10 * time.Second
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.FetchLimit <= 0 {
		s.FetchLimit = 500
	}
	return s
}

func (d *Dispatcher) emit(ctx context.Context, ev events.Event) {
	if d.Publisher == nil {
		return
	}
	ev.At = d.now()
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		d.logger().Warn("publish event failed", "type", ev.Type, "task_id", ev.TaskID, "err", err)
	}
}

func taskEvent(typ string, t *model.ScheduledTask) events.Event {
	return events.Event{
		Type:         typ,
		LeadID:       t.LeadID,
		EnrollmentID: t.EnrollmentID,
		TaskID:       t.ID,
		Scope:        t.Scope,
		Channel:      string(t.Channel),
		CampaignDay:  t.CampaignDay,
		Attempts:     t.Attempts,
		Status:       string(t.Status),
		Detail:       t.LastError,
	}
}

// Tick runs one dispatch pass. Only one tick runs at a time; a concurrent
// call returns ErrTickInProgress without doing anything.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	if !d.ticking.TryLock() {
		return TickResult{}, appErrors.ErrTickInProgress
	}
	defer d.ticking.Unlock()

	cfg := d.settings()
	now := d.now()
	reclaimed := d.reclaim(ctx, cfg, now)

	due, err := d.Tasks.ListDue(ctx, now, cfg.FetchLimit)
	if err != nil {
		return TickResult{}, fmt.Errorf("list due tasks: %w", err)
	}
	result := TickResult{Due: len(due), Reclaimed: reclaimed}

	live, cancelled := d.dropInactive(ctx, due)
	result.Cancelled = cancelled

	byScope := make(map[string][]*model.ScheduledTask)
	var scopes []string
	for _, t := range live {
		if _, ok := byScope[t.Scope]; !ok {
			scopes = append(scopes, t.Scope)
		}
		byScope[t.Scope] = append(byScope[t.Scope], t)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, scope := range scopes {
		scope := scope
		tasks := byScope[scope]
		g.Go(func() error {
			res, err := d.runScope(ctx, cfg, scope, tasks)
			if err != nil {
				// retried next tick; other scopes carry on
				d.logger().Error("scope batch aborted", "scope", scope, "err", err)
				res.ScopeErrors++
			}
			mu.Lock()
			result.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger().Info("dispatch tick finished",
		"due", result.Due, "sent", result.Sent, "retried", result.Retried,
		"failed", result.Failed, "deferred", result.Deferred, "cancelled", result.Cancelled,
		"reclaimed", result.Reclaimed, "skipped", result.Skipped)
	return result, nil
}

// reclaim puts tasks stuck in processing back through the failure path as a
// transient attempt. A task gets there when its process died mid-send or the
// outcome could not be written.
func (d *Dispatcher) reclaim(ctx context.Context, cfg DispatchSettings, now time.Time) int {
	cutoff := now.Add(-staleSendTimeouts * cfg.SendTimeout)
	stale, err := d.Tasks.ListStale(ctx, cutoff, cfg.FetchLimit)
	if err != nil {
		d.logger().Warn("list stale tasks failed", "err", err)
		return 0
	}
	for _, t := range stale {
		d.logger().Warn("reclaiming stuck task", "task_id", t.ID, "lead_id", t.LeadID, "since", t.UpdatedAt)
		d.recordFailure(ctx, cfg, t, sender.Transient(errSendOutcomeUnknown))
	}
	return len(stale)
}

// RestoreBudgets seeds the governor with the sends the store already holds
// for the current hour and day, so a restart does not reset the caps.
func (d *Dispatcher) RestoreBudgets(ctx context.Context) error {
	now := d.now()
	hour, day := d.Governor.Windows(now)
	counts, err := d.Tasks.CountSent(ctx, day, hour)
	if err != nil {
		return fmt.Errorf("count sent tasks: %w", err)
	}
	for scope, c := range counts {
		d.Governor.Restore(scope, c.Hour, c.Day, now)
	}
	d.logger().Info("scope budgets restored", "scopes", len(counts))
	return nil
}

// dropInactive cancels due tasks whose enrollment is no longer active.
func (d *Dispatcher) dropInactive(ctx context.Context, due []*model.ScheduledTask) ([]*model.ScheduledTask, int) {
	active := make(map[string]bool)
	live := make([]*model.ScheduledTask, 0, len(due))
	cancelled := 0
	for _, t := range due {
		ok, seen := active[t.EnrollmentID]
		if !seen {
			e, err := d.Enrollments.GetByID(ctx, t.EnrollmentID)
			switch {
			case err == nil:
				ok = e.IsActive()
			case appErrors.IsNotFound(err):
				ok = false
			default:
				// can't tell; leave it for the next tick
				d.logger().Warn("enrollment lookup failed", "task_id", t.ID, "enrollment_id", t.EnrollmentID, "err", err)
				continue
			}
			active[t.EnrollmentID] = ok
		}
		if ok {
			live = append(live, t)
			continue
		}

		t.Status = model.TaskCancelled
		if err := d.Tasks.Update(ctx, t); err != nil {
			d.logger().Warn("cancel task failed", "task_id", t.ID, "err", err)
			continue
		}
		cancelled++
		d.emit(ctx, taskEvent(events.TaskCancelled, t))
	}
	return live, cancelled
}

// runScope sends one scope's batch in FIFO order. Budget accounting for the
// scope is serialized inside the governor.
func (d *Dispatcher) runScope(ctx context.Context, cfg DispatchSettings, scope string, tasks []*model.ScheduledTask) (TickResult, error) {
	var res TickResult
	now := d.now()

	if ok, reason := d.Governor.Check(scope, now); !ok {
		d.logger().Debug("scope deferred", "scope", scope, "reason", reason, "due", len(tasks))
		res.Deferred = len(tasks)
		return res, nil
	}

	batch := d.Governor.SelectBatch(scope, tasks, now)
	res.Deferred = len(tasks) - len(batch)

	for i, t := range batch {
		if ctx.Err() != nil {
			res.Deferred += len(batch) - i
			return res, ctx.Err()
		}
		if d.Governor.CoolingDown(scope, t.LeadID, t.Channel, d.now()) {
			res.Deferred++
			continue
		}
		// a lost claim still spends its slot; the cap is never exceeded
		if err := d.Governor.RecordDispatch(scope, d.now()); err != nil {
			if errors.Is(err, appErrors.ErrBudgetExhausted) {
				res.Deferred += len(batch) - i
				return res, nil
			}
			return res, err
		}

		claimed, err := d.Tasks.Claim(ctx, t, d.now())
		if err != nil {
			res.Deferred += len(batch) - i
			return res, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if !claimed {
			// cancelled by a signal or taken by another dispatcher since ListDue
			d.logger().Debug("task no longer pending, skipped", "task_id", t.ID, "lead_id", t.LeadID)
			res.Skipped++
			continue
		}

		switch d.send(ctx, cfg, t) {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
)

// send performs one attempt and records its outcome. Errors past the send
// itself are logged and stay with this task.
func (d *Dispatcher) send(ctx context.Context, cfg DispatchSettings, t *model.ScheduledTask) outcome {
	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	res, err := d.Sender.Send(sendCtx, t.Channel, t.LeadID, t.ContentSlot)
	cancel()

	log := d.logger()
	if err == nil {
		t.Status = model.TaskCompleted
		t.LastError = ""
		if err := d.Tasks.Update(ctx, t); err != nil {
			log.Error("mark task completed failed", "task_id", t.ID, "err", err)
		}
		log.Info("task sent", "task_id", t.ID, "lead_id", t.LeadID, "channel", t.Channel, "message_id", res.MessageID)
		ev := taskEvent(events.TaskCompleted, t)
		ev.Detail = res.MessageID
		d.emit(ctx, ev)

		if _, err := d.Planner.Advance(ctx, t); err != nil {
			log.Error("advance enrollment failed", "task_id", t.ID, "enrollment_id", t.EnrollmentID, "err", err)
		}
		return outcomeSent
	}
	return d.recordFailure(ctx, cfg, t, err)
}

// recordFailure counts a failed attempt and either reschedules the task or
// fails it and hands it to the planner's fallback.
func (d *Dispatcher) recordFailure(ctx context.Context, cfg DispatchSettings, t *model.ScheduledTask, err error) outcome {
	log := d.logger()
	t.Attempts++
	t.LastError = err.Error()
	permanent := sender.IsPermanent(err)

	if !permanent && t.Attempts < cfg.MaxAttempts {
		t.Status = model.TaskPending
		t.ScheduledAt = d.now().Add(time.Duration(t.Attempts) * cfg.RetryBase)
		if err := d.Tasks.Update(ctx, t); err != nil {
			log.Error("reschedule task failed", "task_id", t.ID, "err", err)
		}
		log.Warn("send failed, retry scheduled", "task_id", t.ID, "attempt", t.Attempts, "retry_at", t.ScheduledAt, "err", err)
		d.emit(ctx, taskEvent(events.TaskRetryScheduled, t))
		return outcomeRetry
	}

	t.Status = model.TaskFailed
	if err := d.Tasks.Update(ctx, t); err != nil {
		log.Error("persist failed task", "task_id", t.ID, "err", err)
	}
	if permanent {
		d.Governor.RecordBounce(t.Scope, t.LeadID, t.Channel, d.now())
	}
	log.Warn("task failed", "task_id", t.ID, "lead_id", t.LeadID, "channel", t.Channel, "attempts", t.Attempts, "permanent", permanent, "err", err)
	d.emit(ctx, taskEvent(events.TaskFailed, t))

	if _, err := d.Planner.Fallback(ctx, t); err != nil {
		log.Error("fallback failed", "task_id", t.ID, "enrollment_id", t.EnrollmentID, "err", err)
	}
	return outcomeFailed
}

// Run ticks every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	if _, err := d.Tick(ctx); err != nil {
		if errors.Is(err, appErrors.ErrTickInProgress) {
			d.logger().Debug("tick skipped, previous tick still running")
			return
		}
		d.logger().Error("dispatch tick failed", "err", err)
	}
}
