package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

// MemoryStore keeps tasks, enrollments and message history in process memory.
// It backs `store: memory` deployments and tests. Values are copied in and out.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*model.ScheduledTask
	enrollments map[string]*model.Enrollment
	messages    map[string][]model.Message
	seq         map[string]int64
	next        int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*model.ScheduledTask),
		enrollments: make(map[string]*model.Enrollment),
		messages:    make(map[string][]model.Message),
		seq:         make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// insertion order breaks timestamp ties; callers hold mu.
func (s *MemoryStore) stamp(id string) {
	s.next++
	s.seq[id] = s.next
}

func (s *MemoryStore) before(a, b string) bool {
	return s.seq[a] < s.seq[b]
}

// Tasks returns the store's task repository view.
func (s *MemoryStore) Tasks() TaskRepositoryInterface { return memoryTasks{s} }

// Enrollments returns the store's enrollment repository view.
func (s *MemoryStore) Enrollments() EnrollmentRepositoryInterface { return memoryEnrollments{s} }

// Messages returns the store's message history view.
func (s *MemoryStore) Messages() MessageRepositoryInterface { return memoryMessages{s} }

// Record appends a message and keeps the lead's history ordered by timestamp.
func (s *MemoryStore) Record(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.messages[m.LeadID], m)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	s.messages[m.LeadID] = history
	return nil
}

type memoryTasks struct{ s *MemoryStore }

func (r memoryTasks) Create(_ context.Context, t *model.ScheduledTask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	now := r.s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	r.s.tasks[t.ID] = &cp
	r.s.stamp(t.ID)
	return nil
}

func (r memoryTasks) GetByID(_ context.Context, id string) (*model.ScheduledTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, appErrors.NewTaskNotFound(id)
	}
	cp := *t
	return &cp, nil
}

func (r memoryTasks) ListDue(_ context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := []*model.ScheduledTask{}
	for _, t := range r.s.tasks {
		if t.Status == model.TaskPending && !t.ScheduledAt.After(now) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return r.s.before(due[i].ID, due[j].ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r memoryTasks) Update(_ context.Context, t *model.ScheduledTask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.tasks[t.ID]
	if !ok {
		return appErrors.NewTaskNotFound(t.ID)
	}
	t.UpdatedAt = r.s.now()
	cur.Status = t.Status
	cur.Attempts = t.Attempts
	cur.ScheduledAt = t.ScheduledAt
	cur.LastError = t.LastError
	cur.UpdatedAt = t.UpdatedAt
	return nil
}

func (r memoryTasks) Claim(_ context.Context, t *model.ScheduledTask, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.tasks[t.ID]
	if !ok {
		return false, appErrors.NewTaskNotFound(t.ID)
	}
	if cur.Status != model.TaskPending {
		return false, nil
	}
	cur.Status = model.TaskProcessing
	cur.UpdatedAt = at
	t.Status = cur.Status
	t.UpdatedAt = at
	return true, nil
}

func (r memoryTasks) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*model.ScheduledTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stale := []*model.ScheduledTask{}
	for _, t := range r.s.tasks {
		if t.Status == model.TaskProcessing && t.UpdatedAt.Before(cutoff) {
			cp := *t
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r memoryTasks) CountSent(_ context.Context, dayStart, hourStart time.Time) (map[string]SentCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[string]SentCount)
	for _, t := range r.s.tasks {
		if t.Status != model.TaskCompleted || t.UpdatedAt.Before(dayStart) {
			continue
		}
		c := counts[t.Scope]
		c.Day++
		if !t.UpdatedAt.Before(hourStart) {
			c.Hour++
		}
		counts[t.Scope] = c
	}
	return counts, nil
}

func (r memoryTasks) CancelPending(_ context.Context, enrollmentID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, t := range r.s.tasks {
		if t.EnrollmentID == enrollmentID && t.Status == model.TaskPending {
			t.Status = model.TaskCancelled
			t.UpdatedAt = r.s.now()
			n++
		}
	}
	return n, nil
}

func (r memoryTasks) ListByEnrollment(_ context.Context, enrollmentID string) ([]*model.ScheduledTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.ScheduledTask{}
	for _, t := range r.s.tasks {
		if t.EnrollmentID == enrollmentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.before(out[i].ID, out[j].ID) })
	return out, nil
}

type memoryEnrollments struct{ s *MemoryStore }

func (r memoryEnrollments) Create(_ context.Context, e *model.Enrollment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	now := r.s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	r.s.enrollments[e.ID] = &cp
	r.s.stamp(e.ID)
	return nil
}

func (r memoryEnrollments) GetByID(_ context.Context, id string) (*model.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	cp := *e
	return &cp, nil
}

func (r memoryEnrollments) ListByLead(_ context.Context, leadID string) ([]*model.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Enrollment{}
	for _, e := range r.s.enrollments {
		if e.LeadID == leadID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.before(out[i].ID, out[j].ID) })
	return out, nil
}

func (r memoryEnrollments) Update(_ context.Context, e *model.Enrollment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.enrollments[e.ID]
	if !ok {
		return appErrors.NewEnrollmentNotFound(e.ID)
	}
	if !cur.IsActive() && cur.Status != e.Status {
		return appErrors.ErrEnrollmentInactive
	}
	e.UpdatedAt = r.s.now()
	cp := *e
	cp.CreatedAt = cur.CreatedAt
	r.s.enrollments[e.ID] = &cp
	return nil
}

func (r memoryEnrollments) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.enrollments[id]; !ok {
		return appErrors.NewEnrollmentNotFound(id)
	}
	delete(r.s.enrollments, id)
	delete(r.s.seq, id)
	return nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) ListByLead(_ context.Context, leadID string) ([]model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.Message(nil), r.s.messages[leadID]...), nil
}
