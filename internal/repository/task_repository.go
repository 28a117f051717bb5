package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    appErrors "github.com/unclebandit/followup-engine/internal/errors"
    "github.com/unclebandit/followup-engine/internal/model"
)

const taskColumns = `id, enrollment_id, lead_id, scope, channel, content_slot, campaign_day,
    scheduled_at, status, attempts, last_error, confidence, reason, created_at, updated_at`

type TaskRepository struct {
    DB *sql.DB
}

var _ TaskRepositoryInterface = (*TaskRepository)(nil)

func (r *TaskRepository) Create(ctx context.Context, t *model.ScheduledTask) error {
    if t.ID == "" {
        t.ID = model.NewID()
    }
    now := time.Now().UTC()
    t.CreatedAt = now
    t.UpdatedAt = now
    if t.Status == "" {
        t.Status = model.TaskPending
    }

    query := `
        INSERT INTO scheduled_tasks (` + taskColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
    `
    _, err := r.DB.ExecContext(ctx, query,
        t.ID, t.EnrollmentID, t.LeadID, t.Scope, t.Channel, t.ContentSlot, t.CampaignDay,
        t.ScheduledAt, t.Status, t.Attempts, t.LastError, t.Confidence, t.Reason,
        t.CreatedAt, t.UpdatedAt,
    )
    return err
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*model.ScheduledTask, error) {
    query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE id=$1`
    t, err := scanTask(r.DB.QueryRowContext(ctx, query, id))
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, appErrors.NewTaskNotFound(id)
        }
        return nil, err
    }
    return t, nil
}

func (r *TaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error) {
    query := `
        SELECT ` + taskColumns + `
        FROM scheduled_tasks
        WHERE status=$1 AND scheduled_at <= $2
        ORDER BY scheduled_at ASC, created_at ASC
        LIMIT $3
    `
    rows, err := r.DB.QueryContext(ctx, query, model.TaskPending, now, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    return collectTasks(rows)
}

func (r *TaskRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]*model.ScheduledTask, error) {
    query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE enrollment_id=$1 ORDER BY created_at ASC`
    rows, err := r.DB.QueryContext(ctx, query, enrollmentID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    return collectTasks(rows)
}

// Update writes the mutable task fields (status, attempts, schedule, error)
func (r *TaskRepository) Update(ctx context.Context, t *model.ScheduledTask) error {
    t.UpdatedAt = time.Now().UTC()
    query := `
        UPDATE scheduled_tasks
        SET status=$1, attempts=$2, scheduled_at=$3, last_error=$4, updated_at=$5
        WHERE id=$6
    `
    res, err := r.DB.ExecContext(ctx, query, t.Status, t.Attempts, t.ScheduledAt, t.LastError, t.UpdatedAt, t.ID)
    if err != nil {
        return err
    }
    if n, err := res.RowsAffected(); err == nil && n == 0 {
        return appErrors.NewTaskNotFound(t.ID)
    }
    return nil
}

func (r *TaskRepository) Claim(ctx context.Context, t *model.ScheduledTask, at time.Time) (bool, error) {
    query := `
        UPDATE scheduled_tasks
        SET status=$1, updated_at=$2
        WHERE id=$3 AND status=$4
    `
    res, err := r.DB.ExecContext(ctx, query, model.TaskProcessing, at, t.ID, model.TaskPending)
    if err != nil {
        return false, err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    if n == 0 {
        return false, nil
    }
    t.Status = model.TaskProcessing
    t.UpdatedAt = at
    return true, nil
}

func (r *TaskRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.ScheduledTask, error) {
    query := `
        SELECT ` + taskColumns + `
        FROM scheduled_tasks
        WHERE status=$1 AND updated_at < $2
        ORDER BY updated_at ASC
        LIMIT $3
    `
    rows, err := r.DB.QueryContext(ctx, query, model.TaskProcessing, cutoff, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    return collectTasks(rows)
}

func (r *TaskRepository) CountSent(ctx context.Context, dayStart, hourStart time.Time) (map[string]SentCount, error) {
    query := `
        SELECT scope, COUNT(*), COUNT(*) FILTER (WHERE updated_at >= $3)
        FROM scheduled_tasks
        WHERE status=$1 AND updated_at >= $2
        GROUP BY scope
    `
    rows, err := r.DB.QueryContext(ctx, query, model.TaskCompleted, dayStart, hourStart)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    counts := make(map[string]SentCount)
    for rows.Next() {
        var scope string
        var c SentCount
        if err := rows.Scan(&scope, &c.Day, &c.Hour); err != nil {
            return nil, err
        }
        counts[scope] = c
    }
    return counts, rows.Err()
}

func (r *TaskRepository) CancelPending(ctx context.Context, enrollmentID string) (int, error) {
    query := `UPDATE scheduled_tasks SET status=$1, updated_at=NOW() WHERE enrollment_id=$2 AND status=$3`
    res, err := r.DB.ExecContext(ctx, query, model.TaskCancelled, enrollmentID, model.TaskPending)
    if err != nil {
        return 0, err
    }
    n, err := res.RowsAffected()
    return int(n), err
}

type rowScanner interface {
    Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
    var t model.ScheduledTask
    err := row.Scan(
        &t.ID, &t.EnrollmentID, &t.LeadID, &t.Scope, &t.Channel, &t.ContentSlot, &t.CampaignDay,
        &t.ScheduledAt, &t.Status, &t.Attempts, &t.LastError, &t.Confidence, &t.Reason,
        &t.CreatedAt, &t.UpdatedAt,
    )
    if err != nil {
        return nil, err
    }
    return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
    tasks := []*model.ScheduledTask{}
    for rows.Next() {
        t, err := scanTask(rows)
        if err != nil {
            return nil, err
        }
        tasks = append(tasks, t)
    }
    return tasks, rows.Err()
}
