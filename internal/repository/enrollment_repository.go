package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    appErrors "github.com/unclebandit/followup-engine/internal/errors"
    "github.com/unclebandit/followup-engine/internal/model"
)

const enrollmentColumns = `id, lead_id, campaign_id, scope, current_step, channel_index,
    temperature, status, last_error, created_at, updated_at`

type EnrollmentRepository struct {
    DB *sql.DB
}

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)

func (r *EnrollmentRepository) Create(ctx context.Context, e *model.Enrollment) error {
    if e.ID == "" {
        e.ID = model.NewID()
    }
    if e.Status == "" {
        e.Status = model.EnrollmentActive
    }
    now := time.Now().UTC()
    e.CreatedAt = now
    e.UpdatedAt = now

    query := `
        INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
    _, err := r.DB.ExecContext(ctx, query,
        e.ID, e.LeadID, e.CampaignID, e.Scope, e.CurrentStep, e.ChannelIndex,
        e.Temperature, e.Status, e.LastError, e.CreatedAt, e.UpdatedAt,
    )
    return err
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*model.Enrollment, error) {
    query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id=$1`
    e, err := scanEnrollment(r.DB.QueryRowContext(ctx, query, id))
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, appErrors.NewEnrollmentNotFound(id)
        }
        return nil, err
    }
    return e, nil
}

func (r *EnrollmentRepository) ListByLead(ctx context.Context, leadID string) ([]*model.Enrollment, error) {
    query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE lead_id=$1 ORDER BY created_at ASC`
    rows, err := r.DB.QueryContext(ctx, query, leadID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    enrollments := []*model.Enrollment{}
    for rows.Next() {
        e, err := scanEnrollment(rows)
        if err != nil {
            return nil, err
        }
        enrollments = append(enrollments, e)
    }
    return enrollments, rows.Err()
}

// Update never moves a terminal enrollment back to active.
func (r *EnrollmentRepository) Update(ctx context.Context, e *model.Enrollment) error {
    e.UpdatedAt = time.Now().UTC()
    query := `
        UPDATE enrollments
        SET current_step=$1, channel_index=$2, temperature=$3, status=$4, last_error=$5, updated_at=$6
        WHERE id=$7 AND (status=$8 OR status=$4)
    `
    res, err := r.DB.ExecContext(ctx, query,
        e.CurrentStep, e.ChannelIndex, e.Temperature, e.Status, e.LastError, e.UpdatedAt,
        e.ID, model.EnrollmentActive,
    )
    if err != nil {
        return err
    }
    if n, err := res.RowsAffected(); err == nil && n == 0 {
        return appErrors.ErrEnrollmentInactive
    }
    return nil
}

func (r *EnrollmentRepository) Delete(ctx context.Context, id string) error {
    res, err := r.DB.ExecContext(ctx, `DELETE FROM enrollments WHERE id=$1`, id)
    if err != nil {
        return err
    }
    if n, err := res.RowsAffected(); err == nil && n == 0 {
        return appErrors.NewEnrollmentNotFound(id)
    }
    return nil
}

func scanEnrollment(row rowScanner) (*model.Enrollment, error) {
    var e model.Enrollment
    err := row.Scan(
        &e.ID, &e.LeadID, &e.CampaignID, &e.Scope, &e.CurrentStep, &e.ChannelIndex,
        &e.Temperature, &e.Status, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
    )
    if err != nil {
        return nil, err
    }
    return &e, nil
}
