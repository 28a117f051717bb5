package repository

import (
    "context"
    "database/sql"

    "github.com/unclebandit/followup-engine/internal/model"
)

// MessageRepository reads conversation history written by the channel integrations.
type MessageRepository struct {
    DB *sql.DB
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)

func (r *MessageRepository) ListByLead(ctx context.Context, leadID string) ([]model.Message, error) {
    query := `
        SELECT lead_id, direction, sent_at
        FROM messages
        WHERE lead_id = $1
        ORDER BY sent_at ASC, id ASC
    `
    rows, err := r.DB.QueryContext(ctx, query, leadID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    messages := []model.Message{}
    for rows.Next() {
        var m model.Message
        if err := rows.Scan(&m.LeadID, &m.Direction, &m.Timestamp); err != nil {
            return nil, err
        }
        messages = append(messages, m)
    }
    return messages, rows.Err()
}

// Record appends a message to the history; used by the seeder and channel callbacks
func (r *MessageRepository) Record(ctx context.Context, m model.Message) error {
    query := `INSERT INTO messages (lead_id, direction, sent_at) VALUES ($1, $2, $3)`
    _, err := r.DB.ExecContext(ctx, query, m.LeadID, m.Direction, m.Timestamp)
    return err
}
