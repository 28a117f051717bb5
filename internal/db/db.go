// internal/db/db.go
package db

import (
    "context"
    "database/sql"
    _ "embed"
    "fmt"
    "time"

    _ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
    conn, err := sql.Open("postgres", dsn)
    if err != nil {
        return nil, fmt.Errorf("open database: %w", err)
    }
    conn.SetMaxOpenConns(10)
    conn.SetConnMaxIdleTime(5 * time.Minute)

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := conn.PingContext(ctx); err != nil {
        conn.Close()
        return nil, fmt.Errorf("ping database: %w", err)
    }
    return conn, nil
}

// Migrate creates the engine tables if they do not exist.
func Migrate(ctx context.Context, conn *sql.DB) error {
    if _, err := conn.ExecContext(ctx, schema); err != nil {
        return fmt.Errorf("apply schema: %w", err)
    }
    return nil
}
