package postgres

import (
	"context"
	"database/sql"
)

// Client is the database surface the record store, the event source and
// the schema bootstrap use.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row

	// Transaction commits fn atomically, retrying it on serialization
	// failures and deadlocks.
	Transaction(ctx context.Context, fn func(*sql.Tx) error) error

	// HealthCheck reports connectivity and whether the schema is in place.
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
