package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus describes the database from the engine's point of view
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	Database      string    `json:"database"`
	VectorVersion string    `json:"vector_version,omitempty"` // installed pgvector, empty when missing
	SchemaReady   bool      `json:"schema_ready"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthCheck pings the database and checks that pgvector and the record
// tables exist. Problems are reported in the status, not as an error.
func (c *PostgresClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		Database:  c.config.PostgresDB,
		Timestamp: time.Now(),
	}

	if c.db == nil {
		status.Error = ErrNotConnected.Error()
		return status, nil
	}

	if err := c.db.PingContext(ctx); err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status, nil
	}
	status.Connected = true

	var version sql.NullString
	err := c.db.QueryRowContext(ctx, "SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		status.Error = fmt.Sprintf("failed to check pgvector: %v", err)
		return status, nil
	}
	status.VectorVersion = version.String

	var ready bool
	err = c.db.QueryRowContext(ctx,
		"SELECT to_regclass('synergy_patterns') IS NOT NULL AND to_regclass('synergies') IS NOT NULL").Scan(&ready)
	if err != nil {
		status.Error = fmt.Sprintf("failed to check schema: %v", err)
		return status, nil
	}
	status.SchemaReady = ready

	return status, nil
}
