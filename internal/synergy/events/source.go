package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

// Source reads the state change history written by the ingestion collaborator.
type Source interface {
	Events(ctx context.Context, since, until time.Time) ([]types.Event, error)
}

// PostgresSource reads events from the state_change_events table.
type PostgresSource struct {
	client postgres.Client
}

// NewPostgresSource creates a Postgres-backed source.
func NewPostgresSource(client postgres.Client) *PostgresSource {
	return &PostgresSource{client: client}
}

// Events returns events with since <= timestamp <= until.
func (s *PostgresSource) Events(ctx context.Context, since, until time.Time) ([]types.Event, error) {
	query := `
		SELECT entity_id, COALESCE(area_id, ''), COALESCE(state_from, ''), state_to, occurred_at
		FROM state_change_events
		WHERE occurred_at >= $1 AND occurred_at <= $2
		ORDER BY occurred_at ASC
	`

	rows, err := s.client.Query(ctx, query, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query state change events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var e types.Event
		var stateTo sql.NullString
		if err := rows.Scan(&e.EntityID, &e.AreaID, &e.StateFrom, &stateTo, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan state change event: %w", err)
		}
		e.StateTo = stateTo.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state change events: %w", err)
	}
	return out, nil
}

// RedisSource reads events from a sorted set scored by unix milliseconds,
// each member a JSON encoded event.
type RedisSource struct {
	client redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisSource creates a Redis-backed source reading redis.StateChangeEventsKey.
func NewRedisSource(client redis.Client, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client: client,
		key:    redis.StateChangeEventsKey,
		logger: logger.With("component", "redis_event_source"),
	}
}

// Events returns events with since <= timestamp <= until. Undecodable members
// are skipped like any other malformed input.
func (s *RedisSource) Events(ctx context.Context, since, until time.Time) ([]types.Event, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.key,
		float64(since.UnixMilli()), float64(until.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("failed to read state change events: %w", err)
	}

	out := make([]types.Event, 0, len(members))
	for _, m := range members {
		var e types.Event
		if err := json.Unmarshal([]byte(m.Member), &e); err != nil {
			s.logger.Warn("Skipping undecodable event", "error", err)
			continue
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.UnixMilli(int64(m.Score)).UTC()
		}
		out = append(out, e)
	}
	return out, nil
}

// SliceSource serves a fixed event list, used by the memory backend and tests.
type SliceSource struct {
	Items []types.Event
}

// Events returns the items within [since, until].
func (s *SliceSource) Events(_ context.Context, since, until time.Time) ([]types.Event, error) {
	out := make([]types.Event, 0, len(s.Items))
	for _, e := range s.Items {
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
