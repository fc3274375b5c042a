package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the tables used by the synergy agent. Every
// statement is idempotent so EnsureSchema can run at each startup.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS state_change_events (
		id BIGSERIAL PRIMARY KEY,
		entity_id TEXT NOT NULL,
		area_id TEXT,
		state_from TEXT,
		state_to TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_change_events_occurred_at
		ON state_change_events (occurred_at)`,

	`CREATE TABLE IF NOT EXISTS synergy_patterns (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		device_ids TEXT[] NOT NULL,
		window_seconds BIGINT NOT NULL,
		occurrence_count INTEGER NOT NULL,
		occurrence_rate DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		hour_of_day INTEGER,
		hourly_profile vector(24),
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		trend TEXT NOT NULL DEFAULT '',
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		deprecated BOOLEAN NOT NULL DEFAULT FALSE,
		deprecated_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_synergy_patterns_type ON synergy_patterns (type, deprecated)`,

	`CREATE TABLE IF NOT EXISTS synergies (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		depth INTEGER NOT NULL CHECK (depth BETWEEN 2 AND 4),
		device_ids TEXT[] NOT NULL,
		parent_id UUID,
		chain_state TEXT NOT NULL,
		trigger_entity TEXT NOT NULL,
		action_entity TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		complexity TEXT NOT NULL,
		impact_score DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		quality_score DOUBLE PRECISION CHECK (quality_score >= 0 AND quality_score <= 1),
		quality_tier TEXT,
		pattern_support_score DOUBLE PRECISION NOT NULL,
		validated_by_patterns BOOLEAN NOT NULL,
		supporting_pattern_ids TEXT[] NOT NULL DEFAULT '{}',
		context_metadata JSONB NOT NULL DEFAULT '{}',
		filter_reason TEXT,
		safety_level TEXT NOT NULL,
		requires_confirmation BOOLEAN NOT NULL,
		auto_deployable BOOLEAN NOT NULL,
		factors JSONB NOT NULL DEFAULT '{}',
		weight_version INTEGER NOT NULL,
		estimated_kwh_savings DOUBLE PRECISION,
		estimated_cost_savings DOUBLE PRECISION,
		state TEXT NOT NULL,
		trend TEXT NOT NULL DEFAULT '',
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		deprecated BOOLEAN NOT NULL DEFAULT FALSE,
		deprecated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_synergies_listing
		ON synergies (deprecated, quality_score DESC NULLS LAST, confidence DESC)`,

	`CREATE TABLE IF NOT EXISTS synergy_observations (
		subject_id UUID NOT NULL,
		subject_kind TEXT NOT NULL,
		run_id UUID NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		occurrence_rate DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (subject_id, run_id)
	)`,

	`CREATE TABLE IF NOT EXISTS synergy_feedback (
		id UUID PRIMARY KEY,
		subject_id UUID NOT NULL,
		outcome TEXT NOT NULL CHECK (outcome IN ('success', 'failure')),
		execution_time_ms BIGINT NOT NULL,
		user_rating DOUBLE PRECISION CHECK (user_rating >= 0 AND user_rating <= 5),
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_synergy_feedback_subject
		ON synergy_feedback (subject_id, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS synergy_weight_vectors (
		version INTEGER PRIMARY KEY,
		weights JSONB NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS synergy_run_reports (
		run_id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		weight_version INTEGER NOT NULL DEFAULT 0,
		stages JSONB NOT NULL
	)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, client Client) error {
	for _, stmt := range schemaStatements {
		if _, err := client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
