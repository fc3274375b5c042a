package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
)

var patternColumns = []string{
	"id", "type", "device_ids", "window_seconds", "occurrence_count", "occurrence_rate",
	"confidence", "hour_of_day", "hourly_profile", "first_seen", "last_seen", "state",
	"trend", "needs_review", "deprecated", "deprecated_at", "metadata", "updated_at",
}

var synergyColumns = []string{
	"id", "type", "depth", "device_ids", "parent_id", "chain_state", "trigger_entity",
	"action_entity", "relationship_type", "complexity", "impact_score", "confidence",
	"quality_score", "quality_tier", "pattern_support_score", "validated_by_patterns",
	"supporting_pattern_ids", "context_metadata", "filter_reason", "safety_level",
	"requires_confirmation", "auto_deployable", "factors", "weight_version",
	"estimated_kwh_savings", "estimated_cost_savings", "state", "trend", "needs_review",
	"deprecated", "deprecated_at", "created_at", "updated_at",
}

// PostgresStore persists records in PostgreSQL with pgvector hourly profiles.
type PostgresStore struct {
	client postgres.Client
}

// NewPostgresStore creates a store on an already connected client.
func NewPostgresStore(client postgres.Client) *PostgresStore {
	return &PostgresStore{client: client}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) ListPatterns(ctx context.Context, filter PatternFilter) ([]*types.Pattern, error) {
	var w where
	if filter.Type != "" {
		w.add("type = ?", string(filter.Type))
	}
	if filter.DeviceID != "" {
		w.add("? = ANY(device_ids)", filter.DeviceID)
	}
	if filter.MinConfidence > 0 {
		w.add("confidence >= ?", filter.MinConfidence)
	}
	if filter.NeedsReview {
		w.raw("needs_review")
	}
	w.deprecated(filter.IncludeDeprecated, filter.DeprecatedOnly)

	query := fmt.Sprintf("SELECT %s FROM synergy_patterns%s ORDER BY confidence DESC, id%s",
		strings.Join(patternColumns, ", "), w.String(), limitClause(filter.Limit))

	rows, err := s.client.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPattern(ctx context.Context, id uuid.UUID) (*types.Pattern, error) {
	query := fmt.Sprintf("SELECT %s FROM synergy_patterns WHERE id = $1", strings.Join(patternColumns, ", "))
	p, err := scanPattern(s.client.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CommitPatterns(ctx context.Context, patterns []*types.Pattern, observations []types.Observation) error {
	query := commitSQL("synergy_patterns", patternColumns, "first_seen")
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		for _, p := range patterns {
			metadata, err := json.Marshal(nonNilMap(p.Metadata))
			if err != nil {
				return fmt.Errorf("failed to marshal pattern metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query,
				p.ID,
				string(p.Type),
				pq.StringArray(p.DeviceIDs),
				int64(p.WindowSize/time.Second),
				p.OccurrenceCount,
				p.OccurrenceRate,
				p.Confidence,
				p.HourOfDay,
				p.HourlyProfile,
				p.FirstSeen,
				p.LastSeen,
				string(p.State),
				string(p.Trend),
				p.NeedsReview,
				p.Deprecated,
				p.DeprecatedAt,
				metadata,
				p.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert pattern %s: %w", p.ID, err)
			}
		}
		return insertObservations(ctx, tx, observations)
	})
}

func (s *PostgresStore) SimilarTimeProfiles(ctx context.Context, id uuid.UUID, n int) ([]*types.Pattern, error) {
	var profile *pgvector.Vector
	err := s.client.QueryRow(ctx, "SELECT hourly_profile FROM synergy_patterns WHERE id = $1", id).Scan(&profile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("pattern %s has no hourly profile", id)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM synergy_patterns
		WHERE id <> $1 AND NOT deprecated AND hourly_profile IS NOT NULL
		ORDER BY hourly_profile <=> $2, id%s`,
		strings.Join(patternColumns, ", "), limitClause(n))

	rows, err := s.client.Query(ctx, query, id, *profile)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar profiles: %w", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSynergies(ctx context.Context, filter SynergyFilter) ([]*types.Synergy, error) {
	var w where
	if filter.Type != "" {
		w.add("type = ?", string(filter.Type))
	}
	if filter.Depth != 0 {
		w.add("depth = ?", filter.Depth)
	}
	if filter.Complexity != "" {
		w.add("complexity = ?", string(filter.Complexity))
	}
	if filter.MinConfidence > 0 {
		w.add("confidence >= ?", filter.MinConfidence)
	}
	if filter.QualityTier != "" {
		w.add("quality_tier = ?", string(filter.QualityTier))
	}
	if filter.DeviceID != "" {
		w.add("? = ANY(device_ids)", filter.DeviceID)
	}
	if !filter.IncludeFiltered {
		w.raw("filter_reason IS NULL")
	}
	w.deprecated(filter.IncludeDeprecated, filter.DeprecatedOnly)

	query := fmt.Sprintf("SELECT %s FROM synergies%s ORDER BY quality_score DESC NULLS LAST, confidence DESC, id%s",
		strings.Join(synergyColumns, ", "), w.String(), limitClause(filter.Limit))

	rows, err := s.client.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query synergies: %w", err)
	}
	defer rows.Close()

	var out []*types.Synergy
	for rows.Next() {
		syn, err := scanSynergy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synergy: %w", err)
		}
		out = append(out, syn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSynergy(ctx context.Context, id uuid.UUID) (*types.Synergy, error) {
	query := fmt.Sprintf("SELECT %s FROM synergies WHERE id = $1", strings.Join(synergyColumns, ", "))
	syn, err := scanSynergy(s.client.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("synergy %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query synergy: %w", err)
	}
	return syn, nil
}

func (s *PostgresStore) CommitSynergies(ctx context.Context, synergies []*types.Synergy, observations []types.Observation) error {
	query := commitSQL("synergies", synergyColumns, "created_at")
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		for _, syn := range synergies {
			metadata, err := json.Marshal(nonNilMap(syn.ContextMetadata))
			if err != nil {
				return fmt.Errorf("failed to marshal context metadata: %w", err)
			}
			factors, err := json.Marshal(syn.Factors)
			if err != nil {
				return fmt.Errorf("failed to marshal factors: %w", err)
			}
			var tier *string
			if syn.QualityTier != nil {
				t := string(*syn.QualityTier)
				tier = &t
			}
			supporting := make(pq.StringArray, len(syn.SupportingPatternIDs))
			for i, id := range syn.SupportingPatternIDs {
				supporting[i] = id.String()
			}

			if _, err := tx.ExecContext(ctx, query,
				syn.ID,
				string(syn.Type),
				syn.Depth,
				pq.StringArray(syn.DeviceIDs),
				syn.ParentID,
				string(syn.ChainState),
				syn.TriggerEntity,
				syn.ActionEntity,
				syn.RelationshipType,
				string(syn.Complexity),
				syn.ImpactScore,
				syn.Confidence,
				syn.QualityScore,
				tier,
				syn.PatternSupportScore,
				syn.ValidatedByPatterns,
				supporting,
				metadata,
				syn.FilterReason,
				string(syn.SafetyLevel),
				syn.RequiresConfirmation,
				syn.AutoDeployable,
				factors,
				syn.WeightVersion,
				syn.EstimatedKWhSavings,
				syn.EstimatedCostSavings,
				string(syn.State),
				string(syn.Trend),
				syn.NeedsReview,
				syn.Deprecated,
				syn.DeprecatedAt,
				syn.CreatedAt,
				syn.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert synergy %s: %w", syn.ID, err)
			}
		}
		return insertObservations(ctx, tx, observations)
	})
}

func (s *PostgresStore) UpdateLifecycle(ctx context.Context, st types.LifecycleStatus) error {
	var query string
	switch st.SubjectKind {
	case types.SubjectPattern:
		query = `UPDATE synergy_patterns
			SET state = $2, trend = $3, needs_review = $4, deprecated = $5, deprecated_at = $6, updated_at = $7
			WHERE id = $1`
	case types.SubjectSynergy:
		query = `UPDATE synergies
			SET state = $2, trend = $3, needs_review = $4, deprecated = $5, deprecated_at = $6, updated_at = $7,
				auto_deployable = auto_deployable AND NOT $5
			WHERE id = $1`
	default:
		return fmt.Errorf("unknown subject kind %q", st.SubjectKind)
	}

	res, err := s.client.Exec(ctx, query, st.SubjectID, string(st.State), string(st.Trend),
		st.NeedsReview, st.Deprecated, st.DeprecatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update lifecycle of %s: %w", st.SubjectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", st.SubjectKind, st.SubjectID, types.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListObservations(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.Observation, error) {
	rows, err := s.client.Query(ctx, `
		SELECT subject_id, subject_kind, run_id, observed_at, occurrence_rate, confidence
		FROM synergy_observations
		WHERE subject_id = $1 AND observed_at >= $2
		ORDER BY observed_at`, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var out []types.Observation
	for rows.Next() {
		var o types.Observation
		var kind string
		if err := rows.Scan(&o.SubjectID, &kind, &o.RunID, &o.ObservedAt, &o.OccurrenceRate, &o.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.SubjectKind = types.SubjectKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error {
	_, err := s.client.Exec(ctx, `
		INSERT INTO synergy_feedback (id, subject_id, outcome, execution_time_ms, user_rating, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SubjectID, string(rec.Outcome), rec.ExecutionTimeMs, rec.UserRating, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.FeedbackRecord, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, subject_id, outcome, execution_time_ms, user_rating, recorded_at
		FROM synergy_feedback
		WHERE subject_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at`, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []types.FeedbackRecord
	for rows.Next() {
		var rec types.FeedbackRecord
		var outcome string
		var rating sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &outcome, &rec.ExecutionTimeMs, &rating, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		rec.Outcome = types.Outcome(outcome)
		if rating.Valid {
			r := rating.Float64
			rec.UserRating = &r
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FeedbackSubjects(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := s.client.Query(ctx,
		"SELECT DISTINCT subject_id FROM synergy_feedback WHERE recorded_at >= $1 ORDER BY subject_id", since)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback subjects: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subject id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveWeightVector(ctx context.Context, wv *types.WeightVector) error {
	weights, err := json.Marshal(wv.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	_, err = s.client.Exec(ctx,
		"INSERT INTO synergy_weight_vectors (version, weights, reason, updated_at) VALUES ($1, $2, $3, $4)",
		wv.Version, weights, wv.Reason, wv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert weight vector v%d: %w", wv.Version, err)
	}
	return nil
}

func (s *PostgresStore) LatestWeightVector(ctx context.Context) (*types.WeightVector, error) {
	var wv types.WeightVector
	var weights []byte
	err := s.client.QueryRow(ctx,
		"SELECT version, weights, reason, updated_at FROM synergy_weight_vectors ORDER BY version DESC LIMIT 1",
	).Scan(&wv.Version, &weights, &wv.Reason, &wv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query weight vector: %w", err)
	}
	if err := json.Unmarshal(weights, &wv.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &wv, nil
}

func (s *PostgresStore) SaveRunReport(ctx context.Context, report *types.RunReport) error {
	stages, err := json.Marshal(report.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	_, err = s.client.Exec(ctx, `
		INSERT INTO synergy_run_reports (run_id, kind, status, started_at, finished_at, weight_version, stages)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.RunID, string(report.Kind), string(report.Status), report.StartedAt, report.FinishedAt,
		report.WeightVersion, stages)
	if err != nil {
		return fmt.Errorf("failed to insert run report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunReports(ctx context.Context, kind types.RunKind, n int) ([]*types.RunReport, error) {
	var w where
	if kind != "" {
		w.add("kind = ?", string(kind))
	}
	query := fmt.Sprintf(`
		SELECT run_id, kind, status, started_at, finished_at, weight_version, stages
		FROM synergy_run_reports%s ORDER BY started_at DESC%s`, w.String(), limitClause(n))

	rows, err := s.client.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run reports: %w", err)
	}
	defer rows.Close()

	var out []*types.RunReport
	for rows.Next() {
		var r types.RunReport
		var k, status string
		var stages []byte
		if err := rows.Scan(&r.RunID, &k, &status, &r.StartedAt, &r.FinishedAt, &r.WeightVersion, &stages); err != nil {
			return nil, fmt.Errorf("failed to scan run report: %w", err)
		}
		r.Kind, r.Status = types.RunKind(k), types.RunStatus(status)
		if err := json.Unmarshal(stages, &r.Stages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func insertObservations(ctx context.Context, tx *sql.Tx, observations []types.Observation) error {
	for _, o := range observations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO synergy_observations (subject_id, subject_kind, run_id, observed_at, occurrence_rate, confidence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (subject_id, run_id) DO NOTHING`,
			o.SubjectID, string(o.SubjectKind), o.RunID, o.ObservedAt, o.OccurrenceRate, o.Confidence,
		); err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}
	return nil
}

func scanPattern(row rowScanner) (*types.Pattern, error) {
	var (
		p             types.Pattern
		typ, state    string
		trend         string
		devices       pq.StringArray
		windowSeconds int64
		hour          sql.NullInt64
		profile       *pgvector.Vector
		deprecatedAt  sql.NullTime
		metadata      []byte
	)
	if err := row.Scan(
		&p.ID, &typ, &devices, &windowSeconds, &p.OccurrenceCount, &p.OccurrenceRate,
		&p.Confidence, &hour, &profile, &p.FirstSeen, &p.LastSeen, &state,
		&trend, &p.NeedsReview, &p.Deprecated, &deprecatedAt, &metadata, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Type = types.PatternType(typ)
	p.DeviceIDs = []string(devices)
	p.WindowSize = time.Duration(windowSeconds) * time.Second
	p.HourlyProfile = profile
	p.State = types.LifecycleState(state)
	p.Trend = types.Trend(trend)
	if hour.Valid {
		h := int(hour.Int64)
		p.HourOfDay = &h
	}
	if deprecatedAt.Valid {
		t := deprecatedAt.Time
		p.DeprecatedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

func scanSynergy(row rowScanner) (*types.Synergy, error) {
	var (
		s                           types.Synergy
		typ, chainState, complexity string
		safety, state, trend        string
		devices, supporting         pq.StringArray
		parent                      uuid.NullUUID
		quality, kwh, cost          sql.NullFloat64
		tier, filterReason          sql.NullString
		metadata, factors           []byte
		deprecatedAt                sql.NullTime
	)
	if err := row.Scan(
		&s.ID, &typ, &s.Depth, &devices, &parent, &chainState, &s.TriggerEntity,
		&s.ActionEntity, &s.RelationshipType, &complexity, &s.ImpactScore, &s.Confidence,
		&quality, &tier, &s.PatternSupportScore, &s.ValidatedByPatterns,
		&supporting, &metadata, &filterReason, &safety,
		&s.RequiresConfirmation, &s.AutoDeployable, &factors, &s.WeightVersion,
		&kwh, &cost, &state, &trend, &s.NeedsReview,
		&s.Deprecated, &deprecatedAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Type = types.SynergyType(typ)
	s.DeviceIDs = []string(devices)
	s.ChainState = types.ChainState(chainState)
	s.Complexity = types.Complexity(complexity)
	s.SafetyLevel = types.SafetyLevel(safety)
	s.State = types.LifecycleState(state)
	s.Trend = types.Trend(trend)
	if parent.Valid {
		id := parent.UUID
		s.ParentID = &id
	}
	if quality.Valid {
		q := quality.Float64
		s.QualityScore = &q
	}
	if tier.Valid {
		t := types.QualityTier(tier.String)
		s.QualityTier = &t
	}
	if filterReason.Valid {
		r := filterReason.String
		s.FilterReason = &r
	}
	if kwh.Valid {
		v := kwh.Float64
		s.EstimatedKWhSavings = &v
	}
	if cost.Valid {
		v := cost.Float64
		s.EstimatedCostSavings = &v
	}
	if deprecatedAt.Valid {
		t := deprecatedAt.Time
		s.DeprecatedAt = &t
	}
	for _, raw := range supporting {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid supporting pattern id %q: %w", raw, err)
		}
		s.SupportingPatternIDs = append(s.SupportingPatternIDs, id)
	}
	if err := json.Unmarshal(metadata, &s.ContextMetadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context metadata: %w", err)
	}
	if len(factors) > 0 && string(factors) != "null" {
		if err := json.Unmarshal(factors, &s.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
	}
	return &s, nil
}

// where accumulates AND-ed conditions; "?" is replaced by the next $n.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(w.args)), 1))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) deprecated(include, only bool) {
	switch {
	case only:
		w.raw("deprecated")
	case !include:
		w.raw("NOT deprecated")
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}

// upsertSQL builds an INSERT ... ON CONFLICT statement that overwrites every
// column except key and the keep columns.
func upsertSQL(table string, columns []string, key string, keep ...string) string {
	placeholders := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		if c == key || containsString(keep, c) {
			continue
		}
		updates = append(updates, c+" = EXCLUDED."+c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), key, strings.Join(updates, ", "))
}

// lifecycleColumns are written by UpdateLifecycle only.
var lifecycleColumns = []string{"state", "trend", "needs_review", "deprecated", "deprecated_at"}

// commitSQL upserts a record without touching its lifecycle columns and skips
// the update entirely when the stored record is already deprecated.
func commitSQL(table string, columns []string, keep ...string) string {
	keep = append(append([]string(nil), keep...), lifecycleColumns...)
	return upsertSQL(table, columns, "id", keep...) + " WHERE NOT " + table + ".deprecated"
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

var _ Store = (*PostgresStore)(nil)
