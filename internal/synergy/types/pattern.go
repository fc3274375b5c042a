package types

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// PatternType identifies which detector produced a pattern.
type PatternType string

const (
	PatternCoOccurrence PatternType = "co_occurrence"
	PatternTimeOfDay    PatternType = "time_of_day"
)

// idNamespace seeds deterministic record IDs so identical inputs produce identical records.
var idNamespace = uuid.MustParse("6f1c2a9e-3b1d-4f7e-9a65-0c9d8e7b5a41")

// Pattern is a statistically detected recurring behaviour.
// Patterns are never deleted; stale ones are deprecated for the audit trail.
type Pattern struct {
	ID              uuid.UUID              `json:"pattern_id"`
	Type            PatternType            `json:"type"`
	DeviceIDs       []string               `json:"device_ids"` // co_occurrence: typical activation order
	WindowSize      time.Duration          `json:"window_size"`
	OccurrenceCount int                    `json:"occurrence_count"`
	OccurrenceRate  float64                `json:"occurrence_rate"` // occurrences per day over the run horizon
	Confidence      float64                `json:"confidence"`      // 0.0-1.0
	HourOfDay       *int                   `json:"hour_of_day,omitempty"`
	HourlyProfile   *pgvector.Vector       `json:"hourly_profile,omitempty"` // 24 buckets, time_of_day only
	FirstSeen       time.Time              `json:"first_seen"`
	LastSeen        time.Time              `json:"last_seen"`
	State           LifecycleState         `json:"state"`
	Trend           Trend                  `json:"trend,omitempty"`
	NeedsReview     bool                   `json:"needs_review"`
	Deprecated      bool                   `json:"deprecated"`
	DeprecatedAt    *time.Time             `json:"deprecated_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Key identifies the behaviour a pattern describes independent of its ID.
// Two detections with the same key describe the same behaviour.
func (p *Pattern) Key() string {
	devices := make([]string, len(p.DeviceIDs))
	copy(devices, p.DeviceIDs)
	sort.Strings(devices)

	key := string(p.Type) + "|" + strings.Join(devices, ",")
	if p.HourOfDay != nil {
		key += "|h" + strconv.Itoa(*p.HourOfDay)
	}
	return key
}

// HasDevice reports whether entityID participates in the pattern.
func (p *Pattern) HasDevice(entityID string) bool {
	for _, d := range p.DeviceIDs {
		if d == entityID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared records.
func (p *Pattern) Clone() *Pattern {
	c := *p
	c.DeviceIDs = append([]string(nil), p.DeviceIDs...)
	if p.HourOfDay != nil {
		h := *p.HourOfDay
		c.HourOfDay = &h
	}
	if p.HourlyProfile != nil {
		v := pgvector.NewVector(append([]float32(nil), p.HourlyProfile.Slice()...))
		c.HourlyProfile = &v
	}
	if p.DeprecatedAt != nil {
		t := *p.DeprecatedAt
		c.DeprecatedAt = &t
	}
	c.Metadata = cloneMap(p.Metadata)
	return &c
}

// PatternID derives the deterministic ID for a pattern key.
// generation distinguishes a re-detected behaviour from its deprecated predecessor.
func PatternID(key string, generation int) uuid.UUID {
	if generation > 0 {
		key = key + "#" + strconv.Itoa(generation)
	}
	return uuid.NewSHA1(idNamespace, []byte("pattern|"+key))
}

// SynergyID derives the deterministic ID for an ordered device chain.
func SynergyID(deviceIDs []string) uuid.UUID {
	return SynergyGenerationID(deviceIDs, 0)
}

// SynergyGenerationID derives the ID of a chain rediscovered after its
// earlier records were deprecated. Generation 0 is SynergyID.
func SynergyGenerationID(deviceIDs []string, generation int) uuid.UUID {
	key := "synergy|" + ChainKey(deviceIDs)
	if generation > 0 {
		key += "#" + strconv.Itoa(generation)
	}
	return uuid.NewSHA1(idNamespace, []byte(key))
}

// ChainKey identifies an ordered device chain across generations.
func ChainKey(deviceIDs []string) string {
	return strings.Join(deviceIDs, ">")
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
