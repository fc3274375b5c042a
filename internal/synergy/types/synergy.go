package types

import (
	"time"

	"github.com/google/uuid"
)

// SynergyType classifies what kind of automation opportunity a synergy is.
type SynergyType string

const (
	SynergyDevicePair   SynergyType = "device_pair"
	SynergyDeviceChain  SynergyType = "device_chain"
	SynergyEventContext SynergyType = "event_context"
	SynergySceneBased   SynergyType = "scene_based"
	SynergyContextAware SynergyType = "context_aware"
)

// Complexity is the implementation complexity of a synergy.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// QualityTier is the discretized quality band used for filtering.
type QualityTier string

const (
	TierHigh   QualityTier = "high"
	TierMedium QualityTier = "medium"
	TierLow    QualityTier = "low"
	TierPoor   QualityTier = "poor"
)

// ChainState tracks how far a chain has been expanded.
type ChainState string

const (
	ChainCandidate ChainState = "candidate" // depth 2
	ChainExtended  ChainState = "extended"  // depth 3 or 4
	ChainTerminal  ChainState = "terminal"  // no further extension possible
)

// SafetyLevel marks synergies touching security-sensitive actuators.
type SafetyLevel string

const (
	SafetyNormal SafetyLevel = "normal"
	SafetyHigh   SafetyLevel = "high"
)

// Filter reasons for retained-but-hidden synergies.
const (
	FilterInsufficientSupport = "insufficient_pattern_support"
	FilterIncompatibleAreas   = "incompatible_areas"
)

// MinDepth and MaxDepth bound the number of devices in a chain.
const (
	MinDepth = 2
	MaxDepth = 4
)

// Synergy is a candidate automation opportunity across 2-4 devices.
// Chains reference their parent by ID only; the parent is resolved through the store.
type Synergy struct {
	ID                   uuid.UUID              `json:"synergy_id"`
	Type                 SynergyType            `json:"type"`
	Depth                int                    `json:"depth"`
	DeviceIDs            []string               `json:"device_ids"` // ordered trigger -> ... -> action
	ParentID             *uuid.UUID             `json:"parent_id,omitempty"`
	ChainState           ChainState             `json:"chain_state"`
	TriggerEntity        string                 `json:"trigger_entity"`
	ActionEntity         string                 `json:"action_entity"`
	RelationshipType     string                 `json:"relationship_type"`
	Complexity           Complexity             `json:"complexity"`
	ImpactScore          float64                `json:"impact_score"`
	Confidence           float64                `json:"confidence"`
	QualityScore         *float64               `json:"quality_score"`
	QualityTier          *QualityTier           `json:"quality_tier"`
	PatternSupportScore  float64                `json:"pattern_support_score"`
	ValidatedByPatterns  bool                   `json:"validated_by_patterns"`
	SupportingPatternIDs []uuid.UUID            `json:"supporting_pattern_ids,omitempty"`
	ContextMetadata      map[string]interface{} `json:"context_metadata"`
	FilterReason         *string                `json:"filter_reason"`
	SafetyLevel          SafetyLevel            `json:"safety_level"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	AutoDeployable       bool                   `json:"auto_deployable"`
	Factors              map[string]float64     `json:"factors,omitempty"`
	WeightVersion        int                    `json:"weight_version"`
	EstimatedKWhSavings  *float64               `json:"estimated_kwh_savings,omitempty"`
	EstimatedCostSavings *float64               `json:"estimated_cost_savings,omitempty"`
	State                LifecycleState         `json:"state"`
	Trend                Trend                  `json:"trend,omitempty"`
	NeedsReview          bool                   `json:"needs_review"`
	Deprecated           bool                   `json:"deprecated"`
	DeprecatedAt         *time.Time             `json:"deprecated_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// SetFilterReason marks the synergy as excluded from default result sets.
// The first reason wins so the root cause is kept.
func (s *Synergy) SetFilterReason(reason string) {
	if s.FilterReason != nil {
		return
	}
	r := reason
	s.FilterReason = &r
}

// Filtered reports whether the synergy is hidden from default results.
func (s *Synergy) Filtered() bool {
	return s.FilterReason != nil
}

// ActionDomain returns the domain of the final action entity.
func (s *Synergy) ActionDomain() string {
	return EntityDomain(s.ActionEntity)
}

// Clone returns a deep copy.
func (s *Synergy) Clone() *Synergy {
	c := *s
	c.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	c.SupportingPatternIDs = append([]uuid.UUID(nil), s.SupportingPatternIDs...)
	if s.ParentID != nil {
		id := *s.ParentID
		c.ParentID = &id
	}
	if s.QualityScore != nil {
		q := *s.QualityScore
		c.QualityScore = &q
	}
	if s.QualityTier != nil {
		t := *s.QualityTier
		c.QualityTier = &t
	}
	if s.FilterReason != nil {
		r := *s.FilterReason
		c.FilterReason = &r
	}
	if s.EstimatedKWhSavings != nil {
		v := *s.EstimatedKWhSavings
		c.EstimatedKWhSavings = &v
	}
	if s.EstimatedCostSavings != nil {
		v := *s.EstimatedCostSavings
		c.EstimatedCostSavings = &v
	}
	if s.DeprecatedAt != nil {
		t := *s.DeprecatedAt
		c.DeprecatedAt = &t
	}
	if s.Factors != nil {
		c.Factors = make(map[string]float64, len(s.Factors))
		for k, v := range s.Factors {
			c.Factors[k] = v
		}
	}
	c.ContextMetadata = cloneMap(s.ContextMetadata)
	return &c
}
