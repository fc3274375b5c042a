// Package scoring computes synergy quality from weighted factors.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Complexity adjustments are added after weighting and before clamping.
var complexityAdjustment = map[types.Complexity]float64{
	types.ComplexityLow:    0.15,
	types.ComplexityMedium: 0,
	types.ComplexityHigh:   -0.15,
}

// Tier thresholds, shared by every synergy type.
const (
	TierHighMin   = 0.75
	TierMediumMin = 0.5
	TierLowMin    = 0.25
)

// SafetySensitiveDomains always require confirmation regardless of score.
var SafetySensitiveDomains = map[string]bool{
	"lock":                true,
	"cover":               true,
	"garage":              true,
	"alarm":               true,
	"alarm_control_panel": true,
	"gate":                true,
	"door":                true,
}

// safetyPenalty is the safety factor of a chain acting on a sensitive domain.
const safetyPenalty = 0.6

// Score applies wv to s in place. Factors already set by enrichment are kept;
// pattern strength, pattern support and safety are derived here. The profile
// factor only counts when present, and weights renormalize over the factors
// that are present.
func Score(s *types.Synergy, wv *types.WeightVector) error {
	if wv == nil || len(wv.Weights) == 0 {
		return fmt.Errorf("failed to score synergy %s: no weight vector", s.ID)
	}
	if s.Factors == nil {
		s.Factors = make(map[string]float64)
	}

	sensitive := touchesSensitiveDomain(s)
	s.Factors[types.FactorPatternStrength] = clamp01(s.Confidence)
	s.Factors[types.FactorPatternSupport] = clamp01(s.PatternSupportScore)
	s.Factors[types.FactorSafety] = 1.0
	if sensitive {
		s.Factors[types.FactorSafety] = safetyPenalty
	}
	if _, ok := s.Factors[types.FactorTemporalRelevance]; !ok {
		s.Factors[types.FactorTemporalRelevance] = 0.5
	}
	if _, ok := s.Factors[types.FactorSpatialValidity]; !ok {
		s.Factors[types.FactorSpatialValidity] = 0.5
	}

	var weighted, weightSum float64
	for _, name := range wv.Factors() {
		value, ok := s.Factors[name]
		if !ok {
			continue
		}
		w := wv.Weights[name]
		weighted += w * clamp01(value)
		weightSum += w
	}
	if weightSum == 0 {
		return fmt.Errorf("failed to score synergy %s: weights cover none of its factors", s.ID)
	}

	quality := clamp01(weighted/weightSum + complexityAdjustment[s.Complexity])
	tier := Tier(quality)
	s.QualityScore = &quality
	s.QualityTier = &tier
	s.WeightVersion = wv.Version

	if sensitive {
		s.SafetyLevel = types.SafetyHigh
		s.RequiresConfirmation = true
		s.AutoDeployable = false
	} else {
		s.SafetyLevel = types.SafetyNormal
		s.RequiresConfirmation = false
		s.AutoDeployable = s.ValidatedByPatterns && !s.Filtered()
	}
	return nil
}

// ScoreAll scores every synergy with the same weight vector.
func ScoreAll(synergies []*types.Synergy, wv *types.WeightVector) error {
	for _, s := range synergies {
		if err := Score(s, wv); err != nil {
			return err
		}
	}
	return nil
}

// Tier maps a quality score to its band.
func Tier(quality float64) types.QualityTier {
	switch {
	case quality >= TierHighMin:
		return types.TierHigh
	case quality >= TierMediumMin:
		return types.TierMedium
	case quality >= TierLowMin:
		return types.TierLow
	default:
		return types.TierPoor
	}
}

// Rank orders synergies by quality desc, confidence desc, then id.
// Unscored synergies sort last.
func Rank(synergies []*types.Synergy) {
	quality := func(s *types.Synergy) float64 {
		if s.QualityScore == nil {
			return -1
		}
		return *s.QualityScore
	}
	sort.SliceStable(synergies, func(i, j int) bool {
		qi, qj := quality(synergies[i]), quality(synergies[j])
		if qi != qj {
			return qi > qj
		}
		if synergies[i].Confidence != synergies[j].Confidence {
			return synergies[i].Confidence > synergies[j].Confidence
		}
		return synergies[i].ID.String() < synergies[j].ID.String()
	})
}

func touchesSensitiveDomain(s *types.Synergy) bool {
	for i, d := range s.DeviceIDs {
		if i > 0 && SafetySensitiveDomains[types.EntityDomain(d)] {
			return true
		}
	}
	return SafetySensitiveDomains[s.ActionDomain()]
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
