package types

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Scoring factor names.
const (
	FactorPatternStrength   = "base_pattern_strength"
	FactorTemporalRelevance = "temporal_relevance"
	FactorSpatialValidity   = "spatial_validity"
	FactorPatternSupport    = "pattern_support"
	FactorSafety            = "safety_adjustment"
	FactorProfileRelevance  = "profile_relevance"
)

// WeightVector is a published, immutable set of scoring weights.
// Never modify a published vector; publish a new version instead.
type WeightVector struct {
	Version   int                `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	Reason    string             `json:"reason,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// DefaultWeights returns the initial weights, summing to 1.0.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		FactorPatternStrength:   0.30,
		FactorTemporalRelevance: 0.15,
		FactorSpatialValidity:   0.15,
		FactorPatternSupport:    0.20,
		FactorSafety:            0.10,
		FactorProfileRelevance:  0.10,
	}
}

// Weight returns the weight for a factor, zero when absent.
func (w *WeightVector) Weight(factor string) float64 {
	if w == nil {
		return 0
	}
	return w.Weights[factor]
}

// Factors returns factor names in stable order.
func (w *WeightVector) Factors() []string {
	names := make([]string, 0, len(w.Weights))
	for name := range w.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CopyWeights returns a mutable copy of the weights map.
func (w *WeightVector) CopyWeights() map[string]float64 {
	out := make(map[string]float64, len(w.Weights))
	for k, v := range w.Weights {
		out[k] = v
	}
	return out
}

// NormalizeWeights validates weights and rescales them to sum to 1.0.
func NormalizeWeights(weights map[string]float64) (map[string]float64, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("weight vector is empty")
	}

	var sum float64
	for name, v := range weights {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid weight for %s: %v", name, v)
		}
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("weight vector sums to zero")
	}

	out := make(map[string]float64, len(weights))
	for name, v := range weights {
		out[name] = v / sum
	}
	return out, nil
}
