package enrich

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// neutralTemporal is the temporal relevance of a chain without time-of-day evidence.
const neutralTemporal = 0.5

// contextsByDomain lists the external context each action domain needs.
var contextsByDomain = map[string][]string{
	"climate":      {ContextWeather, ContextCarbon},
	"water_heater": {ContextWeather, ContextCarbon},
	"humidifier":   {ContextWeather, ContextCarbon},
	"fan":          {ContextWeather, ContextCarbon},
	"cover":        {ContextWeather},
	"light":        {ContextWeather},
	"switch":       {ContextCarbon},
	"media_player": {ContextSports, ContextCalendar},
}

var climateFamily = map[string]bool{
	"climate":      true,
	"water_heater": true,
	"humidifier":   true,
	"fan":          true,
	"cover":        true,
}

var actuatorDomains = map[string]bool{
	"light":        true,
	"switch":       true,
	"climate":      true,
	"fan":          true,
	"cover":        true,
	"media_player": true,
	"lock":         true,
	"scene":        true,
	"vacuum":       true,
	"water_heater": true,
	"humidifier":   true,
}

// Config holds site parameters for enrichment.
type Config struct {
	Latitude    float64
	Longitude   float64
	Location    *time.Location
	PricePerKWh float64
}

// Enricher attaches context to synergies in place.
type Enricher struct {
	catalog *Catalog
	fetcher *ContextFetcher // nil disables external context
	cfg     Config
	logger  *slog.Logger
}

// NewEnricher creates an enricher.
func NewEnricher(catalog *Catalog, fetcher *ContextFetcher, cfg Config, logger *slog.Logger) *Enricher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		catalog: catalog,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "enricher"),
	}
}

type todEvidence struct {
	hour       int
	confidence float64
}

// Enrich annotates every synergy. External lookups are memoized for the
// call, so one Enrich call corresponds to one run. Failures never abort.
func (e *Enricher) Enrich(ctx context.Context, synergies []*types.Synergy, patterns []*types.Pattern, snap *events.Snapshot, now time.Time) error {
	areas := map[string]string{}
	if snap != nil {
		areas = snap.Areas
	}

	tod := make(map[string]todEvidence)
	for _, p := range patterns {
		if p.Type != types.PatternTimeOfDay || p.Deprecated || p.HourOfDay == nil || len(p.DeviceIDs) == 0 {
			continue
		}
		entity := p.DeviceIDs[0]
		if cur, ok := tod[entity]; !ok || p.Confidence > cur.confidence {
			tod[entity] = todEvidence{hour: *p.HourOfDay, confidence: p.Confidence}
		}
	}

	var session *Session
	if e.fetcher != nil {
		session = e.fetcher.NewSession()
	}

	for i, s := range synergies {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if s.ContextMetadata == nil {
			s.ContextMetadata = make(map[string]interface{})
		}
		if s.Factors == nil {
			s.Factors = make(map[string]float64)
		}

		e.applySpatial(s, areas)
		e.applyTemporal(s, tod, now)
		contexts := e.applyExternal(ctx, s, session)
		e.applyType(s, areas, contexts)
		e.applyEnergy(s, contexts)
		e.applyBlueprint(s)
	}

	e.logger.Debug("Enrichment complete", "synergies", len(synergies))
	return nil
}

func (e *Enricher) applySpatial(s *types.Synergy, areas map[string]string) {
	verdict, factor := e.catalog.Spatial(s.DeviceIDs, areas)
	s.Factors[types.FactorSpatialValidity] = factor
	s.ContextMetadata["spatial"] = map[string]interface{}{
		"verdict": verdict,
		"factor":  factor,
	}
	if verdict == SpatialIncompatible && !s.ValidatedByPatterns {
		s.SetFilterReason(types.FilterIncompatibleAreas)
	}
}

func (e *Enricher) applyTemporal(s *types.Synergy, tod map[string]todEvidence, now time.Time) {
	temporal := map[string]interface{}{
		"season": Season(now, e.cfg.Latitude),
	}

	best, found := todEvidence{}, false
	for _, d := range s.DeviceIDs {
		if ev, ok := tod[d]; ok && (!found || ev.confidence > best.confidence) {
			best, found = ev, true
		}
	}

	factor := neutralTemporal
	if found {
		factor = best.confidence
		local := now.In(e.cfg.Location)
		at := time.Date(local.Year(), local.Month(), local.Day(), best.hour, 30, 0, 0, e.cfg.Location)
		altitude := suncalc.GetPosition(at, e.cfg.Latitude, e.cfg.Longitude).Altitude * 180 / math.Pi

		temporal["peak_hour"] = best.hour
		temporal["time_of_day_confidence"] = best.confidence
		temporal["sun_altitude_deg"] = altitude
		temporal["daylight"] = altitude > 0
	}

	s.Factors[types.FactorTemporalRelevance] = factor
	s.ContextMetadata["temporal"] = temporal
}

func (e *Enricher) applyExternal(ctx context.Context, s *types.Synergy, session *Session) map[string]Result {
	wanted := contextsByDomain[s.ActionDomain()]
	if session == nil || len(wanted) == 0 {
		return nil
	}

	params := map[string]string{
		"lat": strconv.FormatFloat(e.cfg.Latitude, 'f', 4, 64),
		"lon": strconv.FormatFloat(e.cfg.Longitude, 'f', 4, 64),
	}

	results := make(map[string]Result, len(wanted))
	attached := make(map[string]interface{}, len(wanted))
	sources := make(map[string]interface{}, len(wanted))
	for _, contextType := range wanted {
		r := session.Get(ctx, contextType, params)
		results[contextType] = r
		attached[contextType] = r.Values
		sources[contextType] = r.Source
	}
	s.ContextMetadata["context"] = attached
	s.ContextMetadata["context_sources"] = sources
	return results
}

// applyType refines the chain type from its devices and attached context.
// Only real context (live or cached) can make a synergy context driven.
func (e *Enricher) applyType(s *types.Synergy, areas map[string]string, contexts map[string]Result) {
	informative := func(contextType string) bool {
		r, ok := contexts[contextType]
		return ok && r.Source != SourceDefault
	}

	action := s.ActionDomain()
	switch {
	case s.Depth >= 3 && allActuatorsInOneArea(s.DeviceIDs, areas):
		s.Type = types.SynergySceneBased
	case climateFamily[action] && informative(ContextWeather):
		s.Type = types.SynergyContextAware
	case action == "media_player" && (informative(ContextSports) || informative(ContextCalendar)):
		s.Type = types.SynergyEventContext
	}
}

func (e *Enricher) applyEnergy(s *types.Synergy, contexts map[string]Result) {
	var intensity float64
	if r, ok := contexts[ContextCarbon]; ok {
		intensity = toFloat(r.Values["intensity_g_per_kwh"])
	}

	est, ok := EstimateEnergy(s.ActionDomain(), e.cfg.PricePerKWh, intensity)
	if !ok {
		return
	}
	kwh, cost := est.KWh, est.Cost
	s.EstimatedKWhSavings = &kwh
	s.EstimatedCostSavings = &cost

	energy := map[string]interface{}{
		"estimated_kwh_savings":  kwh,
		"estimated_cost_savings": cost,
	}
	if est.CO2Kg != nil {
		energy["estimated_co2_kg"] = *est.CO2Kg
	}
	s.ContextMetadata["energy"] = energy
}

func (e *Enricher) applyBlueprint(s *types.Synergy) {
	bp, ok := e.catalog.MatchBlueprint(types.EntityDomain(s.TriggerEntity), s.ActionDomain())
	if !ok {
		delete(s.Factors, types.FactorProfileRelevance)
		return
	}
	s.Factors[types.FactorProfileRelevance] = bp.Rating / types.MaxRating
	s.ContextMetadata["blueprint"] = map[string]interface{}{
		"name":   bp.Name,
		"rating": bp.Rating,
	}
}

func allActuatorsInOneArea(devices []string, areas map[string]string) bool {
	area := areas[devices[0]]
	if area == "" {
		return false
	}
	for _, d := range devices {
		if !actuatorDomains[types.EntityDomain(d)] || areas[d] != area {
			return false
		}
	}
	return true
}

// Season names the meteorological season at t, flipped for the southern hemisphere.
func Season(t time.Time, latitude float64) string {
	seasons := []string{"winter", "spring", "summer", "autumn"}
	idx := (int(t.Month()) % 12) / 3
	if latitude < 0 {
		idx = (idx + 2) % 4
	}
	return seasons[idx]
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
