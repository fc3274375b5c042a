// Package chain builds multi-device synergy chains from pattern-supported
// device relationships.
package chain

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// unsupportedLinkPrior is the confidence assumed for a link without pattern support.
const unsupportedLinkPrior = 0.3

// Relations answers whether two domains form a known relationship.
type Relations interface {
	Relationship(triggerDomain, actionDomain string) (category string, ok bool)
}

// Config bounds chain construction.
type Config struct {
	MinPatternSupport   float64
	WindowCompatibility float64
	MaxBranching        int
	MaxChains           int
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MinPatternSupport:   0.5,
		WindowCompatibility: 2.0,
		MaxBranching:        3,
		MaxChains:           500,
	}
}

// Edge is a directed, pattern-supported link between two devices.
type Edge struct {
	From       string
	To         string
	Confidence float64
	Window     time.Duration
	PatternIDs []uuid.UUID
}

// Builder turns patterns into synergy chains.
type Builder struct {
	cfg       Config
	relations Relations
	logger    *slog.Logger
}

// NewBuilder creates a chain builder.
func NewBuilder(cfg Config, relations Relations, logger *slog.Logger) *Builder {
	if cfg.MaxBranching <= 0 {
		cfg.MaxBranching = DefaultConfig().MaxBranching
	}
	if cfg.MaxChains <= 0 {
		cfg.MaxChains = DefaultConfig().MaxChains
	}
	if cfg.WindowCompatibility < 1 {
		cfg.WindowCompatibility = DefaultConfig().WindowCompatibility
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:       cfg,
		relations: relations,
		logger:    logger.With("component", "chain_builder"),
	}
}

// graph is the edge arena for one build.
type graph struct {
	edges map[string]*Edge   // "from>to"
	out   map[string][]*Edge // sorted by confidence desc, target asc
}

func edgeKey(from, to string) string {
	return from + ">" + to
}

// Edges derives the supported edge set from co-occurrence patterns: each
// consecutive pair in a pattern's activation order is a directed edge.
func Edges(patterns []*types.Pattern) map[string]*Edge {
	edges := make(map[string]*Edge)
	for _, p := range patterns {
		if p.Type != types.PatternCoOccurrence || p.Deprecated {
			continue
		}
		for i := 0; i+1 < len(p.DeviceIDs); i++ {
			from, to := p.DeviceIDs[i], p.DeviceIDs[i+1]
			key := edgeKey(from, to)
			e, ok := edges[key]
			if !ok {
				e = &Edge{From: from, To: to, Window: p.WindowSize}
				edges[key] = e
			}
			if p.Confidence > e.Confidence {
				e.Confidence = p.Confidence
				e.Window = p.WindowSize
			}
			e.PatternIDs = append(e.PatternIDs, p.ID)
		}
	}
	for _, e := range edges {
		sort.Slice(e.PatternIDs, func(i, j int) bool {
			return e.PatternIDs[i].String() < e.PatternIDs[j].String()
		})
	}
	return edges
}

func newGraph(edges map[string]*Edge) *graph {
	g := &graph{edges: edges, out: make(map[string][]*Edge)}
	for _, e := range edges {
		g.out[e.From] = append(g.out[e.From], e)
	}
	for from := range g.out {
		list := g.out[from]
		sort.Slice(list, func(i, j int) bool {
			if list[i].Confidence != list[j].Confidence {
				return list[i].Confidence > list[j].Confidence
			}
			return list[i].To < list[j].To
		})
	}
	return g
}

// Build produces depth-2 candidates and their extensions up to MaxDepth.
// Unsupported candidates are retained with a filter reason.
func (b *Builder) Build(ctx context.Context, patterns []*types.Pattern, snap *events.Snapshot, now time.Time) ([]*types.Synergy, error) {
	g := newGraph(Edges(patterns))

	areas := map[string]string{}
	if snap != nil {
		areas = snap.Areas
	}

	var frontier []*types.Synergy
	seen := make(map[uuid.UUID]struct{})
	var out []*types.Synergy

	add := func(s *types.Synergy) bool {
		if len(out) >= b.cfg.MaxChains {
			return false
		}
		if _, dup := seen[s.ID]; dup {
			return true
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
		return true
	}

	for _, pair := range b.candidatePairs(g, snap) {
		s := b.newSynergy(g, pair, nil, areas, now)
		if !add(s) {
			break
		}
		frontier = append(frontier, s)
	}

	children := make(map[uuid.UUID]int)
	for depth := types.MinDepth; depth < types.MaxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []*types.Synergy
		for _, parent := range frontier {
			if !parent.ValidatedByPatterns {
				continue
			}
			for _, s := range b.extend(g, parent, areas, now) {
				if !add(s) {
					break
				}
				children[parent.ID]++
				next = append(next, s)
			}
		}
		frontier = next
	}

	for _, s := range out {
		switch {
		case s.Depth == types.MaxDepth || children[s.ID] == 0:
			s.ChainState = types.ChainTerminal
		case s.Depth == types.MinDepth:
			s.ChainState = types.ChainCandidate
		default:
			s.ChainState = types.ChainExtended
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return strings.Join(out[i].DeviceIDs, ">") < strings.Join(out[j].DeviceIDs, ">")
	})

	b.logger.Debug("Chain build complete",
		"edges", len(g.edges),
		"synergies", len(out))

	return out, nil
}

// candidatePairs returns supported edges first, then catalog pairs of
// same-area entities without an edge, each group in deterministic order.
func (b *Builder) candidatePairs(g *graph, snap *events.Snapshot) [][]string {
	var supported [][]string
	for _, e := range g.edges {
		supported = append(supported, []string{e.From, e.To})
	}
	sortPairs(supported)

	var catalog [][]string
	if snap != nil && b.relations != nil {
		entities := snap.Entities()
		for _, from := range entities {
			for _, to := range entities {
				if from == to || snap.Area(from) == "" || snap.Area(from) != snap.Area(to) {
					continue
				}
				if _, ok := g.edges[edgeKey(from, to)]; ok {
					continue
				}
				if _, ok := b.relations.Relationship(types.EntityDomain(from), types.EntityDomain(to)); ok {
					catalog = append(catalog, []string{from, to})
				}
			}
		}
		sortPairs(catalog)
	}

	return append(supported, catalog...)
}

func sortPairs(pairs [][]string) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
}

// extend grows parent by one supported edge from its endpoint.
func (b *Builder) extend(g *graph, parent *types.Synergy, areas map[string]string, now time.Time) []*types.Synergy {
	endpoint := parent.DeviceIDs[len(parent.DeviceIDs)-1]
	lastLink := g.edges[edgeKey(parent.DeviceIDs[len(parent.DeviceIDs)-2], endpoint)]

	var out []*types.Synergy
	for _, e := range g.out[endpoint] {
		if len(out) >= b.cfg.MaxBranching {
			break
		}
		if contains(parent.DeviceIDs, e.To) {
			continue
		}
		if lastLink != nil && !windowsCompatible(lastLink.Window, e.Window, b.cfg.WindowCompatibility) {
			continue
		}

		devices := append(append([]string(nil), parent.DeviceIDs...), e.To)
		s := b.newSynergy(g, devices, parent, areas, now)
		if err := ValidateChain(s, parent); err != nil {
			b.logger.Warn("Rejected chain extension", "error", err)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (b *Builder) newSynergy(g *graph, devices []string, parent *types.Synergy, areas map[string]string, now time.Time) *types.Synergy {
	links := len(devices) - 1
	supported := 0
	var confSum float64
	patternIDs := make(map[uuid.UUID]struct{})
	for i := 0; i < links; i++ {
		if e, ok := g.edges[edgeKey(devices[i], devices[i+1])]; ok {
			supported++
			confSum += e.Confidence
			for _, id := range e.PatternIDs {
				patternIDs[id] = struct{}{}
			}
		} else {
			confSum += unsupportedLinkPrior
		}
	}

	support := float64(supported) / float64(links)
	s := &types.Synergy{
		ID:                  types.SynergyID(devices),
		Type:                types.SynergyDevicePair,
		Depth:               len(devices),
		DeviceIDs:           devices,
		ChainState:          types.ChainCandidate,
		TriggerEntity:       devices[0],
		ActionEntity:        devices[len(devices)-1],
		RelationshipType:    b.relationship(devices[0], devices[1], supported > 0),
		Complexity:          Complexity(devices, areas),
		ImpactScore:         ImpactScore(devices),
		Confidence:          clamp01(confSum / float64(links)),
		PatternSupportScore: support,
		ValidatedByPatterns: support >= b.cfg.MinPatternSupport,
		ContextMetadata: map[string]interface{}{
			"areas": chainAreas(devices, areas),
		},
		SafetyLevel:    types.SafetyNormal,
		AutoDeployable: true,
		State:          types.StateCandidate,
		Trend:          types.TrendNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.Depth > types.MinDepth {
		s.Type = types.SynergyDeviceChain
	}
	if parent != nil {
		id := parent.ID
		s.ParentID = &id
	}
	for id := range patternIDs {
		s.SupportingPatternIDs = append(s.SupportingPatternIDs, id)
	}
	sort.Slice(s.SupportingPatternIDs, func(i, j int) bool {
		return s.SupportingPatternIDs[i].String() < s.SupportingPatternIDs[j].String()
	})
	if !s.ValidatedByPatterns {
		s.SetFilterReason(types.FilterInsufficientSupport)
	}
	return s
}

func (b *Builder) relationship(trigger, next string, supported bool) string {
	if b.relations != nil {
		if category, ok := b.relations.Relationship(types.EntityDomain(trigger), types.EntityDomain(next)); ok {
			return category
		}
	}
	if supported {
		return "temporal"
	}
	return "unknown"
}

// Complexity grades a chain: depth 2 is low (medium across areas), depth 3
// medium, depth 4 high.
func Complexity(devices []string, areas map[string]string) types.Complexity {
	switch len(devices) {
	case 2:
		a, b := areas[devices[0]], areas[devices[1]]
		if a != "" && b != "" && a != b {
			return types.ComplexityMedium
		}
		return types.ComplexityLow
	case 3:
		return types.ComplexityMedium
	default:
		return types.ComplexityHigh
	}
}

// domainImpact weights how much automating a domain matters to the household.
var domainImpact = map[string]float64{
	"climate":             0.9,
	"water_heater":        0.85,
	"lock":                0.8,
	"alarm_control_panel": 0.8,
	"cover":               0.7,
	"light":               0.6,
	"fan":                 0.55,
	"media_player":        0.5,
	"switch":              0.5,
	"vacuum":              0.5,
	"scene":               0.45,
	"notify":              0.3,
}

const defaultDomainImpact = 0.4

// ImpactScore is the mean domain impact of the chain's action devices.
func ImpactScore(devices []string) float64 {
	if len(devices) < 2 {
		return 0
	}
	var sum float64
	for _, d := range devices[1:] {
		impact, ok := domainImpact[types.EntityDomain(d)]
		if !ok {
			impact = defaultDomainImpact
		}
		sum += impact
	}
	return sum / float64(len(devices)-1)
}

func chainAreas(devices []string, areas map[string]string) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = areas[d]
	}
	return out
}

func windowsCompatible(a, b time.Duration, maxRatio float64) bool {
	if a <= 0 || b <= 0 {
		return true
	}
	ratio := float64(a) / float64(b)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return ratio <= maxRatio
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
