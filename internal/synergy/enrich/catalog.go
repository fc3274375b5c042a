// Package enrich attaches relationship, spatial, temporal and external
// context to synergy chains.
package enrich

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Relationship categories.
const (
	CategoryTriggerAction = "trigger_action"
	CategorySecurity      = "security"
	CategoryMedia         = "media"
	CategorySpatial       = "spatial"
	CategoryClimate       = "climate"
	CategoryTemporal      = "temporal"
)

// Spatial verdicts and their factor values.
const (
	SpatialSameArea     = "same_area"
	SpatialAdjacent     = "adjacent"
	SpatialIncompatible = "incompatible"
	SpatialUnknown      = "unknown"
)

var spatialFactor = map[string]float64{
	SpatialSameArea:     1.0,
	SpatialAdjacent:     0.7,
	SpatialIncompatible: 0.2,
	SpatialUnknown:      0.5,
}

// Rule is a known relationship between a trigger domain and an action domain.
type Rule struct {
	Trigger   string `yaml:"trigger"`
	Action    string `yaml:"action"`
	Category  string `yaml:"category"`
	CrossArea bool   `yaml:"cross_area"`
}

// Blueprint is a community automation template matched by domain pair.
type Blueprint struct {
	Name    string  `yaml:"name"`
	Trigger string  `yaml:"trigger"`
	Action  string  `yaml:"action"`
	Rating  float64 `yaml:"rating"` // 0-5
}

// RulesFile is the YAML document overriding or extending the built-ins.
type RulesFile struct {
	Relationships []Rule              `yaml:"relationships"`
	Adjacency     map[string][]string `yaml:"adjacency"`
	Blueprints    []Blueprint         `yaml:"blueprints"`
}

// Catalog holds relationship rules, area adjacency and blueprints. It is
// read-only after construction.
type Catalog struct {
	rules      map[string]Rule
	adjacent   map[string]map[string]struct{}
	blueprints []Blueprint
}

var builtinRules = []Rule{
	{Trigger: "binary_sensor", Action: "light", Category: CategoryTriggerAction},
	{Trigger: "binary_sensor", Action: "switch", Category: CategoryTriggerAction},
	{Trigger: "binary_sensor", Action: "fan", Category: CategoryTriggerAction},
	{Trigger: "binary_sensor", Action: "climate", Category: CategoryTriggerAction},
	{Trigger: "door", Action: "light", Category: CategoryTriggerAction, CrossArea: true},
	{Trigger: "person", Action: "light", Category: CategoryTriggerAction, CrossArea: true},
	{Trigger: "person", Action: "climate", Category: CategoryTriggerAction, CrossArea: true},
	{Trigger: "device_tracker", Action: "climate", Category: CategoryTriggerAction, CrossArea: true},
	{Trigger: "device_tracker", Action: "light", Category: CategoryTriggerAction, CrossArea: true},
	{Trigger: "sensor", Action: "light", Category: CategoryTriggerAction},
	{Trigger: "sensor", Action: "fan", Category: CategoryTriggerAction},
	{Trigger: "sensor", Action: "climate", Category: CategoryClimate},
	{Trigger: "binary_sensor", Action: "lock", Category: CategorySecurity},
	{Trigger: "door", Action: "lock", Category: CategorySecurity},
	{Trigger: "lock", Action: "light", Category: CategorySecurity, CrossArea: true},
	{Trigger: "lock", Action: "alarm_control_panel", Category: CategorySecurity, CrossArea: true},
	{Trigger: "binary_sensor", Action: "alarm_control_panel", Category: CategorySecurity, CrossArea: true},
	{Trigger: "device_tracker", Action: "alarm_control_panel", Category: CategorySecurity, CrossArea: true},
	{Trigger: "binary_sensor", Action: "cover", Category: CategorySecurity},
	{Trigger: "media_player", Action: "light", Category: CategoryMedia},
	{Trigger: "media_player", Action: "cover", Category: CategoryMedia},
	{Trigger: "media_player", Action: "switch", Category: CategoryMedia},
	{Trigger: "remote", Action: "media_player", Category: CategoryMedia},
	{Trigger: "light", Action: "light", Category: CategorySpatial},
	{Trigger: "switch", Action: "light", Category: CategorySpatial},
	{Trigger: "light", Action: "switch", Category: CategorySpatial},
	{Trigger: "light", Action: "media_player", Category: CategorySpatial},
	{Trigger: "climate", Action: "fan", Category: CategoryClimate},
	{Trigger: "climate", Action: "cover", Category: CategoryClimate},
	{Trigger: "weather", Action: "climate", Category: CategoryClimate, CrossArea: true},
	{Trigger: "weather", Action: "cover", Category: CategoryClimate, CrossArea: true},
}

var builtinBlueprints = []Blueprint{
	{Name: "Motion-activated light", Trigger: "binary_sensor", Action: "light", Rating: 4.7},
	{Name: "Presence-based climate", Trigger: "person", Action: "climate", Rating: 4.2},
	{Name: "Dim lights when media plays", Trigger: "media_player", Action: "light", Rating: 4.4},
	{Name: "Auto-lock on door close", Trigger: "binary_sensor", Action: "lock", Rating: 3.9},
	{Name: "Arrival lights", Trigger: "device_tracker", Action: "light", Rating: 4.1},
}

// NewCatalog builds the catalog from the built-ins plus an optional rules file.
// Rules in the file replace built-ins with the same domain pair.
func NewCatalog(extra *RulesFile) *Catalog {
	c := &Catalog{
		rules:    make(map[string]Rule),
		adjacent: make(map[string]map[string]struct{}),
	}
	for _, r := range builtinRules {
		c.rules[r.Trigger+">"+r.Action] = r
	}
	c.blueprints = append(c.blueprints, builtinBlueprints...)

	if extra != nil {
		for _, r := range extra.Relationships {
			c.rules[r.Trigger+">"+r.Action] = r
		}
		for area, neighbours := range extra.Adjacency {
			for _, n := range neighbours {
				c.link(area, n)
			}
		}
		c.blueprints = append(c.blueprints, extra.Blueprints...)
	}
	return c
}

// LoadRulesFile parses a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	for i, r := range rf.Relationships {
		if r.Trigger == "" || r.Action == "" || r.Category == "" {
			return nil, fmt.Errorf("rules file %s: relationship %d needs trigger, action and category", path, i)
		}
	}
	for i, b := range rf.Blueprints {
		if b.Rating < types.MinRating || b.Rating > types.MaxRating {
			return nil, fmt.Errorf("rules file %s: blueprint %d rating %.1f outside 0-5", path, i, b.Rating)
		}
	}
	return &rf, nil
}

func (c *Catalog) link(a, b string) {
	if c.adjacent[a] == nil {
		c.adjacent[a] = make(map[string]struct{})
	}
	if c.adjacent[b] == nil {
		c.adjacent[b] = make(map[string]struct{})
	}
	c.adjacent[a][b] = struct{}{}
	c.adjacent[b][a] = struct{}{}
}

// Relationship returns the category linking two domains.
func (c *Catalog) Relationship(triggerDomain, actionDomain string) (string, bool) {
	r, ok := c.rules[triggerDomain+">"+actionDomain]
	if !ok {
		return "", false
	}
	return r.Category, true
}

// Rule returns the full rule for a domain pair.
func (c *Catalog) Rule(triggerDomain, actionDomain string) (Rule, bool) {
	r, ok := c.rules[triggerDomain+">"+actionDomain]
	return r, ok
}

// Adjacent reports whether two areas are configured as neighbours.
func (c *Catalog) Adjacent(a, b string) bool {
	_, ok := c.adjacent[a][b]
	return ok
}

// Spatial grades a chain by its weakest link and returns the verdict and factor.
func (c *Catalog) Spatial(devices []string, areas map[string]string) (string, float64) {
	rank := map[string]int{SpatialSameArea: 0, SpatialAdjacent: 1, SpatialUnknown: 2, SpatialIncompatible: 3}

	verdict := SpatialSameArea
	for i := 0; i+1 < len(devices); i++ {
		v := c.linkVerdict(devices[i], devices[i+1], areas)
		if rank[v] > rank[verdict] {
			verdict = v
		}
	}
	return verdict, spatialFactor[verdict]
}

func (c *Catalog) linkVerdict(from, to string, areas map[string]string) string {
	a, b := areas[from], areas[to]
	switch {
	case a == "" || b == "":
		return SpatialUnknown
	case a == b:
		return SpatialSameArea
	case c.Adjacent(a, b):
		return SpatialAdjacent
	}
	if r, ok := c.Rule(types.EntityDomain(from), types.EntityDomain(to)); ok && r.CrossArea {
		return SpatialAdjacent
	}
	return SpatialIncompatible
}

// MatchBlueprint returns the best rated blueprint for a trigger/action domain pair.
func (c *Catalog) MatchBlueprint(triggerDomain, actionDomain string) (Blueprint, bool) {
	var matches []Blueprint
	for _, b := range c.blueprints {
		if b.Trigger == triggerDomain && b.Action == actionDomain {
			matches = append(matches, b)
		}
	}
	if len(matches) == 0 {
		return Blueprint{}, false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Rating > matches[j].Rating
	})
	return matches[0], true
}
