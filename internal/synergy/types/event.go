package types

import (
	"strings"
	"time"
)

// Event is a single entity state change delivered by the ingestion collaborator.
// Events are immutable once received.
type Event struct {
	EntityID  string    `json:"entity_id"`
	AreaID    string    `json:"area_id"`
	StateFrom string    `json:"state_from"`
	StateTo   string    `json:"state_to"`
	Timestamp time.Time `json:"timestamp"`
}

// Domain returns the entity domain ("light" for "light.kitchen_ceiling").
func (e Event) Domain() string {
	return EntityDomain(e.EntityID)
}

// EntityDomain extracts the domain prefix of an entity id.
func EntityDomain(entityID string) string {
	idx := strings.Index(entityID, ".")
	if idx <= 0 {
		return ""
	}
	return entityID[:idx]
}
