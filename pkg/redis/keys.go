package redis

import "fmt"

// Key construction helpers for the synergy agent's Redis schema

// StateChangeEventsKey is the sorted set the ingestion collaborator appends
// state change events to, scored by unix milliseconds.
const StateChangeEventsKey = "events:state_change"

// LatestWeightsKey holds the JSON of the most recently published weight vector.
const LatestWeightsKey = "synergy:weights:latest"

// ContextCacheKey returns the key mirroring a cached context provider result
// Pattern: synergy:context:{context_type}:{params_hash}
func ContextCacheKey(contextType, paramsHash string) string {
	return fmt.Sprintf("synergy:context:%s:%s", contextType, paramsHash)
}
