// Package weights publishes versioned, immutable scoring weight vectors.
package weights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

// Store persists weight vectors.
type Store interface {
	SaveWeightVector(ctx context.Context, wv *types.WeightVector) error
	LatestWeightVector(ctx context.Context) (*types.WeightVector, error)
}

// Registry holds the latest published vector. Readers get an immutable
// snapshot; Publish never mutates a vector a reader may hold.
type Registry struct {
	latest atomic.Pointer[types.WeightVector]

	publishMu   sync.Mutex
	store       Store
	redis       redis.Client // optional
	mqtt        mqtt.Client  // optional
	subscribers []chan *types.WeightVector
	subMu       sync.Mutex
	logger      *slog.Logger
}

// NewRegistry creates a registry; redisClient and mqttClient may be nil.
func NewRegistry(store Store, redisClient redis.Client, mqttClient mqtt.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		redis:  redisClient,
		mqtt:   mqttClient,
		logger: logger.With("component", "weight_registry"),
	}
}

// Load restores the latest persisted vector, publishing version 1 with the
// defaults when none exists.
func (r *Registry) Load(ctx context.Context) (*types.WeightVector, error) {
	wv, err := r.store.LatestWeightVector(ctx)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("failed to load weight vector: %w", err)
	}
	if wv != nil {
		r.latest.Store(wv)
		r.logger.Info("Loaded weight vector", "version", wv.Version)
		return wv, nil
	}
	return r.Publish(ctx, types.DefaultWeights(), "initial defaults")
}

// Latest returns the current vector, nil before Load or the first Publish.
func (r *Registry) Latest() *types.WeightVector {
	return r.latest.Load()
}

// Publish normalizes weights into a new version, persists and announces it.
// A persistence failure aborts the publish; announcement failures are logged.
func (r *Registry) Publish(ctx context.Context, weights map[string]float64, reason string) (*types.WeightVector, error) {
	normalized, err := types.NormalizeWeights(weights)
	if err != nil {
		return nil, fmt.Errorf("failed to publish weights: %w", err)
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	version := 1
	if cur := r.latest.Load(); cur != nil {
		version = cur.Version + 1
	}

	wv := &types.WeightVector{
		Version:   version,
		Weights:   normalized,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}

	if err := r.store.SaveWeightVector(ctx, wv); err != nil {
		return nil, fmt.Errorf("failed to persist weight vector v%d: %w", version, err)
	}
	r.latest.Store(wv)

	r.announce(ctx, wv)

	r.logger.Info("Published weight vector", "version", wv.Version, "reason", reason)
	return wv, nil
}

// Subscribe returns a channel receiving each newly published vector. Slow
// subscribers miss intermediate versions rather than block publishing.
func (r *Registry) Subscribe(buffer int) <-chan *types.WeightVector {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *types.WeightVector, buffer)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) announce(ctx context.Context, wv *types.WeightVector) {
	if r.redis != nil {
		if data, err := json.Marshal(wv); err == nil {
			if err := r.redis.Set(ctx, redis.LatestWeightsKey, data, 0); err != nil {
				r.logger.Warn("Failed to cache weight vector in Redis", "version", wv.Version, "error", err)
			}
		}
	}

	if r.mqtt != nil && r.mqtt.IsConnected() {
		if err := r.mqtt.PublishJSON(mqtt.TopicWeights, true, wv); err != nil {
			r.logger.Warn("Failed to announce weight vector", "version", wv.Version, "error", err)
		}
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- wv:
		default:
			r.logger.Debug("Weight subscriber full, dropping version", "version", wv.Version)
		}
	}
}
