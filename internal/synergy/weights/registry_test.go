package weights

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

type memStore struct {
	mu      sync.Mutex
	vectors []*types.WeightVector
	fail    bool
}

func (m *memStore) SaveWeightVector(_ context.Context, wv *types.WeightVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.vectors = append(m.vectors, wv)
	return nil
}

func (m *memStore) LatestWeightVector(context.Context) (*types.WeightVector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.vectors) == 0 {
		return nil, types.ErrNotFound
	}
	return m.vectors[len(m.vectors)-1], nil
}

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	switch v := value.(type) {
	case []byte:
		f.keys[key] = string(v)
	case string:
		f.keys[key] = v
	}
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeRedis) ZRangeByScoreWithScores(context.Context, string, float64, float64) ([]redis.ZMember, error) {
	return nil, nil
}

func (f *fakeRedis) Ping(context.Context) error { return nil }
func (f *fakeRedis) Close() error               { return nil }

type fakeMQTT struct {
	mu        sync.Mutex
	published map[string]int
}

func (f *fakeMQTT) Connect(context.Context) error                        { return nil }
func (f *fakeMQTT) Disconnect()                                          {}
func (f *fakeMQTT) Subscribe(string, byte, mqtt.MessageHandler) error    { return nil }
func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, _ []byte) error { return f.record(topic) }
func (f *fakeMQTT) PublishJSON(topic string, _ bool, _ interface{}) error {
	return f.record(topic)
}
func (f *fakeMQTT) IsConnected() bool { return true }

func (f *fakeMQTT) record(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string]int)
	}
	f.published[topic]++
	return nil
}

func TestLoadPublishesDefaults(t *testing.T) {
	r := NewRegistry(&memStore{}, nil, nil, nil)

	wv, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, wv.Version)
	assert.Same(t, wv, r.Latest())

	var sum float64
	for _, w := range wv.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLoadRestoresPersisted(t *testing.T) {
	store := &memStore{vectors: []*types.WeightVector{{Version: 7, Weights: types.DefaultWeights()}}}
	r := NewRegistry(store, nil, nil, nil)

	wv, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, wv.Version)
	assert.Len(t, store.vectors, 1, "restoring must not publish a new version")
}

func TestPublishCreatesNewImmutableVersion(t *testing.T) {
	rc := &fakeRedis{}
	mc := &fakeMQTT{}
	r := NewRegistry(&memStore{}, rc, mc, nil)

	v1, err := r.Load(context.Background())
	require.NoError(t, err)
	before := v1.CopyWeights()

	changed := v1.CopyWeights()
	changed[types.FactorPatternStrength] += 0.1
	v2, err := r.Publish(context.Background(), changed, "calibration")
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, before, v1.Weights, "published vector must not change")
	assert.Same(t, v2, r.Latest())

	var sum float64
	for _, w := range v2.Weights {
		sum += w
	}
	assert.True(t, math.Abs(sum-1) < 1e-9)

	raw, err := rc.Get(context.Background(), redis.LatestWeightsKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"version":2`)
	assert.Equal(t, 2, mc.published[mqtt.TopicWeights])
}

func TestPublishFailureKeepsLatest(t *testing.T) {
	store := &memStore{}
	r := NewRegistry(store, nil, nil, nil)
	v1, err := r.Load(context.Background())
	require.NoError(t, err)

	store.fail = true
	_, err = r.Publish(context.Background(), types.DefaultWeights(), "doomed")
	require.Error(t, err)
	assert.Same(t, v1, r.Latest())
}

func TestPublishRejectsInvalidWeights(t *testing.T) {
	r := NewRegistry(&memStore{}, nil, nil, nil)
	_, err := r.Publish(context.Background(), map[string]float64{"a": -1}, "bad")
	assert.Error(t, err)
	_, err = r.Publish(context.Background(), map[string]float64{}, "empty")
	assert.Error(t, err)
}

func TestSubscribersReceiveVersions(t *testing.T) {
	r := NewRegistry(&memStore{}, nil, nil, nil)
	ch := r.Subscribe(4)

	_, err := r.Load(context.Background())
	require.NoError(t, err)
	_, err = r.Publish(context.Background(), types.DefaultWeights(), "again")
	require.NoError(t, err)

	assert.Equal(t, 1, (<-ch).Version)
	assert.Equal(t, 2, (<-ch).Version)
}

func TestConcurrentPublishAssignsUniqueVersions(t *testing.T) {
	store := &memStore{}
	r := NewRegistry(store, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Publish(context.Background(), types.DefaultWeights(), "race")
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, wv := range store.vectors {
		assert.False(t, seen[wv.Version], "duplicate version %d", wv.Version)
		seen[wv.Version] = true
	}
	assert.Equal(t, 20, r.Latest().Version)
}
