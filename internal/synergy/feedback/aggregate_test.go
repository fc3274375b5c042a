package feedback

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/cache"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// slowStore runs afterList once, after a feedback read returns but before
// the reader can cache what it computed.
type slowStore struct {
	*storage.MemoryStore
	afterList func()
}

func (s *slowStore) ListFeedback(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.FeedbackRecord, error) {
	records, err := s.MemoryStore.ListFeedback(ctx, subjectID, since)
	if s.afterList != nil {
		s.afterList()
		s.afterList = nil
	}
	return records, err
}

func successFor(subject uuid.UUID) types.FeedbackRecord {
	return types.FeedbackRecord{
		ID:        uuid.New(),
		SubjectID: subject,
		Outcome:   types.OutcomeSuccess,
		Timestamp: time.Now(),
	}
}

func TestGetSkipsCachingWhenInvalidatedDuringLoad(t *testing.T) {
	ctx := context.Background()
	subject := uuid.New()
	store := &slowStore{MemoryStore: storage.NewMemoryStore()}
	aggs := newAggregates(t, store)

	store.afterList = func() {
		require.NoError(t, store.AppendFeedback(ctx, successFor(subject)))
		aggs.Invalidate(subject)
	}

	stale, err := aggs.Get(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 0, stale.Samples)

	fresh, err := aggs.Get(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Samples)
}

func TestGetLosesNoUpdateWhenInvalidatedDuringInsert(t *testing.T) {
	ctx := context.Background()
	subject := uuid.New()
	store := storage.NewMemoryStore()

	var aggs *Aggregates
	var once sync.Once
	invalidated := make(chan struct{})
	// The cache reads its clock while inserting, after the epoch check has
	// passed. The invalidation starts there and advances the epoch before
	// the insert completes.
	clock := func() time.Time {
		once.Do(func() {
			before := aggs.epoch.Load()
			go func() {
				defer close(invalidated)
				if err := store.AppendFeedback(ctx, successFor(subject)); err != nil {
					t.Errorf("append feedback: %v", err)
				}
				aggs.Invalidate(subject)
			}()
			for aggs.epoch.Load() == before {
				runtime.Gosched()
			}
		})
		return time.Now()
	}
	c, err := cache.New[Aggregate]("feedback", 16, time.Minute, cache.WithClock[Aggregate](clock))
	require.NoError(t, err)
	aggs = NewAggregates(store, c, 7*24*time.Hour)

	stale, err := aggs.Get(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 0, stale.Samples)
	<-invalidated

	fresh, err := aggs.Get(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Samples, "the stale aggregate must not outlive the invalidation")
}
