package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/preventd/internal/kvstore"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flakyStore fails every Save while failing is set.
type flakyStore struct {
	*kvstore.MemoryStore
	mu      sync.Mutex
	failing bool
	saves   int
}

func (s *flakyStore) Save(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.saves++
	return s.MemoryStore.Save(ctx, key, value)
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func TestHydrate_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	first := newTestEngine(t, WithStore(store))
	id, err := first.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	require.NoError(t, first.RecordCorrectMapping(ctx, "user_api", "user_form", mapping.FieldMapping{
		SourceField: "firstName", TargetField: "first_name", Confidence: 95, UsageCount: 10,
	}))
	_, err = first.CommitKnowledge(ctx, KnowledgeUpdate{Insights: []mistake.Insight{
		{Type: mistake.InsightAggregatePattern, Subject: "mapping_error|api_integration", Confidence: 70},
	}})
	require.NoError(t, err)
	require.NoError(t, first.Flush(ctx))

	second := newTestEngine(t, WithStore(store))
	require.NoError(t, second.Hydrate(ctx))

	rec, err := second.GetMistake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mistake.TypeMapping, rec.Type)
	assert.Equal(t, "firstName", rec.Context.InputData["sourceField"])
	assert.Len(t, second.GetPreventionRules(ctx), 1)
	assert.Equal(t, "first_name", second.GetFieldMappingGuidance(ctx, "user_api", "user_form", "firstName").SuggestedMapping)
	assert.Len(t, second.Insights(), 1)

	// A recurrence after hydration still merges into the restored record.
	again, err := second.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestHydrate_EmptyStore(t *testing.T) {
	e := newTestEngine(t, WithStore(kvstore.NewMemoryStore()))
	require.NoError(t, e.Hydrate(context.Background()))
	assert.Empty(t, e.Records())
}

func TestHydrate_CorruptValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Save(ctx, KeyRules, []byte("{not json")))

	e := newTestEngine(t, WithStore(store))
	err := e.Hydrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode rules")
}

func TestFlush_FailureKeepsStoresDirty(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	store := &flakyStore{MemoryStore: kvstore.NewMemoryStore(), failing: true}

	e := New(nil, zap.New(core), WithStore(store), WithClock(stepClock()))
	_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err, "persistence failure does not fail the record")

	assert.Equal(t, 1, logs.FilterMessage("failed to persist engine state; will retry on next flush").Len())
	assert.True(t, e.ledger.Dirty())
	assert.True(t, e.rules.Dirty())
	assert.True(t, e.mappings.Dirty())

	store.setFailing(false)
	require.NoError(t, e.Flush(ctx))
	assert.False(t, e.ledger.Dirty())
	assert.False(t, e.rules.Dirty())
	assert.Equal(t, 3, store.saves, "ledger, mapping and rules")

	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 3, store.saves, "clean stores are not rewritten")
}

func TestFlush_NoStore(t *testing.T) {
	e := newTestEngine(t)
	assert.NoError(t, e.Flush(context.Background()))
	assert.NoError(t, e.Hydrate(context.Background()))
}
