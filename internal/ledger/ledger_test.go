package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newRecord(id, project, operation string, category mistake.Category, at time.Time) *mistake.Record {
	mctx := &mistake.Context{ProjectID: project, Operation: operation}
	details := &mistake.ErrorDetails{ErrorType: "mapping_error", Symptoms: []string{"s"}, Severity: mistake.SeverityMedium}
	return &mistake.Record{
		ID:           id,
		Timestamp:    at,
		Type:         mistake.TypeMapping,
		Category:     category,
		Context:      *mctx,
		ErrorDetails: *details,
		Impact:       mistake.AssessImpact(details.Severity),
		Pattern:      mistake.ExtractPattern(mctx, details),
		Confidence:   85,
	}
}

func TestLedger_UpsertDedup(t *testing.T) {
	l := New()

	first, merged := l.Upsert(newRecord("a", "p", "map_user_api", mistake.CategoryAPIIntegration, t0))
	require.False(t, merged)
	assert.Equal(t, 1, first.RecurrenceCount)
	assert.Equal(t, t0, first.LastOccurred)

	second, merged := l.Upsert(newRecord("b", "p", "map_user_api", mistake.CategoryAPIIntegration, t0.Add(time.Hour)))
	require.True(t, merged)
	assert.Equal(t, "a", second.ID)
	assert.Equal(t, 2, second.RecurrenceCount)
	assert.Equal(t, 2.0, second.Impact.DevelopmentTime)
	assert.Equal(t, t0.Add(time.Hour), second.LastOccurred)
	assert.Equal(t, t0, second.Timestamp)
	assert.Equal(t, 2, second.Pattern.EvidenceCount)

	assert.Equal(t, 1, l.Len())
	_, ok := l.Get("b")
	assert.False(t, ok)
}

func TestLedger_KeysWithSeparatorsDoNotCollide(t *testing.T) {
	l := New()

	a := newRecord("a", "p", "a|b", mistake.CategoryAPIIntegration, t0)
	a.ErrorDetails.ErrorType = "c"
	b := newRecord("b", "p", "a", mistake.CategoryAPIIntegration, t0)
	b.ErrorDetails.ErrorType = "b|c"

	_, merged := l.Upsert(a)
	require.False(t, merged)
	_, merged = l.Upsert(b)
	require.False(t, merged, "distinct keys must not merge")
	assert.Equal(t, 2, l.Len())

	got, ok := l.FindByKey(b.Key())
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	// Both keys can be held at once.
	unlockA := l.LockKey(a.Key())
	unlockB := l.LockKey(b.Key())
	unlockB()
	unlockA()

	restored := New()
	restored.Restore(l.Snapshot())
	got, ok = restored.FindByKey(a.Key())
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
}

func TestLedger_ConcurrentSameKey(t *testing.T) {
	l := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecord(fmt.Sprintf("id-%d", i), "p", "op", mistake.CategoryCodeGeneration, t0)
			unlock := l.LockKey(rec.Key())
			defer unlock()
			l.Upsert(rec)
		}(i)
	}
	wg.Wait()

	all := l.All()
	require.Len(t, all, 1)
	assert.Equal(t, n, all[0].RecurrenceCount)
}

func TestLedger_History(t *testing.T) {
	l := New()
	l.Upsert(newRecord("old", "p1", "op1", mistake.CategoryAPIIntegration, t0))
	l.Upsert(newRecord("new", "p1", "op2", mistake.CategoryFieldMapping, t0.Add(2*time.Hour)))
	l.Upsert(newRecord("other", "p2", "op3", mistake.CategoryAPIIntegration, t0.Add(time.Hour)))

	ids := func(rs []*mistake.Record) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"new", "other", "old"}, ids(l.All()))
	assert.Equal(t, []string{"new", "old"}, ids(l.History(Filter{ProjectID: "p1"})))
	assert.Equal(t, []string{"other", "old"}, ids(l.History(Filter{Category: mistake.CategoryAPIIntegration})))
	assert.Equal(t, []string{"old"}, ids(l.History(Filter{ProjectID: "p1", Category: mistake.CategoryAPIIntegration})))
	assert.Empty(t, l.History(Filter{ProjectID: "none"}))
}

func TestLedger_ReadersGetCopies(t *testing.T) {
	l := New()
	l.Upsert(newRecord("a", "p", "op", mistake.CategoryCodeGeneration, t0))

	r, ok := l.Get("a")
	require.True(t, ok)
	r.RecurrenceCount = 99
	r.Pattern.WarningSignals[0] = "mutated"

	again, _ := l.Get("a")
	assert.Equal(t, 1, again.RecurrenceCount)
	assert.Equal(t, "s", again.Pattern.WarningSignals[0])
}

func TestLedger_Update(t *testing.T) {
	l := New()
	l.Upsert(newRecord("a", "p", "op", mistake.CategoryCodeGeneration, t0))
	l.MarkClean()

	r, err := l.Update("a", func(r *mistake.Record) { r.Confidence = 250 })
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.Confidence)
	assert.True(t, l.Dirty())

	_, err = l.Update("missing", func(*mistake.Record) {})
	assert.ErrorIs(t, err, ErrMistakeNotFound)
}

func TestLedger_StatsAndRelated(t *testing.T) {
	l := New()
	l.Upsert(newRecord("a", "p", "op", mistake.CategoryCodeGeneration, t0))
	l.Upsert(newRecord("b", "p", "op", mistake.CategoryCodeGeneration, t0))
	l.Upsert(newRecord("c", "p", "op", mistake.CategoryCodeGeneration, t0))
	l.Upsert(newRecord("d", "p", "other", mistake.CategoryCodeGeneration, t0))

	assert.Equal(t, Stats{Total: 4, Recurring: 1, Repeats: 2}, l.Stats())
	assert.Equal(t, []string{"a"}, l.RelatedIDs("op"))

	_, ok := l.FindByKey(mistake.DedupKey{Type: mistake.TypeMapping, Operation: "other", ErrorType: "mapping_error"})
	assert.True(t, ok)
}

func TestLedger_SnapshotRestore(t *testing.T) {
	l := New()
	l.Upsert(newRecord("a", "p", "op", mistake.CategoryCodeGeneration, t0))
	l.Upsert(newRecord("b", "p", "op2", mistake.CategoryCodeGeneration, t0))

	other := New()
	other.Restore(l.Snapshot())
	assert.Equal(t, 2, other.Len())
	assert.False(t, other.Dirty())

	_, merged := other.Upsert(newRecord("c", "p", "op", mistake.CategoryCodeGeneration, t0.Add(time.Minute)))
	assert.True(t, merged)
}
