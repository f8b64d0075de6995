package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seeded() *Store {
	s := NewStore()
	s.RecordCorrect("user_api", "user_form", FieldMapping{
		SourceField: "firstName",
		TargetField: "first_name",
		Aliases:     []string{"fname"},
		Confidence:  95,
		UsageCount:  10,
		SuccessRate: 100,
		Examples: []Example{
			{Input: "a", Output: "a"},
			{Input: "b", Output: "b"},
			{Input: "c", Output: "c"},
			{Input: "d", Output: "d"},
		},
	}, t0)
	return s
}

func TestGuidance_ExactMatch(t *testing.T) {
	s := seeded()

	g := s.Guidance("user_api", "user_form", "firstName")
	assert.Equal(t, "first_name", g.SuggestedMapping)
	assert.Equal(t, 95.0, g.Confidence)
	assert.Contains(t, g.Reasoning, "10")
	require.Len(t, g.Examples, 3)
	assert.Equal(t, "d", g.Examples[0].Input)

	g = s.Guidance("user_api", "user_form", "FNAME")
	assert.Equal(t, "first_name", g.SuggestedMapping)
	assert.Equal(t, 95.0, g.Confidence)
}

func TestGuidance_ExactMatchPicksStrongestMapping(t *testing.T) {
	tests := []struct {
		name     string
		mappings []FieldMapping
		want     string
	}{
		{
			name: "higher confidence wins over insertion order",
			mappings: []FieldMapping{
				{SourceField: "email", TargetField: "contact_email", Confidence: 40, UsageCount: 1},
				{SourceField: "email", TargetField: "email_address", Confidence: 90, UsageCount: 1},
			},
			want: "email_address",
		},
		{
			name: "usage breaks a confidence tie",
			mappings: []FieldMapping{
				{SourceField: "email", TargetField: "contact_email", Confidence: 80, UsageCount: 2},
				{SourceField: "email", TargetField: "email_address", Confidence: 80, UsageCount: 9},
			},
			want: "email_address",
		},
		{
			name: "alias match competes with source match",
			mappings: []FieldMapping{
				{SourceField: "email", TargetField: "contact_email", Confidence: 60},
				{SourceField: "mail", TargetField: "email_address", Aliases: []string{"email"}, Confidence: 85},
			},
			want: "email_address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			for _, fm := range tt.mappings {
				s.RecordCorrect("crm", "mailer", fm, t0)
			}

			g := s.Guidance("crm", "mailer", "email")
			assert.Equal(t, tt.want, g.SuggestedMapping)
			require.Len(t, g.Alternatives, 1)
			assert.Equal(t, "contact_email", g.Alternatives[0].TargetField)
			assert.Less(t, g.Alternatives[0].Confidence, g.Confidence+1e-9)
		})
	}
}

func TestGuidance_UnknownPair(t *testing.T) {
	g := NewStore().Guidance("a", "b", "x")
	assert.Equal(t, 0.0, g.Confidence)
	assert.Equal(t, "no mapping history found", g.Reasoning)
	assert.Empty(t, g.SuggestedMapping)
}

func TestGuidance_SimilarityNeverExceedsRecordedConfidence(t *testing.T) {
	s := seeded()
	s.RecordCorrect("user_api", "user_form", FieldMapping{
		SourceField: "lastName", TargetField: "last_name", Confidence: 70, UsageCount: 2, SuccessRate: 50,
	}, t0)

	for _, field := range []string{"first_name", "firstNames", "FirstName", "first-name", "frstName", "lastNames"} {
		t.Run(field, func(t *testing.T) {
			g := s.Guidance("user_api", "user_form", field)
			mem, ok := s.Get("user_api", "user_form")
			require.True(t, ok)
			for _, fm := range mem.CorrectMappings {
				if fm.TargetField == g.SuggestedMapping {
					assert.LessOrEqual(t, g.Confidence, fm.Confidence)
				}
			}
			for _, alt := range g.Alternatives {
				assert.LessOrEqual(t, alt.Confidence, 95.0)
			}
		})
	}
}

func TestGuidance_Prediction(t *testing.T) {
	s := seeded()

	g := s.Guidance("user_api", "user_form", "first_names")
	assert.Equal(t, "first_name", g.SuggestedMapping)
	assert.InDelta(t, 95.0, g.Confidence, 1e-9)
	assert.Contains(t, g.Reasoning, "firstName")

	g = s.Guidance("user_api", "user_form", "zipCode")
	assert.Empty(t, g.SuggestedMapping)
	assert.Equal(t, 0.0, g.Confidence)
}

func TestGuidance_Warnings(t *testing.T) {
	s := seeded()
	s.RecordIncorrect("user_api", "user_form", IncorrectMapping{
		SourceField: "firstName", AttemptedTarget: "firstname", Reason: "column does not exist",
	}, t0.Add(time.Minute))

	g := s.Guidance("user_api", "user_form", "firstName")
	require.Len(t, g.Warnings, 1)
	assert.Contains(t, g.Warnings[0], "firstname")
	assert.Contains(t, g.Warnings[0], "column does not exist")
}

func TestRecordIncorrect_MergesFrequency(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		s.RecordIncorrect("a", "b", IncorrectMapping{SourceField: "f", AttemptedTarget: "g"}, t0.Add(time.Duration(i)*time.Hour))
	}

	mem, ok := s.Get("a", "b")
	require.True(t, ok)
	require.Len(t, mem.IncorrectMappings, 1)
	assert.Equal(t, 3, mem.IncorrectMappings[0].Frequency)
	assert.Equal(t, t0.Add(2*time.Hour), mem.IncorrectMappings[0].LastAttempted)
	assert.Equal(t, t0, mem.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Hour), mem.LastUpdated)
	assert.Equal(t, 0.0, mem.SuccessRate)
	assert.True(t, s.Dirty())
}

func TestStore_LastUpdatedNeverMovesBack(t *testing.T) {
	s := NewStore()
	s.RecordIncorrect("a", "b", IncorrectMapping{SourceField: "f", AttemptedTarget: "g"}, t0.Add(time.Hour))
	s.RecordIncorrect("a", "b", IncorrectMapping{SourceField: "f", AttemptedTarget: "h"}, t0)

	mem, _ := s.Get("a", "b")
	assert.Equal(t, t0.Add(time.Hour), mem.LastUpdated)
}

func TestRecordCorrect_Merge(t *testing.T) {
	s := seeded()
	s.RecordCorrect("user_api", "user_form", FieldMapping{
		SourceField: "firstName", TargetField: "first_name", Aliases: []string{"given_name"},
		UsageCount: 10, SuccessRate: 50, Confidence: 60,
		Examples: make([]Example, 12),
	}, t0)

	mem, _ := s.Get("user_api", "user_form")
	require.Len(t, mem.CorrectMappings, 1)
	fm := mem.CorrectMappings[0]
	assert.Equal(t, 20, fm.UsageCount)
	assert.Equal(t, 75.0, fm.SuccessRate)
	assert.Equal(t, 95.0, fm.Confidence)
	assert.ElementsMatch(t, []string{"fname", "given_name"}, fm.Aliases)
	assert.Len(t, fm.Examples, MaxExamples)
}

func TestStore_SuccessRate(t *testing.T) {
	s := seeded()
	s.RecordIncorrect("user_api", "user_form", IncorrectMapping{SourceField: "firstName", AttemptedTarget: "x"}, t0)

	mem, _ := s.Get("user_api", "user_form")
	assert.InDelta(t, 100.0*10/11, mem.SuccessRate, 1e-9)
	assert.InDelta(t, 100.0*10/11, s.AverageSuccessRate(), 1e-9)
	assert.Equal(t, 100.0, NewStore().AverageSuccessRate())
}

func TestStore_ReadersGetCopies(t *testing.T) {
	s := seeded()
	mem, _ := s.Get("user_api", "user_form")
	mem.CorrectMappings[0].Aliases[0] = "mutated"

	again, _ := s.Get("user_api", "user_form")
	assert.Equal(t, "fname", again.CorrectMappings[0].Aliases[0])
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := seeded()
	snap := s.Snapshot()

	other := NewStore()
	other.Restore(snap)
	assert.False(t, other.Dirty())
	assert.Equal(t, 1, other.Len())
	assert.Equal(t, "first_name", other.Guidance("user_api", "user_form", "firstName").SuggestedMapping)
}

func TestPredict(t *testing.T) {
	s := seeded()
	s.RecordIncorrect("user_api", "user_form", IncorrectMapping{
		SourceField: "firstName", AttemptedTarget: "firstname", Reason: "unknown column",
	}, t0)

	issues := s.Predict("user_api", "user_form", map[string]string{
		"firstName": "firstname",
		"fname":     "first_name",
	})
	require.Len(t, issues, 1)
	assert.Equal(t, "firstName", issues[0].SourceField)
	assert.Equal(t, "first_name", issues[0].SuggestedTarget)
	assert.True(t, issues[0].Blocking)

	issues = s.Predict("user_api", "user_form", map[string]string{"firstName": "given"})
	require.Len(t, issues, 1)
	assert.False(t, issues[0].Blocking)
	assert.Equal(t, "first_name", issues[0].SuggestedTarget)

	assert.Empty(t, s.Predict("user_api", "user_form", nil))
	assert.Empty(t, s.Predict("other", "pair", map[string]string{"a": "b"}))
}
