package mistake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPattern(t *testing.T) {
	mctx := &Context{Operation: "map_user_api", BusinessContext: BusinessContext{Domain: "users"}}
	details := &ErrorDetails{ErrorType: "mapping_error", Symptoms: []string{"undefined firstName"}}

	p := ExtractPattern(mctx, details)

	assert.Equal(t, "mapping_error in map_user_api", p.Pattern)
	require.Len(t, p.Conditions, 1)
	assert.Equal(t, PatternCondition{Field: "operation", Operator: "equals", Value: "map_user_api", Weight: 1}, p.Conditions[0])
	assert.Equal(t, []string{"undefined firstName"}, p.WarningSignals)
	assert.Equal(t, []string{"users"}, p.ApplicableDomains)
	assert.Equal(t, 85.0, p.Confidence)
	assert.Equal(t, 1, p.EvidenceCount)
	assert.Equal(t, 1.0, p.SuccessRate())

	details.Symptoms[0] = "changed"
	assert.Equal(t, "undefined firstName", p.WarningSignals[0])
}

func TestRecalculateConfidence(t *testing.T) {
	tests := []struct {
		name        string
		old         float64
		successRate float64
		evidence    int
		want        float64
	}{
		{"bonus grows with evidence", 50, 1, 3, 56},
		{"bonus capped at 20", 50, 1, 40, 70},
		{"result capped at 100", 95, 1, 10, 100},
		{"zero success rate keeps only bonus", 80, 0, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RecalculateConfidence(tt.old, tt.successRate, tt.evidence), 1e-9)
		})
	}
}

func TestLearningPattern_ValidationIsSticky(t *testing.T) {
	p := LearningPattern{Confidence: 85}
	for i := 0; i < 10; i++ {
		p.AddEvidence(true)
	}
	p.Recalculate()
	require.True(t, p.Validated)

	for i := 0; i < 30; i++ {
		p.AddEvidence(false)
	}
	p.Recalculate()
	assert.True(t, p.Validated)
	assert.GreaterOrEqual(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 100.0)
}

func TestMeetsValidation(t *testing.T) {
	assert.True(t, MeetsValidation(10, 0.7, 80))
	assert.False(t, MeetsValidation(9, 1, 100))
	assert.False(t, MeetsValidation(10, 0.69, 100))
	assert.False(t, MeetsValidation(10, 1, 79.9))
}

func TestRecord_Clone(t *testing.T) {
	r := &Record{
		Context: Context{
			Operation: "op",
			InputData: map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"a"}},
		},
		ErrorDetails:    ErrorDetails{Symptoms: []string{"s"}},
		CorrectSolution: &CorrectSolution{Approach: "fix", KeyInsights: []string{"i"}},
	}

	c := r.Clone()
	c.Context.InputData["nested"].(map[string]any)["k"] = "changed"
	c.Context.InputData["list"].([]any)[0] = "b"
	c.ErrorDetails.Symptoms[0] = "x"
	c.CorrectSolution.KeyInsights[0] = "y"

	assert.Equal(t, "v", r.Context.InputData["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", r.Context.InputData["list"].([]any)[0])
	assert.Equal(t, "s", r.ErrorDetails.Symptoms[0])
	assert.Equal(t, "i", r.CorrectSolution.KeyInsights[0])
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestRecord_Key(t *testing.T) {
	r := &Record{Type: TypeMapping, Context: Context{Operation: "op"}, ErrorDetails: ErrorDetails{ErrorType: "e"}}
	assert.Equal(t, DedupKey{Type: TypeMapping, Operation: "op", ErrorType: "e"}, r.Key())
	assert.False(t, r.HasVerifiedSolution())
}
