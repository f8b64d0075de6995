package mistake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleClassifier_Type(t *testing.T) {
	classifier := NewRuleClassifier()

	tests := []struct {
		name     string
		features Features
		wantType Type
	}{
		{
			name:     "field keyword",
			features: Features{ErrorType: "field_mismatch", Operation: "save"},
			wantType: TypeFieldName,
		},
		{
			name:     "property keyword in message",
			features: Features{OriginalError: "cannot read property 'id' of undefined"},
			wantType: TypeFieldName,
		},
		{
			name:     "mapping keyword",
			features: Features{ErrorType: "mapping_error", Operation: "map_user_api"},
			wantType: TypeMapping,
		},
		{
			name:     "transform keyword",
			features: Features{OriginalError: "transform failed for record"},
			wantType: TypeMapping,
		},
		{
			name:     "syntax keyword",
			features: Features{ErrorType: "SyntaxError"},
			wantType: TypeStructure,
		},
		{
			name:     "timeout keyword",
			features: Features{OriginalError: "request timeout after 30s"},
			wantType: TypePerformance,
		},
		{
			name:     "injection keyword",
			features: Features{Symptoms: []string{"possible sql injection"}},
			wantType: TypeSecurity,
		},
		{
			name:     "network keyword",
			features: Features{OriginalError: "network unreachable"},
			wantType: TypeIntegration,
		},
		{
			name:     "required keyword",
			features: Features{OriginalError: "email is required"},
			wantType: TypeValidation,
		},
		{
			name:     "field wins over mapping",
			features: Features{ErrorType: "mapping_error", OriginalError: "unknown field firstName"},
			wantType: TypeFieldName,
		},
		{
			name:     "no keyword defaults to logic",
			features: Features{ErrorType: "off_by_one", Operation: "compute_total"},
			wantType: TypeLogic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.features)
			require.NotEmpty(t, got)
			assert.Equal(t, tt.wantType, got[0].Type)
			for _, c := range got {
				assert.GreaterOrEqual(t, c.Confidence, 0.0)
				assert.LessOrEqual(t, c.Confidence, 100.0)
			}
		})
	}
}

func TestRuleClassifier_Category(t *testing.T) {
	classifier := NewRuleClassifier()

	tests := []struct {
		operation string
		want      Category
	}{
		{"map_user_api", CategoryAPIIntegration},
		{"migrate_database", CategoryDatabaseSchema},
		{"render_ui", CategoryUIComponents},
		{"create_component", CategoryUIComponents},
		{"field_mapping", CategoryFieldMapping},
		{"generate_handler", CategoryCodeGeneration},
		{"", CategoryCodeGeneration},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			got := classifier.Classify(Features{Operation: tt.operation})
			require.NotEmpty(t, got)
			assert.Equal(t, tt.want, got[0].Category)
		})
	}
}

type emptyClassifier struct{}

func (emptyClassifier) Classify(Features) []Classification { return nil }

func TestPrimary_Fallback(t *testing.T) {
	got := Primary(emptyClassifier{}, Features{Operation: "x"})
	assert.Equal(t, TypeLogic, got.Type)
	assert.Equal(t, CategoryCodeGeneration, got.Category)

	got = Primary(nil, Features{})
	assert.Equal(t, TypeLogic, got.Type)
}

func TestFeaturesOf(t *testing.T) {
	mctx := &Context{Operation: "op", Component: "comp", BusinessContext: BusinessContext{Domain: "billing"}}
	details := &ErrorDetails{ErrorType: "e", OriginalError: "boom", Symptoms: []string{"s"}}

	f := FeaturesOf(mctx, details)
	assert.Equal(t, "op", f.Operation)
	assert.Equal(t, "comp", f.Component)
	assert.Equal(t, "billing", f.Domain)
	assert.Equal(t, "boom", f.OriginalError)
	assert.Equal(t, []string{"s"}, f.Symptoms)

	assert.Equal(t, Features{}, FeaturesOf(nil, nil))
}
