package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/events"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(stepClock())}, opts...)
	e := New(nil, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mappingContext() *mistake.Context {
	return &mistake.Context{
		ProjectID: "proj-1",
		Component: "user_api",
		Operation: "map_user_api",
		InputData: map[string]any{
			"sourceSchema": "user_api",
			"targetSchema": "user_form",
			"sourceField":  "firstName",
			"targetField":  "fname",
		},
		ExpectedOutput:  map[string]any{"targetField": "first_name"},
		BusinessContext: mistake.BusinessContext{Domain: "users"},
	}
}

func mappingDetails() *mistake.ErrorDetails {
	return &mistake.ErrorDetails{
		OriginalError: "unknown key fname",
		ErrorType:     "mapping_mismatch",
		Symptoms:      []string{"form input stays empty"},
		Severity:      mistake.SeverityMedium,
	}
}

func TestRecordMistake_NilInputs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordMistake(ctx, nil, mappingDetails(), nil)
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = e.RecordMistake(ctx, mappingContext(), nil, nil)
	assert.ErrorIs(t, err, ErrNilErrorDetails)
}

func TestRecordMistake_Closed(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	_, err := e.RecordMistake(context.Background(), mappingContext(), mappingDetails(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecordMistake_DedupScenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id1, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), &mistake.AttemptedSolution{Approach: "map to fname"})
	require.NoError(t, err)
	id2, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	history := e.GetMistakeHistory(ctx, "", "")
	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, mistake.TypeMapping, rec.Type)
	assert.Equal(t, mistake.CategoryAPIIntegration, rec.Category)
	assert.Equal(t, 2, rec.RecurrenceCount)
	assert.Equal(t, 85.0, rec.Confidence)
	assert.False(t, rec.Verified)
	assert.InDelta(t, 2.0, rec.Impact.DevelopmentTime, 1e-9)
	assert.True(t, rec.LastOccurred.After(rec.Timestamp))
	assert.Equal(t, 2, rec.Pattern.EvidenceCount)
	assert.Equal(t, "mapping_mismatch in map_user_api", rec.Pattern.Pattern)

	rule, ok := e.Rule("prevent_mapping_error_map_user_api_mapping_mismatch")
	require.True(t, ok)
	assert.Equal(t, 55, rule.Priority)
	assert.Equal(t, 85.0, rule.SuccessRate)
	assert.Equal(t, rules.ActionWarn, rule.Action.Type)
	assert.Equal(t, id1, rule.OriginMistakeID)

	mem, ok := e.mappings.Get("user_api", "user_form")
	require.True(t, ok)
	require.Len(t, mem.IncorrectMappings, 1)
	im := mem.IncorrectMappings[0]
	assert.Equal(t, "firstName", im.SourceField)
	assert.Equal(t, "fname", im.AttemptedTarget)
	assert.Equal(t, 2, im.Frequency)
	assert.Equal(t, "unknown key fname (expected first_name)", im.Reason)
}

func TestRecordMistake_DistinctErrorTypesDoNotMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	other := mappingDetails()
	other.ErrorType = "mapping_type_mismatch"
	_, err = e.RecordMistake(ctx, mappingContext(), other, nil)
	require.NoError(t, err)

	assert.Len(t, e.GetMistakeHistory(ctx, "", ""), 2)
	assert.Len(t, e.GetPreventionRules(ctx), 2)
}

func TestRecordMistake_StoresCopyOfContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mctx := mappingContext()
	id, err := e.RecordMistake(ctx, mctx, mappingDetails(), nil)
	require.NoError(t, err)

	mctx.InputData["sourceField"] = "mutated"
	mctx.Operation = "mutated"

	rec, err := e.GetMistake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "firstName", rec.Context.InputData["sourceField"])
	assert.Equal(t, "map_user_api", rec.Context.Operation)
}

func TestRecordMistake_CriticalImpact(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	details := &mistake.ErrorDetails{
		OriginalError: "null pointer in checkout",
		ErrorType:     "nil_dereference",
		Severity:      mistake.SeverityCritical,
	}
	id, err := e.RecordMistake(ctx, &mistake.Context{Operation: "checkout_flow"}, details, nil)
	require.NoError(t, err)

	rec, err := e.GetMistake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mistake.TypeLogic, rec.Type)
	assert.InDelta(t, 4.0, rec.Impact.DevelopmentTime, 1e-9)
	assert.InDelta(t, 400.0, rec.Impact.BusinessCost, 1e-9)

	rule, ok := e.Rule(rules.CandidateID(rec.Key()))
	require.True(t, ok)
	assert.Equal(t, rules.ActionRequestConfirmation, rule.Action.Type)
	assert.Equal(t, 90, rule.Priority)
}

func TestRecordMistake_StructureMemory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mctx := &mistake.Context{
		Component: "Button",
		Operation: "create_component",
		InputData: map[string]any{"structureType": "react_component", "attemptedStructure": "class component"},
	}
	details := &mistake.ErrorDetails{
		OriginalError: "invalid structure",
		ErrorType:     "structure_violation",
		Symptoms:      []string{"hooks unavailable"},
		Severity:      mistake.SeverityHigh,
	}
	_, err := e.RecordMistake(ctx, mctx, details, nil)
	require.NoError(t, err)

	g := e.GetStructureGuidance(ctx, "react_component", "default")
	assert.Nil(t, g.SuggestedStructure)
	assert.Equal(t, []string{"hooks unavailable"}, g.Warnings)
	assert.Equal(t, 0.0, g.Confidence)
}

func TestRecordMistake_ConcurrentSameKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history := e.GetMistakeHistory(ctx, "", "")
	require.Len(t, history, 1)
	assert.Equal(t, n, history[0].RecurrenceCount)

	rule, ok := e.Rule(rules.CandidateID(history[0].Key()))
	require.True(t, ok)
	assert.Equal(t, n, rule.EvidenceCount)
}

func TestRecordMistake_PublishesEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var got []events.Event
	unsubscribe := e.Subscribe(func(_ context.Context, ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	defer unsubscribe()

	_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	_, err = e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, events.KindMistakeRecorded, got[0].Kind)
	assert.False(t, got[0].Recurred)
	assert.True(t, got[0].RuleCreated)
	assert.True(t, got[1].Recurred)
	assert.False(t, got[1].RuleCreated)
	assert.Equal(t, 2, got[1].RecurrenceCount)
	assert.Equal(t, "proj-1", got[1].ProjectID)
}

func TestGetMistakeHistory_Filters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	dbCtx := &mistake.Context{ProjectID: "proj-2", Operation: "database_migration"}
	_, err = e.RecordMistake(ctx, dbCtx, &mistake.ErrorDetails{ErrorType: "lock_timeout"}, nil)
	require.NoError(t, err)

	all := e.GetMistakeHistory(ctx, "", "")
	require.Len(t, all, 2)
	assert.Equal(t, "database_migration", all[0].Context.Operation, "newest first")

	assert.Len(t, e.GetMistakeHistory(ctx, "proj-2", ""), 1)
	assert.Len(t, e.GetMistakeHistory(ctx, "", mistake.CategoryDatabaseSchema), 1)
	assert.Empty(t, e.GetMistakeHistory(ctx, "proj-1", mistake.CategoryDatabaseSchema))
}

func TestVerifySolution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)

	_, err = e.VerifySolution(ctx, id, nil)
	assert.ErrorIs(t, err, ErrNilSolution)
	_, err = e.VerifySolution(ctx, "missing", &mistake.CorrectSolution{Approach: "x"})
	assert.ErrorIs(t, err, ErrMistakeNotFound)

	rec, err := e.VerifySolution(ctx, id, &mistake.CorrectSolution{
		Approach:          "map firstName to first_name",
		VerificationSteps: []string{"submit form"},
	})
	require.NoError(t, err)
	assert.True(t, rec.HasVerifiedSolution())
	assert.False(t, rec.CorrectSolution.VerifiedAt.IsZero())
	assert.Equal(t, 2, rec.Pattern.EvidenceCount)

	rule, ok := e.Rule(rules.CandidateID(rec.Key()))
	require.True(t, ok)
	assert.Equal(t, rules.ActionSuggestAlternative, rule.Action.Type)
	assert.Equal(t, []string{"map firstName to first_name"}, rule.Action.Alternatives)

	g := e.GetFieldMappingGuidance(ctx, "user_api", "user_form", "firstName")
	assert.Equal(t, "first_name", g.SuggestedMapping)
	assert.NotEmpty(t, g.Warnings)
}

func TestRecordRuleOutcome(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordRuleOutcome(ctx, "missing", rules.OutcomeHelpful)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	id, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)
	rec, err := e.GetMistake(ctx, id)
	require.NoError(t, err)
	ruleID := rules.CandidateID(rec.Key())

	_, err = e.RecordRuleOutcome(ctx, ruleID, rules.Outcome("bogus"))
	assert.ErrorIs(t, err, rules.ErrInvalidOutcome)

	r, err := e.RecordRuleOutcome(ctx, ruleID, rules.OutcomeFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, 2, r.EvidenceCount)
	assert.Equal(t, 1, r.FalsePositives)
	assert.InDelta(t, 50.0, r.SuccessRate, 1e-9)
	assert.InDelta(t, 50.0, r.FalsePositiveRate, 1e-9)

	rec, err = e.GetMistake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Pattern.EvidenceCount)
	assert.Equal(t, 1, rec.Pattern.SuccessCount)
}

func TestRecordRuleOutcome_FeedsPatternEvidence(t *testing.T) {
	tests := []struct {
		name          string
		outcome       rules.Outcome
		wantSuccesses int
		wantValidated bool
	}{
		{"false positives", rules.OutcomeFalsePositive, 1, false},
		{"helpful", rules.OutcomeHelpful, 13, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			ctx := context.Background()

			id, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
			require.NoError(t, err)
			rec, err := e.GetMistake(ctx, id)
			require.NoError(t, err)
			ruleID := rules.CandidateID(rec.Key())

			for i := 0; i < 12; i++ {
				_, err := e.RecordRuleOutcome(ctx, ruleID, tt.outcome)
				require.NoError(t, err)
			}

			rec, err = e.GetMistake(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 13, rec.Pattern.EvidenceCount)
			assert.Equal(t, tt.wantSuccesses, rec.Pattern.SuccessCount)

			rec.Pattern.Recalculate()
			assert.Equal(t, tt.wantValidated, rec.Pattern.Validated)
		})
	}
}

func TestGetFieldMappingGuidance_Scenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.RecordCorrectMapping(ctx, "user_api", "user_form", mapping.FieldMapping{
		SourceField: "firstName",
		TargetField: "first_name",
		Confidence:  95,
		UsageCount:  10,
		SuccessRate: 100,
	})
	require.NoError(t, err)

	g := e.GetFieldMappingGuidance(ctx, "user_api", "user_form", "firstName")
	assert.Equal(t, "first_name", g.SuggestedMapping)
	assert.Equal(t, 95.0, g.Confidence)

	missing := e.GetFieldMappingGuidance(ctx, "orders", "invoices", "total")
	assert.Equal(t, 0.0, missing.Confidence)
	assert.Equal(t, "no mapping history found", missing.Reasoning)

	assert.ErrorIs(t, e.RecordCorrectMapping(ctx, "a", "b", mapping.FieldMapping{SourceField: "x"}), ErrInvalidMapping)
}

func TestGetStructureGuidance_Unknown(t *testing.T) {
	e := newTestEngine(t)

	g := e.GetStructureGuidance(context.Background(), "react_component", "default")
	assert.Equal(t, 0.0, g.Confidence)
	assert.Nil(t, g.SuggestedStructure)
	assert.Equal(t, "no structure patterns found", g.Reasoning)
}

func TestGetSuggestedCorrection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	fallback := e.GetSuggestedCorrection(ctx, mappingContext(), "mapping_mismatch")
	assert.Equal(t, 20.0, fallback.Confidence)
	assert.Equal(t, "no similar mistakes found", fallback.Reasoning)

	id, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
	require.NoError(t, err)

	// Unverified records are never suggested.
	assert.Equal(t, 20.0, e.GetSuggestedCorrection(ctx, mappingContext(), "mapping_mismatch").Confidence)

	_, err = e.VerifySolution(ctx, id, &mistake.CorrectSolution{
		Approach:          "use snake_case targets",
		FinalCode:         "form.first_name = api.firstName",
		VerificationSteps: []string{"render form"},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		mctx      *mistake.Context
		errorType string
		found     bool
	}{
		{"same operation", mappingContext(), "mapping_mismatch", true},
		{"error type is case-insensitive", mappingContext(), "MAPPING_MISMATCH", true},
		{"any error type", mappingContext(), "", true},
		{"different error type", mappingContext(), "timeout", false},
		{"same category and domain", &mistake.Context{Operation: "sync_api_orders", BusinessContext: mistake.BusinessContext{Domain: "users"}}, "", true},
		{"category only", &mistake.Context{Operation: "fetch_api_users"}, "", false},
		{"nil context", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := e.GetSuggestedCorrection(ctx, tt.mctx, tt.errorType)
			if !tt.found {
				assert.Equal(t, "no similar mistakes found", s.Reasoning)
				return
			}
			assert.Equal(t, "use snake_case targets", s.Approach)
			assert.Equal(t, "form.first_name = api.firstName", s.Code)
			assert.Equal(t, []string{"render form"}, s.Steps)
			assert.Equal(t, id, s.SourceMistakeID)
			assert.LessOrEqual(t, s.Confidence, 85.0)
		})
	}
}

func TestGetEffectivenessMetrics(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	empty := e.GetEffectivenessMetrics(ctx)
	assert.Equal(t, 100.0, empty.PreventionEffectiveness)
	assert.Equal(t, 100.0, empty.MappingAccuracy)
	assert.Equal(t, 100.0, empty.StructureReliability)
	assert.Zero(t, empty.TotalMistakesRecorded)

	for i := 0; i < 3; i++ {
		_, err := e.RecordMistake(ctx, mappingContext(), mappingDetails(), nil)
		require.NoError(t, err)
	}
	_, err := e.RecordMistake(ctx, &mistake.Context{Operation: "call_api"}, &mistake.ErrorDetails{ErrorType: "network_timeout"}, nil)
	require.NoError(t, err)

	m := e.GetEffectivenessMetrics(ctx)
	assert.Equal(t, 4, m.TotalMistakesRecorded)
	assert.Equal(t, 1, m.RecurringMistakes)
	assert.InDelta(t, 50.0, m.PreventionEffectiveness, 1e-9)
	assert.Equal(t, 2, m.RulesGenerated)
	assert.Equal(t, 2, m.RulesEnabled)
	assert.Equal(t, 0.0, m.MappingAccuracy)
}
