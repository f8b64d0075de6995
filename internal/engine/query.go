package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/preventd/internal/ledger"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"go.opentelemetry.io/otel/attribute"
)

// Weights of the record similarity used for correction suggestions.
const (
	categoryWeight  = 0.4
	operationWeight = 0.4
	domainWeight    = 0.2

	fallbackCorrectionConfidence = 20.0
)

// CorrectionSuggestion is the verified fix of the most similar past mistake.
type CorrectionSuggestion struct {
	Approach        string   `json:"approach,omitempty"`
	Steps           []string `json:"steps,omitempty"`
	Code            string   `json:"code,omitempty"`
	KeyInsights     []string `json:"key_insights,omitempty"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	SourceMistakeID string   `json:"source_mistake_id,omitempty"`
	Similarity      float64  `json:"similarity,omitempty"`
}

// GetSuggestedCorrection finds verified solutions of similar mistakes.
// Similarity combines category, operation and business domain; errorType,
// when given, must match case-insensitively.
func (e *Engine) GetSuggestedCorrection(ctx context.Context, mctx *mistake.Context, errorType string) *CorrectionSuggestion {
	_, span := e.tracer.Start(ctx, "engine.suggest_correction")
	defer span.End()

	fallback := &CorrectionSuggestion{
		Confidence: fallbackCorrectionConfidence,
		Reasoning:  "no similar mistakes found",
	}
	if mctx == nil {
		return fallback
	}

	category := mistake.Primary(e.classifier, mistake.FeaturesOf(mctx, &mistake.ErrorDetails{ErrorType: errorType})).Category

	type scored struct {
		rec *mistake.Record
		sim float64
	}
	var candidates []scored
	for _, rec := range e.ledger.All() {
		if !rec.HasVerifiedSolution() {
			continue
		}
		if errorType != "" && !strings.EqualFold(rec.ErrorDetails.ErrorType, errorType) {
			continue
		}
		if sim := recordSimilarity(rec, mctx, category); sim >= e.config.SimilarityThreshold {
			candidates = append(candidates, scored{rec: rec, sim: sim})
		}
	}
	span.SetAttributes(attribute.Int("correction.candidates", len(candidates)))
	if len(candidates) == 0 {
		return fallback
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rec.Confidence != candidates[j].rec.Confidence {
			return candidates[i].rec.Confidence > candidates[j].rec.Confidence
		}
		return candidates[i].sim > candidates[j].sim
	})

	best := candidates[0]
	sol := best.rec.CorrectSolution
	return &CorrectionSuggestion{
		Approach:        sol.Approach,
		Steps:           append([]string(nil), sol.VerificationSteps...),
		Code:            sol.FinalCode,
		KeyInsights:     append([]string(nil), sol.KeyInsights...),
		Confidence:      mistake.Clamp(best.rec.Confidence * best.sim),
		Reasoning:       fmt.Sprintf("verified fix of %s in %q (%.0f%% similar)", best.rec.ErrorDetails.ErrorType, best.rec.Context.Operation, best.sim*100),
		SourceMistakeID: best.rec.ID,
		Similarity:      best.sim,
	}
}

// recordSimilarity scores 0-1 how closely a record matches a query context.
func recordSimilarity(rec *mistake.Record, mctx *mistake.Context, category mistake.Category) float64 {
	var sim float64
	if rec.Category == category {
		sim += categoryWeight
	}
	if strings.EqualFold(rec.Context.Operation, mctx.Operation) {
		sim += operationWeight
	}
	if domainsOverlap(rec, mctx.BusinessContext.Domain) {
		sim += domainWeight
	}
	return sim
}

func domainsOverlap(rec *mistake.Record, domain string) bool {
	if domain == "" {
		return false
	}
	if strings.EqualFold(rec.Context.BusinessContext.Domain, domain) {
		return true
	}
	for _, d := range rec.Pattern.ApplicableDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// GetFieldMappingGuidance returns where a source field should map to.
func (e *Engine) GetFieldMappingGuidance(ctx context.Context, source, target, field string) *mapping.Guidance {
	_, span := e.tracer.Start(ctx, "engine.mapping_guidance")
	defer span.End()
	span.SetAttributes(attribute.String("mapping.key", mapping.Key(source, target)))

	g := e.mappings.Guidance(source, target, field)
	return &g
}

// GetStructureGuidance returns the known structure for a type and context.
func (e *Engine) GetStructureGuidance(ctx context.Context, structureType, structureContext string) *structure.Guidance {
	_, span := e.tracer.Start(ctx, "engine.structure_guidance")
	defer span.End()
	span.SetAttributes(attribute.String("structure.key", structure.Key(structureType, structureContext)))

	g := e.structures.Guidance(structureType, structureContext)
	return &g
}

// GetMistake returns a copy of one record.
func (e *Engine) GetMistake(ctx context.Context, id string) (*mistake.Record, error) {
	rec, ok := e.ledger.Get(id)
	if !ok {
		return nil, ErrMistakeNotFound
	}
	return rec, nil
}

// GetMistakeHistory returns records newest first. Empty filters match all.
func (e *Engine) GetMistakeHistory(ctx context.Context, projectID string, category mistake.Category) []*mistake.Record {
	return e.ledger.History(ledger.Filter{ProjectID: projectID, Category: category})
}

// GetPreventionRules returns enabled rules, highest priority first.
func (e *Engine) GetPreventionRules(ctx context.Context) []rules.Rule {
	return e.rules.Enabled()
}

// EffectivenessMetrics summarise how well the engine prevents recurrence.
type EffectivenessMetrics struct {
	TotalMistakesRecorded int `json:"total_mistakes_recorded"`
	RecurringMistakes     int `json:"recurring_mistakes"`
	// PreventionEffectiveness is the share of recordings that were not repeats.
	PreventionEffectiveness float64 `json:"prevention_effectiveness"`
	RulesGenerated          int     `json:"rules_generated"`
	RulesEnabled            int     `json:"rules_enabled"`
	RulesTriggered          int     `json:"rules_triggered"`
	VerifiedMistakes        int     `json:"verified_mistakes"`
	MappingAccuracy         float64 `json:"mapping_accuracy"`
	StructureReliability    float64 `json:"structure_reliability"`
	LearningInsights        int     `json:"learning_insights"`
}

// GetEffectivenessMetrics computes the current effectiveness metrics.
func (e *Engine) GetEffectivenessMetrics(ctx context.Context) EffectivenessMetrics {
	stats := e.ledger.Stats()

	m := EffectivenessMetrics{
		TotalMistakesRecorded:   stats.Total,
		RecurringMistakes:       stats.Recurring,
		PreventionEffectiveness: 100,
		MappingAccuracy:         e.mappings.AverageSuccessRate(),
		StructureReliability:    e.structures.AverageReliability(),
		LearningInsights:        len(e.Insights()),
	}
	if stats.Total > 0 {
		m.PreventionEffectiveness = mistake.Clamp(100 * (1 - float64(stats.Repeats)/float64(stats.Total)))
	}

	all := e.rules.All()
	m.RulesGenerated = len(all)
	for _, r := range all {
		if r.Enabled {
			m.RulesEnabled++
		}
		m.RulesTriggered += r.TimesTriggered
	}
	for _, rec := range e.ledger.All() {
		if rec.HasVerifiedSolution() {
			m.VerifiedMistakes++
		}
	}
	return m
}
