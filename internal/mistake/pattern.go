package mistake

import "fmt"

// Pattern defaults for newly extracted knowledge.
const (
	InitialConfidence = 85.0

	// Validation thresholds.
	ValidationMinEvidence    = 10
	ValidationMinSuccessRate = 0.7
	ValidationMinConfidence  = 80.0
)

// ExtractPattern abstracts a mistake into a reusable learning pattern.
func ExtractPattern(mctx *Context, details *ErrorDetails) LearningPattern {
	p := LearningPattern{
		Pattern:     fmt.Sprintf("%s in %s", details.ErrorType, mctx.Operation),
		Abstraction: fmt.Sprintf("operation %q has produced %q errors", mctx.Operation, details.ErrorType),
		Conditions: []PatternCondition{
			{Field: "operation", Operator: "equals", Value: mctx.Operation, Weight: 1},
		},
		WarningSignals: append([]string(nil), details.Symptoms...),
		Confidence:     InitialConfidence,
		EvidenceCount:  1,
		SuccessCount:   1,
	}
	if d := mctx.BusinessContext.Domain; d != "" {
		p.ApplicableDomains = []string{d}
	}
	return p
}

// RecalculateConfidence applies the evidence-weighted confidence update.
// successRate is a fraction in [0, 1].
func RecalculateConfidence(old, successRate float64, evidence int) float64 {
	bonus := float64(evidence * 2)
	if bonus > 20 {
		bonus = 20
	}
	return Clamp(old*successRate + bonus)
}

// MeetsValidation reports whether knowledge crosses the validation thresholds.
func MeetsValidation(evidence int, successRate, confidence float64) bool {
	return evidence >= ValidationMinEvidence &&
		successRate >= ValidationMinSuccessRate &&
		confidence >= ValidationMinConfidence
}

// Recalculate refreshes the pattern confidence and validation flag.
// Validation is sticky once reached.
func (p *LearningPattern) Recalculate() {
	p.Confidence = RecalculateConfidence(p.Confidence, p.SuccessRate(), p.EvidenceCount)
	if !p.Validated && MeetsValidation(p.EvidenceCount, p.SuccessRate(), p.Confidence) {
		p.Validated = true
	}
}
