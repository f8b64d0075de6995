package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

// DefaultMinimumConfidence gates generated rules.
const DefaultMinimumConfidence = 80.0

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses runs of other characters into underscores.
func Slug(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// CandidateID returns the id of the rule generated for a dedup key.
func CandidateID(key mistake.DedupKey) string {
	return fmt.Sprintf("prevent_%s_%s_%s", Slug(string(key.Type)), Slug(key.Operation), Slug(key.ErrorType))
}

// PriorityFor maps severity to a rule priority.
func PriorityFor(s mistake.Severity) int {
	switch s {
	case mistake.SeverityLow:
		return 25
	case mistake.SeverityHigh:
		return 75
	case mistake.SeverityCritical:
		return 90
	default:
		return 50
	}
}

// Candidate derives a prevention rule targeting the record's operation.
func Candidate(rec *mistake.Record, at time.Time) Rule {
	action := ActionWarn
	if rec.ErrorDetails.Severity.IsSevere() {
		action = ActionRequestConfirmation
	}

	return Rule{
		ID:          CandidateID(rec.Key()),
		Name:        fmt.Sprintf("Prevent %s in %s", rec.ErrorDetails.ErrorType, rec.Context.Operation),
		Description: fmt.Sprintf("Generated from %s: %s", rec.Type, rec.ErrorDetails.OriginalError),
		Trigger: Trigger{
			Conditions: []mistake.PatternCondition{
				{Field: "operation", Operator: string(OpEquals), Value: rec.Context.Operation, Weight: 1},
			},
			LogicOperator:     LogicAnd,
			MinimumConfidence: DefaultMinimumConfidence,
		},
		Action: Action{
			Type: action,
			Message: fmt.Sprintf("%q previously failed with %s: %s",
				rec.Context.Operation, rec.ErrorDetails.ErrorType, rec.ErrorDetails.OriginalError),
		},
		Priority:        PriorityFor(rec.ErrorDetails.Severity),
		Enabled:         true,
		SuccessRate:     rec.Confidence,
		Confidence:      rec.Confidence,
		EvidenceCount:   1,
		SuccessCount:    1,
		Source:          SourceGenerated,
		OriginMistakeID: rec.ID,
		Severity:        rec.ErrorDetails.Severity,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}
