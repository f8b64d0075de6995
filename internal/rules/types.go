// Package rules stores prevention rules and evaluates their triggers.
package rules

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

// Common errors for rule operations.
var (
	ErrRuleNotFound   = errors.New("prevention rule not found")
	ErrInvalidOutcome = errors.New("invalid rule outcome")
	ErrEmptyRuleID    = errors.New("rule id cannot be empty")
)

// Operator compares a resolved fact to a condition value.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpMatches    Operator = "matches"
	OpIn         Operator = "in"
	OpExists     Operator = "exists"
	OpSimilar    Operator = "similar"
)

// LogicOperator combines condition results.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
	LogicNot LogicOperator = "NOT"
)

// ActionType is what a matching rule asks the caller to do.
type ActionType string

const (
	ActionPrevent             ActionType = "prevent"
	ActionWarn                ActionType = "warn"
	ActionSuggestAlternative  ActionType = "suggest_alternative"
	ActionRequestConfirmation ActionType = "request_confirmation"
	ActionAutoFix             ActionType = "auto_fix"
)

// Source records where a rule came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceSeed      Source = "seed"
)

// Outcome is caller feedback about a triggered rule.
type Outcome string

const (
	OutcomePrevented     Outcome = "prevented"
	OutcomeHelpful       Outcome = "helpful"
	OutcomeFalsePositive Outcome = "false_positive"
)

// Valid reports whether the outcome is known.
func (o Outcome) Valid() bool {
	return o == OutcomePrevented || o == OutcomeHelpful || o == OutcomeFalsePositive
}

// Trigger decides when a rule fires.
type Trigger struct {
	Conditions        []mistake.PatternCondition `json:"conditions" yaml:"conditions"`
	LogicOperator     LogicOperator              `json:"logic_operator" yaml:"logic_operator"`
	MinimumConfidence float64                    `json:"minimum_confidence" yaml:"minimum_confidence"`
}

// Action is what the rule recommends when it fires.
type Action struct {
	Type         ActionType `json:"type" yaml:"type"`
	Message      string     `json:"message" yaml:"message"`
	Alternatives []string   `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	AutoFixCode  string     `json:"auto_fix_code,omitempty" yaml:"auto_fix_code,omitempty"`
}

// Rule is a trigger/action pair derived from mistakes or seeded by operators.
type Rule struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger           Trigger          `json:"trigger" yaml:"trigger"`
	Action            Action           `json:"action" yaml:"action"`
	Priority          int              `json:"priority" yaml:"priority"`
	Enabled           bool             `json:"enabled" yaml:"enabled"`
	SuccessRate       float64          `json:"success_rate" yaml:"success_rate"`
	FalsePositiveRate float64          `json:"false_positive_rate" yaml:"false_positive_rate"`
	Confidence        float64          `json:"confidence" yaml:"confidence"`
	EvidenceCount     int              `json:"evidence_count" yaml:"evidence_count"`
	SuccessCount      int              `json:"success_count" yaml:"success_count"`
	FalsePositives    int              `json:"false_positives" yaml:"false_positives"`
	TimesTriggered    int              `json:"times_triggered" yaml:"times_triggered"`
	Validated         bool             `json:"validated" yaml:"validated"`
	Source            Source           `json:"source" yaml:"source"`
	OriginMistakeID   string           `json:"origin_mistake_id,omitempty" yaml:"origin_mistake_id,omitempty"`
	Severity          mistake.Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
	CreatedAt         time.Time        `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at" yaml:"updated_at,omitempty"`
}

// EvidenceSuccessRate is the fraction (0-1) of evidence with a good outcome.
func (r *Rule) EvidenceSuccessRate() float64 {
	if r.EvidenceCount <= 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.EvidenceCount)
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	if r.Trigger.Conditions != nil {
		out.Trigger.Conditions = append([]mistake.PatternCondition(nil), r.Trigger.Conditions...)
	}
	if r.Action.Alternatives != nil {
		out.Action.Alternatives = append([]string(nil), r.Action.Alternatives...)
	}
	return out
}

// clampScores keeps every score within [0, 100].
func (r *Rule) clampScores() {
	r.SuccessRate = mistake.Clamp(r.SuccessRate)
	r.FalsePositiveRate = mistake.Clamp(r.FalsePositiveRate)
	r.Confidence = mistake.Clamp(r.Confidence)
	r.Priority = clampPriority(r.Priority)
}

func clampPriority(p int) int {
	return max(0, min(100, p))
}
