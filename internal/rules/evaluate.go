package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

// similarMatchThreshold is the name similarity at which a "similar"
// condition counts as matched.
const similarMatchThreshold = 0.7

// Facts are the string values a trigger's conditions are resolved against.
type Facts map[string]string

// Set stores v under key when v is non-empty.
func (f Facts) Set(key, v string) {
	if v != "" {
		f[key] = v
	}
}

// FactsFromContext resolves the context fields rules can refer to.
// Scalar InputData values are exposed as "input.<key>".
func FactsFromContext(mctx *mistake.Context) Facts {
	f := Facts{}
	if mctx == nil {
		return f
	}
	f.Set("operation", mctx.Operation)
	f.Set("component", mctx.Component)
	f.Set("project_id", mctx.ProjectID)
	f.Set("session_id", mctx.SessionID)
	f.Set("environment", string(mctx.Environment))
	f.Set("file", mctx.CodeContext.File)
	f.Set("function", mctx.CodeContext.Function)
	f.Set("language", mctx.CodeContext.Language)
	f.Set("snippet", mctx.CodeContext.Snippet)
	f.Set("domain", mctx.BusinessContext.Domain)
	f.Set("feature", mctx.BusinessContext.Feature)
	for k, v := range mctx.InputData {
		switch t := v.(type) {
		case string:
			f.Set("input."+k, t)
		case fmt.Stringer:
			f.Set("input."+k, t.String())
		case bool, int, int64, float64:
			f.Set("input."+k, fmt.Sprint(t))
		}
	}
	return f
}

// Errors describing malformed triggers.
var (
	ErrNoConditions     = errors.New("trigger has no conditions")
	ErrEmptyField       = errors.New("condition field is empty")
	ErrUnknownOperator  = errors.New("unknown condition operator")
	ErrInvalidWeight    = errors.New("condition weight must be positive")
	ErrInvalidPattern   = errors.New("condition pattern does not compile")
	ErrUnknownLogic     = errors.New("unknown logic operator")
	ErrConfidenceBounds = errors.New("minimum confidence must be within [0, 100]")
)

// Validate checks that a trigger is well formed.
func (t *Trigger) Validate() error {
	if len(t.Conditions) == 0 {
		return ErrNoConditions
	}
	switch t.LogicOperator {
	case LogicAnd, LogicOr, LogicNot:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLogic, t.LogicOperator)
	}
	if t.MinimumConfidence < 0 || t.MinimumConfidence > 100 {
		return fmt.Errorf("%w: %v", ErrConfidenceBounds, t.MinimumConfidence)
	}
	for i, c := range t.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("condition %d: %w", i, ErrEmptyField)
		}
		if c.Weight <= 0 {
			return fmt.Errorf("condition %d: %w", i, ErrInvalidWeight)
		}
		switch Operator(c.Operator) {
		case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith, OpIn, OpExists, OpSimilar:
		case OpMatches:
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("condition %d: %w: %v", i, ErrInvalidPattern, err)
			}
		default:
			return fmt.Errorf("condition %d: %w: %q", i, ErrUnknownOperator, c.Operator)
		}
	}
	return nil
}

// Match is the outcome of evaluating one trigger.
type Match struct {
	Matched bool
	// Confidence is the combined 0-100 trigger confidence.
	Confidence float64
	// Actionable is Matched with Confidence at or above the minimum.
	Actionable bool
	// Scores holds each condition's match strength in trigger order.
	Scores []float64
}

// Evaluate resolves the trigger against facts. Malformed triggers never
// match and return the validation error.
func (t *Trigger) Evaluate(facts Facts) (Match, error) {
	if err := t.Validate(); err != nil {
		return Match{}, err
	}

	var (
		totalWeight, totalScore     float64
		matchedWeight, matchedScore float64
		matchedCount                int
	)
	scores := make([]float64, len(t.Conditions))
	for i, c := range t.Conditions {
		score := conditionScore(c, facts)
		scores[i] = score
		totalWeight += c.Weight
		totalScore += c.Weight * score
		if isMatched(Operator(c.Operator), score) {
			matchedCount++
			matchedWeight += c.Weight
			matchedScore += c.Weight * score
		}
	}

	m := Match{Scores: scores}
	switch t.LogicOperator {
	case LogicAnd:
		m.Matched = matchedCount == len(t.Conditions)
		m.Confidence = 100 * totalScore / totalWeight
	case LogicOr:
		m.Matched = matchedCount > 0
		if matchedWeight > 0 {
			m.Confidence = 100 * matchedScore / matchedWeight
		}
	case LogicNot:
		m.Matched = matchedCount == 0
		m.Confidence = 100 - 100*totalScore/totalWeight
	}
	m.Confidence = mistake.Clamp(m.Confidence)
	m.Actionable = m.Matched && m.Confidence >= t.MinimumConfidence
	return m, nil
}

func isMatched(op Operator, score float64) bool {
	if op == OpSimilar {
		return score >= similarMatchThreshold
	}
	return score >= 1
}

// conditionScore returns the condition's match strength in [0, 1].
// String comparisons are case-insensitive. Missing facts never match,
// except for not_equals which treats them as different.
func conditionScore(c mistake.PatternCondition, facts Facts) float64 {
	fact, ok := facts[c.Field]
	op := Operator(c.Operator)

	if op == OpExists {
		return boolScore(ok && fact != "")
	}
	if !ok {
		return boolScore(op == OpNotEquals)
	}

	lf, lv := strings.ToLower(fact), strings.ToLower(c.Value)
	switch op {
	case OpEquals:
		return boolScore(lf == lv)
	case OpNotEquals:
		return boolScore(lf != lv)
	case OpContains:
		return boolScore(strings.Contains(lf, lv))
	case OpStartsWith:
		return boolScore(strings.HasPrefix(lf, lv))
	case OpEndsWith:
		return boolScore(strings.HasSuffix(lf, lv))
	case OpMatches:
		re, err := regexp.Compile(c.Value)
		return boolScore(err == nil && re.MatchString(fact))
	case OpIn:
		for _, v := range strings.Split(c.Value, ",") {
			if strings.TrimSpace(strings.ToLower(v)) == lf {
				return 1
			}
		}
		return 0
	case OpSimilar:
		return mapping.Similarity(fact, c.Value)
	default:
		return 0
	}
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
