package mistake

import (
	"context"
	"regexp"
	"strings"
)

// maxFeatureLength bounds the text handed to regex matching.
const maxFeatureLength = 8192

// Features are the classifier inputs extracted from a mistake.
type Features struct {
	Operation     string
	Component     string
	ErrorType     string
	OriginalError string
	Symptoms      []string
	Triggers      []string
	Domain        string
}

// FeaturesOf extracts classifier features from a context and error details.
func FeaturesOf(mctx *Context, details *ErrorDetails) Features {
	var f Features
	if mctx != nil {
		f.Operation = mctx.Operation
		f.Component = mctx.Component
		f.Domain = mctx.BusinessContext.Domain
	}
	if details != nil {
		f.ErrorType = details.ErrorType
		f.OriginalError = details.OriginalError
		f.Symptoms = details.Symptoms
		f.Triggers = details.Triggers
	}
	return f
}

// text joins the features used for type detection.
func (f Features) text() string {
	parts := make([]string, 0, 3+len(f.Symptoms))
	parts = append(parts, f.ErrorType, f.OriginalError)
	parts = append(parts, f.Symptoms...)
	parts = append(parts, f.Operation)
	combined := strings.Join(parts, " ")
	if len(combined) > maxFeatureLength {
		combined = combined[:maxFeatureLength]
	}
	return combined
}

// Classification is one candidate classification with a 0-100 confidence.
type Classification struct {
	Type       Type
	Category   Category
	Confidence float64
}

// Classifier assigns types and categories to mistakes.
//
// Implementations return candidates best first and always at least one.
type Classifier interface {
	Classify(f Features) []Classification
}

// TrainingExample pairs observed features with the classification that held.
type TrainingExample struct {
	Features Features
	Type     Type
	Category Category
}

// Trainable is implemented by classifiers that can be retrained from the ledger.
type Trainable interface {
	Classifier
	Train(ctx context.Context, examples []TrainingExample) error
}

type typeRule struct {
	regex      *regexp.Regexp
	typ        Type
	confidence float64
}

type categoryRule struct {
	regex    *regexp.Regexp
	category Category
}

// RuleClassifier classifies mistakes using ordered keyword rules.
// The first matching type rule is the primary candidate.
// Safe for concurrent use: rules are compiled at construction time.
type RuleClassifier struct {
	types      []*typeRule
	categories []*categoryRule
}

// NewRuleClassifier creates a classifier with the built-in keyword rules.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		types:      buildTypeRules(),
		categories: buildCategoryRules(),
	}
}

// buildTypeRules returns type rules in priority order.
// Patterns are case-insensitive substrings so snake_case error types match.
func buildTypeRules() []*typeRule {
	return []*typeRule{
		{regex: regexp.MustCompile(`(?i)field|property`), typ: TypeFieldName, confidence: 85},
		{regex: regexp.MustCompile(`(?i)mapping|transform`), typ: TypeMapping, confidence: 85},
		{regex: regexp.MustCompile(`(?i)structure|syntax`), typ: TypeStructure, confidence: 85},
		{regex: regexp.MustCompile(`(?i)performance|timeout|slow`), typ: TypePerformance, confidence: 80},
		{regex: regexp.MustCompile(`(?i)security|injection|auth`), typ: TypeSecurity, confidence: 80},
		{regex: regexp.MustCompile(`(?i)api|integration|network`), typ: TypeIntegration, confidence: 75},
		{regex: regexp.MustCompile(`(?i)validation|invalid|required`), typ: TypeValidation, confidence: 75},
	}
}

// buildCategoryRules returns operation-name rules in priority order.
func buildCategoryRules() []*categoryRule {
	return []*categoryRule{
		{regex: regexp.MustCompile(`(?i)api`), category: CategoryAPIIntegration},
		{regex: regexp.MustCompile(`(?i)database`), category: CategoryDatabaseSchema},
		{regex: regexp.MustCompile(`(?i)ui|component`), category: CategoryUIComponents},
		{regex: regexp.MustCompile(`(?i)mapping`), category: CategoryFieldMapping},
	}
}

// Classify returns every matching type in rule order, each paired with the
// operation's category. Without a match it returns logic_error at confidence 50.
func (c *RuleClassifier) Classify(f Features) []Classification {
	category := c.category(f.Operation)
	text := f.text()

	var out []Classification
	for _, rule := range c.types {
		if rule.regex.MatchString(text) {
			out = append(out, Classification{Type: rule.typ, Category: category, Confidence: rule.confidence})
		}
	}
	if len(out) == 0 {
		out = append(out, Classification{Type: TypeLogic, Category: category, Confidence: 50})
	}
	return out
}

func (c *RuleClassifier) category(operation string) Category {
	for _, rule := range c.categories {
		if rule.regex.MatchString(operation) {
			return rule.category
		}
	}
	return CategoryCodeGeneration
}

// Primary returns the best classification from a classifier, falling back to
// logic_error / code_generation when the classifier returns nothing.
func Primary(c Classifier, f Features) Classification {
	if c != nil {
		if got := c.Classify(f); len(got) > 0 {
			best := got[0]
			if best.Type == "" {
				best.Type = TypeLogic
			}
			if best.Category == "" {
				best.Category = CategoryCodeGeneration
			}
			return best
		}
	}
	return Classification{Type: TypeLogic, Category: CategoryCodeGeneration, Confidence: 50}
}
