package mistake

import (
	"errors"
	"time"
)

// Common errors for mistake records.
var (
	ErrNilContext      = errors.New("mistake context cannot be nil")
	ErrNilErrorDetails = errors.New("error details cannot be nil")
)

// Type is the classified kind of a mistake.
type Type string

const (
	TypeMapping     Type = "mapping_error"
	TypeFieldName   Type = "field_name_error"
	TypeStructure   Type = "structure_error"
	TypeLogic       Type = "logic_error"
	TypePerformance Type = "performance_error"
	TypeSecurity    Type = "security_error"
	TypeIntegration Type = "integration_error"
	TypeValidation  Type = "validation_error"
)

// IsMappingRelated reports whether mistakes of this type feed mapping memory.
func (t Type) IsMappingRelated() bool {
	return t == TypeMapping || t == TypeFieldName
}

// Category groups mistakes by the area of work they occurred in.
type Category string

const (
	CategoryAPIIntegration Category = "api_integration"
	CategoryDatabaseSchema Category = "database_schema"
	CategoryUIComponents   Category = "ui_components"
	CategoryFieldMapping   Category = "field_mapping"
	CategoryCodeGeneration Category = "code_generation"
)

// Environment is where the mistake was observed.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Severity of an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Multiplier returns the impact multiplier for the severity.
// Unknown severities are treated as medium.
func (s Severity) Multiplier() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 8
	default:
		return 2
	}
}

// IsSevere reports whether the severity is high or critical.
func (s Severity) IsSevere() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Reproducibility describes how reliably an error reproduces.
type Reproducibility string

const (
	ReproducibleAlways    Reproducibility = "always"
	ReproducibleSometimes Reproducibility = "sometimes"
	ReproducibleRare      Reproducibility = "rare"
	ReproducibleOnce      Reproducibility = "once"
)

// CodeContext locates a mistake in source code.
type CodeContext struct {
	File         string   `json:"file,omitempty" yaml:"file,omitempty"`
	Function     string   `json:"function,omitempty" yaml:"function,omitempty"`
	Snippet      string   `json:"snippet,omitempty" yaml:"snippet,omitempty"`
	RelatedFiles []string `json:"related_files,omitempty" yaml:"related_files,omitempty"`
	Language     string   `json:"language,omitempty" yaml:"language,omitempty"`
}

// BusinessContext describes the feature a mistake affects.
type BusinessContext struct {
	Domain       string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	Feature      string   `json:"feature,omitempty" yaml:"feature,omitempty"`
	Requirements []string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// Context identifies where a mistake occurred.
//
// The engine stores a deep copy, so callers may reuse a Context after recording it.
type Context struct {
	ProjectID       string          `json:"project_id"`
	Component       string          `json:"component"`
	Operation       string          `json:"operation"`
	InputData       map[string]any  `json:"input_data,omitempty"`
	ExpectedOutput  any             `json:"expected_output,omitempty"`
	ActualOutput    any             `json:"actual_output,omitempty"`
	Environment     Environment     `json:"environment,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	CodeContext     CodeContext     `json:"code_context"`
	BusinessContext BusinessContext `json:"business_context"`
}

// InputString returns InputData[key] when it is a non-empty string.
func (c *Context) InputString(key string) string {
	if c == nil || c.InputData == nil {
		return ""
	}
	if s, ok := c.InputData[key].(string); ok {
		return s
	}
	return ""
}

// ExpectedString returns ExpectedOutput[key] when ExpectedOutput is a map holding a string.
func (c *Context) ExpectedString(key string) string {
	if c == nil {
		return ""
	}
	return stringFromMap(c.ExpectedOutput, key)
}

// ActualString returns ActualOutput[key] when ActualOutput is a map holding a string.
func (c *Context) ActualString(key string) string {
	if c == nil {
		return ""
	}
	return stringFromMap(c.ActualOutput, key)
}

func stringFromMap(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// ErrorDetails describes the observed error.
type ErrorDetails struct {
	OriginalError   string          `json:"original_error"`
	ErrorType       string          `json:"error_type"`
	Symptoms        []string        `json:"symptoms,omitempty"`
	Triggers        []string        `json:"triggers,omitempty"`
	Frequency       int             `json:"frequency,omitempty"`
	Severity        Severity        `json:"severity"`
	Reproducibility Reproducibility `json:"reproducibility,omitempty"`
}

// AttemptedSolution is the approach that was tried and failed.
type AttemptedSolution struct {
	Approach      string   `json:"approach"`
	Reasoning     string   `json:"reasoning,omitempty"`
	CodeChanges   string   `json:"code_changes,omitempty"`
	ConfigChanges string   `json:"config_changes,omitempty"`
	Assumptions   []string `json:"assumptions,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	// TimeSpent is in minutes.
	TimeSpent  float64 `json:"time_spent,omitempty"`
	Iterations int     `json:"iterations,omitempty"`
}

// CorrectSolution is the verified working approach.
type CorrectSolution struct {
	Approach          string    `json:"approach"`
	FinalCode         string    `json:"final_code,omitempty"`
	KeyInsights       []string  `json:"key_insights,omitempty"`
	VerificationSteps []string  `json:"verification_steps,omitempty"`
	TimeToSolution    float64   `json:"time_to_solution,omitempty"`
	VerifiedAt        time.Time `json:"verified_at"`
}

// UserImpact is a coarse tier of how much end users are affected.
type UserImpact string

const (
	UserImpactNone     UserImpact = "none"
	UserImpactMinor    UserImpact = "minor"
	UserImpactModerate UserImpact = "moderate"
	UserImpactSevere   UserImpact = "severe"
)

// ImpactAssessment is derived from error severity; it is never supplied by callers.
type ImpactAssessment struct {
	// DevelopmentTime and DeploymentDelay are in hours.
	DevelopmentTime float64    `json:"development_time"`
	DeploymentDelay float64    `json:"deployment_delay"`
	UserImpact      UserImpact `json:"user_impact"`
	BusinessCost    float64    `json:"business_cost"`
	TechnicalDebt   float64    `json:"technical_debt"`
	TeamMorale      float64    `json:"team_morale"`
	LearningValue   float64    `json:"learning_value"`
}

// PatternCondition is one weighted condition of a learning pattern.
type PatternCondition struct {
	Field    string  `json:"field" yaml:"field"`
	Operator string  `json:"operator" yaml:"operator"`
	Value    string  `json:"value" yaml:"value"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// LearningPattern is the reusable abstraction of a mistake.
type LearningPattern struct {
	Pattern           string             `json:"pattern"`
	Abstraction       string             `json:"abstraction"`
	ApplicableDomains []string           `json:"applicable_domains,omitempty"`
	Conditions        []PatternCondition `json:"conditions"`
	WarningSignals    []string           `json:"warning_signals,omitempty"`
	Confidence        float64            `json:"confidence"`
	EvidenceCount     int                `json:"evidence_count"`
	SuccessCount      int                `json:"success_count"`
	Validated         bool               `json:"validated"`
}

// SuccessRate is the fraction (0-1) of evidence whose outcome was successful.
func (p *LearningPattern) SuccessRate() float64 {
	if p.EvidenceCount <= 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.EvidenceCount)
}

// AddEvidence records one observation for the pattern.
func (p *LearningPattern) AddEvidence(success bool) {
	p.EvidenceCount++
	if success {
		p.SuccessCount++
	}
}

// Record is the root aggregate stored in the ledger.
type Record struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	LastOccurred      time.Time         `json:"last_occurred"`
	Type              Type              `json:"type"`
	Category          Category          `json:"category"`
	Context           Context           `json:"context"`
	ErrorDetails      ErrorDetails      `json:"error_details"`
	AttemptedSolution AttemptedSolution `json:"attempted_solution"`
	CorrectSolution   *CorrectSolution  `json:"correct_solution,omitempty"`
	Impact            ImpactAssessment  `json:"impact"`
	Pattern           LearningPattern   `json:"pattern"`
	Confidence        float64           `json:"confidence"`
	Verified          bool              `json:"verified"`
	RecurrenceCount   int               `json:"recurrence_count"`
}

// DedupKey identifies records that describe the same recurring mistake.
type DedupKey struct {
	Type      Type
	Operation string
	ErrorType string
}

// Key returns the record's dedup key.
func (r *Record) Key() DedupKey {
	return DedupKey{Type: r.Type, Operation: r.Context.Operation, ErrorType: r.ErrorDetails.ErrorType}
}

// HasVerifiedSolution reports whether a verified correct solution is attached.
func (r *Record) HasVerifiedSolution() bool {
	return r.Verified && r.CorrectSolution != nil
}
