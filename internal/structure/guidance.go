package structure

import (
	"fmt"
	"regexp"
	"strings"
)

// PreventReliability is the reliability a memory needs before a repeated
// failed attempt is blocked rather than warned about.
const PreventReliability = 80.0

// Guidance answers "what should this structure look like".
type Guidance struct {
	SuggestedStructure *CodeStructure `json:"suggested_structure"`
	Confidence         float64        `json:"confidence"`
	Reasoning          string         `json:"reasoning"`
	Warnings           []string       `json:"warnings,omitempty"`
	BestPractices      []string       `json:"best_practices,omitempty"`
	AntiPatterns       []string       `json:"anti_patterns,omitempty"`
	ContextualGuidance []string       `json:"contextual_guidance,omitempty"`
}

// Guidance returns the known structure for a type and context.
func (s *Store) Guidance(structureType, context string) Guidance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[Key(structureType, context)]
	if !ok {
		return Guidance{Confidence: 0, Reasoning: "no structure patterns found"}
	}

	reasoning := fmt.Sprintf("%d successful use(s), %d failed attempt pattern(s)",
		m.SuccessfulUses, len(m.IncorrectAttempts))
	if m.CorrectStructure == nil {
		reasoning = "no correct structure recorded yet; " + reasoning
	}
	return Guidance{
		SuggestedStructure: m.CorrectStructure.clone(),
		Confidence:         m.Reliability,
		Reasoning:          reasoning,
		Warnings:           m.problems(),
		BestPractices:      copyStrings(m.BestPractices),
		AntiPatterns:       copyStrings(m.AntiPatterns),
		ContextualGuidance: copyStrings(m.ContextualGuidance),
	}
}

// Proposal is a structure about to be created.
type Proposal struct {
	Name     string   `json:"name,omitempty"`
	Template string   `json:"template,omitempty"`
	Elements []string `json:"elements,omitempty"`
}

// IssueKind classifies a structure issue.
type IssueKind string

const (
	IssueRepeatedFailure IssueKind = "repeated_failure"
	IssueMissingElement  IssueKind = "missing_element"
	IssueNaming          IssueKind = "naming_convention"
)

// Issue is a problem found in a proposed structure.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	Message    string    `json:"message"`
	Confidence float64   `json:"confidence"`
	Blocking   bool      `json:"blocking"`
}

var namingConventions = map[string]*regexp.Regexp{
	"pascalcase": regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`),
	"camelcase":  regexp.MustCompile(`^[a-z][A-Za-z0-9]*$`),
	"snake_case": regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`),
	"kebab-case": regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`),
}

// Predict checks a proposal against memory. Unknown structures yield no issues.
func (s *Store) Predict(structureType, context string, p Proposal) []Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[Key(structureType, context)]
	if !ok {
		return nil
	}

	var issues []Issue
	for _, a := range m.IncorrectAttempts {
		if a.Attempted == "" || (a.Attempted != p.Template && a.Attempted != p.Name) {
			continue
		}
		msg := fmt.Sprintf("structure %q failed %d time(s) before", a.Attempted, a.Frequency)
		if len(a.Problems) > 0 {
			msg += ": " + strings.Join(a.Problems, "; ")
		}
		issues = append(issues, Issue{
			Kind:       IssueRepeatedFailure,
			Message:    msg,
			Confidence: max(m.Reliability, 50),
			Blocking:   m.CorrectStructure != nil && m.Reliability >= PreventReliability,
		})
	}

	cs := m.CorrectStructure
	if cs == nil {
		return issues
	}

	if len(p.Elements) > 0 {
		have := make(map[string]bool, len(p.Elements))
		for _, e := range p.Elements {
			have[strings.ToLower(e)] = true
		}
		var missing []string
		for _, r := range cs.RequiredElements {
			if !have[strings.ToLower(r)] {
				missing = append(missing, r)
			}
		}
		if len(missing) > 0 {
			issues = append(issues, Issue{
				Kind:       IssueMissingElement,
				Message:    "missing required element(s): " + strings.Join(missing, ", "),
				Confidence: m.Reliability,
			})
		}
	}

	if re, ok := namingConventions[strings.ToLower(cs.NamingConvention)]; ok && p.Name != "" && !re.MatchString(p.Name) {
		issues = append(issues, Issue{
			Kind:       IssueNaming,
			Message:    fmt.Sprintf("name %q does not follow %s", p.Name, cs.NamingConvention),
			Confidence: m.Reliability,
		})
	}
	return issues
}
