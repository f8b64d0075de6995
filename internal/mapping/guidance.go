package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// Candidate is a possible target field with its confidence.
type Candidate struct {
	TargetField string  `json:"target_field"`
	SourceField string  `json:"source_field"`
	Confidence  float64 `json:"confidence"`
}

// Guidance answers "where does this source field go".
type Guidance struct {
	SuggestedMapping string      `json:"suggested_mapping,omitempty"`
	Transformation   string      `json:"transformation,omitempty"`
	Confidence       float64     `json:"confidence"`
	Reasoning        string      `json:"reasoning"`
	Alternatives     []Candidate `json:"alternatives,omitempty"`
	Warnings         []string    `json:"warnings,omitempty"`
	Examples         []Example   `json:"examples,omitempty"`
}

// Guidance returns mapping guidance for a source field.
//
// An exact source field or alias match reports the recorded confidence.
// Otherwise known mappings are ranked by name similarity weighted by their
// own success rate, and the reported confidence never exceeds the matched
// mapping's recorded confidence.
func (s *Store) Guidance(source, target, field string) Guidance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[Key(source, target)]
	if !ok {
		return Guidance{Confidence: 0, Reasoning: "no mapping history found"}
	}

	var warnings []string
	for _, im := range m.incorrectTargets(field) {
		warnings = append(warnings, warningFor(im))
	}

	if fm, others := m.exactMatches(field); fm != nil {
		return Guidance{
			SuggestedMapping: fm.TargetField,
			Transformation:   fm.Transformation,
			Confidence:       fm.Confidence,
			Reasoning: fmt.Sprintf("exact match: used %d time(s) with %.0f%% success",
				fm.UsageCount, fm.SuccessRate),
			Alternatives: others,
			Warnings:     warnings,
			Examples:     recentExamples(fm.Examples, maxGuideExamples),
		}
	}

	candidates := m.rank(field)
	if len(candidates) == 0 {
		return Guidance{
			Confidence: 0,
			Reasoning:  "no similar mapping found",
			Warnings:   warnings,
		}
	}

	best := candidates[0]
	g := Guidance{
		SuggestedMapping: best.TargetField,
		Confidence:       best.Confidence,
		Reasoning:        fmt.Sprintf("predicted from similar field %q", best.SourceField),
		Warnings:         warnings,
	}
	for _, fm := range m.CorrectMappings {
		if fm.SourceField == best.SourceField && fm.TargetField == best.TargetField {
			g.Transformation = fm.Transformation
			break
		}
	}
	rest := candidates[1:]
	if len(rest) > maxAlternatives {
		rest = rest[:maxAlternatives]
	}
	g.Alternatives = append([]Candidate(nil), rest...)
	return g
}

// exactMatches returns the strongest mapping whose source field or alias is
// field, ordered by confidence, then usage, then success rate. The other
// matches are returned as alternatives. Caller holds the read lock.
func (m *Memory) exactMatches(field string) (*FieldMapping, []Candidate) {
	var matched []*FieldMapping
	for i := range m.CorrectMappings {
		if m.CorrectMappings[i].matches(field) {
			matched = append(matched, &m.CorrectMappings[i])
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.SuccessRate > b.SuccessRate
	})

	var others []Candidate
	for _, fm := range matched[1:] {
		if len(others) == maxAlternatives {
			break
		}
		others = append(others, Candidate{
			TargetField: fm.TargetField,
			SourceField: fm.SourceField,
			Confidence:  fm.Confidence,
		})
	}
	return matched[0], others
}

// rank scores every correct mapping against field and keeps those at or
// above PredictionThreshold, best first. Caller holds the read lock.
func (m *Memory) rank(field string) []Candidate {
	var out []Candidate
	for _, fm := range m.CorrectMappings {
		sim := Similarity(field, fm.SourceField)
		for _, a := range fm.Aliases {
			sim = max(sim, Similarity(field, a))
		}
		score := sim * fm.SuccessRate / 100
		if score < PredictionThreshold {
			continue
		}
		out = append(out, Candidate{
			TargetField: fm.TargetField,
			SourceField: fm.SourceField,
			Confidence:  fm.Confidence * score,
		})
	}
	sortCandidates(out)
	return out
}

func recentExamples(ex []Example, n int) []Example {
	if len(ex) == 0 {
		return nil
	}
	out := make([]Example, 0, n)
	for i := len(ex) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ex[i])
	}
	return out
}

// Issue is a problem found in a proposed mapping.
type Issue struct {
	SourceField     string  `json:"source_field"`
	ProposedTarget  string  `json:"proposed_target"`
	SuggestedTarget string  `json:"suggested_target,omitempty"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
	// Blocking is set when the proposal repeats a known failure and a correct
	// alternative is known with at least PreventConfidence.
	Blocking bool `json:"blocking"`
}

// Predict checks a proposed source to target field mapping against memory.
// Issues are returned in source field order.
func (s *Store) Predict(source, target string, proposed map[string]string) []Issue {
	if len(proposed) == 0 {
		return nil
	}

	fields := make([]string, 0, len(proposed))
	for f := range proposed {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var issues []Issue
	for _, field := range fields {
		to := proposed[field]
		g := s.Guidance(source, target, field)

		s.mu.RLock()
		var known *IncorrectMapping
		if m, ok := s.memories[Key(source, target)]; ok {
			for _, im := range m.incorrectTargets(field) {
				if strings.EqualFold(im.AttemptedTarget, to) {
					im := im
					known = &im
					break
				}
			}
		}
		s.mu.RUnlock()

		hasAlternative := g.SuggestedMapping != "" && !strings.EqualFold(g.SuggestedMapping, to)
		switch {
		case known != nil:
			issue := Issue{
				SourceField:    field,
				ProposedTarget: to,
				Confidence:     g.Confidence,
				Reason:         warningFor(*known),
			}
			if hasAlternative {
				issue.SuggestedTarget = g.SuggestedMapping
				issue.Blocking = g.Confidence >= PreventConfidence
			}
			if issue.Confidence == 0 {
				issue.Confidence = 50
			}
			issues = append(issues, issue)
		case hasAlternative:
			issues = append(issues, Issue{
				SourceField:     field,
				ProposedTarget:  to,
				SuggestedTarget: g.SuggestedMapping,
				Confidence:      g.Confidence,
				Reason:          fmt.Sprintf("memory suggests %s (%s)", g.SuggestedMapping, g.Reasoning),
			})
		}
	}
	return issues
}
