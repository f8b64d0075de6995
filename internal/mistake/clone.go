package mistake

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	out := c
	if c.InputData != nil {
		out.InputData = copyMap(c.InputData)
	}
	out.ExpectedOutput = copyValue(c.ExpectedOutput)
	out.ActualOutput = copyValue(c.ActualOutput)
	out.CodeContext.RelatedFiles = copyStrings(c.CodeContext.RelatedFiles)
	out.BusinessContext.Requirements = copyStrings(c.BusinessContext.Requirements)
	return out
}

// Clone returns a deep copy of the error details.
func (d ErrorDetails) Clone() ErrorDetails {
	out := d
	out.Symptoms = copyStrings(d.Symptoms)
	out.Triggers = copyStrings(d.Triggers)
	return out
}

// Clone returns a deep copy of the pattern.
func (p LearningPattern) Clone() LearningPattern {
	out := p
	out.ApplicableDomains = copyStrings(p.ApplicableDomains)
	if p.Conditions != nil {
		out.Conditions = append([]PatternCondition(nil), p.Conditions...)
	}
	out.WarningSignals = copyStrings(p.WarningSignals)
	return out
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = r.Context.Clone()
	out.ErrorDetails = r.ErrorDetails.Clone()
	out.AttemptedSolution.Assumptions = copyStrings(r.AttemptedSolution.Assumptions)
	if r.CorrectSolution != nil {
		cs := *r.CorrectSolution
		cs.KeyInsights = copyStrings(cs.KeyInsights)
		cs.VerificationSteps = copyStrings(cs.VerificationSteps)
		out.CorrectSolution = &cs
	}
	out.Pattern = r.Pattern.Clone()
	return &out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies the JSON-shaped values callers put into contexts.
// Other values are copied by assignment.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return copyStrings(t)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
