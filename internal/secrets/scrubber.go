package secrets

import (
	"regexp"
	"sort"
)

// Result reports one Scrub call. Matched text is never retained.
type Result struct {
	Scrubbed string
	// Findings is the number of redacted spans after overlaps are merged.
	Findings int
	// ByRule counts raw matches per rule id.
	ByRule map[string]int
}

// Scrubber redacts secrets. The zero value and a nil *Scrubber redact
// nothing. A Scrubber is safe for concurrent use.
type Scrubber struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
}

// New compiles a Scrubber. A nil config uses DefaultConfig.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scrubber{enabled: cfg.Enabled, replacement: cfg.Replacement}
	if s.replacement == "" {
		s.replacement = DefaultReplacement
	}
	if !cfg.Enabled {
		return s, nil
	}

	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	s.rules = compiled

	s.allow, err = compileAllowList(cfg.AllowList)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MustNew is New that panics on an invalid config.
func MustNew(cfg *Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled && len(s.rules) > 0
}

type span struct {
	start, end int
}

// Scrub replaces every detected secret in content.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content}
	if !s.Enabled() || content == "" {
		return res
	}

	var spans []span
	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.id]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	merged := mergeSpans(spans)
	res.Findings = len(merged)

	// Spans are ascending and disjoint, so one forward pass rebuilds the text.
	buf := make([]byte, 0, len(content))
	last := 0
	for _, sp := range merged {
		buf = append(buf, content[last:sp.start]...)
		buf = append(buf, s.replacement...)
		last = sp.end
	}
	buf = append(buf, content[last:]...)
	res.Scrubbed = string(buf)
	return res
}

// String scrubs content and adds the number of redactions to *n.
func (s *Scrubber) String(content string, n *int) string {
	res := s.Scrub(content)
	*n += res.Findings
	return res.Scrubbed
}

// Strings scrubs each element in place and adds the redactions to *n.
func (s *Scrubber) Strings(values []string, n *int) {
	for i, v := range values {
		values[i] = s.String(v, n)
	}
}

// Value scrubs the strings inside JSON-shaped values: strings, []string,
// []any, map[string]any and map[string]string. Maps and slices are
// modified in place; other values are returned unchanged.
func (s *Scrubber) Value(v any, n *int) any {
	switch t := v.(type) {
	case string:
		return s.String(t, n)
	case []string:
		s.Strings(t, n)
		return t
	case []any:
		for i, e := range t {
			t[i] = s.Value(e, n)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = s.Value(e, n)
		}
		return t
	case map[string]string:
		for k, e := range t {
			t[k] = s.String(e, n)
		}
		return t
	default:
		return v
	}
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeSpans sorts spans and joins overlapping or touching ones.
func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	out := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.start <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		out = append(out, sp)
	}
	return out
}
