// Package secrets redacts credentials from caller supplied text before it
// reaches the ledger, the durable store or published events.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

// DefaultReplacement is substituted for every detected secret.
const DefaultReplacement = "[REDACTED]"

// ErrEmptyRuleField is returned for a rule without an id or pattern.
var ErrEmptyRuleField = errors.New("secret rule requires an id and a pattern")

// Config configures a Scrubber.
type Config struct {
	// Enabled turns redaction on (default: true).
	Enabled bool

	// Replacement is written in place of each secret (default: "[REDACTED]").
	Replacement string

	// Rules are the detection rules (default: DefaultRules()).
	Rules []Rule

	// AllowList holds patterns for matches that must be kept, such as
	// well known example keys in documentation.
	AllowList []string
}

// Rule detects one kind of secret.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	// Keywords, when set, must appear (case-insensitively) in the text for
	// the rule to run.
	Keywords []string
}

// DefaultConfig returns an enabled configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Replacement: DefaultReplacement,
		Rules:       DefaultRules(),
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func compileRules(rs []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rs))
	for i, r := range rs {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyRuleField)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, cr)
	}
	return out, nil
}

func compileAllowList(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		out = append(out, re)
	}
	return out, nil
}
