package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/logging"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"go.uber.org/zap"
)

// upsertPriorityBump is added to an existing rule's priority when a
// recurrence regenerates it.
const upsertPriorityBump = 5

// Store holds prevention rules keyed by id. Readers receive deep copies.
type Store struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	dirty  bool
	logger *zap.Logger
}

// NewStore creates an empty rule store. A nil logger is replaced by a no-op logger.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rules:  make(map[string]*Rule),
		logger: logger,
	}
}

// Upsert inserts a generated candidate or merges it into the existing rule
// with the same id. On merge the success rate becomes the mean of the old
// rate and recordConfidence and the priority is bumped. It returns a copy
// of the stored rule and whether it was newly created.
func (s *Store) Upsert(candidate Rule, recordConfidence float64, at time.Time) (Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[candidate.ID]
	if !ok {
		r := candidate.Clone()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = at
		}
		r.UpdatedAt = at
		r.clampScores()
		s.rules[r.ID] = &r
		s.dirty = true
		return r.Clone(), true
	}

	existing.SuccessRate = (existing.SuccessRate + recordConfidence) / 2
	existing.Priority += upsertPriorityBump
	existing.EvidenceCount++
	existing.SuccessCount++
	if existing.Severity == "" || severityRank(candidate.Severity) > severityRank(existing.Severity) {
		existing.Severity = candidate.Severity
	}
	if at.After(existing.UpdatedAt) {
		existing.UpdatedAt = at
	}
	existing.clampScores()
	s.dirty = true
	return existing.Clone(), false
}

// Put stores a rule as given, replacing any rule with the same id.
func (s *Store) Put(r Rule, at time.Time) error {
	if r.ID == "" {
		return ErrEmptyRuleID
	}
	if err := r.Trigger.Validate(); err != nil {
		s.logger.Warn("storing malformed prevention rule; it will never match",
			zap.String("rule_id", r.ID),
			zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := r.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = at
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = at
	}
	c.clampScores()
	s.rules[c.ID] = &c
	s.dirty = true
	return nil
}

// Get returns a copy of a rule.
func (s *Store) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, false
	}
	return r.Clone(), true
}

// Update applies fn to the stored rule under the write lock.
func (s *Store) Update(id string, at time.Time, fn func(*Rule)) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	fn(r)
	if at.After(r.UpdatedAt) {
		r.UpdatedAt = at
	}
	r.clampScores()
	s.dirty = true
	return r.Clone(), nil
}

// RecordOutcome applies caller feedback to a rule's evidence and rates.
func (s *Store) RecordOutcome(id string, outcome Outcome, at time.Time) (Rule, error) {
	if !outcome.Valid() {
		return Rule{}, ErrInvalidOutcome
	}
	return s.Update(id, at, func(r *Rule) {
		r.EvidenceCount++
		if outcome == OutcomeFalsePositive {
			r.FalsePositives++
		} else {
			r.SuccessCount++
		}
		r.SuccessRate = 100 * float64(r.SuccessCount) / float64(r.EvidenceCount)
		r.FalsePositiveRate = 100 * float64(r.FalsePositives) / float64(r.EvidenceCount)
	})
}

// Enabled returns enabled rules sorted by priority descending, then id.
func (s *Store) Enabled() []Rule {
	return s.list(true)
}

// All returns every rule sorted by priority descending, then id.
func (s *Store) All() []Rule {
	return s.list(false)
}

func (s *Store) list(enabledOnly bool) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRules(out)
	return out
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Evaluated pairs a rule with its trigger match.
type Evaluated struct {
	Rule  Rule
	Match Match
}

// FirstActionable evaluates enabled rules in priority order and returns the
// first actionable match. Malformed rules are logged and skipped.
func (s *Store) FirstActionable(facts Facts) (Evaluated, bool) {
	for _, r := range s.Enabled() {
		m, err := r.Trigger.Evaluate(facts)
		if err != nil {
			s.logger.Warn("skipping malformed prevention rule",
				zap.String("rule_id", r.ID),
				zap.Error(err))
			continue
		}
		if ce := s.logger.Check(logging.TraceLevel, "prevention rule evaluated"); ce != nil {
			ce.Write(
				zap.String("rule_id", r.ID),
				zap.Float64s("condition_scores", m.Scores),
				zap.Float64("confidence", m.Confidence),
				zap.Bool("actionable", m.Actionable))
		}
		if m.Actionable {
			return Evaluated{Rule: r, Match: m}, true
		}
	}
	return Evaluated{}, false
}

// MarkTriggered counts a rule firing.
func (s *Store) MarkTriggered(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok {
		r.TimesTriggered++
		s.dirty = true
	}
}

// Snapshot returns deep copies of all rules keyed by id.
func (s *Store) Snapshot() map[string]Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Rule, len(s.rules))
	for id, r := range s.rules {
		out[id] = r.Clone()
	}
	return out
}

// Restore replaces the store contents and clears the dirty flag.
func (s *Store) Restore(rules map[string]Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = make(map[string]*Rule, len(rules))
	for id, r := range rules {
		c := r.Clone()
		s.rules[id] = &c
	}
	s.dirty = false
}

// Dirty reports whether rules changed since the last flush.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkDirty flags the store for the next flush.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// MarkClean clears the dirty flag.
func (s *Store) MarkClean() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

func sortRules(rs []Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

func severityRank(s mistake.Severity) int {
	switch s {
	case mistake.SeverityLow:
		return 1
	case mistake.SeverityMedium:
		return 2
	case mistake.SeverityHigh:
		return 3
	case mistake.SeverityCritical:
		return 4
	default:
		return 0
	}
}
