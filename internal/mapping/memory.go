// Package mapping tracks correct and incorrect field mappings per schema pair.
package mapping

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

const (
	// MaxExamples bounds the example history kept per field mapping.
	MaxExamples = 10

	// PredictionThreshold is the minimum weighted similarity for a prediction.
	PredictionThreshold = 0.6

	// PreventConfidence is the confidence a correct alternative needs before a
	// known-incorrect proposal is blocked rather than warned about.
	PreventConfidence = 80.0

	maxAlternatives   = 3
	maxGuideExamples  = 3
	defaultConfidence = 80.0
)

// Example is one observed use of a mapping.
type Example struct {
	Input      string    `json:"input,omitempty" yaml:"input,omitempty"`
	Output     string    `json:"output,omitempty" yaml:"output,omitempty"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at,omitempty"`
}

// FieldMapping is a known correct source to target field mapping.
type FieldMapping struct {
	SourceField    string    `json:"source_field" yaml:"source_field"`
	TargetField    string    `json:"target_field" yaml:"target_field"`
	Aliases        []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Transformation string    `json:"transformation,omitempty" yaml:"transformation,omitempty"`
	Confidence     float64   `json:"confidence" yaml:"confidence"`
	UsageCount     int       `json:"usage_count" yaml:"usage_count"`
	SuccessRate    float64   `json:"success_rate" yaml:"success_rate"`
	Examples       []Example `json:"examples,omitempty" yaml:"examples,omitempty"`
	LastUsed       time.Time `json:"last_used" yaml:"last_used,omitempty"`
}

// matches reports whether field is the mapping's source field or an alias.
func (fm *FieldMapping) matches(field string) bool {
	if strings.EqualFold(fm.SourceField, field) {
		return true
	}
	for _, a := range fm.Aliases {
		if strings.EqualFold(a, field) {
			return true
		}
	}
	return false
}

// IncorrectMapping is a mapping that was attempted and failed.
type IncorrectMapping struct {
	SourceField     string    `json:"source_field"`
	AttemptedTarget string    `json:"attempted_target"`
	Reason          string    `json:"reason,omitempty"`
	Frequency       int       `json:"frequency"`
	LastAttempted   time.Time `json:"last_attempted"`
	Consequences    []string  `json:"consequences,omitempty"`
}

// Memory is everything known about one source/target schema pair.
type Memory struct {
	Key               string             `json:"key"`
	SourceSchema      string             `json:"source_schema"`
	TargetSchema      string             `json:"target_schema"`
	CorrectMappings   []FieldMapping     `json:"correct_mappings"`
	IncorrectMappings []IncorrectMapping `json:"incorrect_mappings"`
	SuccessRate       float64            `json:"success_rate"`
	CreatedAt         time.Time          `json:"created_at"`
	LastUpdated       time.Time          `json:"last_updated"`
}

func (m *Memory) clone() Memory {
	out := *m
	out.CorrectMappings = make([]FieldMapping, len(m.CorrectMappings))
	for i, fm := range m.CorrectMappings {
		fm.Aliases = append([]string(nil), fm.Aliases...)
		fm.Examples = append([]Example(nil), fm.Examples...)
		out.CorrectMappings[i] = fm
	}
	out.IncorrectMappings = make([]IncorrectMapping, len(m.IncorrectMappings))
	for i, im := range m.IncorrectMappings {
		im.Consequences = append([]string(nil), im.Consequences...)
		out.IncorrectMappings[i] = im
	}
	return out
}

// touch advances LastUpdated without ever moving it backwards.
func (m *Memory) touch(at time.Time) {
	if at.After(m.LastUpdated) {
		m.LastUpdated = at
	}
}

// recomputeSuccessRate sets SuccessRate to correct usage over all observations.
func (m *Memory) recomputeSuccessRate() {
	var good, bad int
	for _, fm := range m.CorrectMappings {
		good += fm.UsageCount
	}
	for _, im := range m.IncorrectMappings {
		bad += im.Frequency
	}
	if good+bad == 0 {
		m.SuccessRate = 0
		return
	}
	m.SuccessRate = mistake.Clamp(100 * float64(good) / float64(good+bad))
}

// incorrectTargets lists attempted targets recorded as wrong for field.
func (m *Memory) incorrectTargets(field string) []IncorrectMapping {
	var out []IncorrectMapping
	for _, im := range m.IncorrectMappings {
		if strings.EqualFold(im.SourceField, field) {
			out = append(out, im)
		}
	}
	return out
}

// Key returns the memory key for a schema pair.
func Key(source, target string) string {
	return source + "_to_" + target
}

// Store holds mapping memories keyed by schema pair.
// Readers receive deep copies.
type Store struct {
	mu       sync.RWMutex
	memories map[string]*Memory
	dirty    bool
}

// NewStore creates an empty mapping store.
func NewStore() *Store {
	return &Store{memories: make(map[string]*Memory)}
}

// memoryFor returns the memory for a pair, creating it lazily. Caller holds mu.
func (s *Store) memoryFor(source, target string, at time.Time) *Memory {
	key := Key(source, target)
	m, ok := s.memories[key]
	if !ok {
		m = &Memory{
			Key:          key,
			SourceSchema: source,
			TargetSchema: target,
			CreatedAt:    at,
			LastUpdated:  at,
		}
		s.memories[key] = m
	}
	return m
}

// RecordIncorrect adds a failed mapping attempt. Repeats of the same
// source field and attempted target increase its frequency.
func (s *Store) RecordIncorrect(source, target string, attempt IncorrectMapping, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.memoryFor(source, target, at)
	if attempt.Frequency <= 0 {
		attempt.Frequency = 1
	}
	if attempt.LastAttempted.IsZero() {
		attempt.LastAttempted = at
	}

	merged := false
	for i := range m.IncorrectMappings {
		im := &m.IncorrectMappings[i]
		if strings.EqualFold(im.SourceField, attempt.SourceField) && strings.EqualFold(im.AttemptedTarget, attempt.AttemptedTarget) {
			im.Frequency += attempt.Frequency
			if attempt.LastAttempted.After(im.LastAttempted) {
				im.LastAttempted = attempt.LastAttempted
			}
			if attempt.Reason != "" {
				im.Reason = attempt.Reason
			}
			im.Consequences = appendUnique(im.Consequences, attempt.Consequences...)
			merged = true
			break
		}
	}
	if !merged {
		attempt.Consequences = append([]string(nil), attempt.Consequences...)
		m.IncorrectMappings = append(m.IncorrectMappings, attempt)
	}

	m.recomputeSuccessRate()
	m.touch(at)
	s.dirty = true
}

// RecordCorrect adds or reinforces a correct mapping. Usage counts add up,
// aliases and examples merge, and the example history stays bounded.
func (s *Store) RecordCorrect(source, target string, fm FieldMapping, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.memoryFor(source, target, at)
	if fm.UsageCount <= 0 {
		fm.UsageCount = 1
	}
	if fm.Confidence <= 0 {
		fm.Confidence = defaultConfidence
	}
	if fm.SuccessRate <= 0 {
		fm.SuccessRate = 100
	}
	if fm.LastUsed.IsZero() {
		fm.LastUsed = at
	}
	fm.Confidence = mistake.Clamp(fm.Confidence)
	fm.SuccessRate = mistake.Clamp(fm.SuccessRate)

	var existing *FieldMapping
	for i := range m.CorrectMappings {
		if strings.EqualFold(m.CorrectMappings[i].SourceField, fm.SourceField) &&
			strings.EqualFold(m.CorrectMappings[i].TargetField, fm.TargetField) {
			existing = &m.CorrectMappings[i]
			break
		}
	}

	if existing == nil {
		fm.Aliases = append([]string(nil), fm.Aliases...)
		fm.Examples = boundExamples(append([]Example(nil), fm.Examples...))
		m.CorrectMappings = append(m.CorrectMappings, fm)
	} else {
		prev := existing.UsageCount
		existing.UsageCount += fm.UsageCount
		existing.SuccessRate = mistake.Clamp((existing.SuccessRate*float64(prev) + fm.SuccessRate*float64(fm.UsageCount)) / float64(existing.UsageCount))
		existing.Confidence = mistake.Clamp(max(existing.Confidence, fm.Confidence))
		existing.Aliases = appendUnique(existing.Aliases, fm.Aliases...)
		existing.Examples = boundExamples(append(existing.Examples, fm.Examples...))
		if fm.Transformation != "" {
			existing.Transformation = fm.Transformation
		}
		if fm.LastUsed.After(existing.LastUsed) {
			existing.LastUsed = fm.LastUsed
		}
	}

	m.recomputeSuccessRate()
	m.touch(at)
	s.dirty = true
}

// Get returns a copy of the memory for a schema pair.
func (s *Store) Get(source, target string) (Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[Key(source, target)]
	if !ok {
		return Memory{}, false
	}
	return m.clone(), true
}

// Len returns the number of memories.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}

// AverageSuccessRate returns the mean memory success rate, or 100 when empty.
func (s *Store) AverageSuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.memories) == 0 {
		return 100
	}
	var sum float64
	for _, m := range s.memories {
		sum += m.SuccessRate
	}
	return mistake.Clamp(sum / float64(len(s.memories)))
}

// Snapshot returns deep copies of all memories keyed by schema pair.
func (s *Store) Snapshot() map[string]Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Memory, len(s.memories))
	for k, m := range s.memories {
		out[k] = m.clone()
	}
	return out
}

// Restore replaces the store contents and clears the dirty flag.
func (s *Store) Restore(memories map[string]Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memories = make(map[string]*Memory, len(memories))
	for k, m := range memories {
		c := m.clone()
		s.memories[k] = &c
	}
	s.dirty = false
}

// Dirty reports whether the store changed since the last MarkClean or Restore.
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

// MarkClean clears the dirty flag after a successful flush.
func (s *Store) MarkClean() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

func boundExamples(ex []Example) []Example {
	if len(ex) > MaxExamples {
		ex = append([]Example(nil), ex[len(ex)-MaxExamples:]...)
	}
	return ex
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if strings.EqualFold(d, v) {
				found = true
				break
			}
		}
		if !found && v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

func warningFor(im IncorrectMapping) string {
	w := fmt.Sprintf("%s -> %s failed %d time(s)", im.SourceField, im.AttemptedTarget, im.Frequency)
	if im.Reason != "" {
		w += ": " + im.Reason
	}
	return w
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].Confidence > c[j].Confidence
	})
}
