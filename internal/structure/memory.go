// Package structure tracks correct code structures and failed attempts per
// structure type and context.
package structure

import (
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

// CodeStructure is a named template with its required shape.
type CodeStructure struct {
	Name             string   `json:"name" yaml:"name"`
	Template         string   `json:"template,omitempty" yaml:"template,omitempty"`
	RequiredElements []string `json:"required_elements,omitempty" yaml:"required_elements,omitempty"`
	OptionalElements []string `json:"optional_elements,omitempty" yaml:"optional_elements,omitempty"`
	Ordering         []string `json:"ordering,omitempty" yaml:"ordering,omitempty"`
	NamingConvention string   `json:"naming_convention,omitempty" yaml:"naming_convention,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

func (c *CodeStructure) clone() *CodeStructure {
	if c == nil {
		return nil
	}
	out := *c
	out.RequiredElements = copyStrings(c.RequiredElements)
	out.OptionalElements = copyStrings(c.OptionalElements)
	out.Ordering = copyStrings(c.Ordering)
	out.Dependencies = copyStrings(c.Dependencies)
	return &out
}

// IncorrectStructure is a structure that was attempted and failed.
type IncorrectStructure struct {
	Attempted     string    `json:"attempted"`
	Problems      []string  `json:"problems,omitempty"`
	Frequency     int       `json:"frequency"`
	LastAttempted time.Time `json:"last_attempted"`
}

// Memory is everything known about one structure type in one context.
type Memory struct {
	Key                string               `json:"key"`
	StructureType      string               `json:"structure_type"`
	Context            string               `json:"context"`
	CorrectStructure   *CodeStructure       `json:"correct_structure,omitempty"`
	IncorrectAttempts  []IncorrectStructure `json:"incorrect_attempts"`
	BestPractices      []string             `json:"best_practices,omitempty"`
	AntiPatterns       []string             `json:"anti_patterns,omitempty"`
	ContextualGuidance []string             `json:"contextual_guidance,omitempty"`
	Reliability        float64              `json:"reliability"`
	SuccessfulUses     int                  `json:"successful_uses"`
	CreatedAt          time.Time            `json:"created_at"`
	LastUpdated        time.Time            `json:"last_updated"`
}

func (m *Memory) clone() Memory {
	out := *m
	out.CorrectStructure = m.CorrectStructure.clone()
	out.IncorrectAttempts = make([]IncorrectStructure, len(m.IncorrectAttempts))
	for i, a := range m.IncorrectAttempts {
		a.Problems = copyStrings(a.Problems)
		out.IncorrectAttempts[i] = a
	}
	out.BestPractices = copyStrings(m.BestPractices)
	out.AntiPatterns = copyStrings(m.AntiPatterns)
	out.ContextualGuidance = copyStrings(m.ContextualGuidance)
	return out
}

func (m *Memory) touch(at time.Time) {
	if at.After(m.LastUpdated) {
		m.LastUpdated = at
	}
}

// recomputeReliability sets Reliability to successes over all observations.
func (m *Memory) recomputeReliability() {
	failures := 0
	for _, a := range m.IncorrectAttempts {
		failures += a.Frequency
	}
	total := m.SuccessfulUses + failures
	if total == 0 {
		m.Reliability = 0
		return
	}
	m.Reliability = mistake.Clamp(100 * float64(m.SuccessfulUses) / float64(total))
}

// problems flattens the problems of every incorrect attempt.
func (m *Memory) problems() []string {
	var out []string
	for _, a := range m.IncorrectAttempts {
		out = append(out, a.Problems...)
	}
	return out
}

// Key returns the memory key for a structure type and context.
func Key(structureType, context string) string {
	return structureType + "_" + context
}

// Knowledge is correct structure information to merge into memory.
type Knowledge struct {
	Structure          *CodeStructure `json:"structure,omitempty" yaml:"structure,omitempty"`
	BestPractices      []string       `json:"best_practices,omitempty" yaml:"best_practices,omitempty"`
	AntiPatterns       []string       `json:"anti_patterns,omitempty" yaml:"anti_patterns,omitempty"`
	ContextualGuidance []string       `json:"contextual_guidance,omitempty" yaml:"contextual_guidance,omitempty"`
	// SuccessfulUses defaults to 1 when a structure is given.
	SuccessfulUses int `json:"successful_uses,omitempty" yaml:"successful_uses,omitempty"`
}

// Store holds structure memories. Readers receive deep copies.
type Store struct {
	mu       sync.RWMutex
	memories map[string]*Memory
	dirty    bool
}

// NewStore creates an empty structure store.
func NewStore() *Store {
	return &Store{memories: make(map[string]*Memory)}
}

func (s *Store) memoryFor(structureType, context string, at time.Time) *Memory {
	key := Key(structureType, context)
	m, ok := s.memories[key]
	if !ok {
		m = &Memory{
			Key:           key,
			StructureType: structureType,
			Context:       context,
			CreatedAt:     at,
			LastUpdated:   at,
		}
		s.memories[key] = m
	}
	return m
}

// RecordIncorrect adds a failed structure attempt. Identical attempts merge.
func (s *Store) RecordIncorrect(structureType, context string, attempt IncorrectStructure, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.memoryFor(structureType, context, at)
	if attempt.Frequency <= 0 {
		attempt.Frequency = 1
	}
	if attempt.LastAttempted.IsZero() {
		attempt.LastAttempted = at
	}

	merged := false
	for i := range m.IncorrectAttempts {
		a := &m.IncorrectAttempts[i]
		if a.Attempted == attempt.Attempted {
			a.Frequency += attempt.Frequency
			a.Problems = appendUnique(a.Problems, attempt.Problems...)
			if attempt.LastAttempted.After(a.LastAttempted) {
				a.LastAttempted = attempt.LastAttempted
			}
			merged = true
			break
		}
	}
	if !merged {
		attempt.Problems = copyStrings(attempt.Problems)
		m.IncorrectAttempts = append(m.IncorrectAttempts, attempt)
	}

	m.recomputeReliability()
	m.touch(at)
	s.dirty = true
}

// RecordCorrect merges correct structure knowledge. A given structure
// replaces the stored one and counts as successful use.
func (s *Store) RecordCorrect(structureType, context string, k Knowledge, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.memoryFor(structureType, context, at)
	if k.Structure != nil {
		m.CorrectStructure = k.Structure.clone()
		uses := k.SuccessfulUses
		if uses <= 0 {
			uses = 1
		}
		m.SuccessfulUses += uses
	}
	m.BestPractices = appendUnique(m.BestPractices, k.BestPractices...)
	m.AntiPatterns = appendUnique(m.AntiPatterns, k.AntiPatterns...)
	m.ContextualGuidance = appendUnique(m.ContextualGuidance, k.ContextualGuidance...)

	m.recomputeReliability()
	m.touch(at)
	s.dirty = true
}

// Get returns a copy of one memory.
func (s *Store) Get(structureType, context string) (Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[Key(structureType, context)]
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

// AverageReliability returns the mean reliability, or 100 when empty.
func (s *Store) AverageReliability() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.memories) == 0 {
		return 100
	}
	var sum float64
	for _, m := range s.memories {
		sum += m.Reliability
	}
	return mistake.Clamp(sum / float64(len(s.memories)))
}

// Snapshot returns deep copies of all memories.
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

// Dirty reports whether the store changed since the last flush.
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

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, d := range dst {
			if strings.EqualFold(d, v) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
