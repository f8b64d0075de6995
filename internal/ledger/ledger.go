// Package ledger is the append-only store of mistake records.
package ledger

import (
	"errors"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
)

// ErrMistakeNotFound is returned when no record has the requested id.
var ErrMistakeNotFound = errors.New("mistake record not found")

// Ledger holds mistake records indexed by id and dedup key.
// Records are never deleted. Readers receive deep copies.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*mistake.Record
	byKey   map[mistake.DedupKey]string
	dirty   bool

	// keyMu protects keyLocks.
	keyMu    sync.Mutex
	keyLocks map[mistake.DedupKey]*sync.Mutex
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		records:  make(map[string]*mistake.Record),
		byKey:    make(map[mistake.DedupKey]string),
		keyLocks: make(map[mistake.DedupKey]*sync.Mutex),
	}
}

// keyLock returns (and lazily creates) the mutex serialising one dedup key.
func (l *Ledger) keyLock(key mistake.DedupKey) *sync.Mutex {
	l.keyMu.Lock()
	defer l.keyMu.Unlock()

	if mu, ok := l.keyLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	l.keyLocks[key] = mu
	return mu
}

// LockKey blocks until the caller is the only writer for key and returns
// the unlock function.
func (l *Ledger) LockKey(key mistake.DedupKey) func() {
	mu := l.keyLock(key)
	mu.Lock()
	return mu.Unlock
}

// Upsert inserts rec, or merges it into the record with the same dedup key.
// A merge increments the recurrence count, accumulates impact, advances
// LastOccurred and adds successful evidence to the pattern. It returns a copy
// of the stored record and whether it was merged.
func (l *Ledger) Upsert(rec *mistake.Record) (*mistake.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.Key()
	if id, ok := l.byKey[key]; ok {
		existing := l.records[id]
		existing.RecurrenceCount++
		existing.Impact.Accumulate(rec.Impact)
		if rec.Timestamp.After(existing.LastOccurred) {
			existing.LastOccurred = rec.Timestamp
		}
		existing.Pattern.AddEvidence(true)
		existing.Pattern.WarningSignals = appendUnique(existing.Pattern.WarningSignals, rec.ErrorDetails.Symptoms...)
		l.dirty = true
		return existing.Clone(), true
	}

	c := rec.Clone()
	if c.RecurrenceCount <= 0 {
		c.RecurrenceCount = 1
	}
	if c.LastOccurred.IsZero() {
		c.LastOccurred = c.Timestamp
	}
	l.records[c.ID] = c
	l.byKey[key] = c.ID
	l.dirty = true
	return c.Clone(), false
}

// Get returns a copy of the record with id.
func (l *Ledger) Get(id string) (*mistake.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// FindByKey returns a copy of the record with the dedup key.
func (l *Ledger) FindByKey(key mistake.DedupKey) (*mistake.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byKey[key]
	if !ok {
		return nil, false
	}
	return l.records[id].Clone(), true
}

// Update applies fn to the stored record under the write lock.
// fn must not change the record's dedup key fields.
func (l *Ledger) Update(id string, fn func(*mistake.Record)) (*mistake.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return nil, ErrMistakeNotFound
	}
	fn(r)
	r.Confidence = mistake.Clamp(r.Confidence)
	r.Pattern.Confidence = mistake.Clamp(r.Pattern.Confidence)
	l.dirty = true
	return r.Clone(), nil
}

// Filter selects records for History. Empty fields match everything.
type Filter struct {
	ProjectID string
	Category  mistake.Category
}

// History returns matching records, most recently occurred first.
func (l *Ledger) History(f Filter) []*mistake.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*mistake.Record, 0, len(l.records))
	for _, r := range l.records {
		if f.ProjectID != "" && r.Context.ProjectID != f.ProjectID {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		out = append(out, r.Clone())
	}
	sortNewestFirst(out)
	return out
}

// All returns copies of every record, most recently occurred first.
func (l *Ledger) All() []*mistake.Record {
	return l.History(Filter{})
}

// RelatedIDs returns the ids of records for the same operation, newest first.
func (l *Ledger) RelatedIDs(operation string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rs []*mistake.Record
	for _, r := range l.records {
		if r.Context.Operation == operation {
			rs = append(rs, r)
		}
	}
	sortNewestFirst(rs)
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Stats summarises recurrence across the ledger.
type Stats struct {
	// Total is the sum of recurrence counts.
	Total int
	// Recurring counts records seen more than once.
	Recurring int
	// Repeats is Total minus the number of distinct records.
	Repeats int
}

// Stats computes recurrence totals.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s Stats
	for _, r := range l.records {
		s.Total += r.RecurrenceCount
		if r.RecurrenceCount > 1 {
			s.Recurring++
			s.Repeats += r.RecurrenceCount - 1
		}
	}
	return s
}

// Snapshot returns deep copies of all records keyed by id.
func (l *Ledger) Snapshot() map[string]*mistake.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]*mistake.Record, len(l.records))
	for id, r := range l.records {
		out[id] = r.Clone()
	}
	return out
}

// Restore replaces the ledger contents, rebuilds the key index and clears
// the dirty flag. When two records share a dedup key the older one wins.
func (l *Ledger) Restore(records map[string]*mistake.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]*mistake.Record, len(records))
	l.byKey = make(map[mistake.DedupKey]string, len(records))

	ordered := make([]*mistake.Record, 0, len(records))
	for _, r := range records {
		if r != nil {
			ordered = append(ordered, r)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	for _, r := range ordered {
		c := r.Clone()
		l.records[c.ID] = c
		key := c.Key()
		if _, taken := l.byKey[key]; !taken {
			l.byKey[key] = c.ID
		}
	}
	l.dirty = false
}

// Dirty reports whether the ledger changed since the last flush.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// MarkDirty flags the ledger for the next flush.
func (l *Ledger) MarkDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// MarkClean clears the dirty flag.
func (l *Ledger) MarkClean() {
	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
}

func sortNewestFirst(rs []*mistake.Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].LastOccurred.Equal(rs[j].LastOccurred) {
			return rs[i].LastOccurred.After(rs[j].LastOccurred)
		}
		if !rs[i].Timestamp.Equal(rs[j].Timestamp) {
			return rs[i].Timestamp.After(rs[j].Timestamp)
		}
		return rs[i].ID < rs[j].ID
	})
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d] = true
	}
	for _, v := range values {
		if v != "" && !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}

