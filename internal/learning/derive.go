package learning

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
)

// changeEpsilon is the smallest confidence change worth committing.
const changeEpsilon = 1e-6

// Recalculate derives new confidence and validation values for every
// record pattern and rule that has evidence. Items whose values would not
// change are omitted. Validated generated rules with high or critical
// severity are promoted.
func Recalculate(records []*mistake.Record, rs []rules.Rule) engine.KnowledgeUpdate {
	var u engine.KnowledgeUpdate

	for _, rec := range records {
		p := rec.Pattern
		if p.EvidenceCount <= 0 {
			continue
		}
		sr := p.SuccessRate()
		patternConf := mistake.RecalculateConfidence(p.Confidence, sr, p.EvidenceCount)
		recordConf := mistake.RecalculateConfidence(rec.Confidence, sr, p.EvidenceCount)
		validated := p.Validated || mistake.MeetsValidation(p.EvidenceCount, sr, patternConf)

		if changed(p.Confidence, patternConf) || changed(rec.Confidence, recordConf) || validated != p.Validated {
			u.Patterns = append(u.Patterns, engine.PatternUpdate{
				MistakeID:         rec.ID,
				EvidenceCount:     p.EvidenceCount,
				PatternConfidence: patternConf,
				RecordConfidence:  recordConf,
				Validated:         validated,
			})
		}
	}

	for _, r := range rs {
		if r.EvidenceCount <= 0 {
			continue
		}
		sr := r.EvidenceSuccessRate()
		conf := mistake.RecalculateConfidence(r.Confidence, sr, r.EvidenceCount)
		validated := r.Validated || mistake.MeetsValidation(r.EvidenceCount, sr, conf)
		promote := validated &&
			r.Source == rules.SourceGenerated &&
			r.Severity.IsSevere() &&
			r.Action.Type != rules.ActionPrevent &&
			r.Action.Type != rules.ActionAutoFix

		if changed(r.Confidence, conf) || validated != r.Validated || promote {
			u.Rules = append(u.Rules, engine.RuleUpdate{
				RuleID:     r.ID,
				Confidence: conf,
				Validated:  validated,
				Promote:    promote,
			})
		}
	}
	return u
}

func changed(old, next float64) bool {
	return math.Abs(old-next) > changeEpsilon
}

// occurrence is a weighted point in time at which a record was observed.
type occurrence struct {
	at     time.Time
	weight int
	id     string
}

// occurrencesOf spreads a record over its first and last observation: one
// occurrence at Timestamp and the remaining recurrences at LastOccurred.
func occurrencesOf(rec *mistake.Record) []occurrence {
	out := []occurrence{{at: rec.Timestamp, weight: 1, id: rec.ID}}
	if rec.RecurrenceCount > 1 {
		out = append(out, occurrence{at: rec.LastOccurred, weight: rec.RecurrenceCount - 1, id: rec.ID})
	}
	return out
}

// TemporalClusters finds categories with at least minOccurrences mistakes
// inside a single window. Each category yields at most one insight, for its
// densest window.
func TemporalClusters(records []*mistake.Record, window time.Duration, minOccurrences int) []mistake.Insight {
	byCategory := make(map[mistake.Category][]occurrence)
	for _, rec := range records {
		byCategory[rec.Category] = append(byCategory[rec.Category], occurrencesOf(rec)...)
	}

	var out []mistake.Insight
	for _, category := range sortedCategories(byCategory) {
		occ := byCategory[category]
		sort.Slice(occ, func(i, j int) bool { return occ[i].at.Before(occ[j].at) })

		best, bestStart, bestEnd := 0, 0, 0
		sum, start := 0, 0
		for end := range occ {
			sum += occ[end].weight
			for occ[end].at.Sub(occ[start].at) > window {
				sum -= occ[start].weight
				start++
			}
			if sum > best {
				best, bestStart, bestEnd = sum, start, end
			}
		}
		if best < minOccurrences {
			continue
		}

		ids := uniqueIDs(occ[bestStart : bestEnd+1])
		out = append(out, mistake.Insight{
			Type:    mistake.InsightTemporalCluster,
			Subject: string(category),
			Description: fmt.Sprintf("%d %s mistakes within %s starting %s",
				best, category, window, occ[bestStart].at.Format(time.RFC3339)),
			Confidence:      mistake.Clamp(40 + 10*float64(best)),
			RelatedMistakes: ids,
		})
	}
	return out
}

// BehavioralCorrelations finds components that produced at least two
// distinct error types.
func BehavioralCorrelations(records []*mistake.Record) []mistake.Insight {
	type group struct {
		errorTypes map[string]bool
		ids        []string
	}
	groups := make(map[string]*group)
	for _, rec := range records {
		c := rec.Context.Component
		if c == "" {
			continue
		}
		g, ok := groups[c]
		if !ok {
			g = &group{errorTypes: make(map[string]bool)}
			groups[c] = g
		}
		g.errorTypes[rec.ErrorDetails.ErrorType] = true
		g.ids = append(g.ids, rec.ID)
	}

	components := make([]string, 0, len(groups))
	for c := range groups {
		components = append(components, c)
	}
	sort.Strings(components)

	var out []mistake.Insight
	for _, c := range components {
		g := groups[c]
		n := len(g.errorTypes)
		if n < 2 {
			continue
		}
		types := make([]string, 0, n)
		for et := range g.errorTypes {
			types = append(types, et)
		}
		sort.Strings(types)
		sort.Strings(g.ids)
		out = append(out, mistake.Insight{
			Type:            mistake.InsightBehavioralCorrelation,
			Subject:         c,
			Description:     fmt.Sprintf("component %s fails in %d distinct ways: %v", c, n, types),
			Confidence:      mistake.Clamp(50 + 10*float64(n)),
			RelatedMistakes: g.ids,
		})
	}
	return out
}

// PerformanceCorrelations finds categories whose mean development time
// lost per record exceeds the ledger mean.
func PerformanceCorrelations(records []*mistake.Record) []mistake.Insight {
	if len(records) == 0 {
		return nil
	}

	type group struct {
		total float64
		ids   []string
	}
	groups := make(map[mistake.Category]*group)
	var total float64
	for _, rec := range records {
		g, ok := groups[rec.Category]
		if !ok {
			g = &group{}
			groups[rec.Category] = g
		}
		g.total += rec.Impact.DevelopmentTime
		g.ids = append(g.ids, rec.ID)
		total += rec.Impact.DevelopmentTime
	}
	mean := total / float64(len(records))
	if mean <= 0 {
		return nil
	}

	var out []mistake.Insight
	for _, category := range sortedCategories(groups) {
		g := groups[category]
		catMean := g.total / float64(len(g.ids))
		if catMean <= mean {
			continue
		}
		sort.Strings(g.ids)
		out = append(out, mistake.Insight{
			Type:    mistake.InsightPerformanceCorrelation,
			Subject: string(category),
			Description: fmt.Sprintf("%s mistakes cost %.1fh on average against %.1fh overall",
				category, catMean, mean),
			Confidence:      mistake.Clamp(50 * catMean / mean),
			RelatedMistakes: g.ids,
		})
	}
	return out
}

// AggregatePatterns reports every (type, category) pair seen at least twice.
func AggregatePatterns(records []*mistake.Record) []mistake.Insight {
	type group struct {
		freq int
		ids  []string
	}
	groups := make(map[string]*group)
	for _, rec := range records {
		key := string(rec.Type) + "|" + string(rec.Category)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		g.freq += max(rec.RecurrenceCount, 1)
		g.ids = append(g.ids, rec.ID)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []mistake.Insight
	for _, k := range keys {
		g := groups[k]
		if g.freq < 2 {
			continue
		}
		sort.Strings(g.ids)
		out = append(out, mistake.Insight{
			Type:            mistake.InsightAggregatePattern,
			Subject:         k,
			Description:     fmt.Sprintf("%s seen %d time(s) across %d record(s)", k, g.freq, len(g.ids)),
			Confidence:      mistake.Clamp(30 + 10*float64(g.freq)),
			RelatedMistakes: g.ids,
		})
	}
	return out
}

// TrainingExamples turns records into classifier training data.
func TrainingExamples(records []*mistake.Record) []mistake.TrainingExample {
	out := make([]mistake.TrainingExample, 0, len(records))
	for _, rec := range records {
		out = append(out, mistake.TrainingExample{
			Features: mistake.FeaturesOf(&rec.Context, &rec.ErrorDetails),
			Type:     rec.Type,
			Category: rec.Category,
		})
	}
	return out
}

func sortedCategories[V any](m map[mistake.Category]V) []mistake.Category {
	out := make([]mistake.Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uniqueIDs(occ []occurrence) []string {
	seen := make(map[string]bool, len(occ))
	var ids []string
	for _, o := range occ {
		if !seen[o.id] {
			seen[o.id] = true
			ids = append(ids, o.id)
		}
	}
	sort.Strings(ids)
	return ids
}
