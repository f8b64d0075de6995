package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/events"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PatternUpdate carries recalculated confidence for one record.
type PatternUpdate struct {
	MistakeID         string
	// EvidenceCount is the pattern evidence the values were derived from.
	// The update is dropped when the live record has moved on.
	EvidenceCount     int
	PatternConfidence float64
	RecordConfidence  float64
	Validated         bool
}

// RuleUpdate carries recalculated confidence for one rule.
type RuleUpdate struct {
	RuleID     string
	Confidence float64
	Validated  bool
	// Promote switches the rule's action to prevent.
	Promote bool
}

// KnowledgeUpdate is a batch of values derived from snapshots by the
// learning loop.
type KnowledgeUpdate struct {
	Patterns []PatternUpdate
	Rules    []RuleUpdate
	Insights []mistake.Insight
}

// Empty reports whether the update carries nothing.
func (u *KnowledgeUpdate) Empty() bool {
	return len(u.Patterns) == 0 && len(u.Rules) == 0 && len(u.Insights) == 0
}

// CommitResult counts what a commit changed.
type CommitResult struct {
	Patterns    int
	// Stale counts pattern updates dropped because the record changed.
	Stale       int
	Rules       int
	Promoted    int
	NewInsights int
}

// CommitKnowledge applies a knowledge update. Items that no longer exist,
// and patterns that gained evidence after the snapshot, are skipped. The
// next learning pass recomputes them. Validation only ever moves from false to true, and insights with
// the same type and subject replace the earlier insight.
func (e *Engine) CommitKnowledge(ctx context.Context, u KnowledgeUpdate) (CommitResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.commit_knowledge")
	defer span.End()

	var res CommitResult
	if err := e.checkOpen(); err != nil {
		return res, err
	}

	for _, p := range u.Patterns {
		stale := false
		_, err := e.ledger.Update(p.MistakeID, func(r *mistake.Record) {
			if r.Pattern.EvidenceCount != p.EvidenceCount {
				stale = true
				return
			}
			r.Pattern.Confidence = p.PatternConfidence
			r.Pattern.Validated = r.Pattern.Validated || p.Validated
			r.Confidence = p.RecordConfidence
		})
		if errors.Is(err, ErrMistakeNotFound) {
			continue
		}
		if stale {
			res.Stale++
			continue
		}
		res.Patterns++
	}

	now := e.now()
	for _, ru := range u.Rules {
		promoted := false
		_, err := e.rules.Update(ru.RuleID, now, func(r *rules.Rule) {
			r.Confidence = ru.Confidence
			r.Validated = r.Validated || ru.Validated
			if ru.Promote && r.Action.Type != rules.ActionPrevent && r.Action.Type != rules.ActionAutoFix {
				r.Action.Type = rules.ActionPrevent
				promoted = true
			}
		})
		if errors.Is(err, ErrRuleNotFound) {
			continue
		}
		res.Rules++
		if promoted {
			res.Promoted++
			e.logger.Info("prevention rule promoted", zap.String("rule_id", ru.RuleID))
		}
	}

	if len(u.Insights) > 0 {
		res.NewInsights = e.mergeInsights(u.Insights, now)
	}

	span.SetAttributes(
		attribute.Int("commit.patterns", res.Patterns),
		attribute.Int("commit.stale", res.Stale),
		attribute.Int("commit.rules", res.Rules),
		attribute.Int("commit.promoted", res.Promoted),
		attribute.Int("commit.new_insights", res.NewInsights),
	)

	if res.NewInsights > 0 {
		e.bus.Publish(ctx, events.Event{
			Kind:       events.KindInsightsDerived,
			Count:      res.NewInsights,
			OccurredAt: now,
		})
	}
	return res, nil
}

// mergeInsights upserts insights by key and returns how many were new.
func (e *Engine) mergeInsights(in []mistake.Insight, now time.Time) int {
	e.insightsMu.Lock()
	defer e.insightsMu.Unlock()

	index := make(map[string]int, len(e.insights))
	for i := range e.insights {
		index[e.insights[i].InsightKey()] = i
	}

	added := 0
	for _, ins := range in {
		ins.RelatedMistakes = append([]string(nil), ins.RelatedMistakes...)
		ins.Confidence = mistake.Clamp(ins.Confidence)
		if i, ok := index[ins.InsightKey()]; ok {
			prev := e.insights[i]
			ins.ID = prev.ID
			ins.CreatedAt = prev.CreatedAt
			e.insights[i] = ins
			continue
		}
		if ins.ID == "" {
			ins.ID = uuid.New().String()
		}
		if ins.CreatedAt.IsZero() {
			ins.CreatedAt = now
		}
		index[ins.InsightKey()] = len(e.insights)
		e.insights = append(e.insights, ins)
		added++
	}
	e.insightsDirty = true
	return added
}

// Insights returns copies of the derived insights in creation order.
func (e *Engine) Insights() []mistake.Insight {
	e.insightsMu.RLock()
	defer e.insightsMu.RUnlock()

	out := make([]mistake.Insight, len(e.insights))
	for i, ins := range e.insights {
		ins.RelatedMistakes = append([]string(nil), ins.RelatedMistakes...)
		out[i] = ins
	}
	return out
}

func (e *Engine) restoreInsights(in []mistake.Insight) {
	e.insightsMu.Lock()
	defer e.insightsMu.Unlock()
	e.insights = append([]mistake.Insight(nil), in...)
	e.insightsDirty = false
}

func (e *Engine) insightsDirtyFlag() bool {
	e.insightsMu.RLock()
	defer e.insightsMu.RUnlock()
	return e.insightsDirty
}

func (e *Engine) setInsightsDirty(v bool) {
	e.insightsMu.Lock()
	e.insightsDirty = v
	e.insightsMu.Unlock()
}

// Records returns a snapshot of every record, newest first.
func (e *Engine) Records() []*mistake.Record {
	return e.ledger.All()
}

// Rules returns a snapshot of every rule, enabled or not.
func (e *Engine) Rules() []rules.Rule {
	return e.rules.All()
}

// Rule returns one rule.
func (e *Engine) Rule(id string) (rules.Rule, bool) {
	return e.rules.Get(id)
}
