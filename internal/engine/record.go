package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/preventd/internal/events"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const unknownKey = "unknown"

// Errors for knowledge supplied directly by callers.
var (
	ErrInvalidMapping   = errors.New("field mapping requires source and target fields")
	ErrInvalidStructure = errors.New("structure type cannot be empty")
)

// RecordMistake classifies and stores a mistake, updates the mapping or
// structure memory it concerns and upserts the prevention rule generated
// for it. A mistake with the same type, operation and error type as an
// existing record is merged into that record. It returns the record id.
func (e *Engine) RecordMistake(ctx context.Context, mctx *mistake.Context, details *mistake.ErrorDetails, attempted *mistake.AttemptedSolution) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.record_mistake")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if mctx == nil {
		return "", ErrNilContext
	}
	if details == nil {
		return "", ErrNilErrorDetails
	}

	cls := mistake.Primary(e.classifier, mistake.FeaturesOf(mctx, details))
	span.SetAttributes(
		attribute.String("mistake.type", string(cls.Type)),
		attribute.String("mistake.category", string(cls.Category)),
		attribute.String("mistake.operation", mctx.Operation),
		attribute.String("mistake.severity", string(details.Severity)),
	)

	now := e.now()
	rec := &mistake.Record{
		ID:           uuid.New().String(),
		Timestamp:    now,
		LastOccurred: now,
		Type:         cls.Type,
		Category:     cls.Category,
		Context:      mctx.Clone(),
		ErrorDetails: details.Clone(),
		Impact:       mistake.AssessImpact(details.Severity),
		Confidence:   mistake.Clamp(e.config.InitialConfidence),
	}
	if attempted != nil {
		rec.AttemptedSolution = *attempted
		rec.AttemptedSolution.Assumptions = append([]string(nil), attempted.Assumptions...)
	}
	redacted := e.redactRecord(rec)
	rec.Pattern = mistake.ExtractPattern(&rec.Context, &rec.ErrorDetails)

	unlock := e.ledger.LockKey(rec.Key())
	stored, merged := e.ledger.Upsert(rec)

	switch {
	case rec.Type.IsMappingRelated():
		e.recordIncorrectMapping(rec)
	case rec.Type == mistake.TypeStructure:
		e.recordIncorrectStructure(rec)
	}

	rule, created := e.rules.Upsert(rules.Candidate(stored, now), rec.Confidence, now)
	unlock()

	span.SetAttributes(
		attribute.String("mistake.id", stored.ID),
		attribute.Int("mistake.recurrence_count", stored.RecurrenceCount),
		attribute.String("rule.id", rule.ID),
	)

	attrs := metric.WithAttributes(
		attribute.String("type", string(stored.Type)),
		attribute.String("category", string(stored.Category)),
	)
	if e.recordCounter != nil {
		e.recordCounter.Add(ctx, 1, attrs)
	}
	if merged && e.recurCounter != nil {
		e.recurCounter.Add(ctx, 1, attrs)
	}

	e.logger.Debug("mistake recorded",
		zap.String("mistake_id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.String("operation", stored.Context.Operation),
		zap.Int("recurrence_count", stored.RecurrenceCount),
		zap.Bool("rule_created", created))
	e.reportRedactions(ctx, "mistake", stored.ID, redacted)

	e.bus.Publish(ctx, events.Event{
		Kind:            events.KindMistakeRecorded,
		MistakeID:       stored.ID,
		ProjectID:       stored.Context.ProjectID,
		Operation:       stored.Context.Operation,
		Type:            string(stored.Type),
		Category:        string(stored.Category),
		Severity:        string(details.Severity),
		RecurrenceCount: stored.RecurrenceCount,
		Recurred:        merged,
		RuleID:          rule.ID,
		RuleCreated:     created,
		OccurredAt:      now,
	})

	e.flushAfterWrite(ctx)
	return stored.ID, nil
}

// mappingSite resolves the schema pair and source field a mapping mistake
// concerns.
func mappingSite(mctx *mistake.Context) (source, target, field string) {
	source = firstNonEmpty(mctx.InputString("sourceSchema"), mctx.Component, unknownKey)
	target = firstNonEmpty(mctx.InputString("targetSchema"), unknownKey)
	field = firstNonEmpty(mctx.InputString("sourceField"), unknownKey)
	return source, target, field
}

// structureSite resolves the structure type and context a structure
// mistake concerns.
func structureSite(mctx *mistake.Context) (structureType, structureContext string) {
	structureType = firstNonEmpty(mctx.InputString("structureType"), mctx.Component, unknownKey)
	structureContext = firstNonEmpty(mctx.InputString("structureContext"), "default")
	return structureType, structureContext
}

func (e *Engine) recordIncorrectMapping(rec *mistake.Record) {
	mctx := &rec.Context
	source, target, field := mappingSite(mctx)
	attemptedTarget := firstNonEmpty(mctx.InputString("targetField"), mctx.ActualString("targetField"), unknownKey)

	reason := rec.ErrorDetails.OriginalError
	if expected := mctx.ExpectedString("targetField"); expected != "" {
		reason = fmt.Sprintf("%s (expected %s)", reason, expected)
	}

	e.mappings.RecordIncorrect(source, target, mapping.IncorrectMapping{
		SourceField:     field,
		AttemptedTarget: attemptedTarget,
		Reason:          reason,
		Frequency:       1,
		LastAttempted:   rec.Timestamp,
		Consequences:    append([]string(nil), rec.ErrorDetails.Symptoms...),
	}, rec.Timestamp)
}

func (e *Engine) recordIncorrectStructure(rec *mistake.Record) {
	mctx := &rec.Context
	structureType, structureContext := structureSite(mctx)

	problems := append([]string(nil), rec.ErrorDetails.Symptoms...)
	if len(problems) == 0 && rec.ErrorDetails.OriginalError != "" {
		problems = []string{rec.ErrorDetails.OriginalError}
	}

	e.structures.RecordIncorrect(structureType, structureContext, structure.IncorrectStructure{
		Attempted:     firstNonEmpty(mctx.InputString("attemptedStructure"), rec.AttemptedSolution.Approach),
		Problems:      problems,
		Frequency:     1,
		LastAttempted: rec.Timestamp,
	}, rec.Timestamp)
}

// VerifySolution attaches a verified correct solution to a record. The
// approach becomes an alternative on the record's generated rule and, for
// mapping mistakes with a known expected target, a correct mapping.
func (e *Engine) VerifySolution(ctx context.Context, mistakeID string, correct *mistake.CorrectSolution) (*mistake.Record, error) {
	ctx, span := e.tracer.Start(ctx, "engine.verify_solution")
	defer span.End()
	span.SetAttributes(attribute.String("mistake.id", mistakeID))

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if correct == nil {
		return nil, ErrNilSolution
	}

	now := e.now()
	solution := *correct
	solution.KeyInsights = append([]string(nil), correct.KeyInsights...)
	solution.VerificationSteps = append([]string(nil), correct.VerificationSteps...)
	if solution.VerifiedAt.IsZero() {
		solution.VerifiedAt = now
	}
	redacted := e.redactSolution(&solution)

	rec, err := e.ledger.Update(mistakeID, func(r *mistake.Record) {
		r.CorrectSolution = &solution
		r.Verified = true
		r.Pattern.AddEvidence(true)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to verify solution: %w", err)
	}
	e.reportRedactions(ctx, "solution", rec.ID, redacted)

	_, err = e.rules.Update(rules.CandidateID(rec.Key()), now, func(r *rules.Rule) {
		if solution.Approach != "" && !containsString(r.Action.Alternatives, solution.Approach) {
			r.Action.Alternatives = append(r.Action.Alternatives, solution.Approach)
		}
		if r.Action.Type != rules.ActionPrevent && r.Action.Type != rules.ActionAutoFix {
			r.Action.Type = rules.ActionSuggestAlternative
		}
	})
	if err != nil && !errors.Is(err, rules.ErrRuleNotFound) {
		return nil, fmt.Errorf("failed to update rule for verified solution: %w", err)
	}

	if rec.Type.IsMappingRelated() {
		if expected := rec.Context.ExpectedString("targetField"); expected != "" {
			source, target, field := mappingSite(&rec.Context)
			e.mappings.RecordCorrect(source, target, mapping.FieldMapping{
				SourceField:    field,
				TargetField:    expected,
				Transformation: solution.FinalCode,
				Examples:       []mapping.Example{{Input: field, Output: expected, RecordedAt: now}},
			}, now)
		}
	}
	if rec.Type == mistake.TypeStructure && len(solution.KeyInsights) > 0 {
		structureType, structureContext := structureSite(&rec.Context)
		e.structures.RecordCorrect(structureType, structureContext, structure.Knowledge{
			BestPractices: solution.KeyInsights,
		}, now)
	}

	e.bus.Publish(ctx, events.Event{
		Kind:       events.KindSolutionVerified,
		MistakeID:  rec.ID,
		ProjectID:  rec.Context.ProjectID,
		Operation:  rec.Context.Operation,
		Type:       string(rec.Type),
		Category:   string(rec.Category),
		RuleID:     rules.CandidateID(rec.Key()),
		OccurredAt: now,
	})

	e.flushAfterWrite(ctx)
	return rec, nil
}

// RecordRuleOutcome applies caller feedback about a triggered rule.
func (e *Engine) RecordRuleOutcome(ctx context.Context, ruleID string, outcome rules.Outcome) (rules.Rule, error) {
	ctx, span := e.tracer.Start(ctx, "engine.record_rule_outcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule.id", ruleID),
		attribute.String("rule.outcome", string(outcome)),
	)

	if err := e.checkOpen(); err != nil {
		return rules.Rule{}, err
	}

	now := e.now()
	r, err := e.rules.RecordOutcome(ruleID, outcome, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rules.Rule{}, fmt.Errorf("failed to record rule outcome: %w", err)
	}

	// Outcomes on a generated rule are evidence for the pattern it came from.
	if r.OriginMistakeID != "" {
		_, err := e.ledger.Update(r.OriginMistakeID, func(rec *mistake.Record) {
			rec.Pattern.AddEvidence(outcome != rules.OutcomeFalsePositive)
		})
		if err != nil && !errors.Is(err, ErrMistakeNotFound) {
			return rules.Rule{}, fmt.Errorf("failed to record pattern evidence: %w", err)
		}
	}

	e.bus.Publish(ctx, events.Event{
		Kind:       events.KindRuleOutcome,
		RuleID:     r.ID,
		Outcome:    string(outcome),
		OccurredAt: now,
	})

	e.flushAfterWrite(ctx)
	return r, nil
}

// RecordCorrectMapping merges a known correct field mapping into memory.
func (e *Engine) RecordCorrectMapping(ctx context.Context, source, target string, fm mapping.FieldMapping) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if fm.SourceField == "" || fm.TargetField == "" {
		return ErrInvalidMapping
	}
	if e.scrubber.Enabled() {
		n := 0
		fm.Transformation = e.scrubber.String(fm.Transformation, &n)
		e.reportRedactions(ctx, "mapping", "", n)
	}
	e.mappings.RecordCorrect(source, target, fm, e.now())
	e.flushAfterWrite(ctx)
	return nil
}

// RecordCorrectStructure merges known structure knowledge into memory.
func (e *Engine) RecordCorrectStructure(ctx context.Context, structureType, structureContext string, k structure.Knowledge) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if structureType == "" {
		return ErrInvalidStructure
	}
	if structureContext == "" {
		structureContext = "default"
	}
	e.structures.RecordCorrect(structureType, structureContext, k, e.now())
	e.flushAfterWrite(ctx)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
