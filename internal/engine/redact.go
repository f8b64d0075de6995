package engine

import (
	"context"

	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// redactRecord scrubs the free text of a new record in place. Identifiers
// that form the dedup key are left alone so recurrences still merge.
func (e *Engine) redactRecord(rec *mistake.Record) int {
	if !e.scrubber.Enabled() {
		return 0
	}
	s := e.scrubber
	n := 0

	c := &rec.Context
	for k, v := range c.InputData {
		c.InputData[k] = s.Value(v, &n)
	}
	c.ExpectedOutput = s.Value(c.ExpectedOutput, &n)
	c.ActualOutput = s.Value(c.ActualOutput, &n)
	c.CodeContext.Snippet = s.String(c.CodeContext.Snippet, &n)
	s.Strings(c.BusinessContext.Requirements, &n)

	d := &rec.ErrorDetails
	d.OriginalError = s.String(d.OriginalError, &n)
	s.Strings(d.Symptoms, &n)
	s.Strings(d.Triggers, &n)

	a := &rec.AttemptedSolution
	a.Approach = s.String(a.Approach, &n)
	a.Reasoning = s.String(a.Reasoning, &n)
	a.CodeChanges = s.String(a.CodeChanges, &n)
	a.ConfigChanges = s.String(a.ConfigChanges, &n)
	a.FailureReason = s.String(a.FailureReason, &n)
	s.Strings(a.Assumptions, &n)
	return n
}

// redactSolution scrubs a copied correct solution in place.
func (e *Engine) redactSolution(sol *mistake.CorrectSolution) int {
	if !e.scrubber.Enabled() {
		return 0
	}
	s := e.scrubber
	n := 0
	sol.Approach = s.String(sol.Approach, &n)
	sol.FinalCode = s.String(sol.FinalCode, &n)
	s.Strings(sol.KeyInsights, &n)
	s.Strings(sol.VerificationSteps, &n)
	return n
}

func (e *Engine) reportRedactions(ctx context.Context, source, mistakeID string, n int) {
	if n == 0 {
		return
	}
	if e.redactCounter != nil {
		e.redactCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
	}
	e.logger.Debug("secrets redacted",
		zap.String("source", source),
		zap.String("mistake_id", mistakeID),
		zap.Int("secrets_found", n))
}
