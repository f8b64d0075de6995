package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const noIssuesReasoning = "no potential issues detected"

// ProposedSolution is an action about to be executed.
type ProposedSolution struct {
	Approach string `json:"approach,omitempty"`
	Code     string `json:"code,omitempty"`
	Config   string `json:"config,omitempty"`
	// Mapping is the proposed source to target field mapping.
	Mapping    map[string]string   `json:"mapping,omitempty"`
	Structure  *structure.Proposal `json:"structure,omitempty"`
	Attributes map[string]string   `json:"attributes,omitempty"`
}

// HistoricalEvidence summarises past mistakes behind a prevention verdict.
type HistoricalEvidence struct {
	Occurrences int `json:"occurrences"`
	// DevelopmentTimeLost is in hours.
	DevelopmentTimeLost float64   `json:"development_time_lost"`
	LastOccurred        time.Time `json:"last_occurred,omitempty"`
	RelatedMistakes     []string  `json:"related_mistakes,omitempty"`
}

// PreventionResult is the verdict on a proposed solution.
type PreventionResult struct {
	ShouldPrevent      bool                `json:"should_prevent"`
	Confidence         float64             `json:"confidence"`
	Reasoning          string              `json:"reasoning"`
	Action             rules.ActionType    `json:"action,omitempty"`
	RuleID             string              `json:"rule_id,omitempty"`
	Message            string              `json:"message,omitempty"`
	Alternatives       []string            `json:"alternatives,omitempty"`
	AutoFixCode        string              `json:"auto_fix_code,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
	MappingIssues      []mapping.Issue     `json:"mapping_issues,omitempty"`
	StructureIssues    []structure.Issue   `json:"structure_issues,omitempty"`
	HistoricalEvidence *HistoricalEvidence `json:"historical_evidence,omitempty"`
}

type checkOptions struct {
	autoFix bool
}

// CheckOption customises CheckForPotentialMistake.
type CheckOption func(*checkOptions)

// WithAutoFix returns auto_fix code from matching rules. Without it the
// code is withheld and the caller only sees the message.
func WithAutoFix() CheckOption {
	return func(o *checkOptions) {
		o.autoFix = true
	}
}

// CheckForPotentialMistake evaluates a proposed solution before it runs.
//
// Enabled rules are tried in priority order and the first actionable match
// decides. Without a rule match, mapping operations are checked against
// mapping memory and structure operations against structure memory. When
// nothing applies the proposal is allowed.
func (e *Engine) CheckForPotentialMistake(ctx context.Context, mctx *mistake.Context, proposed *ProposedSolution, opts ...CheckOption) (*PreventionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.check")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if mctx == nil {
		return nil, ErrNilContext
	}
	if proposed == nil {
		proposed = &ProposedSolution{}
	}
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	span.SetAttributes(attribute.String("mistake.operation", mctx.Operation))

	result := e.check(mctx, proposed, o)

	span.SetAttributes(
		attribute.Bool("check.should_prevent", result.ShouldPrevent),
		attribute.Float64("check.confidence", result.Confidence),
		attribute.String("rule.id", result.RuleID),
	)
	attrs := metric.WithAttributes(attribute.String("action", string(result.Action)))
	if e.checkCounter != nil {
		e.checkCounter.Add(ctx, 1, attrs)
	}
	if result.ShouldPrevent && e.preventCounter != nil {
		e.preventCounter.Add(ctx, 1, attrs)
	}

	return result, nil
}

func (e *Engine) check(mctx *mistake.Context, proposed *ProposedSolution, o checkOptions) *PreventionResult {
	facts := proposalFacts(mctx, proposed)
	if hit, ok := e.rules.FirstActionable(facts); ok {
		e.rules.MarkTriggered(hit.Rule.ID)
		e.logger.Debug("prevention rule matched",
			zap.String("rule_id", hit.Rule.ID),
			zap.String("action", string(hit.Rule.Action.Type)),
			zap.Float64("confidence", hit.Match.Confidence))
		return e.ruleResult(hit, mctx, o)
	}

	op := strings.ToLower(mctx.Operation)
	if strings.Contains(op, "mapping") || strings.Contains(op, "field") {
		if r := e.mappingResult(mctx, proposed); r != nil {
			return r
		}
	}
	if strings.Contains(op, "structure") || strings.Contains(op, "create") {
		if r := e.structureResult(mctx, proposed); r != nil {
			return r
		}
	}

	return &PreventionResult{
		ShouldPrevent: false,
		Confidence:    e.config.NoIssueConfidence,
		Reasoning:     noIssuesReasoning,
	}
}

// proposalFacts extends the context facts with the proposed solution.
func proposalFacts(mctx *mistake.Context, p *ProposedSolution) rules.Facts {
	facts := rules.FactsFromContext(mctx)
	facts.Set("proposed.approach", p.Approach)
	facts.Set("proposed.code", p.Code)
	facts.Set("proposed.config", p.Config)
	for k, v := range p.Attributes {
		facts.Set("proposed."+k, v)
	}
	for from, to := range p.Mapping {
		facts.Set("proposed.mapping."+from, to)
	}
	if p.Structure != nil {
		facts.Set("proposed.structure.name", p.Structure.Name)
		facts.Set("proposed.structure.template", p.Structure.Template)
	}
	return facts
}

func (e *Engine) ruleResult(hit rules.Evaluated, mctx *mistake.Context, o checkOptions) *PreventionResult {
	r := hit.Rule
	result := &PreventionResult{
		ShouldPrevent:      r.Action.Type == rules.ActionPrevent,
		Confidence:         hit.Match.Confidence,
		Reasoning:          fmt.Sprintf("rule %q matched with %.0f%% confidence", r.Name, hit.Match.Confidence),
		Action:             r.Action.Type,
		RuleID:             r.ID,
		Message:            r.Action.Message,
		Alternatives:       r.Action.Alternatives,
		HistoricalEvidence: e.evidenceFor(r, mctx.Operation),
	}
	if r.Action.Type == rules.ActionAutoFix && o.autoFix {
		result.AutoFixCode = r.Action.AutoFixCode
	}
	return result
}

// evidenceFor reports the ledger history behind a rule. Generated rules use
// their originating record; other rules use every record for the operation.
func (e *Engine) evidenceFor(r rules.Rule, operation string) *HistoricalEvidence {
	if r.OriginMistakeID != "" {
		if rec, ok := e.ledger.Get(r.OriginMistakeID); ok {
			return &HistoricalEvidence{
				Occurrences:         rec.RecurrenceCount,
				DevelopmentTimeLost: rec.Impact.DevelopmentTime,
				LastOccurred:        rec.LastOccurred,
				RelatedMistakes:     e.ledger.RelatedIDs(rec.Context.Operation),
			}
		}
	}

	ev := &HistoricalEvidence{}
	for _, id := range e.ledger.RelatedIDs(operation) {
		rec, ok := e.ledger.Get(id)
		if !ok {
			continue
		}
		ev.Occurrences += rec.RecurrenceCount
		ev.DevelopmentTimeLost += rec.Impact.DevelopmentTime
		if rec.LastOccurred.After(ev.LastOccurred) {
			ev.LastOccurred = rec.LastOccurred
		}
		ev.RelatedMistakes = append(ev.RelatedMistakes, id)
	}
	return ev
}

func (e *Engine) mappingResult(mctx *mistake.Context, p *ProposedSolution) *PreventionResult {
	source, target, _ := mappingSite(mctx)
	proposal := p.Mapping
	if len(proposal) == 0 {
		from, to := mctx.InputString("sourceField"), mctx.InputString("targetField")
		if from == "" || to == "" {
			return nil
		}
		proposal = map[string]string{from: to}
	}

	issues := e.mappings.Predict(source, target, proposal)
	if len(issues) == 0 {
		return nil
	}

	result := &PreventionResult{
		Action:        rules.ActionWarn,
		MappingIssues: issues,
		Reasoning:     fmt.Sprintf("mapping memory flagged %d field(s)", len(issues)),
	}
	for _, is := range issues {
		result.Confidence = max(result.Confidence, is.Confidence)
		result.Warnings = append(result.Warnings, is.Reason)
		if is.SuggestedTarget != "" && !containsString(result.Alternatives, is.SuggestedTarget) {
			result.Alternatives = append(result.Alternatives, is.SuggestedTarget)
		}
		if is.Blocking {
			result.ShouldPrevent = true
			result.Action = rules.ActionPrevent
		}
	}
	return result
}

func (e *Engine) structureResult(mctx *mistake.Context, p *ProposedSolution) *PreventionResult {
	structureType, structureContext := structureSite(mctx)
	var proposal structure.Proposal
	switch {
	case p.Structure != nil:
		proposal = *p.Structure
	case mctx.InputString("attemptedStructure") != "":
		proposal = structure.Proposal{Template: mctx.InputString("attemptedStructure")}
	default:
		proposal = structure.Proposal{Template: p.Approach}
	}

	issues := e.structures.Predict(structureType, structureContext, proposal)
	if len(issues) == 0 {
		return nil
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Confidence > issues[j].Confidence
	})

	result := &PreventionResult{
		Action:          rules.ActionWarn,
		StructureIssues: issues,
		Confidence:      issues[0].Confidence,
		Reasoning:       fmt.Sprintf("structure memory flagged %d issue(s)", len(issues)),
	}
	if g := e.structures.Guidance(structureType, structureContext); g.SuggestedStructure != nil {
		result.Alternatives = []string{g.SuggestedStructure.Name}
	}
	for _, is := range issues {
		result.Warnings = append(result.Warnings, is.Message)
		if is.Blocking {
			result.ShouldPrevent = true
			result.Action = rules.ActionPrevent
		}
	}
	return result
}
