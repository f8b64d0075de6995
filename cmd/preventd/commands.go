package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/preventd/internal/config"
	"github.com/fyrsmithlabs/preventd/internal/engine"
	preventhttp "github.com/fyrsmithlabs/preventd/internal/http"
	"github.com/fyrsmithlabs/preventd/internal/learning"
	"github.com/fyrsmithlabs/preventd/internal/logging"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxInputSize bounds JSON documents read from files or stdin.
const maxInputSize = 1024 * 1024

// readInput reads a JSON document from the named file, or stdin for "-"
// or no argument, and decodes it into v.
func readInput(cmd *cobra.Command, args []string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if len(data) > maxInputSize {
		return fmt.Errorf("input exceeds %d bytes", maxInputSize)
	}
	if len(data) == 0 {
		return errors.New("no input provided")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return nil
}

// scopedContext tags ctx with the project, session and operation for log
// entries.
func scopedContext(ctx context.Context, mctx *mistake.Context) context.Context {
	if mctx == nil {
		return ctx
	}
	ctx = logging.WithProject(ctx, mctx.ProjectID)
	ctx = logging.WithSession(ctx, mctx.SessionID)
	return logging.WithOperation(ctx, mctx.Operation)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRecordCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "record [file]",
		Short: "Record a mistake",
		Long: `Record a mistake described by a JSON document with "context", "error" and
optional "attempted" objects. Prints the id of the stored record; a repeat
of a known mistake returns the existing id.

Examples:
  preventd record mistake.json
  cat mistake.json | preventd record -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req preventhttp.RecordRequest
			if err := readInput(cmd, args, &req); err != nil {
				return err
			}
			ctx := scopedContext(cmd.Context(), req.Context)
			return withApp(ctx, opts, func(ctx context.Context, a *app) error {
				id, err := a.engine.RecordMistake(ctx, req.Context, req.Error, req.Attempted)
				if err != nil {
					return err
				}
				logging.FromContext(ctx).Debug(ctx, "mistake recorded", zap.String("mistake_id", id))
				return printJSON(cmd, preventhttp.RecordResponse{ID: id})
			})
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var autoFix bool
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Check a proposed solution before running it",
		Long: `Evaluate a JSON document with "context" and "proposed" objects against the
prevention rules and mapping and structure memories.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req preventhttp.CheckRequest
			if err := readInput(cmd, args, &req); err != nil {
				return err
			}
			var checkOpts []engine.CheckOption
			if autoFix || req.AutoFix {
				checkOpts = append(checkOpts, engine.WithAutoFix())
			}
			ctx := scopedContext(cmd.Context(), req.Context)
			return withApp(ctx, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.CheckForPotentialMistake(ctx, req.Context, req.Proposed, checkOpts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "include auto-fix code from matching rules")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <mistake-id> [file]",
		Short: "Attach a verified correct solution to a mistake",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sol mistake.CorrectSolution
			if err := readInput(cmd, args[1:], &sol); err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				rec, err := a.engine.VerifySolution(ctx, args[0], &sol)
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
}

func newOutcomeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "outcome <rule-id> <prevented|helpful|false_positive>",
		Short:     "Report how a prevention rule performed",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(rules.OutcomePrevented), string(rules.OutcomeHelpful), string(rules.OutcomeFalsePositive)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				r, err := a.engine.RecordRuleOutcome(ctx, args[0], rules.Outcome(args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var project, category string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded mistakes, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.GetMistakeHistory(ctx, project, mistake.Category(category)))
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only mistakes from this project")
	cmd.Flags().StringVar(&category, "category", "", "only mistakes in this category")
	return cmd
}

func newRulesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List enabled prevention rules by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.GetPreventionRules(ctx))
			})
		},
	}
}

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show prevention effectiveness metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.GetEffectivenessMetrics(ctx))
			})
		},
	}
}

func newInsightsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "insights",
		Short: "List cross-record learning insights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.Insights())
			})
		},
	}
}

func newMappingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mapping <source-schema> <target-schema> <field>",
		Short: "Get mapping guidance for a source field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.GetFieldMappingGuidance(ctx, args[0], args[1], args[2]))
			})
		},
	}
}

func newStructureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "structure <type> [context]",
		Short: "Get structure guidance for a type and context",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			structureContext := ""
			if len(args) > 1 {
				structureContext = args[1]
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return printJSON(cmd, a.engine.GetStructureGuidance(ctx, args[0], structureContext))
			})
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Merge rules, mappings and structures from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := engine.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.Seed(ctx, sf)
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newLearnCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Run every learning task once",
		Long: `Run deep learning, pattern analysis and classifier retraining once against
the stored ledger, then print the resulting insights.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				s, err := learning.NewScheduler(a.engine, a.logger.Underlying(), learning.WithConfig(learningConfig(a.cfg.Learning)))
				if err != nil {
					return err
				}
				if err := runLearningOnce(ctx, s); err != nil {
					return err
				}
				return printJSON(cmd, a.engine.Insights())
			})
		},
	}
}

func runLearningOnce(ctx context.Context, s *learning.Scheduler) error {
	return errors.Join(
		s.RunDeepLearning(ctx),
		s.RunPatternAnalysis(ctx),
		s.RunRetraining(ctx),
	)
}

func learningConfig(c config.LearningConfig) learning.Config {
	return learning.Config{
		DeepInterval:    c.DeepInterval.Duration(),
		PatternInterval: c.PatternInterval.Duration(),
		RetrainInterval: c.RetrainInterval.Duration(),
		TaskTimeout:     c.TaskTimeout.Duration(),
	}
}
