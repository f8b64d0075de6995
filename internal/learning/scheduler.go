// Package learning runs the periodic background tasks that refine the
// engine's knowledge: confidence recalculation, cross-record insights and
// classifier retraining.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/preventd/internal/learning"

// Task names used in logs and metrics.
const (
	TaskDeepLearning    = "deep_learning"
	TaskPatternAnalysis = "pattern_analysis"
	TaskRetraining      = "retraining"
)

// Knowledge is the part of the engine the scheduler works against.
// Reads return snapshots; all writes go through CommitKnowledge.
type Knowledge interface {
	Records() []*mistake.Record
	Rules() []rules.Rule
	Classifier() mistake.Classifier
	CommitKnowledge(ctx context.Context, u engine.KnowledgeUpdate) (engine.CommitResult, error)
	Flush(ctx context.Context) error
}

// Config configures the Scheduler.
type Config struct {
	DeepInterval    time.Duration
	PatternInterval time.Duration
	RetrainInterval time.Duration

	// TaskTimeout bounds a single task run (default: 5m).
	TaskTimeout time.Duration

	// TemporalWindow and TemporalMinOccurrences define a temporal cluster
	// (default: 3 mistakes of one category within 1h).
	TemporalWindow         time.Duration
	TemporalMinOccurrences int
}

// DefaultConfig returns the standard task cadence.
func DefaultConfig() Config {
	return Config{
		DeepInterval:           30 * time.Minute,
		PatternInterval:        time.Hour,
		RetrainInterval:        24 * time.Hour,
		TaskTimeout:            5 * time.Minute,
		TemporalWindow:         time.Hour,
		TemporalMinOccurrences: 3,
	}
}

// Scheduler runs the learning tasks on their intervals.
//
// All tasks share a single goroutine, so at most one task runs at a time.
// A failing or panicking task is logged and the loop carries on.
type Scheduler struct {
	cfg       Config
	knowledge Knowledge
	logger    *zap.Logger

	// mu protects running, stopCh and done.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	runCounter metric.Int64Counter
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithDeepInterval sets the deep learning interval.
func WithDeepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.cfg.DeepInterval = d
	}
}

// WithPatternInterval sets the pattern analysis interval.
func WithPatternInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.cfg.PatternInterval = d
	}
}

// WithRetrainInterval sets the classifier retraining interval.
func WithRetrainInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.cfg.RetrainInterval = d
	}
}

// WithConfig replaces the whole configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) SchedulerOption {
	return func(s *Scheduler) {
		def := DefaultConfig()
		if cfg.DeepInterval <= 0 {
			cfg.DeepInterval = def.DeepInterval
		}
		if cfg.PatternInterval <= 0 {
			cfg.PatternInterval = def.PatternInterval
		}
		if cfg.RetrainInterval <= 0 {
			cfg.RetrainInterval = def.RetrainInterval
		}
		if cfg.TaskTimeout <= 0 {
			cfg.TaskTimeout = def.TaskTimeout
		}
		if cfg.TemporalWindow <= 0 {
			cfg.TemporalWindow = def.TemporalWindow
		}
		if cfg.TemporalMinOccurrences <= 0 {
			cfg.TemporalMinOccurrences = def.TemporalMinOccurrences
		}
		s.cfg = cfg
	}
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(k Knowledge, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if k == nil {
		return nil, fmt.Errorf("knowledge cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Scheduler{
		cfg:       DefaultConfig(),
		knowledge: k,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.runCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"preventd.learning.runs_total",
		metric.WithDescription("Total number of learning task runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create learning run counter", zap.Error(err))
	}

	return s, nil
}

// Start launches the background loop. It returns an error when the
// scheduler is already running or an interval is not positive.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.cfg.DeepInterval <= 0 || s.cfg.PatternInterval <= 0 || s.cfg.RetrainInterval <= 0 {
		return fmt.Errorf("learning intervals must be positive")
	}

	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("learning scheduler started",
		zap.Duration("deep_interval", s.cfg.DeepInterval),
		zap.Duration("pattern_interval", s.cfg.PatternInterval),
		zap.Duration("retrain_interval", s.cfg.RetrainInterval),
	)

	go s.run(s.stopCh, s.done)

	return nil
}

// Stop signals the loop and waits for an in-flight task to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.logger.Info("stopping learning scheduler")
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	deep := time.NewTicker(s.cfg.DeepInterval)
	defer deep.Stop()
	pattern := time.NewTicker(s.cfg.PatternInterval)
	defer pattern.Stop()
	retrain := time.NewTicker(s.cfg.RetrainInterval)
	defer retrain.Stop()

	for {
		select {
		case <-deep.C:
			s.safeRun(TaskDeepLearning, s.RunDeepLearning)
		case <-pattern.C:
			s.safeRun(TaskPatternAnalysis, s.RunPatternAnalysis)
		case <-retrain.C:
			s.safeRun(TaskRetraining, s.RunRetraining)
		case <-stopCh:
			s.logger.Info("learning scheduler stopped")
			return
		}
	}
}

// safeRun executes one task with a timeout and panic recovery.
func (s *Scheduler) safeRun(task string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			s.logger.Error("learning task panicked",
				zap.String("task", task),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
		if s.runCounter != nil {
			s.runCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task", task),
				attribute.String("status", status),
			))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		status = "error"
		s.logger.Error("learning task failed",
			zap.String("task", task),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("learning task completed",
		zap.String("task", task),
		zap.Duration("duration", time.Since(start)),
	)
}

// RunDeepLearning recalculates confidences and derives temporal,
// behavioral and performance insights.
func (s *Scheduler) RunDeepLearning(ctx context.Context) error {
	records := s.knowledge.Records()
	if len(records) == 0 {
		return nil
	}

	u := Recalculate(records, s.knowledge.Rules())
	u.Insights = append(u.Insights, TemporalClusters(records, s.cfg.TemporalWindow, s.cfg.TemporalMinOccurrences)...)
	u.Insights = append(u.Insights, BehavioralCorrelations(records)...)
	u.Insights = append(u.Insights, PerformanceCorrelations(records)...)

	return s.commit(ctx, TaskDeepLearning, u)
}

// RunPatternAnalysis recalculates confidences and derives aggregate
// pattern insights.
func (s *Scheduler) RunPatternAnalysis(ctx context.Context) error {
	records := s.knowledge.Records()
	u := Recalculate(records, s.knowledge.Rules())
	u.Insights = append(u.Insights, AggregatePatterns(records)...)

	return s.commit(ctx, TaskPatternAnalysis, u)
}

// RunRetraining retrains the classifier from the ledger when it supports
// training, then recalculates confidences.
func (s *Scheduler) RunRetraining(ctx context.Context) error {
	records := s.knowledge.Records()

	var trainErr error
	if t, ok := s.knowledge.Classifier().(mistake.Trainable); ok && len(records) > 0 {
		if err := t.Train(ctx, TrainingExamples(records)); err != nil {
			trainErr = fmt.Errorf("failed to retrain classifier: %w", err)
		} else {
			s.logger.Info("classifier retrained", zap.Int("examples", len(records)))
		}
	}

	u := Recalculate(records, s.knowledge.Rules())
	return errors.Join(trainErr, s.commit(ctx, TaskRetraining, u))
}

func (s *Scheduler) commit(ctx context.Context, task string, u engine.KnowledgeUpdate) error {
	if u.Empty() {
		return nil
	}
	res, err := s.knowledge.CommitKnowledge(ctx, u)
	if err != nil {
		return fmt.Errorf("failed to commit knowledge: %w", err)
	}
	s.logger.Info("learning task committed knowledge",
		zap.String("task", task),
		zap.Int("patterns", res.Patterns),
		zap.Int("rules", res.Rules),
		zap.Int("promoted", res.Promoted),
		zap.Int("new_insights", res.NewInsights),
	)
	if err := s.knowledge.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush knowledge: %w", err)
	}
	return nil
}
