// Package engine records development mistakes and answers prevention
// queries against the knowledge derived from them.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/events"
	"github.com/fyrsmithlabs/preventd/internal/kvstore"
	"github.com/fyrsmithlabs/preventd/internal/ledger"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/secrets"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/preventd/internal/engine"

// Errors returned by engine operations.
var (
	ErrNilContext      = mistake.ErrNilContext
	ErrNilErrorDetails = mistake.ErrNilErrorDetails
	ErrMistakeNotFound = ledger.ErrMistakeNotFound
	ErrRuleNotFound    = rules.ErrRuleNotFound
	ErrNilSolution     = errors.New("correct solution cannot be nil")
	ErrClosed          = errors.New("engine is closed")
)

// Config configures an Engine.
type Config struct {
	// InitialConfidence is the confidence of a newly recorded mistake (default: 85).
	InitialConfidence float64

	// SimilarityThreshold is the minimum record similarity for correction
	// suggestions (default: 0.5).
	SimilarityThreshold float64

	// NoIssueConfidence is reported when no rule or memory flags a proposal (default: 95).
	NoIssueConfidence float64

	// FlushOnRecord persists dirty stores at the end of every mutating call (default: true).
	FlushOnRecord bool

	// PersistTimeout bounds each flush triggered by a mutating call (default: 5s).
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InitialConfidence:   mistake.InitialConfidence,
		SimilarityThreshold: 0.5,
		NoIssueConfidence:   95,
		FlushOnRecord:       true,
		PersistTimeout:      5 * time.Second,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithClassifier replaces the rule-based classifier.
func WithClassifier(c mistake.Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithStore sets the durable store used by Hydrate and Flush.
func WithStore(s kvstore.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithBus sets the event bus notifications are published on.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithScrubber replaces the default secret scrubber applied to recorded
// mistakes and solutions. A nil scrubber disables redaction.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(e *Engine) {
		e.scrubber = s
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the ledger, both memories and the rule store.
// Multiple engines may coexist; none of their state is global.
type Engine struct {
	config     *Config
	classifier mistake.Classifier
	ledger     *ledger.Ledger
	mappings   *mapping.Store
	structures *structure.Store
	rules      *rules.Store
	store      kvstore.Store
	bus        *events.Bus
	scrubber   *secrets.Scrubber
	logger     *zap.Logger
	now        func() time.Time

	insightsMu    sync.RWMutex
	insights      []mistake.Insight
	insightsDirty bool

	// flushMu serialises Flush calls.
	flushMu sync.Mutex

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	recordCounter   metric.Int64Counter
	recurCounter    metric.Int64Counter
	checkCounter    metric.Int64Counter
	preventCounter  metric.Int64Counter
	flushErrCounter metric.Int64Counter
	redactCounter   metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// New creates an engine. A nil config uses DefaultConfig and a nil logger
// is replaced by a no-op logger.
func New(cfg *Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:     cfg,
		classifier: mistake.NewRuleClassifier(),
		ledger:     ledger.New(),
		mappings:   mapping.NewStore(),
		structures: structure.NewStore(),
		rules:      rules.NewStore(logger),
		scrubber:   secrets.MustNew(nil),
		logger:     logger,
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewBus(logger)
	}

	e.initMetrics()

	return e
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	var err error

	e.recordCounter, err = e.meter.Int64Counter(
		"preventd.mistakes.recorded_total",
		metric.WithDescription("Total number of mistakes recorded"),
		metric.WithUnit("{mistake}"),
	)
	if err != nil {
		e.logger.Warn("failed to create record counter", zap.Error(err))
	}

	e.recurCounter, err = e.meter.Int64Counter(
		"preventd.mistakes.recurrences_total",
		metric.WithDescription("Total number of recorded mistakes that matched an existing record"),
		metric.WithUnit("{mistake}"),
	)
	if err != nil {
		e.logger.Warn("failed to create recurrence counter", zap.Error(err))
	}

	e.checkCounter, err = e.meter.Int64Counter(
		"preventd.checks_total",
		metric.WithDescription("Total number of prevention checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		e.logger.Warn("failed to create check counter", zap.Error(err))
	}

	e.preventCounter, err = e.meter.Int64Counter(
		"preventd.checks.prevented_total",
		metric.WithDescription("Total number of prevention checks that blocked the proposal"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		e.logger.Warn("failed to create prevent counter", zap.Error(err))
	}

	e.flushErrCounter, err = e.meter.Int64Counter(
		"preventd.persistence.errors_total",
		metric.WithDescription("Total number of failed store flushes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		e.logger.Warn("failed to create flush error counter", zap.Error(err))
	}

	e.redactCounter, err = e.meter.Int64Counter(
		"preventd.secrets.redacted_total",
		metric.WithDescription("Total number of secrets redacted from recorded input"),
		metric.WithUnit("{secret}"),
	)
	if err != nil {
		e.logger.Warn("failed to create redaction counter", zap.Error(err))
	}
}

// checkOpen returns ErrClosed once Close has been called.
func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Subscribe registers an event handler and returns its unsubscribe function.
func (e *Engine) Subscribe(h events.Handler) func() {
	return e.bus.Subscribe(h)
}

// Classifier returns the classifier in use.
func (e *Engine) Classifier() mistake.Classifier {
	return e.classifier
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *zap.Logger {
	return e.logger
}

// Close marks the engine closed. It does not flush or close the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
