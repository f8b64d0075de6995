package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/preventd/internal/kvstore"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Store keys, one per in-memory store.
const (
	KeyLedger    = "ledger"
	KeyMapping   = "mapping"
	KeyStructure = "structure"
	KeyRules     = "rules"
	KeyInsights  = "insights"
)

// persisted binds one in-memory store to its key.
type persisted struct {
	key       string
	dirty     func() bool
	markDirty func()
	markClean func()
	snapshot  func() any
	restore   func(data []byte) error
}

func (e *Engine) persistedStores() []persisted {
	return []persisted{
		{
			key:       KeyLedger,
			dirty:     e.ledger.Dirty,
			markDirty: e.ledger.MarkDirty,
			markClean: e.ledger.MarkClean,
			snapshot:  func() any { return e.ledger.Snapshot() },
			restore: func(data []byte) error {
				var v map[string]*mistake.Record
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				e.ledger.Restore(v)
				return nil
			},
		},
		{
			key:       KeyMapping,
			dirty:     e.mappings.Dirty,
			markDirty: e.mappings.MarkDirty,
			markClean: e.mappings.MarkClean,
			snapshot:  func() any { return e.mappings.Snapshot() },
			restore: func(data []byte) error {
				var v map[string]mapping.Memory
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				e.mappings.Restore(v)
				return nil
			},
		},
		{
			key:       KeyStructure,
			dirty:     e.structures.Dirty,
			markDirty: e.structures.MarkDirty,
			markClean: e.structures.MarkClean,
			snapshot:  func() any { return e.structures.Snapshot() },
			restore: func(data []byte) error {
				var v map[string]structure.Memory
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				e.structures.Restore(v)
				return nil
			},
		},
		{
			key:       KeyRules,
			dirty:     e.rules.Dirty,
			markDirty: e.rules.MarkDirty,
			markClean: e.rules.MarkClean,
			snapshot:  func() any { return e.rules.Snapshot() },
			restore: func(data []byte) error {
				var v map[string]rules.Rule
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				e.rules.Restore(v)
				return nil
			},
		},
		{
			key:       KeyInsights,
			dirty:     e.insightsDirtyFlag,
			markDirty: func() { e.setInsightsDirty(true) },
			markClean: func() { e.setInsightsDirty(false) },
			snapshot:  func() any { return e.Insights() },
			restore: func(data []byte) error {
				var v []mistake.Insight
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				e.restoreInsights(v)
				return nil
			},
		},
	}
}

// Hydrate loads every store from the durable store. Missing keys leave the
// corresponding store empty.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "engine.hydrate")
	defer span.End()

	for _, p := range e.persistedStores() {
		data, err := e.store.Load(ctx, p.key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to load %s: %w", p.key, err)
		}
		if err := p.restore(data); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to decode %s: %w", p.key, err)
		}
	}

	e.logger.Info("engine state hydrated",
		zap.Int("mistakes", e.ledger.Len()),
		zap.Int("rules", e.rules.Len()),
		zap.Int("mapping_memories", e.mappings.Len()),
		zap.Int("structure_memories", e.structures.Len()))
	return nil
}

// Flush saves every dirty store. A store whose save fails stays dirty so
// the next flush retries it. Flushes are serialised.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.flush")
	defer span.End()

	var errs []error
	saved := 0
	for _, p := range e.persistedStores() {
		if !p.dirty() {
			continue
		}
		// Cleared before the snapshot so writes that land during the save
		// re-dirty the store.
		p.markClean()
		data, err := json.Marshal(p.snapshot())
		if err != nil {
			p.markDirty()
			errs = append(errs, fmt.Errorf("failed to encode %s: %w", p.key, err))
			continue
		}
		if err := e.store.Save(ctx, p.key, data); err != nil {
			p.markDirty()
			errs = append(errs, fmt.Errorf("failed to save %s: %w", p.key, err))
			continue
		}
		saved++
	}
	span.SetAttributes(attribute.Int("flush.saved", saved))

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.flushErrCounter != nil {
			e.flushErrCounter.Add(ctx, int64(len(errs)))
		}
		return err
	}
	return nil
}

// flushAfterWrite persists after a mutating call. Failures are logged and
// the affected stores stay dirty.
func (e *Engine) flushAfterWrite(ctx context.Context) {
	if !e.config.FlushOnRecord || e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if e.config.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.PersistTimeout)
		defer cancel()
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Warn("failed to persist engine state; will retry on next flush", zap.Error(err))
	}
}
