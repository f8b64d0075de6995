// Package seedwatch reapplies an operator seed file whenever it changes on disk.
package seedwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/preventd/internal/engine"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// DefaultDebounce coalesces the bursts of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Seeder applies parsed seed files.
type Seeder interface {
	Seed(ctx context.Context, sf *engine.SeedFile) (engine.SeedResult, error)
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a change is applied.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher watches one seed file. The parent directory is watched so
// atomic rename-on-save is seen as a change.
type Watcher struct {
	path     string
	seeder   Seeder
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	applied  chan engine.SeedResult

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher for path. It does nothing until Start is called.
func New(path string, s Seeder, logger *zap.Logger, opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("seed path cannot be empty")
	}
	if s == nil {
		return nil, fmt.Errorf("seeder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w := &Watcher{
		path:     abs,
		seeder:   s,
		logger:   logger,
		debounce: DefaultDebounce,
		watcher:  fw,
		applied:  make(chan engine.SeedResult, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Apply loads the seed file and merges it into the seeder once.
func (w *Watcher) Apply(ctx context.Context) (engine.SeedResult, error) {
	sf, err := engine.LoadSeedFile(w.path)
	if err != nil {
		return engine.SeedResult{}, err
	}
	return w.seeder.Seed(ctx, sf)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	w.logger.Info("watching seed file", zap.String("path", w.path))
	return nil
}

// Stop stops watching and waits for the loop to exit. It is safe to call
// more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Done is closed when the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Applied receives the result of each successful reload. Results are
// dropped when nobody is receiving.
func (w *Watcher) Applied() <-chan engine.SeedResult {
	return w.applied
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed watcher error", zap.Error(err))
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	res, err := w.Apply(ctx)
	if err != nil {
		w.logger.Warn("failed to reload seed file",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Info("seed file reloaded",
		zap.String("path", w.path),
		zap.Int("rules", res.Rules),
		zap.Int("mappings", res.Mappings),
		zap.Int("structures", res.Structures))

	select {
	case w.applied <- res:
	default:
	}
}
