package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/preventd/internal/config"
	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/events"
	"github.com/fyrsmithlabs/preventd/internal/kvstore"
	"github.com/fyrsmithlabs/preventd/internal/logging"
	"github.com/fyrsmithlabs/preventd/internal/secrets"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
)

// app holds the components every command needs.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  kvstore.Store
	bus    *events.Bus
	engine *engine.Engine
}

// newApp loads configuration, opens the configured store and hydrates an
// engine from it. Logs go to logOut so command output stays parseable.
func newApp(ctx context.Context, configPath string, logOut io.Writer, otelProvider log.LoggerProvider) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logCfg.Output.OTEL = otelProvider != nil
	logger, err := logging.NewLogger(logCfg, otelProvider, logging.WithWriter(logOut))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()

	scrubber, err := secrets.New(cfg.Redaction.Scrubber())
	if err != nil {
		return nil, fmt.Errorf("invalid redaction config: %w", err)
	}

	store, err := kvstore.Open(ctx, storageOptions(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}

	bus := events.NewBus(zl)
	bus.Subscribe(events.LogHandler(zl))

	eng := engine.New(engineConfig(cfg.Engine), zl,
		engine.WithStore(store),
		engine.WithBus(bus),
		engine.WithScrubber(scrubber))
	if err := eng.Hydrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to hydrate engine: %w", err)
	}

	logger.Debug(ctx, "preventd initialized",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Bool("redaction", scrubber.Enabled()),
		logging.Secret("dsn", cfg.Storage.DSN))

	return &app{cfg: cfg, logger: logger, store: store, bus: bus, engine: eng}, nil
}

// Close flushes pending state and releases the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush engine state: %w", err))
	}
	_ = a.engine.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func storageOptions(s config.StorageConfig) kvstore.Options {
	return kvstore.Options{
		Driver: s.Driver,
		Path:   s.Path,
		DSN:    s.DSN.Value(),
		Redis: kvstore.RedisOptions{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword.Value(),
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
		},
		NATSURL: s.NATSURL,
		Bucket:  s.NATSBucket,
	}
}

func engineConfig(c config.EngineConfig) *engine.Config {
	return &engine.Config{
		InitialConfidence:   c.InitialConfidence,
		SimilarityThreshold: c.SimilarityThreshold,
		NoIssueConfidence:   c.NoIssueConfidence,
		FlushOnRecord:       c.FlushOnRecord,
		PersistTimeout:      c.PersistTimeout.Duration(),
	}
}

// withApp runs fn against a freshly built app and closes it afterwards.
// The context passed to fn carries the app's logger.
func withApp(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := newApp(ctx, opts.configPath, os.Stderr, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(logging.WithLogger(ctx, a.logger), a)
}
