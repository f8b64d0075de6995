package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/events"
	preventhttp "github.com/fyrsmithlabs/preventd/internal/http"
	"github.com/fyrsmithlabs/preventd/internal/kvstore"
	"github.com/fyrsmithlabs/preventd/internal/learning"
	"github.com/fyrsmithlabs/preventd/internal/metrics"
	"github.com/fyrsmithlabs/preventd/internal/seedwatch"
	"github.com/fyrsmithlabs/preventd/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the learning loop and the HTTP API",
		Long: `Serve hydrates the engine from the configured store, runs the background
learning tasks, publishes engine events to NATS when enabled, reapplies the
seed file when it changes and serves the JSON API, /metrics and /healthz.
SIGINT or SIGTERM shuts down gracefully and flushes state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.configPath, os.Stderr)
		},
	}
}

// runServe blocks until ctx is cancelled.
func runServe(ctx context.Context, configPath string, logOut io.Writer) (err error) {
	a, err := newApp(ctx, configPath, logOut, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	zl := a.logger.Underlying()

	a.logger.Info(ctx, "starting preventd",
		zap.String("version", version),
		zap.String("storage_driver", a.cfg.Storage.Driver),
		zap.Bool("learning", a.cfg.Learning.Enabled),
		zap.Bool("nats_events", a.cfg.Events.NATSEnabled))

	tel, err := telemetry.New(ctx, telemetry.FromSettings(a.cfg.Telemetry, version), zl)
	if err != nil {
		return err
	}
	defer func() {
		if serr := tel.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(serr))
		}
	}()

	if a.cfg.Events.NATSEnabled {
		nc, err := connectEvents(a.cfg.Events.NATSURL, zl)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()

		pub, err := events.NewNATSPublisher(nc, a.cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		defer a.engine.Subscribe(pub.Handle)()
	}

	if path := a.cfg.Seed.Path; path != "" {
		w, err := seedwatch.New(path, a.engine, zl)
		if err != nil {
			return err
		}
		if _, err := w.Apply(ctx); err != nil {
			zl.Warn("seed file applied with errors", zap.String("path", path), zap.Error(err))
		}
		if a.cfg.Seed.Watch {
			if err := w.Start(ctx); err != nil {
				return err
			}
		}
		defer w.Stop()
	}

	if a.cfg.Learning.Enabled {
		s, err := learning.NewScheduler(a.engine, zl, learning.WithConfig(learningConfig(a.cfg.Learning)))
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
		defer func() { _ = s.Stop() }()
	}

	if !a.cfg.Metrics.Enabled {
		<-ctx.Done()
		a.logger.Info(ctx, "shutting down preventd")
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if _, err := metrics.Register(reg, a.engine); err != nil {
		return err
	}

	srv, err := preventhttp.NewServer(a.engine, reg, zl,
		&preventhttp.Config{
			Addr:            a.cfg.Metrics.Addr,
			Version:         version,
			ShutdownTimeout: a.cfg.Metrics.ShutdownTimeout.Duration(),
		},
		preventhttp.WithHealthCheck("store", storeHealth(a.store)),
		preventhttp.WithHealthCheck("telemetry", telemetryHealth(tel)),
	)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

func connectEvents(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("preventd-events"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS for events", zap.String("url", url))
	return nc, nil
}

// storeHealth probes the durable store with a read.
func storeHealth(s kvstore.Store) preventhttp.HealthFunc {
	return func(ctx context.Context) error {
		_, err := s.Load(ctx, engine.KeyLedger)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return err
	}
}

func telemetryHealth(t *telemetry.Telemetry) preventhttp.HealthFunc {
	return func(context.Context) error {
		if h := t.Health(); h.Degraded {
			return fmt.Errorf("telemetry degraded: %s", h.Reason)
		}
		return nil
	}
}
