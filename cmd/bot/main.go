// Command bot runs the diagonal spread campaign engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/dashboard"
	"github.com/eddiefleurent/schrute_spreads/internal/engine"
	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/pricefeed"
	"github.com/eddiefleurent/schrute_spreads/internal/reconcile"
	"github.com/eddiefleurent/schrute_spreads/internal/safety"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	clearCircuit := flag.Bool("clear-circuit", false, "clear the persisted trading circuit and exit")
	flag.Parse()

	if err := run(*configPath, *clearCircuit); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, clearCircuit bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := storage.NewStore(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventsFile, err := os.OpenFile(filepath.Join(cfg.Storage.Dir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening telemetry file: %w", err)
	}
	defer eventsFile.Close()
	sink := telemetry.NewWriterSink(ctx, eventsFile, cfg.Telemetry.BufferSize, logger)
	defer sink.Close()

	monitor := safety.NewMonitor(store, sink, logger, cfg.Safety.FailureThreshold)

	if clearCircuit {
		if err := monitor.Clear(); err != nil {
			return err
		}
		logger.Info("persisted circuit state cleared")
		return nil
	}

	api := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID,
		!cfg.IsLive(), cfg.Broker.BaseURL).WithTimeout(cfg.Broker.Timeout)
	gateway := broker.NewCircuitBreakerBroker(api, logger)

	executor := orders.NewExecutor(gateway, monitor, nil, sink, logger, orders.Config{
		MaxSpread:            cfg.Execution.MaxSpread,
		OrderTimeout:         cfg.Execution.OrderTimeout,
		VerifyWait:           cfg.Execution.VerifyWait,
		EmergencySlippagePct: cfg.Execution.EmergencySlippagePct,
	})

	reconciler := reconcile.NewReconciler(gateway, store, sink, logger, reconcile.Config{
		MinInterval:       cfg.Reconcile.MinInterval,
		MismatchThreshold: cfg.Reconcile.MismatchThreshold,
	})
	reconciler.SetOrphanCloser(executor)
	reconciler.SetEscalator(monitor)
	executor.SetMismatchRecorder(reconciler)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(registry)
	executor.SetRecorder(recorder)
	reconciler.SetRecorder(recorder)
	sink.SetRecorder(recorder)

	cache := pricefeed.NewCache()
	poller := pricefeed.NewPoller(gateway, cache, logger,
		cfg.PriceFeed.PollInterval, cfg.Campaign.Symbol)

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Broker:     gateway,
		Store:      store,
		Executor:   executor,
		Reconciler: reconciler,
		Monitor:    monitor,
		Cache:      cache,
		Sink:       sink,
		Logger:     logger,
		Prom:       recorder,
	})
	monitor.SetUnwinder(eng)

	logger.WithFields(logrus.Fields{
		"mode":   cfg.Environment.Mode,
		"symbol": cfg.Campaign.Symbol,
	}).Info("starting campaign engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard.ListenAddr, eng, monitor, store, registry, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
