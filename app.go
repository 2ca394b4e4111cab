package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
	"schema-poller/internal/lock"
	"schema-poller/internal/metrics"
	"schema-poller/internal/models"
	"schema-poller/internal/nats"
	"schema-poller/internal/pipeline"
	"schema-poller/internal/poller"
	"schema-poller/internal/store"
)

const metricsPushTimeout = 10 * time.Second

// app holds the wired components shared by the once and run commands.
type app struct {
	logger    *logrus.Logger
	db        *sql.DB
	poller    *poller.Poller
	pusher    *metrics.Pusher
	publisher *nats.Publisher
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	db, err := store.Open(&cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, db: db}

	repo := store.NewRepository(db, &cfg.Store, logger)

	var triggerOpts []pipeline.Option
	if cfg.Pipeline.ParametersScript != "" {
		script, err := pipeline.LoadParameterScript(cfg.Pipeline.ParametersScript, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Infof("Loaded parameters script from %s", cfg.Pipeline.ParametersScript)
		triggerOpts = append(triggerOpts, pipeline.WithParameterScript(script))
	}
	trigger, err := pipeline.NewTrigger(&cfg.Pipeline, logger, triggerOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Debugf("Pipeline runs are requested from %s", trigger.RunURL())

	collector := metrics.NewCollector()
	registry, err := metrics.NewRegistry(collector)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pusher = metrics.NewPusher(&cfg.Metrics, registry)

	opts := []poller.Option{
		poller.WithLocker(newLocker(cfg, db, logger)),
		poller.WithRecorder(collector),
	}
	if cfg.NATS.URL != "" {
		publisher, err := nats.NewPublisher(&cfg.NATS, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = publisher
		opts = append(opts, poller.WithNotifier(publisher))
	}

	a.poller = poller.New(repo, trigger, logger, opts...)
	return a, nil
}

func newLocker(cfg *config.Config, db *sql.DB, logger *logrus.Logger) lock.Locker {
	switch cfg.Lock.Kind {
	case config.LockDatabase:
		return lock.NewAdvisory(db, cfg.Store.Driver, cfg.Lock.Name, cfg.Lock.Timeout, cfg.Lock.Delay, clock.WallClock, logger)
	case config.LockNone:
		logger.Warn("Cycle lock disabled, overlapping cycles may trigger duplicate pipeline runs")
		return lock.Noop{}
	default:
		return lock.NewMutex(cfg.Lock.Name, cfg.Lock.Timeout, cfg.Lock.Delay, clock.WallClock, logger)
	}
}

// runCycle runs one poll cycle and pushes the metrics it produced.
func (a *app) runCycle(ctx context.Context, tick poller.Tick) (*models.CycleReport, error) {
	report, err := a.poller.RunCycle(ctx, tick)

	pushCtx, cancel := context.WithTimeout(ctx, metricsPushTimeout)
	defer cancel()
	if perr := a.pusher.Push(pushCtx); perr != nil {
		a.logger.Warnf("Failed to push cycle metrics: %v", perr)
	}
	return report, err
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warnf("Failed to close store connection: %v", err)
	}
}
