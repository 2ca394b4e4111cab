package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"schema-poller/internal/config"
	"schema-poller/internal/poller"
	"schema-poller/internal/scheduler"
	"schema-poller/internal/store"
)

var (
	configPath string
	pastDue    bool
)

var rootCmd = &cobra.Command{
	Use:   "schema-poller",
	Short: "Trigger a pipeline run for pending schema changes",
	Long: `schema-poller reads unprocessed schema changes from the change table,
starts one Azure DevOps pipeline run per batch and marks the batch processed
with the run id.

Environment variables (override the config file, a .env file is read first):
  SQL_DRIVER, SQL_SERVER, SQL_PORT, SQL_DATABASE, SQL_USER, SQL_PASSWORD
  ADO_ORGANIZATION, ADO_PROJECT, ADO_PIPELINE_ID, ADO_PAT
`,
	SilenceUsage: true,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll cycle",
	Long: `Runs one poll cycle and exits. The exit status is non-zero when the
cycle failed, so an external timer sees the failed invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.runCycle(cmd.Context(), poller.Tick{
			ScheduledAt: time.Now(),
			PastDue:     pastDue,
		})
		if report.Failed() {
			return err
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll on the configured interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case sig := <-sigChan:
				logger.Infof("Received signal: %v, shutting down...", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		sched := scheduler.New(&cfg.Schedule, clock.WallClock, logger)
		err = sched.Run(ctx, func(ctx context.Context, tick poller.Tick) {
			// A started cycle runs to completion so a triggered batch is
			// still acknowledged during shutdown.
			a.runCycle(context.WithoutCancel(ctx), tick)
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		logger.Info("Schema change poller stopped")
		return err
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the store connection and procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		db, err := store.Open(&cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.NewChecker(db, &cfg.Store, logger).Check(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Store check passed")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	onceCmd.Flags().BoolVar(&pastDue, "past-due", false, "mark the cycle as started late by the external timer")

	rootCmd.AddCommand(onceCmd, runCmd, checkCmd)
}

// setup loads and validates the config and builds the logger from it.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(&cfg.Logging), nil
}

func newLogger(cfg *config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Level)
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
