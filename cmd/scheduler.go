package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/pipeline"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the cadence scheduler until interrupted",
	Long:  "Evaluates source cadences on a fixed tick, polls the announcement feed for events, and executes the resulting pipeline runs. Stops cleanly on SIGINT/SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "scheduler")
		if err != nil {
			return err
		}
		defer env.Close()

		// Background alert checker, active only when a webhook is set.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, monitoring.Events),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
			zap.L().Info("alert checker started", zap.String("webhook", cfg.Monitoring.WebhookURL))
		}

		sched := pipeline.NewScheduler(cfg.Scheduler, env.Orchestrator, env.Sources, env.Store)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		zap.L().Info("scheduler stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
