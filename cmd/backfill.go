package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/pipeline"
	"github.com/stockpulse/pipeline-cli/internal/source"
)

var (
	backfillSymbols   []string
	backfillFrom      string
	backfillTo        string
	backfillRecompute bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load historical price bars from the daily archive",
	Long:  "Walks the archive day by day between --from and --to, loading bars for tracked symbols. Weekends and exchange holidays are skipped. With --recompute, a manual run follows to rebuild derived fields.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		from, err := time.Parse("2006-01-02", backfillFrom)
		if err != nil {
			return eris.Wrap(err, "backfill: parse --from")
		}
		to := time.Now().UTC()
		if backfillTo != "" {
			if to, err = time.Parse("2006-01-02", backfillTo); err != nil {
				return eris.Wrap(err, "backfill: parse --to")
			}
		}
		if to.Before(from) {
			return eris.New("backfill: --to is before --from")
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Sources.Get(source.SourceBhavcopy)
		if err != nil {
			return eris.Wrap(err, "backfill")
		}
		archive, ok := src.(*source.Bhavcopy)
		if !ok {
			return eris.New("backfill: bhavcopy source unavailable")
		}

		want, err := backfillUniverse(cmd, env)
		if err != nil {
			return err
		}

		log := zap.L().With(zap.String("component", "backfill"))
		var days, skipped, bars int
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			all, ok, err := archive.BarsForDate(ctx, day)
			if err != nil {
				if ctx.Err() != nil {
					return eris.Wrap(ctx.Err(), "backfill")
				}
				log.Warn("archive day failed", zap.String("date", day.Format("2006-01-02")), zap.Error(err))
				skipped++
				continue
			}
			if !ok {
				skipped++
				continue
			}

			keep := all[:0]
			for _, b := range all {
				if want[b.Symbol] {
					keep = append(keep, b)
				}
			}
			if len(keep) == 0 {
				skipped++
				continue
			}

			if err := env.Store.UpsertPriceBars(ctx, keep); err != nil {
				return eris.Wrapf(err, "backfill: save bars %s", day.Format("2006-01-02"))
			}
			days++
			bars += len(keep)
		}

		log.Info("backfill complete",
			zap.Int("trading_days", days),
			zap.Int("skipped_days", skipped),
			zap.Int("bars", bars),
		)
		fmt.Printf("Backfilled %d bars across %d trading days (%d days skipped)\n", bars, days, skipped)

		if backfillRecompute {
			run, err := env.Orchestrator.Run(ctx, pipeline.RunRequest{
				Symbols: backfillSymbols,
				Trigger: model.TriggerManual,
			})
			if err != nil {
				return eris.Wrap(err, "backfill: recompute run")
			}
			fmt.Printf("Recompute run %s finished with status %s\n", truncateID(run.ID), run.Status)
		}
		return nil
	},
}

// backfillUniverse resolves the symbol set to keep bars for: the --symbols
// flag when given, otherwise the active universe.
func backfillUniverse(cmd *cobra.Command, env *pipelineEnv) (map[string]bool, error) {
	want := make(map[string]bool, len(backfillSymbols))
	for _, s := range backfillSymbols {
		want[s] = true
	}
	if len(want) > 0 {
		return want, nil
	}

	syms, err := env.Store.ListSymbols(cmd.Context(), true)
	if err != nil {
		return nil, eris.Wrap(err, "backfill: list symbols")
	}
	if len(syms) == 0 {
		return nil, eris.New("backfill: no active symbols; add some or pass --symbols")
	}
	for _, s := range syms {
		want[s.Symbol] = true
	}
	return want, nil
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillSymbols, "symbols", nil, "symbols to backfill (default: all active)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "start date (YYYY-MM-DD)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "end date (YYYY-MM-DD, default today)")
	backfillCmd.Flags().BoolVar(&backfillRecompute, "recompute", false, "run the pipeline afterwards to rebuild derived fields")
	_ = backfillCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(backfillCmd)
}
