package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health at a glance",
	Long:  "Summarizes recent runs, field tallies, per-source errors, and source freshness from the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		collector := monitoring.NewCollector(st, monitoring.Events)
		snap, err := collector.Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		states := sourceStates(ctx, st)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"metrics": snap, "sources": states})
		}

		formatStatus(os.Stdout, snap)
		formatSourceStates(os.Stdout, states)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	statusCmd.Flags().Bool("json", false, "emit raw JSON instead of tables")
	rootCmd.AddCommand(statusCmd)
}

// sourceStates reads the persisted per-source fetch markers. Sources that
// never completed a fetch have no row and show up with a nil state.
func sourceStates(ctx context.Context, st store.Store) []store.SourceState {
	ids := []string{
		source.SourceBhavcopy,
		source.SourceFundsAPI,
		source.SourceWebRatios,
		source.SourceHoldings,
		source.SourceNewsfeed,
	}

	out := make([]store.SourceState, 0, len(ids))
	for _, id := range ids {
		state, err := st.GetSourceState(ctx, id)
		if err != nil || state == nil {
			out = append(out, store.SourceState{SourceID: id})
			continue
		}
		out = append(out, *state)
	}
	return out
}

// formatStatus writes the run and field tallies to w.
func formatStatus(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Runs:\t%d (%d success, %d partial, %d failed)\n",
		snap.RunsTotal, snap.RunsSuccess, snap.RunsPartial, snap.RunsFailed)
	if snap.RunsQueued+snap.RunsRunning > 0 {
		_, _ = fmt.Fprintf(w, "Active:\t%d queued, %d running\n", snap.RunsQueued, snap.RunsRunning)
	}
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.RunFailRate*100)
	if snap.AvgRunSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg run:\t%.1fs\n", snap.AvgRunSecs)
	}
	_, _ = fmt.Fprintf(w, "Fields:\t%d committed, %d missing, %d flagged\n",
		snap.FieldsCommitted, snap.FieldsMissing, snap.FieldsFlagged)
	_, _ = fmt.Fprintf(w, "Source errors:\t%d\n", snap.SourceErrors)
	if snap.StaleAlerts > 0 {
		_, _ = fmt.Fprintf(w, "Stale alerts:\t%d\n", snap.StaleAlerts)
	}
	_ = w.Flush()
}

// formatSourceStates writes the per-source freshness table to w.
func formatSourceStates(out io.Writer, states []store.SourceState) {
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tLAST SUCCESS\tAGE\tLAST RUN")
	_, _ = fmt.Fprintln(w, "------\t------------\t---\t--------")

	for _, s := range states {
		last, age := "never", "-"
		if s.LastSuccess != nil {
			last = s.LastSuccess.Format("2006-01-02 15:04")
			age = time.Since(*s.LastSuccess).Round(time.Minute).String()
		}
		lastRun := "-"
		if s.LastRunID != "" {
			lastRun = truncateID(s.LastRunID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.SourceID, last, age, lastRun)
	}
	_ = w.Flush()
}
