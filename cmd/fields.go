package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/registry"
	"github.com/stockpulse/pipeline-cli/internal/source"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Inspect the field registry",
}

// -- fields list --

var fieldsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List field definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.LoadFields(cfg.Registry.Path)
		if err != nil {
			return eris.Wrap(err, "fields list")
		}

		category, _ := cmd.Flags().GetString("category")
		src, _ := cmd.Flags().GetString("source")

		var fields []*model.FieldDef
		for i := range reg.Fields {
			f := &reg.Fields[i]
			if category != "" && string(f.Category) != category {
				continue
			}
			if src != "" && !fieldHasSource(f, src) {
				continue
			}
			fields = append(fields, f)
		}

		if len(fields) == 0 {
			fmt.Fprintln(os.Stderr, "No fields match.")
			return nil
		}

		formatFields(os.Stdout, fields)
		return nil
	},
}

// -- fields check --

var fieldsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the field registry file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.LoadFields(cfg.Registry.Path)
		if err != nil {
			return eris.Wrap(err, "fields check")
		}

		known := []string{
			source.SourceBhavcopy,
			source.SourceFundsAPI,
			source.SourceWebRatios,
			source.SourceHoldings,
			source.SourceNewsfeed,
		}
		if err := registry.ValidateSources(reg, known); err != nil {
			return eris.Wrap(err, "fields check")
		}

		fmt.Printf("Registry OK: %d fields (%d fetched, %d calculated) across sources %s\n",
			len(reg.Fields), len(reg.Fetched()), len(reg.Calculated()),
			strings.Join(reg.SourceIDs(), ", "))
		return nil
	},
}

func init() {
	fieldsListCmd.Flags().String("category", "", "filter by category (price_volume, fundamentals, ratios, technical, valuation, holdings, ...)")
	fieldsListCmd.Flags().String("source", "", "filter by source (bhavcopy, fundsapi, webratios, holdings, newsfeed, calc)")

	fieldsCmd.AddCommand(fieldsListCmd)
	fieldsCmd.AddCommand(fieldsCheckCmd)
	rootCmd.AddCommand(fieldsCmd)
}

func fieldHasSource(f *model.FieldDef, src string) bool {
	for _, s := range f.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// formatFields writes a tabular field list to w.
func formatFields(out io.Writer, fields []*model.FieldDef) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tCATEGORY\tTYPE\tCADENCE\tPRIORITY\tSOURCES")
	_, _ = fmt.Fprintln(w, "--\t---\t--------\t----\t-------\t--------\t-------")

	for _, f := range fields {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Key, f.Category, f.Type, f.Cadence, f.Priority,
			strings.Join(f.Sources, ","))
	}
	_ = w.Flush()
}
