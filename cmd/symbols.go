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
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage the tracked symbol universe",
}

// -- symbols list --

var symbolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked symbols",
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

		all, _ := cmd.Flags().GetBool("all")
		syms, err := st.ListSymbols(ctx, !all)
		if err != nil {
			return eris.Wrap(err, "symbols list")
		}

		if len(syms) == 0 {
			fmt.Fprintln(os.Stderr, "No symbols tracked.")
			return nil
		}

		formatSymbols(os.Stdout, syms)
		return nil
	},
}

// -- symbols add --

var symbolsAddCmd = &cobra.Command{
	Use:   "add <symbol>",
	Short: "Add a symbol to the universe (or reactivate it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		isin, _ := cmd.Flags().GetString("isin")
		sector, _ := cmd.Flags().GetString("sector")

		sym := model.Symbol{
			Symbol: strings.ToUpper(strings.TrimSpace(args[0])),
			Name:   name,
			ISIN:   isin,
			Sector: sector,
			Active: true,
		}
		if sym.Symbol == "" {
			return eris.New("symbols add: symbol is required")
		}

		if err := st.UpsertSymbol(ctx, sym); err != nil {
			return eris.Wrapf(err, "symbols add %s", sym.Symbol)
		}

		fmt.Printf("Added %s\n", sym.Symbol)
		return nil
	},
}

// -- symbols remove --

var symbolsRemoveCmd = &cobra.Command{
	Use:   "remove <symbol>",
	Short: "Remove a symbol from the universe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sym := strings.ToUpper(strings.TrimSpace(args[0]))
		if err := st.DeleteSymbol(ctx, sym); err != nil {
			return eris.Wrapf(err, "symbols remove %s", sym)
		}

		fmt.Printf("Removed %s\n", sym)
		return nil
	},
}

func init() {
	symbolsListCmd.Flags().Bool("all", false, "include deactivated symbols")

	symbolsAddCmd.Flags().String("name", "", "company name")
	symbolsAddCmd.Flags().String("isin", "", "ISIN identifier")
	symbolsAddCmd.Flags().String("sector", "", "sector classification")

	symbolsCmd.AddCommand(symbolsListCmd)
	symbolsCmd.AddCommand(symbolsAddCmd)
	symbolsCmd.AddCommand(symbolsRemoveCmd)
	rootCmd.AddCommand(symbolsCmd)
}

// formatSymbols writes a tabular symbol list to w.
func formatSymbols(out io.Writer, syms []model.Symbol) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SYMBOL\tNAME\tSECTOR\tACTIVE\tADDED")
	_, _ = fmt.Fprintln(w, "------\t----\t------\t------\t-----")

	for _, s := range syms {
		name := s.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			s.Symbol, name, s.Sector, s.Active, s.AddedAt.Format("2006-01-02"))
	}
	_ = w.Flush()
}
