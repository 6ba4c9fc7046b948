package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crestline-capital/valuation-cli/internal/model"
)

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "Inspect pricing packs",
}

var packsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pricing packs",
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

		packs, err := st.ListPacks(ctx)
		if err != nil {
			return eris.Wrap(err, "packs list")
		}

		if len(packs) == 0 {
			fmt.Fprintln(os.Stderr, "No packs found.")
			return nil
		}

		formatPacksList(os.Stdout, packs)
		return nil
	},
}

var packsShowCmd = &cobra.Command{
	Use:   "show <pack-id>",
	Short: "Show full details of a pack",
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

		pack, err := st.GetPack(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "packs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pack)
	},
}

func init() {
	packsCmd.AddCommand(packsListCmd)
	packsCmd.AddCommand(packsShowCmd)
	rootCmd.AddCommand(packsCmd)
}

// formatPacksList writes a tabular list of packs to w.
func formatPacksList(out io.Writer, packs []model.PricingPack) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATE\tPOLICY\tSTATUS\tFRESH\tSUPERSEDED_BY")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t-----\t-------------")
	for _, p := range packs {
		succ := ""
		if p.SupersededBy != nil {
			succ = *p.SupersededBy
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			p.ID,
			p.Date.Format(model.DateLayout),
			p.Policy,
			p.Status,
			p.IsFresh,
			succ,
		)
	}
	_ = w.Flush()
}
