package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crestline-capital/valuation-cli/internal/chain"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List supersede chains",
	Long:  "Lists every correction chain from earliest ancestor to current head. A malformed chain (cycle or double successor) is reported as an error.",
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

		chains, err := chain.NewTraverser(st).List(ctx)
		if err != nil {
			return eris.Wrap(err, "chains")
		}

		if len(chains) == 0 {
			fmt.Fprintln(os.Stderr, "No packs found.")
			return nil
		}

		formatChains(os.Stdout, chains)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chainsCmd)
}

// formatChains writes a tabular chain listing to w.
func formatChains(out io.Writer, chains []chain.Chain) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ROOT\tHEAD\tLEN\tCHAIN")
	_, _ = fmt.Fprintln(w, "----\t----\t---\t-----")
	for _, c := range chains {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.Root, c.Head, c.Length, strings.Join(c.PackIDs, " -> "))
	}
	_ = w.Flush()
}
