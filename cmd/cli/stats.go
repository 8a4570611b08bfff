package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show inventory totals and per-country counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			repo := db.NewInventoryRepository(database)
			totals, err := repo.Totals(ctx)
			if err != nil {
				return err
			}
			countries, err := repo.CountryStats(ctx)
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), totals, countries)
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func printStats(w io.Writer, totals *db.InventoryTotals, countries []*db.CountryStats) error {
	fmt.Fprintf(w, "Active addresses: %d\n", totals.ActiveAddresses)
	fmt.Fprintf(w, "Prefixes:         %d\n", totals.Prefixes)
	fmt.Fprintf(w, "Countries:        %d\n", totals.Countries)
	fmt.Fprintf(w, "ASNs:             %d\n", totals.ASNs)
	fmt.Fprintf(w, "Vulnerabilities:  %d\n", totals.Vulnerabilities)

	if len(countries) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header("Country", "Name", "Addresses", "Prefixes", "ASNs")
	for _, c := range countries {
		_ = table.Append([]string{
			c.CountryID,
			c.CountryName,
			strconv.FormatInt(c.TotalActiveIPv6, 10),
			strconv.FormatInt(c.PrefixCount, 10),
			strconv.FormatInt(c.ASNCount, 10),
		})
	}
	return table.Render()
}
