package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/v6ledger/internal/audit"
	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
)

var auditRepair bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare stored counters with live address counts",
	Long: `Recount active addresses per country and per ASN and report every stored
counter that disagrees. With --repair the drifted counters are rewritten
in one transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			report, err := audit.NewAuditor(database, logging.Default(), nil).Run(ctx, auditRepair)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().BoolVar(&auditRepair, "repair", false, "rewrite drifted counters")
}

func printReport(w io.Writer, report *audit.Report) error {
	fmt.Fprintf(w, "Audit %s: %s (%d countries, %d ASNs checked)\n",
		report.ID, report.Status(), report.CountriesChecked, report.ASNsChecked)
	if len(report.Drift) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Scope", "Key", "Stored", "Live")
	for _, d := range report.Drift {
		key := d.CountryID
		if d.Scope != "country" {
			key = "AS" + strconv.FormatInt(d.ASN, 10)
		}
		_ = table.Append([]string{
			d.Scope,
			key,
			strconv.FormatInt(d.Stored, 10),
			strconv.FormatInt(d.Live, 10),
		})
	}
	return table.Render()
}
