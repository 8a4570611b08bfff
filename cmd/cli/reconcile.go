package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/metrics"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var outputFormat string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Apply a bulk state change to a list of addresses",
	Long: `Apply a vulnerability, protocol support or interface identifier update
to every listed address that exists in the inventory and matches the
optional country and ASN filters.

Addresses are read one per line from --file, or from stdin when --file is
"-". Blank lines and lines starting with # are ignored.`,
}

var reconcileVulnerabilityCmd = &cobra.Command{
	Use:   "vulnerability",
	Short: "Mark a vulnerability fixed or unfixed",
	Example: `  v6ledger reconcile vulnerability --target 3 --state=false --country US --file hosts.txt
  cat hosts.txt | v6ledger reconcile vulnerability --target 3 --state --asn 64500 --file -`,
	RunE: runKind(reconcile.KindVulnerability),
}

var reconcileProtocolCmd = &cobra.Command{
	Use:     "protocol",
	Short:   "Record protocol support",
	Example: `  v6ledger reconcile protocol --target 1 --state --port 443 --asn 64500 --file hosts.txt`,
	RunE:    runKind(reconcile.KindProtocol),
}

var reconcileIIDCmd = &cobra.Command{
	Use:     "iid",
	Short:   "Classify interface identifiers",
	Example: `  v6ledger reconcile iid --target 2 --state --country DE --file eui64.txt`,
	RunE:    runKind(reconcile.KindIID),
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import addresses under an existing prefix",
	Long: `Insert addresses under an existing prefix. The prefix, country and ASN
must name the same prefix row. Addresses already present and addresses
outside the prefix are counted as skipped. The invalid column reports how
many of the skipped addresses were outside the prefix or unparseable.`,
	Example: `  v6ledger import --prefix 2001:db8::/32 --country US --asn 64500 --file new.txt`,
	RunE:    runKind(reconcile.KindImport),
}

var deleteCmd = &cobra.Command{
	Use:   "delete [address-id...]",
	Short: "Delete addresses by id",
	Long: `Delete addresses by id. Ids are taken from the arguments, or read one per
line from --file.`,
	Example: `  v6ledger delete 17 18 19
  v6ledger delete --file stale-ids.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			lines, err := readLines(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			more, err := parseIDs(lines)
			if err != nil {
				return err
			}
			ids = append(ids, more...)
		}

		return withDatabase(cmd.Context(), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
			result, err := newCoordinator(cfg, database, metrics.NopRecorder{}).DeleteAddresses(ctx, ids)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), outputFormat, result)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format (table, json, yaml)")

	rootCmd.AddCommand(reconcileCmd, importCmd, deleteCmd)
	reconcileCmd.AddCommand(reconcileVulnerabilityCmd, reconcileProtocolCmd, reconcileIIDCmd)

	for _, cmd := range []*cobra.Command{reconcileVulnerabilityCmd, reconcileProtocolCmd, reconcileIIDCmd} {
		cmd.Flags().Int64("target", 0, "vulnerability, protocol or IID type id")
		cmd.Flags().String("country", "", "restrict to addresses in this country (ISO 3166 alpha-2)")
		cmd.Flags().Int64("asn", 0, "restrict to addresses announced by this ASN")
		cmd.Flags().Bool("state", false, "new state (fixed / supported)")
		cmd.Flags().String("file", "", "address list, one per line (- for stdin)")
		_ = cmd.MarkFlagRequired("target")
		_ = cmd.MarkFlagRequired("file")
	}
	reconcileProtocolCmd.Flags().Int("port", 0, "port the protocol was observed on")

	importCmd.Flags().String("prefix", "", "existing IPv6 prefix to import under")
	importCmd.Flags().String("country", "", "country of the prefix")
	importCmd.Flags().Int64("asn", 0, "ASN of the prefix")
	importCmd.Flags().String("file", "", "address list, one per line (- for stdin)")
	for _, name := range []string{"prefix", "country", "asn", "file"} {
		_ = importCmd.MarkFlagRequired(name)
	}

	deleteCmd.Flags().String("file", "", "address id list, one per line (- for stdin)")
}

func runKind(kind reconcile.Kind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("file")
		addresses, err := readLines(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}
		req, err := requestFromFlags(cmd.Flags(), addresses)
		if err != nil {
			return err
		}

		return withDatabase(cmd.Context(), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
			result, err := newCoordinator(cfg, database, metrics.NopRecorder{}).Reconcile(ctx, kind, req)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), outputFormat, result)
		})
	}
}

// readLines reads the list named by file, or stdin when file is "-".
func readLines(stdin io.Reader, file string) ([]string, error) {
	if file == "-" {
		return readAddresses(stdin)
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()
	return readAddresses(f)
}

// readAddresses returns the trimmed non-empty lines of r, skipping # comments.
func readAddresses(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read address list: %w", err)
	}
	return out, nil
}

// requestFromFlags builds a request from the flags the user actually set, so
// an unset filter stays nil rather than becoming a zero value.
func requestFromFlags(flags *pflag.FlagSet, addresses []string) (*reconcile.Request, error) {
	req := &reconcile.Request{Addresses: addresses}
	if addresses == nil {
		req.Addresses = []string{}
	}

	if flags.Changed("target") {
		v, err := flags.GetInt64("target")
		if err != nil {
			return nil, err
		}
		req.TargetID = &v
	}
	if flags.Changed("country") {
		v, err := flags.GetString("country")
		if err != nil {
			return nil, err
		}
		v = strings.ToUpper(v)
		req.CountryID = &v
	}
	if flags.Changed("asn") {
		v, err := flags.GetInt64("asn")
		if err != nil {
			return nil, err
		}
		req.ASN = &v
	}
	if flags.Changed("state") {
		v, err := flags.GetBool("state")
		if err != nil {
			return nil, err
		}
		req.NewState = &v
	}
	if flags.Changed("port") {
		v, err := flags.GetInt("port")
		if err != nil {
			return nil, err
		}
		req.Port = &v
	}
	if flags.Changed("prefix") {
		v, err := flags.GetString("prefix")
		if err != nil {
			return nil, err
		}
		req.Prefix = &v
	}
	return req, nil
}

func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printResult(w io.Writer, format string, result *reconcile.Result) error {
	switch format {
	case outputJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case outputYAML:
		return yaml.NewEncoder(w).Encode(result)
	case outputTable, "":
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Operation", "Total", "Updated", "Inserted", "Skipped", "Invalid", "Affected")
	_ = table.Append([]string{
		result.OperationID,
		strconv.Itoa(result.Total),
		strconv.Itoa(result.Updated),
		strconv.Itoa(result.Inserted),
		strconv.Itoa(result.Skipped),
		strconv.Itoa(result.Invalid),
		strconv.Itoa(result.AffectedRows),
	})
	return table.Render()
}
