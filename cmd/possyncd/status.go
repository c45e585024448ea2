package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtxerr/possync/internal/transform"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe every source for connectivity and row counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, closeLog, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses := a.prober.Status(cmd.Context())

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	tables := transform.Tables()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SOURCE\tCONNECTED\t%s\tERRORS\n", strings.ToUpper(strings.Join(tables, "\t")))
	failed := 0
	for _, st := range statuses {
		row := []string{st.DatabaseID, fmt.Sprint(st.Connected)}
		for _, t := range tables {
			if n, ok := st.TableCounts[t]; ok {
				row = append(row, fmt.Sprint(n))
			} else {
				row = append(row, "-")
			}
		}
		row = append(row, strings.Join(st.Errors, "; "))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
		if !st.Success {
			failed++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sources unhealthy", failed, len(statuses))
	}
	return nil
}
