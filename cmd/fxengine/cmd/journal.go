package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query trade journal data",
	Long: `Report on and export closed trades from a SQLite or CSV journal.

Subcommands:
  report - Print trades and a summary
  trade  - Print one trade by ID (SQLite only)
  export - Write trades to an Excel workbook

Examples:
  fxengine journal report --db fxengine.sqlite
  fxengine journal report --csv trades.csv --day 2026-10-13
  fxengine journal trade 01JA2Z7Q8K --org
  fxengine journal export --db fxengine.sqlite --out trades.xlsx`,
}

var journalReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print closed trades and a summary",
	Args:  cobra.NoArgs,
	RunE:  runJournalReport,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Print a single trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export closed trades to XLSX",
	Args:  cobra.NoArgs,
	RunE:  runJournalExport,
}

var (
	journalDBPath  string
	journalCSVPath string
	journalDay     string
	journalOut     string
	journalOrg     bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalReportCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalExportCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./fxengine.sqlite", "path to SQLite journal DB")
	journalCmd.PersistentFlags().StringVar(&journalCSVPath, "csv", "", "read trades from a CSV journal instead")
	journalCmd.PersistentFlags().StringVar(&journalDay, "day", "", "only trades closed on this UTC day (YYYY-MM-DD)")
	journalCmd.PersistentFlags().BoolVar(&journalOrg, "org", false, "print Org-mode entries instead of a table")
	journalExportCmd.Flags().StringVarP(&journalOut, "out", "o", "trades.xlsx", "output workbook path")
}

func runJournalReport(cmd *cobra.Command, args []string) error {
	trades, err := loadTrades(cmd.Context())
	if err != nil {
		return err
	}
	printTrades(trades)
	return nil
}

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	rec, err := j.GetTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}
	printTrades([]journal.TradeRecord{rec})
	return nil
}

func runJournalExport(cmd *cobra.Command, args []string) error {
	trades, err := loadTrades(cmd.Context())
	if err != nil {
		return err
	}
	if err := journal.ExportXLSX(journalOut, trades); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("✓ Exported %d trades to %s\n", len(trades), journalOut)
	return nil
}

func printTrades(trades []journal.TradeRecord) {
	if journalOrg {
		fmt.Println(journal.FormatOrgAll(trades))
		return
	}
	renderTrades(os.Stdout, trades)
}

func loadTrades(ctx context.Context) ([]journal.TradeRecord, error) {
	var start, end time.Time
	if journalDay != "" {
		var err error
		if start, end, err = dayBounds(time.UTC, journalDay); err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
	}

	if journalCSVPath != "" {
		trades, err := journal.ReadTradesCSV(journalCSVPath)
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if start.IsZero() {
			return trades, nil
		}
		out := trades[:0]
		for _, t := range trades {
			if !t.CloseTime.Before(start) && t.CloseTime.Before(end) {
				out = append(out, t)
			}
		}
		return out, nil
	}

	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	var trades []journal.TradeRecord
	if start.IsZero() {
		trades, err = j.ListTrades(ctx)
	} else {
		trades, err = j.ListTradesClosedBetween(ctx, start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return trades, nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour), nil
}
