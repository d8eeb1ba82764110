package journal

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	tradesSheet  = "Trades"
	summarySheet = "Summary"
)

// ExportXLSX writes trades and their summary to an Excel workbook.
func ExportXLSX(path string, trades []TradeRecord) error {
	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), tradesSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(summarySheet); err != nil {
		return err
	}

	header, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	money, err := fx.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return err
	}

	cols := []string{"ID", "Position", "Instrument", "Direction", "Volume", "Entry", "Exit", "Opened", "Closed", "PnL", "Reason"}
	for i, h := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := fx.SetCellValue(tradesSheet, cell, h); err != nil {
			return err
		}
	}
	if err := fx.SetCellStyle(tradesSheet, "A1", "K1", header); err != nil {
		return err
	}
	_ = fx.SetColWidth(tradesSheet, "A", "B", 28)
	_ = fx.SetColWidth(tradesSheet, "H", "I", 20)

	for i, t := range trades {
		row := []any{
			t.ID, t.PositionID, t.Instrument, t.Direction, t.Volume, t.EntryPrice, t.ExitPrice,
			t.OpenTime.UTC().Format("2006-01-02 15:04:05"), t.CloseTime.UTC().Format("2006-01-02 15:04:05"),
			t.PnL, t.Reason,
		}
		start, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := fx.SetSheetRow(tradesSheet, start, &row); err != nil {
			return err
		}
		pnl, _ := excelize.CoordinatesToCellName(10, i+2)
		if err := fx.SetCellStyle(tradesSheet, pnl, pnl, money); err != nil {
			return err
		}
	}

	s := Summarize(trades)
	summary := [][]any{
		{"Trades", s.Trades},
		{"Wins", s.Wins},
		{"Losses", s.Losses},
		{"Win rate", s.WinRate},
		{"Gross profit", s.GrossProfit},
		{"Gross loss", s.GrossLoss},
		{"Net PnL", s.NetPnL},
		{"Profit factor", s.ProfitFactor},
	}
	for i, row := range summary {
		row := row
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := fx.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	_ = fx.SetColWidth(summarySheet, "A", "A", 16)

	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
