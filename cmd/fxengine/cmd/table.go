package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/journal"
)

const stamp = "2006-01-02 15:04:05"

func renderTrades(w io.Writer, trades []journal.TradeRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("CLOSED TRADES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Closed", "Instrument", "Dir", "Volume", "Entry", "Exit", "PnL", "Reason"})
	for _, r := range trades {
		t.AppendRow(table.Row{
			r.CloseTime.UTC().Format(stamp),
			r.Instrument,
			r.Direction,
			fmt.Sprintf("%.2f", r.Volume),
			fmt.Sprintf("%.5f", r.EntryPrice),
			fmt.Sprintf("%.5f", r.ExitPrice),
			fmt.Sprintf("%.2f", r.PnL),
			r.Reason,
		})
	}

	s := journal.Summarize(trades)
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d trades", s.Trades),
		fmt.Sprintf("win %.0f%%", s.WinRate*100),
		"", "", "",
		fmt.Sprintf("pf %.2f", s.ProfitFactor),
		fmt.Sprintf("%.2f", s.NetPnL),
		"",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

func renderStatus(w io.Writer, st engine.Status) {
	a := st.Account
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("ENGINE STATUS")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Balance", fmt.Sprintf("%.2f", a.Balance)},
		{"Equity", fmt.Sprintf("%.2f", a.Equity)},
		{"Drawdown", fmt.Sprintf("%.2f%%", a.Drawdown*100)},
		{"Daily PnL", fmt.Sprintf("%.2f (%d trades)", a.DailyPnL, a.DailyTrades)},
	})
	t.AppendSeparator()
	suspended := "no"
	if a.Suspended {
		suspended = a.SuspensionReason
	}
	c := st.Counters
	t.AppendRows([]table.Row{
		{"Suspended", suspended},
		{"Cycles", c.Cycles},
		{"Signals", c.Signals},
		{"Rejections", c.Rejections},
		{"Opened / Closed", fmt.Sprintf("%d / %d", c.Opened, c.Closed)},
		{"Order failures", c.OrderFailures},
		{"Open positions", len(st.Positions)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 20, Align: text.AlignRight},
	})
	t.Render()

	if len(st.Positions) == 0 {
		return
	}
	p := table.NewWriter()
	p.SetOutputMirror(w)
	p.SetTitle("OPEN POSITIONS")
	p.SetStyle(table.StyleRounded)
	p.AppendHeader(table.Row{"ID", "Instrument", "Dir", "Volume", "Entry", "SL", "TP", "Unrealized"})
	for _, v := range st.Positions {
		p.AppendRow(table.Row{
			v.ID, v.Instrument, v.Direction,
			fmt.Sprintf("%.2f", v.Volume),
			fmt.Sprintf("%.5f", v.EntryPrice),
			fmt.Sprintf("%.5f", v.StopLoss),
			fmt.Sprintf("%.5f", v.TakeProfit),
			fmt.Sprintf("%.2f", v.UnrealizedPnL),
		})
	}
	p.Render()
}
