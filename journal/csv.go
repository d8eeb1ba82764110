package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	tradeHeader  = []string{"id", "position_id", "instrument", "direction", "volume", "entry_price", "exit_price", "open_time", "close_time", "pnl", "reason"}
	equityHeader = []string{"time", "balance", "equity", "margin", "free_margin", "daily_pnl", "drawdown"}
)

// CSVJournal appends to a trades file and an equity file, writing headers
// only into new files.
type CSVJournal struct {
	mu     sync.Mutex
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
}

func NewCSV(tradesPath, equityPath string) (*CSVJournal, error) {
	tf, tw, err := openAppend(tradesPath, tradeHeader)
	if err != nil {
		return nil, err
	}
	ef, ew, err := openAppend(equityPath, equityHeader)
	if err != nil {
		tf.Close()
		return nil, err
	}
	return &CSVJournal{trades: tw, equity: ew, tf: tf, ef: ef}, nil
}

func openAppend(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

func (j *CSVJournal) RecordTrade(t TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.trades.Write([]string{
		t.ID,
		t.PositionID,
		t.Instrument,
		t.Direction,
		f(t.Volume),
		f(t.EntryPrice),
		f(t.ExitPrice),
		t.OpenTime.UTC().Format(time.RFC3339),
		t.CloseTime.UTC().Format(time.RFC3339),
		f(t.PnL),
		t.Reason,
	})
	if err != nil {
		return err
	}
	j.trades.Flush()
	return j.trades.Error()
}

func (j *CSVJournal) RecordEquity(e EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.equity.Write([]string{
		e.Time.UTC().Format(time.RFC3339),
		f(e.Balance),
		f(e.Equity),
		f(e.Margin),
		f(e.FreeMargin),
		f(e.DailyPnL),
		f(e.Drawdown),
	})
	if err != nil {
		return err
	}
	j.equity.Flush()
	return j.equity.Error()
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	j.equity.Flush()
	if err := j.equity.Error(); err != nil {
		return err
	}
	if err := j.tf.Close(); err != nil {
		return err
	}
	return j.ef.Close()
}

// ReadTradesCSV loads a trades file written by CSVJournal.
func ReadTradesCSV(path string) ([]TradeRecord, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = len(tradeHeader)
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var out []TradeRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := parseTradeRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
}

func parseTradeRow(row []string) (TradeRecord, error) {
	rec := TradeRecord{ID: row[0], PositionID: row[1], Instrument: row[2], Direction: row[3], Reason: row[10]}
	nums := []*float64{&rec.Volume, &rec.EntryPrice, &rec.ExitPrice}
	for i, p := range nums {
		v, err := strconv.ParseFloat(row[4+i], 64)
		if err != nil {
			return rec, err
		}
		*p = v
	}
	var err error
	if rec.OpenTime, err = time.Parse(time.RFC3339, row[7]); err != nil {
		return rec, err
	}
	if rec.CloseTime, err = time.Parse(time.RFC3339, row[8]); err != nil {
		return rec, err
	}
	if rec.PnL, err = strconv.ParseFloat(row[9], 64); err != nil {
		return rec, err
	}
	return rec, nil
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
