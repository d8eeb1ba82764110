// Package journal persists closed trades and equity snapshots.
package journal

import (
	"context"
	"sync"
	"time"
)

// TradeRecord is one close, full or partial, of a position.
type TradeRecord struct {
	ID         string
	PositionID string
	Instrument string
	Direction  string
	Volume     float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	PnL        float64
	Reason     string
}

type EquitySnapshot struct {
	Time       time.Time
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	DailyPnL   float64
	Drawdown   float64
}

type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Lister reads trades back, oldest close first.
type Lister interface {
	ListTrades(ctx context.Context) ([]TradeRecord, error)
}

// Discard drops everything.
type Discard struct{}

func (Discard) RecordTrade(TradeRecord) error     { return nil }
func (Discard) RecordEquity(EquitySnapshot) error { return nil }
func (Discard) Close() error                      { return nil }

// Memory keeps records in process. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	trades []TradeRecord
	equity []EquitySnapshot
}

func (m *Memory) RecordTrade(t TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) RecordEquity(e EquitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, e)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ListTrades(context.Context) ([]TradeRecord, error) {
	return m.Trades(), nil
}

func (m *Memory) Trades() []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TradeRecord(nil), m.trades...)
}

func (m *Memory) Equity() []EquitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EquitySnapshot(nil), m.equity...)
}

// Summary aggregates a list of trades.
type Summary struct {
	Trades       int
	Wins         int
	Losses       int
	GrossProfit  float64
	GrossLoss    float64 // positive
	NetPnL       float64
	ProfitFactor float64 // 0 when there are no losses
	WinRate      float64
}

func Summarize(trades []TradeRecord) Summary {
	var s Summary
	for _, t := range trades {
		s.Trades++
		s.NetPnL += t.PnL
		switch {
		case t.PnL > 0:
			s.Wins++
			s.GrossProfit += t.PnL
		case t.PnL < 0:
			s.Losses++
			s.GrossLoss -= t.PnL
		}
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	return s
}
