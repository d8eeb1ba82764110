package engine

import (
	"sync/atomic"
	"time"

	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/signal"
)

type counters struct {
	cycles        atomic.Int64
	signals       atomic.Int64
	rejections    atomic.Int64
	opened        atomic.Int64
	closed        atomic.Int64
	rejected      atomic.Int64
	orderFailures atomic.Int64
}

// Counters are totals since the engine started. Signals counts directional
// signals; Rejections counts pre-trade vetoes; Rejected counts orders that
// never became positions.
type Counters struct {
	Cycles        int64 `json:"cycles"`
	Signals       int64 `json:"signals"`
	Rejections    int64 `json:"rejections"`
	Opened        int64 `json:"opened"`
	Closed        int64 `json:"closed"`
	Rejected      int64 `json:"rejected"`
	OrderFailures int64 `json:"order_failures"`
}

// Status is a point-in-time copy of the engine for display.
type Status struct {
	Time      time.Time      `json:"time"`
	Risk      risk.State     `json:"-"`
	Account   AccountView    `json:"account"`
	Positions []PositionView `json:"positions"`
	Counters  Counters       `json:"counters"`
}

type AccountView struct {
	Balance           float64   `json:"balance"`
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	Drawdown          float64   `json:"drawdown"`
	DailyPnL          float64   `json:"daily_pnl"`
	DailyTrades       int       `json:"daily_trades"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Suspended         bool      `json:"trading_suspended"`
	SuspensionReason  string    `json:"suspension_reason,omitempty"`
	DayStart          time.Time `json:"day_start"`
}

type PositionView struct {
	ID            string    `json:"id"`
	Instrument    string    `json:"instrument"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	Volume        float64   `json:"volume"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

func newPositionView(s position.Snapshot) PositionView {
	return PositionView{
		ID:            s.ID,
		Instrument:    s.Instrument,
		Direction:     s.Direction.String(),
		Status:        s.Status.String(),
		Volume:        s.Volume,
		EntryPrice:    s.EntryPrice,
		StopLoss:      s.StopLoss,
		TakeProfit:    s.TakeProfit,
		MarkPrice:     s.MarkPrice,
		UnrealizedPnL: s.UnrealizedPnL,
		RealizedPnL:   s.RealizedPnL,
		OpenedAt:      s.OpenedAt,
	}
}

type positionEventView struct {
	Event    string       `json:"event"`
	Reason   string       `json:"reason,omitempty"`
	Volume   float64      `json:"volume,omitempty"`
	Price    float64      `json:"price,omitempty"`
	PnL      float64      `json:"pnl,omitempty"`
	Error    string       `json:"error,omitempty"`
	Position PositionView `json:"position"`
}

func newPositionEventView(ev position.Event) positionEventView {
	v := positionEventView{
		Event:    string(ev.Kind),
		Reason:   ev.Reason,
		Volume:   ev.Volume,
		Price:    ev.Price,
		PnL:      ev.PnL,
		Position: newPositionView(ev.Position),
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	return v
}

type signalView struct {
	Instrument string             `json:"instrument"`
	Timeframe  string             `json:"timeframe"`
	Direction  string             `json:"direction"`
	Confidence float64            `json:"confidence"`
	Price      float64            `json:"price"`
	Factors    map[string]float64 `json:"factors,omitempty"`
}

func newSignalView(s signal.Signal) signalView {
	v := signalView{
		Instrument: s.Instrument,
		Timeframe:  s.Timeframe,
		Direction:  s.Direction.String(),
		Confidence: s.Confidence,
		Price:      s.Price,
	}
	if len(s.Factors) > 0 {
		v.Factors = make(map[string]float64, len(s.Factors))
		for _, f := range s.Factors {
			v.Factors[f.Name] = f.Direction.Sign() * f.Vote
		}
	}
	return v
}

// Status copies the risk state, the live positions and the counters.
func (e *Engine) Status() Status {
	st := e.risk.Snapshot()
	snaps := e.sup.Snapshots()
	positions := make([]PositionView, 0, len(snaps))
	for _, s := range snaps {
		positions = append(positions, newPositionView(s))
	}
	return Status{
		Time: e.now(),
		Risk: st,
		Account: AccountView{
			Balance:           st.Balance,
			Equity:            st.Equity,
			PeakEquity:        st.PeakEquity,
			Drawdown:          st.Drawdown(),
			DailyPnL:          st.DailyPnL,
			DailyTrades:       st.DailyTradeCount,
			ConsecutiveLosses: st.ConsecutiveLosses,
			Suspended:         st.TradingSuspended,
			SuspensionReason:  st.SuspensionReason,
			DayStart:          st.DayStart,
		},
		Positions: positions,
		Counters: Counters{
			Cycles:        e.counters.cycles.Load(),
			Signals:       e.counters.signals.Load(),
			Rejections:    e.counters.rejections.Load(),
			Opened:        e.counters.opened.Load(),
			Closed:        e.counters.closed.Load(),
			Rejected:      e.counters.rejected.Load(),
			OrderFailures: e.counters.orderFailures.Load(),
		},
	}
}
