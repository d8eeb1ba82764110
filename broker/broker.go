// Package broker defines the boundary to the trading terminal: order
// primitives, position and account queries, and the tick stream.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/signal"
)

type Broker interface {
	Open(ctx context.Context, req OrderRequest) (Fill, error)
	Modify(ctx context.Context, positionID string, stopLoss, takeProfit float64) error
	// Close closes volume lots of a position; volume <= 0 closes all of it.
	Close(ctx context.Context, positionID string, volume float64) (CloseResult, error)
	// FindByTag looks up a fill by the client tag sent with OrderRequest.
	FindByTag(ctx context.Context, tag string) (Fill, bool, error)
	// Deals lists the closing deals booked for a position, oldest first,
	// including those of broker-side stops and targets.
	Deals(ctx context.Context, positionID string) ([]CloseResult, error)

	Positions(ctx context.Context) ([]PositionInfo, error)
	Account(ctx context.Context) (Account, error)
	Candles(ctx context.Context, instrument, timeframe string, count int) (market.Series, error)
	GetTick(ctx context.Context, instrument string) (market.Tick, error)
	// Subscribe streams ticks for the instruments until ctx is done.
	Subscribe(ctx context.Context, instruments []string) (<-chan market.Tick, error)
}

type Account struct {
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
}

type OrderRequest struct {
	Instrument string           `json:"instrument"`
	Direction  signal.Direction `json:"-"`
	Side       string           `json:"side"`
	Volume     float64          `json:"volume"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	ClientTag  string           `json:"client_tag"`
	Comment    string           `json:"comment,omitempty"`
}

type Fill struct {
	PositionID string           `json:"position_id"`
	ClientTag  string           `json:"client_tag"`
	Instrument string           `json:"instrument"`
	Direction  signal.Direction `json:"-"`
	Side       string           `json:"side"`
	Volume     float64          `json:"volume"`
	Price      float64          `json:"price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	Time       time.Time        `json:"time"`
}

type CloseResult struct {
	PositionID string    `json:"position_id"`
	Volume     float64   `json:"volume"`
	Remaining  float64   `json:"remaining"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Time       time.Time `json:"time"`
	// AlreadyClosed is set when the position was gone before this call.
	AlreadyClosed bool `json:"already_closed"`
}

type PositionInfo struct {
	ID         string           `json:"id"`
	ClientTag  string           `json:"client_tag"`
	Instrument string           `json:"instrument"`
	Direction  signal.Direction `json:"-"`
	Side       string           `json:"side"`
	Volume     float64          `json:"volume"`
	OpenPrice  float64          `json:"open_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	Profit     float64          `json:"profit"`
	OpenTime   time.Time        `json:"open_time"`
}

// SideOf maps a direction to the wire side used by terminals.
func SideOf(d signal.Direction) string {
	switch d {
	case signal.Long:
		return "buy"
	case signal.Short:
		return "sell"
	}
	return ""
}

// DirectionOf maps a wire side back to a direction.
func DirectionOf(side string) signal.Direction {
	switch side {
	case "buy", "long":
		return signal.Long
	case "sell", "short":
		return signal.Short
	}
	return signal.Flat
}
