// Package bridge talks to an MT5 bridge gateway: JSON over HTTP for order
// primitives and queries, and a websocket stream for ticks.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
)

type Config struct {
	URL   string // e.g. http://127.0.0.1:8700
	WSURL string // e.g. ws://127.0.0.1:8700
	Token string

	// ReconnectMin and ReconnectMax bound the stream reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger

	// streaming is set once a tick stream was requested; from then on the
	// client is only usable while the stream is connected.
	streaming atomic.Bool
	up        atomic.Bool
}

var _ broker.Broker = (*Client)(nil)

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge: missing url")
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "ws" + strings.TrimPrefix(cfg.URL, "http")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		dialer: websocket.DefaultDialer,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connected reports whether the tick stream is up. Without a stream the
// client is considered connected.
func (c *Client) Connected() bool {
	return !c.streaming.Load() || c.up.Load()
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call performs one request. in is JSON-encoded when non-nil; out is
// decoded from a 2xx body when non-nil.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out any) (int, error) {
	if !c.Connected() {
		return 0, fmt.Errorf("%s: %w", op, broker.ErrConnectionUnavailable)
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return 0, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%s: %w", op, ctxErr)
		}
		c.log.Warn("bridge request failed", zap.String("op", op), zap.Error(err))
		return 0, fmt.Errorf("%s: %w: %v", op, broker.ErrConnectionUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return resp.StatusCode, statusError(op, resp.StatusCode, b)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode: %w", op, err)
	}
	return resp.StatusCode, nil
}

// statusError maps a non-2xx reply to an OrderError. A code in the body
// wins over the HTTP status.
func statusError(op string, status int, body []byte) error {
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Code != "" {
		return broker.NewOrderError(op, broker.Code(ae.Code), ae.Message)
	}
	msg := strings.TrimSpace(string(body))
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return broker.NewOrderError(op, broker.CodeTimeout, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return broker.NewOrderError(op, broker.CodeConnection, msg)
	case http.StatusNotFound:
		return broker.NewOrderError(op, broker.CodePositionNotFound, msg)
	case http.StatusConflict:
		return broker.NewOrderError(op, broker.CodeRequote, msg)
	}
	return broker.NewOrderError(op, broker.CodeRejected, fmt.Sprintf("http %d: %s", status, msg))
}

func (c *Client) Open(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	if req.Side == "" {
		req.Side = broker.SideOf(req.Direction)
	}
	var f broker.Fill
	if _, err := c.call(ctx, "open", http.MethodPost, "/v1/orders", nil, req, &f); err != nil {
		return broker.Fill{}, err
	}
	f.Direction = broker.DirectionOf(f.Side)
	return f, nil
}

type modifyBody struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

func (c *Client) Modify(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	_, err := c.call(ctx, "modify", http.MethodPut, "/v1/positions/"+url.PathEscape(positionID), nil,
		modifyBody{StopLoss: stopLoss, TakeProfit: takeProfit}, nil)
	return err
}

func (c *Client) Close(ctx context.Context, positionID string, volume float64) (broker.CloseResult, error) {
	q := url.Values{}
	if volume > 0 {
		q.Set("volume", strconv.FormatFloat(volume, 'f', -1, 64))
	}
	var res broker.CloseResult
	_, err := c.call(ctx, "close", http.MethodDelete, "/v1/positions/"+url.PathEscape(positionID), q, nil, &res)
	if err != nil {
		return broker.CloseResult{}, err
	}
	return res, nil
}

func (c *Client) FindByTag(ctx context.Context, tag string) (broker.Fill, bool, error) {
	var f broker.Fill
	_, err := c.call(ctx, "find", http.MethodGet, "/v1/orders", url.Values{"client_tag": {tag}}, nil, &f)
	if err != nil {
		if broker.CodeOf(err) == broker.CodePositionNotFound {
			return broker.Fill{}, false, nil
		}
		return broker.Fill{}, false, err
	}
	f.Direction = broker.DirectionOf(f.Side)
	return f, true, nil
}

func (c *Client) Deals(ctx context.Context, positionID string) ([]broker.CloseResult, error) {
	var out []broker.CloseResult
	_, err := c.call(ctx, "deals", http.MethodGet, "/v1/positions/"+url.PathEscape(positionID)+"/deals", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context) ([]broker.PositionInfo, error) {
	var out []broker.PositionInfo
	if _, err := c.call(ctx, "positions", http.MethodGet, "/v1/positions", nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Direction = broker.DirectionOf(out[i].Side)
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context) (broker.Account, error) {
	var a broker.Account
	if _, err := c.call(ctx, "account", http.MethodGet, "/v1/account", nil, nil, &a); err != nil {
		return broker.Account{}, err
	}
	return a, nil
}

type wireCandle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

func (c *Client) Candles(ctx context.Context, instrument, timeframe string, count int) (market.Series, error) {
	q := url.Values{
		"instrument": {instrument},
		"timeframe":  {timeframe},
		"count":      {strconv.Itoa(count)},
	}
	var wire []wireCandle
	if _, err := c.call(ctx, "candles", http.MethodGet, "/v1/candles", q, nil, &wire); err != nil {
		return market.Series{}, err
	}
	s := market.Series{Instrument: instrument, Timeframe: timeframe, Candles: make([]market.Candle, len(wire))}
	for i, w := range wire {
		s.Candles[i] = market.Candle(w)
	}
	return s, nil
}

type wireTick struct {
	Type       string    `json:"type,omitempty"`
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
}

func (w wireTick) tick() market.Tick {
	return market.Tick{Instrument: w.Instrument, Time: w.Time, Bid: w.Bid, Ask: w.Ask}
}

func (c *Client) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	var w wireTick
	if _, err := c.call(ctx, "tick", http.MethodGet, "/v1/ticks/"+url.PathEscape(instrument), nil, nil, &w); err != nil {
		return market.Tick{}, err
	}
	return w.tick(), nil
}
