package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/market"
)

const readTimeout = 60 * time.Second

// Subscribe keeps a tick stream open until ctx is done, redialing with
// exponential backoff whenever it drops. While the stream is down every
// other call fails with broker.ErrConnectionUnavailable.
func (c *Client) Subscribe(ctx context.Context, instruments []string) (<-chan market.Tick, error) {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ticks"
	u.RawQuery = url.Values{"instruments": {strings.Join(instruments, ",")}}.Encode()

	c.streaming.Store(true)
	out := make(chan market.Tick, 1024)
	go c.stream(ctx, u.String(), out)
	return out, nil
}

func (c *Client) stream(ctx context.Context, addr string, out chan<- market.Tick) {
	defer close(out)
	defer c.up.Store(false)

	backoff := c.cfg.ReconnectMin
	for {
		connected, err := c.readStream(ctx, addr, out)
		c.up.Store(false)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.cfg.ReconnectMin
		}
		c.log.Warn("tick stream down", zap.Error(err), zap.Duration("retry_in", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// readStream runs one connection. connected reports whether the dial
// succeeded.
func (c *Client) readStream(ctx context.Context, addr string, out chan<- market.Tick) (connected bool, err error) {
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, addr, hdr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.up.Store(true)
	c.log.Info("tick stream connected", zap.String("url", addr))

	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return true, err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var w wireTick
		if err := json.Unmarshal(msg, &w); err != nil {
			c.log.Debug("bad tick message", zap.Error(err))
			continue
		}
		if strings.EqualFold(w.Type, "heartbeat") || w.Instrument == "" {
			continue
		}
		select {
		case out <- w.tick():
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
