package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"tickrelay.com/internal/feed"
)

const sourceName = "binance"

type Config struct {
	BaseURL string // e.g. wss://stream.binance.com:9443
	Kind    string // aggTrade | trade

	ConnectTimeout time.Duration
	// IdleTimeout is a liveness deadline refreshed by every frame and ping.
	// It does not bound the stream's lifetime. 0 disables it.
	IdleTimeout time.Duration
	ReadLimit   int64
	WriteWait   time.Duration
}

type Source struct {
	cfg    Config
	Dialer *websocket.Dialer
	now    func() time.Time
}

func NewSource(cfg Config) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://stream.binance.com:9443"
	}
	if cfg.Kind == "" {
		cfg.Kind = "aggTrade"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 2 * time.Second
	}

	d := *websocket.DefaultDialer
	d.HandshakeTimeout = cfg.ConnectTimeout

	return &Source{cfg: cfg, Dialer: &d, now: time.Now}
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Normalize(raw string) (string, error) {
	return feed.NormalizeSymbol(raw)
}

func (s *Source) streamURL(sym string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/stream?streams=" + strings.ToLower(sym) + "@" + s.cfg.Kind
}

func (s *Source) Open(ctx context.Context, symbol string) (feed.Stream, error) {
	sym, err := feed.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	c, resp, err := s.Dialer.DialContext(dctx, s.streamURL(sym), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, &feed.ConnectError{Feed: sourceName, Symbol: sym, Err: err}
	}

	st := &stream{
		conn:      c,
		symbol:    sym,
		idle:      s.cfg.IdleTimeout,
		writeWait: s.cfg.WriteWait,
		now:       s.now,
	}
	c.SetReadLimit(s.cfg.ReadLimit)
	st.touch()
	c.SetPongHandler(func(string) error {
		st.touch()
		return nil
	})
	// the exchange pings; answer under writeMu since Close writes too
	c.SetPingHandler(func(appData string) error {
		st.touch()
		cp := []byte(appData)

		st.writeMu.Lock()
		defer st.writeMu.Unlock()
		err := c.WriteControl(websocket.PongMessage, cp, time.Now().Add(st.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	return st, nil
}

type stream struct {
	conn      *websocket.Conn
	symbol    string
	idle      time.Duration
	writeWait time.Duration
	now       func() time.Time

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	failed    error
}

func (st *stream) touch() {
	if st.idle > 0 {
		_ = st.conn.SetReadDeadline(time.Now().Add(st.idle))
	}
}

// Next is only called from the owning worker goroutine, so failed needs no lock.
func (st *stream) Next() (feed.Tick, error) {
	if st.closed.Load() {
		return feed.Tick{}, feed.ErrClosed
	}
	if st.failed != nil {
		return feed.Tick{}, st.failed
	}

	_, msg, err := st.conn.ReadMessage()
	if err != nil {
		if st.closed.Load() {
			return feed.Tick{}, feed.ErrClosed
		}
		st.failed = &feed.StreamError{Feed: sourceName, Symbol: st.symbol, Err: err}
		return feed.Tick{}, st.failed
	}
	st.touch()

	tick, err := ParseTrade(msg, st.symbol, st.now())
	if err != nil {
		return feed.Tick{}, feed.NewDecodeError(sourceName, msg, err)
	}
	return tick, nil
}

func (st *stream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		st.closed.Store(true)

		st.writeMu.Lock()
		_ = st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(st.writeWait))
		st.writeMu.Unlock()

		err = st.conn.Close()
	})
	return err
}
