// Package ws streams tapped ticks to websocket clients.
//
// A client subscribes with {"type":"sub","symbols":["BTCUSDT"]} and receives
// tap.Event JSON, one per line. Delivery is latest-only per symbol: a slow
// client sees the newest price, never a backlog.
package ws

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tickrelay.com/internal/feed"
	"tickrelay.com/internal/tap"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/safe"
)

const maxFlush = 256

// ClientMsg is a subscription request from a client.
type ClientMsg struct {
	Type    string   `json:"type"` // "sub" | "unsub"
	Symbols []string `json:"symbols"`
}

type Server struct {
	broker   tap.Broker
	upgrader websocket.Upgrader
	ctx      context.Context
	conns    atomic.Int64

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	// MaxSymbols bounds subscriptions per connection.
	MaxSymbols int
}

// NewServer serves until ctx is done; every open connection closes with it.
func NewServer(ctx context.Context, b tap.Broker) *Server {
	return &Server{
		broker: b,
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  1 << 10,
		MaxSymbols: 32,
	}
}

// Conns reports the number of open connections.
func (s *Server) Conns() int { return int(s.conns.Load()) }

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := newConn(cancel, wsConn)
	context.AfterFunc(ctx, func() { _ = wsConn.Close() })
	s.conns.Add(1)

	safe.GoCtx(ctx, func(ctx context.Context) { s.writePump(ctx, c) })
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer s.conns.Add(-1)
		s.readPump(ctx, c)
	})
}

type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	latest map[string][]byte // topic -> newest payload
	subs   map[string]context.CancelFunc
	notify chan struct{}
}

func newConn(cancel context.CancelFunc, ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		cancel: cancel,
		latest: make(map[string][]byte, 8),
		subs:   make(map[string]context.CancelFunc, 8),
		notify: make(chan struct{}, 1),
	}
}

func (c *conn) offer(topic string, payload []byte) {
	c.mu.Lock()
	c.latest[topic] = payload
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *conn) flush(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latest) == 0 {
		return nil
	}
	out := make([][]byte, 0, min(len(c.latest), max))
	for k, v := range c.latest {
		out = append(out, v)
		delete(c.latest, k)
		if len(out) >= max {
			break
		}
	}
	return out
}

func (s *Server) subscribe(ctx context.Context, c *conn, symbols []string) {
	for _, raw := range symbols {
		sym, err := feed.NormalizeSymbol(raw)
		if err != nil {
			continue
		}
		topic := tap.Topic(sym)

		c.mu.Lock()
		_, dup := c.subs[topic]
		full := len(c.subs) >= s.MaxSymbols
		c.mu.Unlock()
		if dup || full {
			continue
		}

		subCtx, cancel := context.WithCancel(ctx)
		ch, err := s.broker.Subscribe(subCtx, []string{topic})
		if err != nil {
			cancel()
			logger.Warn(ctx, "ws subscribe failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.subs[topic] = cancel
		c.mu.Unlock()

		safe.GoCtx(subCtx, func(context.Context) {
			for m := range ch {
				c.offer(m.Topic, m.Payload)
			}
		})
	}
}

func (s *Server) unsubscribe(c *conn, symbols []string) {
	for _, raw := range symbols {
		sym, err := feed.NormalizeSymbol(raw)
		if err != nil {
			continue
		}
		topic := tap.Topic(sym)
		c.mu.Lock()
		if cancel, ok := c.subs[topic]; ok {
			cancel()
			delete(c.subs, topic)
			delete(c.latest, topic)
		}
		c.mu.Unlock()
	}
}

func (s *Server) readPump(ctx context.Context, c *conn) {
	defer c.cancel()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Debug(ctx, "ws read timeout", zap.Error(err))
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug(ctx, "ws read error", zap.Error(err))
			}
			return
		}
		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "sub":
			s.subscribe(ctx, c, msg.Symbols)
		case "unsub":
			s.unsubscribe(c, msg.Symbols)
		}
	}
}

func (s *Server) writePump(ctx context.Context, c *conn) {
	defer c.cancel()

	if s.PingJitter > 0 {
		t := time.NewTimer(rand.N(s.PingJitter))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			batch := c.flush(maxFlush)
			if len(batch) == 0 {
				continue
			}
			if err := s.writeBatch(c, batch); err != nil {
				logger.Debug(ctx, "ws write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeBatch writes newline-separated payloads as one frame.
func (s *Server) writeBatch(c *conn, batch [][]byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for i, payload := range batch {
		if i > 0 {
			if _, err := w.Write([]byte{'\n'}); err != nil {
				_ = w.Close()
				return err
			}
		}
		if _, err := w.Write(payload); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
