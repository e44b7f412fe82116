// Package feedtest provides an in-memory feed.Source for tests.
package feedtest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"tickrelay.com/internal/feed"
)

const Name = "fake"

type frame struct {
	tick feed.Tick
	err  error
}

// Stream is a scripted feed.Stream. Push blocks until Next consumes the
// frame, which keeps tests in lockstep with the consumer.
type Stream struct {
	Symbol string

	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
	mu        sync.Mutex
}

func NewStream(symbol string) *Stream {
	return &Stream{
		Symbol: symbol,
		frames: make(chan frame),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Next() (feed.Tick, error) {
	select {
	case <-s.closed:
		return feed.Tick{}, feed.ErrClosed
	default:
	}
	select {
	case <-s.closed:
		return feed.Tick{}, feed.ErrClosed
	case f := <-s.frames:
		return f.tick, f.err
	}
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// CloseCount reports how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Closed reports whether Close was called at least once.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push hands t to the consumer. It returns false if the stream was closed
// or timeout elapsed first.
func (s *Stream) Push(t feed.Tick, timeout time.Duration) bool {
	return s.send(frame{tick: t}, timeout)
}

// PushPrice pushes a tick for the stream's symbol.
func (s *Stream) PushPrice(price string, timeout time.Duration) bool {
	now := time.Now()
	return s.Push(feed.Tick{
		Source:     Name,
		Symbol:     s.Symbol,
		Price:      decimal.RequireFromString(price),
		ObservedAt: now,
		ReceivedAt: now,
	}, timeout)
}

// Garbage delivers a DecodeError, as a malformed frame would.
func (s *Stream) Garbage(raw string, timeout time.Duration) bool {
	return s.send(frame{err: feed.NewDecodeError(Name, []byte(raw), errBadFrame)}, timeout)
}

// Disconnect simulates the upstream dropping the connection.
func (s *Stream) Disconnect(timeout time.Duration) bool {
	return s.send(frame{err: &feed.StreamError{Feed: Name, Symbol: s.Symbol, Err: errUpstreamGone}}, timeout)
}

func (s *Stream) send(f frame, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.frames <- f:
		return true
	case <-s.closed:
		return false
	case <-timer.C:
		return false
	}
}

// Source hands out Streams and records every Open.
type Source struct {
	mu      sync.Mutex
	streams map[string][]*Stream
	openErr map[string]error
	opened  chan *Stream

	// Gate, when set, makes Open wait for it to be closed (or ctx to end)
	// before connecting.
	Gate chan struct{}
}

func NewSource() *Source {
	return &Source{
		streams: make(map[string][]*Stream),
		openErr: make(map[string]error),
		opened:  make(chan *Stream, 64),
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) Normalize(raw string) (string, error) {
	return feed.NormalizeSymbol(raw)
}

// FailOpen makes the next Opens for symbol fail with a ConnectError wrapping err.
func (s *Source) FailOpen(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr[symbol] = err
}

func (s *Source) Open(ctx context.Context, symbol string) (feed.Stream, error) {
	sym, err := feed.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, &feed.ConnectError{Feed: Name, Symbol: sym, Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	if oerr := s.openErr[sym]; oerr != nil {
		s.mu.Unlock()
		return nil, &feed.ConnectError{Feed: Name, Symbol: sym, Err: oerr}
	}
	st := NewStream(sym)
	s.streams[sym] = append(s.streams[sym], st)
	s.mu.Unlock()

	select {
	case s.opened <- st:
	default:
	}
	return st, nil
}

// Opens returns how many streams were opened for symbol.
func (s *Source) Opens(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[symbol])
}

// WaitOpen waits for the next successful Open and returns its stream.
func (s *Source) WaitOpen(timeout time.Duration) (*Stream, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-s.opened:
		return st, true
	case <-timer.C:
		return nil, false
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	errBadFrame     = fakeErr("bad frame")
	errUpstreamGone = fakeErr("upstream closed connection")
)
