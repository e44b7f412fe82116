package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tickrelay.com/internal/feed"
	"tickrelay.com/internal/feed/feedtest"
)

const wait = 2 * time.Second

type recSink struct {
	mu   sync.Mutex
	msgs map[SessionID][]string
	fail func(text string) error
}

func newRecSink() *recSink {
	return &recSink{msgs: make(map[SessionID][]string)}
}

func (s *recSink) Notify(_ context.Context, session SessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(text); err != nil {
			return &DeliveryError{Session: session, Err: err}
		}
	}
	s.msgs[session] = append(s.msgs[session], text)
	return nil
}

func (s *recSink) For(session SessionID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs[session]...)
}

func (s *recSink) waitCount(t *testing.T, session SessionID, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.For(session)) >= n }, wait, 5*time.Millisecond,
		"session %s: want %d messages, have %v", session, n, s.For(session))
	return s.For(session)
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *feedtest.Source, *recSink) {
	t.Helper()
	src := feedtest.NewSource()
	sink := newRecSink()
	c := NewController(src, sink, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, src, sink
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, h.Wait(ctx), "worker did not finish")
}

func TestController_ConcurrentStartsOneWins(t *testing.T) {
	c, src, _ := newTestController(t)

	var ok, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start(context.Background(), "s1", "BTCUSDT")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 31, busy.Load())
	_, opened := src.WaitOpen(wait)
	require.True(t, opened)
	assert.Equal(t, 1, src.Opens("BTCUSDT"))
	assert.Equal(t, 1, c.Registry().Len())
}

func TestController_StartThenStopBeforeConnect(t *testing.T) {
	c, src, sink := newTestController(t)
	src.Gate = make(chan struct{}) // connect never completes

	h, err := c.Start(context.Background(), "s1", "btcusdt")
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background(), "s1"))
	waitDone(t, h)

	assert.Zero(t, c.Registry().Len())
	assert.Zero(t, src.Opens("BTCUSDT"))
	assert.Equal(t, []string{MsgStarting("BTCUSDT"), MsgStopped("BTCUSDT")}, sink.For("s1"))
}

func TestController_StartThenStopBeforeTick(t *testing.T) {
	c, src, sink := newTestController(t, WithNotifyOnEnd(true))

	h, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.NoError(t, c.Stop(context.Background(), "s1"))
	waitDone(t, h)

	assert.Zero(t, c.Registry().Len())
	assert.True(t, st.Closed())
	assert.False(t, st.PushPrice("1", 50*time.Millisecond))
	assert.Equal(t, []string{MsgStarting("BTCUSDT"), MsgStopped("BTCUSDT")}, sink.For("s1"))
	assert.Equal(t, Closed, h.State())
	assert.True(t, h.Stopped())
}

func TestController_SecondStartIsRejected(t *testing.T) {
	c, src, sink := newTestController(t)

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)
	require.True(t, st.PushPrice("100.10", wait))
	sink.waitCount(t, "s1", 2)

	_, err = c.Start(context.Background(), "s1", "ETHUSDT")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.True(t, st.PushPrice("100.20", wait))
	msgs := sink.waitCount(t, "s1", 4)

	assert.Equal(t, []string{
		MsgStarting("BTCUSDT"),
		"BTCUSDT: 100.10",
		MsgAlreadyActive("BTCUSDT"),
		"BTCUSDT: 100.20",
	}, msgs)
	assert.Equal(t, 1, src.Opens("BTCUSDT"))
	assert.Zero(t, src.Opens("ETHUSDT"))
}

func TestController_TicksKeepUpstreamOrder(t *testing.T) {
	c, src, sink := newTestController(t)

	h, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)

	for _, p := range []string{"1.01", "1.02", "1.03"} {
		require.True(t, st.PushPrice(p, wait))
	}
	sink.waitCount(t, "s1", 4)
	require.NoError(t, c.Stop(context.Background(), "s1"))
	waitDone(t, h)

	assert.Equal(t, []string{
		MsgStarting("BTCUSDT"),
		"BTCUSDT: 1.01",
		"BTCUSDT: 1.02",
		"BTCUSDT: 1.03",
		MsgStopped("BTCUSDT"),
	}, sink.For("s1"))
}

func TestController_UpstreamDisconnectCleansUp(t *testing.T) {
	c, src, sink := newTestController(t, WithNotifyOnEnd(true))

	ha, err := c.Start(context.Background(), "a", "BTCUSDT")
	require.NoError(t, err)
	sta, ok := src.WaitOpen(wait)
	require.True(t, ok)

	_, err = c.Start(context.Background(), "b", "ETHUSDT")
	require.NoError(t, err)
	stb, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.True(t, sta.Disconnect(wait))
	waitDone(t, ha)

	_, active := c.Registry().Get("a")
	assert.False(t, active)
	assert.True(t, sta.Closed())
	assert.Equal(t, MsgStreamEnded("BTCUSDT"), sink.For("a")[1])

	require.True(t, stb.PushPrice("3000.5", wait))
	msgs := sink.waitCount(t, "b", 2)
	assert.Equal(t, "ETHUSDT: 3000.5", msgs[1])
	sym, ok := c.Active("b")
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)
}

func TestController_OutOfBandCloseCleansUp(t *testing.T) {
	c, src, sink := newTestController(t)

	h, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.NoError(t, st.Close())
	waitDone(t, h)

	assert.Zero(t, c.Registry().Len())
	assert.False(t, h.Stopped())
	assert.Equal(t, []string{MsgStarting("BTCUSDT")}, sink.For("s1"), "no end notice unless enabled")
}

func TestController_SessionsAreIsolated(t *testing.T) {
	c, src, sink := newTestController(t)

	_, err := c.Start(context.Background(), "a", "BTCUSDT")
	require.NoError(t, err)
	_, err = c.Start(context.Background(), "b", "ethusdt")
	require.NoError(t, err)

	streams := map[string]*feedtest.Stream{}
	for i := 0; i < 2; i++ {
		st, ok := src.WaitOpen(wait)
		require.True(t, ok)
		streams[st.Symbol] = st
	}
	require.Contains(t, streams, "BTCUSDT")
	require.Contains(t, streams, "ETHUSDT")

	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(st *feedtest.Stream) {
			defer wg.Done()
			for i := 1; i <= 5; i++ {
				st.PushPrice(fmt.Sprintf("%d.5", i), wait)
			}
		}(st)
	}
	wg.Wait()

	for session, sym := range map[SessionID]string{"a": "BTCUSDT", "b": "ETHUSDT"} {
		msgs := sink.waitCount(t, session, 6)
		for _, m := range msgs[1:] {
			assert.True(t, strings.HasPrefix(m, sym+": "), "session %s got %q", session, m)
		}
	}
}

func TestController_StopWithoutStream(t *testing.T) {
	c, _, sink := newTestController(t)

	err := c.Stop(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoActiveStream)
	assert.Zero(t, c.Registry().Len())
	assert.Equal(t, []string{MsgNoActiveStream}, sink.For("s1"))
}

func TestController_StopTwice(t *testing.T) {
	c, src, _ := newTestController(t)

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	_, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.NoError(t, c.Stop(context.Background(), "s1"))
	assert.ErrorIs(t, c.Stop(context.Background(), "s1"), ErrNoActiveStream)
}

func TestController_ConnectFailureIsReported(t *testing.T) {
	c, src, sink := newTestController(t)
	src.FailOpen("BTCUSDT", errors.New("dial tcp: refused"))

	h, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	waitDone(t, h)

	assert.Zero(t, c.Registry().Len())
	assert.Equal(t, []string{MsgStarting("BTCUSDT"), MsgConnectFailed("BTCUSDT")}, sink.For("s1"))

	// the session is free again
	src.FailOpen("BTCUSDT", nil)
	_, err = c.Start(context.Background(), "s1", "BTCUSDT")
	assert.NoError(t, err)
}

func TestController_InvalidSymbol(t *testing.T) {
	c, src, sink := newTestController(t)

	for _, in := range []string{"", "   ", "BTC", "BTC$USDT"} {
		_, err := c.Start(context.Background(), "s1", in)
		assert.ErrorIs(t, err, ErrInvalidSymbol, "input %q", in)
	}
	assert.Zero(t, c.Registry().Len())
	assert.Equal(t, MsgInvalidSymbol(""), sink.For("s1")[0])
	assert.Len(t, sink.For("s1"), 4)
	assert.Zero(t, src.Opens("BTC"))
}

func TestController_DecodeErrorsAreSkipped(t *testing.T) {
	c, src, sink := newTestController(t)

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.True(t, st.Garbage("{oops", wait))
	require.True(t, st.PushPrice("42.00", wait))

	assert.Equal(t, []string{MsgStarting("BTCUSDT"), "BTCUSDT: 42.00"}, sink.waitCount(t, "s1", 2))
	_, active := c.Active("s1")
	assert.True(t, active)
}

func TestController_DeliveryErrorsDoNotEndStream(t *testing.T) {
	c, src, sink := newTestController(t)
	sink.fail = func(text string) error {
		if strings.HasPrefix(text, "BTCUSDT: 1") {
			return errors.New("chat unreachable")
		}
		return nil
	}

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.True(t, st.PushPrice("1.5", wait))
	require.True(t, st.PushPrice("2.5", wait))

	assert.Equal(t, []string{MsgStarting("BTCUSDT"), "BTCUSDT: 2.5"}, sink.waitCount(t, "s1", 2))
}

func TestController_ShutdownJoinsWorkers(t *testing.T) {
	c, src, sink := newTestController(t, WithNotifyOnEnd(true))

	var handles []*Handle
	var streams []*feedtest.Stream
	for _, s := range []SessionID{"a", "b", "c"} {
		h, err := c.Start(context.Background(), s, "BTCUSDT")
		require.NoError(t, err)
		handles = append(handles, h)
		st, ok := src.WaitOpen(wait)
		require.True(t, ok)
		streams = append(streams, st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	for i, h := range handles {
		assert.Equal(t, Closed, h.State())
		assert.False(t, h.Stopped())
		assert.True(t, streams[i].Closed())
		assert.Len(t, sink.For(h.Session()), 1, "shutdown sends no end notice")
	}
	assert.Zero(t, c.Registry().Len())

	_, err := c.Start(context.Background(), "d", "BTCUSDT")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

type fakeGuard struct {
	mu       sync.Mutex
	held     map[string]string
	released atomic.Int32
	err      error
}

func (g *fakeGuard) Acquire(_ context.Context, key, owner string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, false, g.err
	}
	if cur, ok := g.held[key]; ok && cur != owner {
		return nil, false, nil
	}
	g.held[key] = owner
	return func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
		g.released.Add(1)
	}, true, nil
}

func TestController_GuardHeldElsewhere(t *testing.T) {
	g := &fakeGuard{held: map[string]string{leasePrefix + "s1": "other-replica"}}
	c, src, sink := newTestController(t, WithGuard(g))

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Zero(t, c.Registry().Len())
	assert.Zero(t, src.Opens("BTCUSDT"))
	assert.Equal(t, []string{MsgAlreadyActive("BTCUSDT")}, sink.For("s1"))
}

func TestController_GuardReleasedOnEnd(t *testing.T) {
	g := &fakeGuard{held: map[string]string{}}
	c, src, _ := newTestController(t, WithGuard(g))

	h, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	_, ok := src.WaitOpen(wait)
	require.True(t, ok)

	require.NoError(t, c.Stop(context.Background(), "s1"))
	waitDone(t, h)
	assert.EqualValues(t, 1, g.released.Load())
}

func TestController_GuardErrorFailsOpen(t *testing.T) {
	g := &fakeGuard{err: errors.New("redis down")}
	c, src, _ := newTestController(t, WithGuard(g))

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	_, ok := src.WaitOpen(wait)
	assert.True(t, ok)
}

type recPublisher struct {
	mu    sync.Mutex
	ticks []feed.Tick
}

func (p *recPublisher) PublishTick(_ context.Context, t feed.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, t)
	return nil
}

func (p *recPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ticks)
}

func TestController_PublishesTicks(t *testing.T) {
	pub := &recPublisher{}
	c, src, sink := newTestController(t, WithPublisher(pub))

	_, err := c.Start(context.Background(), "s1", "BTCUSDT")
	require.NoError(t, err)
	st, ok := src.WaitOpen(wait)
	require.True(t, ok)
	require.True(t, st.PushPrice("7", wait))

	sink.waitCount(t, "s1", 2)
	assert.Equal(t, 1, pub.Len())
}
