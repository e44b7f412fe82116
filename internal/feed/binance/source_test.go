package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tickrelay.com/internal/feed"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// feedServer upgrades every request, records the requested streams and runs
// script against the server side of the connection.
func feedServer(t *testing.T, script func(c *websocket.Conn)) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var streams atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streams.Store(r.URL.Query().Get("streams"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		script(c)
	}))
	t.Cleanup(srv.Close)
	return srv, &streams
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSource_StreamsTicksInOrder(t *testing.T) {
	srv, streams := feedServer(t, func(c *websocket.Conn) {
		frames := []string{
			`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","a":1,"p":"100.10","q":"1","T":1000}}`,
			`not-json`,
			`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","a":2,"p":"100.20","q":"1","T":2000}}`,
		}
		for _, f := range frames {
			_ = c.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		time.Sleep(50 * time.Millisecond)
	})

	src := NewSource(Config{BaseURL: wsURL(srv), ConnectTimeout: time.Second})
	st, err := src.Open(context.Background(), "btc/usdt")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "btcusdt@aggTrade", streams.Load())

	t1, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, "100.10", t1.PriceString())

	_, err = st.Next()
	assert.True(t, feed.IsDecode(err), "malformed frame is skippable: %v", err)

	t2, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, "100.20", t2.PriceString())

	_, err = st.Next()
	var se *feed.StreamError
	require.ErrorAs(t, err, &se)

	_, again := st.Next()
	assert.ErrorAs(t, again, &se, "sequence stays ended")
}

func TestSource_CloseUnblocksNext(t *testing.T) {
	hold := make(chan struct{})
	srv, _ := feedServer(t, func(c *websocket.Conn) {
		// read until the client goes away, never send a frame
		go func() {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					close(hold)
					return
				}
			}
		}()
		<-hold
	})

	src := NewSource(Config{BaseURL: wsURL(srv)})
	st, err := src.Open(context.Background(), "ETHUSDT")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := st.Next()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, st.Close())
	assert.NoError(t, st.Close(), "close is idempotent")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, feed.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSource_InvalidSymbolSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	src := NewSource(Config{BaseURL: wsURL(srv)})
	_, err := src.Open(context.Background(), "   ")
	assert.ErrorIs(t, err, feed.ErrInvalidSymbol)
	assert.Zero(t, hits.Load())
}

func TestSource_ConnectErrors(t *testing.T) {
	t.Run("handshake rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := NewSource(Config{BaseURL: wsURL(srv)}).Open(context.Background(), "BTCUSDT")
		var ce *feed.ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "BTCUSDT", ce.Symbol)
	})

	t.Run("bounded wait", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer srv.Close()
		defer close(block)

		start := time.Now()
		_, err := NewSource(Config{BaseURL: wsURL(srv), ConnectTimeout: 100 * time.Millisecond}).
			Open(context.Background(), "BTCUSDT")
		var ce *feed.ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
