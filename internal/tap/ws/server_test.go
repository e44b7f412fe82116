package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tickrelay.com/internal/tap"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestServer(t *testing.T) (*Server, *tap.MemBroker, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := tap.NewMemBroker()
	s := NewServer(ctx, b)
	s.PingJitter = 0
	hs := httptest.NewServer(http.HandlerFunc(s.ServeWS))
	t.Cleanup(hs.Close)
	return s, b, hs
}

func TestServer_StreamsSubscribedSymbol(t *testing.T) {
	_, b, hs := newTestServer(t)
	c := dial(t, hs)

	require.NoError(t, c.WriteJSON(ClientMsg{Type: "sub", Symbols: []string{"btc/usdt"}}))

	payload, _ := json.Marshal(tap.Event{Source: "binance", Symbol: "BTCUSDT", Price: "64000.1"})
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))

	got := make(chan []byte, 1)
	go func() {
		_, data, err := c.ReadMessage()
		if err == nil {
			got <- data
		}
	}()

	// the subscription is registered asynchronously after the read pump
	// decodes the request, so keep publishing until the client sees one
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, b.Publish(context.Background(), tap.Topic("BTCUSDT"), payload))
		require.NoError(t, b.Publish(context.Background(), tap.Topic("ETHUSDT"), []byte(`{"symbol":"ETHUSDT"}`)))
		select {
		case data := <-got:
			for _, line := range strings.Split(string(data), "\n") {
				var e tap.Event
				require.NoError(t, json.Unmarshal([]byte(line), &e))
				assert.Equal(t, "BTCUSDT", e.Symbol)
				assert.Equal(t, "64000.1", e.Price)
			}
			return
		case <-deadline:
			t.Fatal("no tick delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestServer_ContextCancelClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, tap.NewMemBroker())
	s.PingJitter = 0
	hs := httptest.NewServer(http.HandlerFunc(s.ServeWS))
	defer hs.Close()

	c := dial(t, hs)
	require.Eventually(t, func() bool { return s.Conns() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return s.Conns() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConn_LatestOnly(t *testing.T) {
	c := newConn(func() {}, nil)

	c.offer("tick:A", []byte("1"))
	c.offer("tick:A", []byte("2"))
	c.offer("tick:B", []byte("3"))

	batch := c.flush(maxFlush)
	assert.Len(t, batch, 2)
	assert.Contains(t, batch, []byte("2"))
	assert.NotContains(t, batch, []byte("1"))
	assert.Nil(t, c.flush(maxFlush))
}
