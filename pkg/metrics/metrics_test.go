package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOnStartOnEnd(t *testing.T) {
	before := testutil.ToFloat64(ActiveStreams)
	ended := testutil.ToFloat64(StreamsEndedTotal.WithLabelValues("stopped"))

	OnStart()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveStreams))

	OnEnd("stopped")
	assert.Equal(t, before, testutil.ToFloat64(ActiveStreams))
	assert.Equal(t, ended+1, testutil.ToFloat64(StreamsEndedTotal.WithLabelValues("stopped")))
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("notify", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(CBState.WithLabelValues("notify", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CBState.WithLabelValues("notify", "closed")))

	SetBreakerState("notify", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(CBState.WithLabelValues("notify", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CBState.WithLabelValues("notify", "closed")))
}

func TestObserveConnect(t *testing.T) {
	ObserveConnect("fake", 10*time.Millisecond, nil)
	ObserveConnect("fake", time.Second, errors.New("boom"))
	assert.Equal(t, 2, testutil.CollectAndCount(ConnectDuration))
}
