package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tickrelay",
		Name:      "active_streams",
		Help:      "Sessions with a live subscription",
	})
	StreamsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "streams_started_total",
		Help:      "Subscriptions accepted by the controller",
	})
	StreamsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "streams_ended_total",
		Help:      "Subscriptions that reached Closed, by reason",
	}, []string{"reason"}) // stopped/upstream/connect_error/shutdown

	StartRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "start_rejected_total",
		Help:      "Start requests refused before a worker was spawned",
	}, []string{"code"})

	TicksRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "ticks_relayed_total",
		Help:      "Ticks read from upstream and handed to the sink",
	}, []string{"feed"})
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "decode_errors_total",
		Help:      "Malformed upstream frames skipped",
	}, []string{"feed"})
	DeliveryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickrelay",
		Name:      "delivery_errors_total",
		Help:      "Notifications the sink failed to deliver, by error code",
	}, []string{"code"})

	ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tickrelay",
		Name:      "connect_duration_seconds",
		Help:      "Time to open an upstream stream",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms -> ~10s
	}, []string{"feed", "status"})
)

func OnStart() {
	ActiveStreams.Inc()
	StreamsStartedTotal.Inc()
}

func OnEnd(reason string) {
	ActiveStreams.Dec()
	StreamsEndedTotal.WithLabelValues(reason).Inc()
}

func ObserveConnect(feed string, dur time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ConnectDuration.WithLabelValues(feed, status).Observe(dur.Seconds())
}
