package streams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlatrack_stream_published_total",
		Help: "Envelopes published to Redis streams.",
	}, []string{"stream", "event_type"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlatrack_stream_consumed_total",
		Help: "Envelopes consumed from Redis streams.",
	}, []string{"stream", "event_type"})

	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlatrack_stream_reclaimed_total",
		Help: "Envelopes reclaimed from crashed consumers via XAUTOCLAIM.",
	}, []string{"stream", "event_type"})
)
