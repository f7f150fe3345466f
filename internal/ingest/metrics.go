package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingested events by origin (poller, nats), stream and result.",
	}, []string{"origin", "stream", "result"})

	polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "ingest",
		Name:      "polls_total",
		Help:      "Poll cycles by stream and result.",
	}, []string{"stream", "result"})

	highWaterMark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowrecon",
		Subsystem: "ingest",
		Name:      "high_water_mark",
		Help:      "Last fully mirrored block per stream.",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(events, polls, highWaterMark)
}
