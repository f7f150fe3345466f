package subgraph

import "github.com/prometheus/client_golang/prometheus"

var (
	queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "subgraph",
		Name:      "queries_total",
		Help:      "Indexer GraphQL queries by result.",
	}, []string{"result"})

	queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowrecon",
		Subsystem: "subgraph",
		Name:      "query_duration_seconds",
		Help:      "Indexer GraphQL round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	})

	malformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "subgraph",
		Name:      "malformed_events_total",
		Help:      "Indexer entities dropped at decode time.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(queries, queryDuration, malformed)
}
