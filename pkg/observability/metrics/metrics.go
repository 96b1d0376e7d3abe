package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "discv5"

var (
	once sync.Once

	TableEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routing_table_entries",
		Help:      "Routing table entries by connection state and direction",
	}, []string{"state", "direction"})

	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_peers",
		Help:      "Number of connected peers in the routing table",
	})

	BucketPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bucket_peers",
		Help:      "Peers per log-distance bucket and state",
	}, []string{"bucket", "state"})

	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "FINDNODE lookups issued by the query loop",
	}, []string{"result"})

	QueryFoundNodes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_found_nodes",
		Help:      "Nodes returned by a successful lookup",
		Buckets:   prometheus.LinearBuckets(0, 2, 9),
	})

	BootstrapEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bootstrap",
		Name:      "entries_total",
		Help:      "Bootstrap candidates by source and outcome",
	}, []string{"source", "result"})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Engine events observed by the event printer",
	}, []string{"kind"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(TableEntries)
		prometheus.MustRegister(ConnectedPeers)
		prometheus.MustRegister(BucketPeers)
		prometheus.MustRegister(QueriesTotal)
		prometheus.MustRegister(QueryFoundNodes)
		prometheus.MustRegister(BootstrapEntries)
		prometheus.MustRegister(EventsTotal)
	})
}
