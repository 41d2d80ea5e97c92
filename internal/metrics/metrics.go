package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ReconcileAttemptsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helpdesk_reconcile_attempts_total",
		Help: "Total number of identity reconciliation attempts",
	},
)

var ReconcileFailuresCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helpdesk_reconcile_failures_total",
		Help: "Total number of identity reconciliations that exhausted their retry budget",
	},
)

var FeedReconnectsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helpdesk_feed_reconnects_total",
		Help: "Total number of change-feed reconnect attempts",
	},
)

var FeedEventsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helpdesk_feed_events_total",
		Help: "Total number of change-feed events applied, by event type",
	},
	[]string{"event_type"},
)

var CacheWritesCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helpdesk_cache_writes_total",
		Help: "Total number of local cache writes",
	},
)

var CacheWriteFailuresCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helpdesk_cache_write_failures_total",
		Help: "Total number of local cache writes that failed and were swallowed",
	},
)

func init() {
	prometheus.MustRegister(ReconcileAttemptsCounter)
	prometheus.MustRegister(ReconcileFailuresCounter)
	prometheus.MustRegister(FeedReconnectsCounter)
	prometheus.MustRegister(FeedEventsCounter)
	prometheus.MustRegister(CacheWritesCounter)
	prometheus.MustRegister(CacheWriteFailuresCounter)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
