// Package metrics holds all Prometheus metrics for the audit pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the pipeline's Prometheus collectors.
type Metrics struct {
	AuditWrites        *prometheus.CounterVec
	AuditWriteFailures *prometheus.CounterVec
	HubConnections     prometheus.Gauge
	HubBroadcasts      prometheus.Counter
	HubSendFailures    prometheus.Counter
	StatsCacheHits     prometheus.Counter
	StatsCacheMisses   prometheus.Counter
	ExportRows         prometheus.Counter
	ArchivedRecords    prometheus.Counter
}

// New creates and registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuditWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acta_audit_writes_total",
			Help: "Audit records written, by record kind.",
		}, []string{"kind"}),
		AuditWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acta_audit_write_failures_total",
			Help: "Audit record writes that failed and were swallowed, by record kind.",
		}, []string{"kind"}),
		HubConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acta_hub_connections",
			Help: "Currently connected hub subscribers.",
		}),
		HubBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_hub_broadcasts_total",
			Help: "Messages broadcast to hub groups.",
		}),
		HubSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_hub_send_failures_total",
			Help: "Hub sends that failed for a single subscriber.",
		}),
		StatsCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_stats_cache_hits_total",
			Help: "Current-stats lookups served from cache.",
		}),
		StatsCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_stats_cache_misses_total",
			Help: "Current-stats lookups that recomputed.",
		}),
		ExportRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_export_rows_total",
			Help: "Rows rendered by compliance exports.",
		}),
		ArchivedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "acta_archived_records_total",
			Help: "Handler records archived by the retention sweep.",
		}),
	}
}
