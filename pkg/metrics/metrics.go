// Package metrics defines the indexer's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escrow_indexer"

type Metrics struct {
	CursorHeight   prometheus.Gauge
	HeadHeight     prometheus.Gauge
	HeadLag        prometheus.Gauge
	EventsApplied  *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	Reorgs         prometheus.Counter
	ReorgDepth     prometheus.Histogram
	ChainRetries   prometheus.Counter
	BatchDuration  prometheus.Histogram
	NotifyFailures *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CursorHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_height",
			Help:      "last fully processed block height",
		}),
		HeadHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_height",
			Help:      "latest chain head observed",
		}),
		HeadLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_lag_blocks",
			Help:      "blocks between the chain head and the cursor",
		}),
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "contract events applied to the ledger",
		}, []string{"event"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "events skipped as data anomalies",
		}, []string{"reason"}),
		Reorgs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "chain reorganizations rolled back",
		}),
		ReorgDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reorg_depth_blocks",
			Help:      "blocks reverted per reorganization",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ChainRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_retries_total",
			Help:      "retried chain calls after a transient failure",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "time to fetch, apply and commit one batch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "change notifications an output failed to deliver",
		}, []string{"output"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "query API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Nop returns collectors registered on a private registry, for callers that do not export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
