// Package metrics exposes Prometheus collectors for the catalog engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

var (
	discoveryCandidatesTotal   *prometheus.CounterVec
	batchEntriesTotal          *prometheus.CounterVec
	remoteCallsTotal           *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	reconcileDriftTotal        *prometheus.CounterVec
	shardWritesTotal           prometheus.Counter
	runsTotal                  *prometheus.CounterVec
	pacerDelaySeconds          prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_discovery_candidates_total",
				Help: "Product candidates seen by discovery, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_batch_entries_total",
				Help: "Queue entries handled by the batch processor, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		remoteCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_remote_calls_total",
				Help: "Calls made to the fetch service, labeled by operation and failure class.",
			},
			[]string{"op", "class"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_queue_depth",
				Help: "Entries in each persisted queue after the last commit.",
			},
			[]string{"queue"},
		)

		reconcileDriftTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_reconcile_drift_total",
				Help: "Discrepancies found by reconciliation, labeled by kind.",
			},
			[]string{"kind"},
		)

		shardWritesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_shard_writes_total",
				Help: "Shard files created or replaced.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_runs_total",
				Help: "Invocations, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		pacerDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_pacer_delay_seconds",
				Help:    "Time spent waiting for the minimum delay between remote calls.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_api_requests_total",
				Help: "API requests, labeled by route pattern and status code.",
			},
			[]string{"route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "catalog_api_request_duration_seconds",
				Help: "API request latency by route pattern. Event and reconcile calls run a full state commit.",
				// Reconcile and large event posts hold the state lock for seconds.
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120},
			},
			[]string{"route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDiscovery adds a discovery summary to the candidate counters.
func ObserveDiscovery(s catalog.DiscoverySummary) {
	Init()
	discoveryCandidatesTotal.WithLabelValues("skipped_existing").Add(float64(s.SkippedExisting))
	discoveryCandidatesTotal.WithLabelValues("skipped_duplicate").Add(float64(s.SkippedDuplicate))
	discoveryCandidatesTotal.WithLabelValues("queued").Add(float64(s.NewlyQueued))
	discoveryCandidatesTotal.WithLabelValues("rejected").Add(float64(s.Rejected))
	discoveryCandidatesTotal.WithLabelValues("error").Add(float64(s.Errors))
}

// ObserveBatchEntry counts one entry handled by the batch processor.
func ObserveBatchEntry(outcome string) {
	Init()
	batchEntriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRemoteCall counts one fetch service call. An empty class is success.
func ObserveRemoteCall(op string, class catalog.Class) {
	Init()
	label := string(class)
	if label == "" {
		label = "ok"
	}
	remoteCallsTotal.WithLabelValues(op, label).Inc()
}

// SetQueueDepths records the size of each queue.
func SetQueueDepths(depths map[string]int) {
	Init()
	for q, n := range depths {
		queueDepth.WithLabelValues(q).Set(float64(n))
	}
}

// ObserveReconcile counts the drift found by one reconciliation.
func ObserveReconcile(r catalog.ReconcileReport) {
	Init()
	for _, d := range r.Discrepancies {
		reconcileDriftTotal.WithLabelValues(string(d.Kind)).Inc()
	}
}

// ObserveShardWrites counts shard files written.
func ObserveShardWrites(n int) {
	Init()
	shardWritesTotal.Add(float64(n))
}

// ObserveRun counts one finished invocation.
func ObserveRun(mode string, failed bool) {
	Init()
	result := "ok"
	if failed {
		result = "error"
	}
	runsTotal.WithLabelValues(mode, result).Inc()
}

// ObservePacerDelay records a wait imposed by the pacer.
func ObservePacerDelay(d time.Duration) {
	Init()
	pacerDelaySeconds.Observe(d.Seconds())
}

// ObserveAPIRequest records one served API request.
func ObserveAPIRequest(route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
