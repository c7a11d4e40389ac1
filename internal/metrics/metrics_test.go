package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if discoveryCandidatesTotal == nil || batchEntriesTotal == nil ||
		remoteCallsTotal == nil || queueDepth == nil || shardWritesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveSummaries(t *testing.T) {
	Init()
	before := testutil.ToFloat64(discoveryCandidatesTotal.WithLabelValues("skipped_existing"))
	ObserveDiscovery(catalog.DiscoverySummary{Found: 50, SkippedExisting: 9, SkippedDuplicate: 41})
	if got := testutil.ToFloat64(discoveryCandidatesTotal.WithLabelValues("skipped_existing")) - before; got != 9 {
		t.Errorf("expected 9 skipped_existing, got %f", got)
	}

	before = testutil.ToFloat64(remoteCallsTotal.WithLabelValues("scrape", "ok"))
	ObserveRemoteCall("scrape", "")
	if got := testutil.ToFloat64(remoteCallsTotal.WithLabelValues("scrape", "ok")) - before; got != 1 {
		t.Errorf("expected one successful scrape call, got %f", got)
	}

	SetQueueDepths(map[string]int{"pending": 7})
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("pending")); got != 7 {
		t.Errorf("expected pending depth 7, got %f", got)
	}

	before = testutil.ToFloat64(reconcileDriftTotal.WithLabelValues(string(catalog.DriftOrphanShardURL)))
	ObserveReconcile(catalog.ReconcileReport{Discrepancies: []catalog.Drift{{Kind: catalog.DriftOrphanShardURL}}})
	if got := testutil.ToFloat64(reconcileDriftTotal.WithLabelValues(string(catalog.DriftOrphanShardURL))) - before; got != 1 {
		t.Errorf("expected one orphan drift, got %f", got)
	}
}
