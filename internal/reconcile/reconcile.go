// Package reconcile checks that shard files, the manifest and the index list
// the same URLs, repairs the discrepancies that have exactly one sensible fix
// and reports the rest.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/index"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
)

// Options tunes a Reconciler.
type Options struct {
	// Resplit rewrites every shard so files honour the current size bound.
	Resplit bool
}

// Reconciler runs consistency passes over a state store.
type Reconciler struct {
	store  *state.Store
	opts   Options
	logger *zap.Logger
}

// New builds a Reconciler.
func New(store *state.Store, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, opts: opts, logger: logger}
}

// Run performs one reconciliation pass under the state lock.
func (r *Reconciler) Run(ctx context.Context) (catalog.ReconcileReport, error) {
	var report catalog.ReconcileReport
	_, err := r.store.Repair(ctx, func(tx *state.Tx) error {
		var err error
		report, err = r.reconcile(tx)
		return err
	})
	if err != nil {
		return catalog.ReconcileReport{}, fmt.Errorf("reconcile: %w", err)
	}
	metrics.ObserveReconcile(report)
	r.logger.Info("reconcile finished",
		zap.Bool("in_sync", report.InSync),
		zap.Bool("index_rebuilt", report.IndexRebuilt),
		zap.Int("repaired", report.Repaired),
		zap.Int("unresolved", report.Unresolved))
	for _, d := range report.Discrepancies {
		if !d.Repaired {
			r.logger.Warn("unresolved drift",
				zap.String("kind", string(d.Kind)),
				zap.String("url", d.URL),
				zap.String("shard_key", d.ShardKey),
				zap.String("detail", d.Detail))
		}
	}
	return report, nil
}

type pass struct {
	tx     *state.Tx
	locs   map[string][]shard.Location
	drifts []catalog.Drift
	seen   map[string]bool
}

func (p *pass) add(d catalog.Drift) {
	k := string(d.Kind) + "\x00" + d.URL + "\x00" + d.ShardKey
	if p.seen[k] {
		return
	}
	p.seen[k] = true
	p.drifts = append(p.drifts, d)
}

func (r *Reconciler) reconcile(tx *state.Tx) (catalog.ReconcileReport, error) {
	locs, err := r.store.ShardWriter().Scan()
	if err != nil {
		return catalog.ReconcileReport{}, err
	}
	p := &pass{tx: tx, locs: locs, seen: make(map[string]bool)}
	var report catalog.ReconcileReport

	if tx.IndexErr != nil {
		r.logger.Warn("rebuilding index", zap.Error(tx.IndexErr))
		p.rebuildIndex()
		report.IndexRebuilt = true
	}
	if err := p.applyTombstones(); err != nil {
		return report, err
	}
	if err := p.checkShards(); err != nil {
		return report, err
	}
	p.checkManifestAndIndex()

	if r.opts.Resplit {
		keys, err := r.store.ShardWriter().Keys()
		if err != nil {
			return report, err
		}
		for _, key := range keys {
			if err := tx.Shards.Touch(key); err != nil {
				return report, err
			}
		}
	}

	sort.SliceStable(p.drifts, func(i, j int) bool {
		if p.drifts[i].Kind != p.drifts[j].Kind {
			return p.drifts[i].Kind < p.drifts[j].Kind
		}
		return p.drifts[i].URL < p.drifts[j].URL
	})
	report.Discrepancies = p.drifts
	for _, d := range p.drifts {
		if d.Repaired {
			report.Repaired++
		} else {
			report.Unresolved++
		}
	}
	report.ShardURLs = len(p.locs)
	report.ManifestURLs = len(tx.Index.Manifest.Owners())
	report.IndexURLs = tx.Index.Index.Len()
	report.InSync = report.Unresolved == 0 &&
		report.ShardURLs == report.ManifestURLs && report.ManifestURLs == report.IndexURLs
	return report, nil
}

// rebuildIndex recreates the index from URLs that the manifest assigns to a
// single shard and that the shard file actually holds.
func (p *pass) rebuildIndex() {
	rebuilt := index.NewIndex()
	for url, owners := range p.tx.Index.Manifest.Owners() {
		if len(owners) != 1 {
			continue
		}
		for _, loc := range p.locs[url] {
			if loc.Key == owners[0] {
				rebuilt.Put(url, catalog.IndexEntry{
					ShardKey:    loc.Key,
					ContentHash: loc.Record.ContentHash,
					ScrapedAt:   loc.Record.ScrapedAt,
				})
				break
			}
		}
	}
	p.tx.Index.Index = rebuilt
	p.tx.Index.MarkDirty()
}

func (p *pass) applyTombstones() error {
	for _, url := range p.tx.Tombstones.URLs() {
		keys, err := p.tx.RemoveProduct(url)
		if err != nil {
			return err
		}
		for _, loc := range p.locs[url] {
			if _, err := p.tx.Shards.Remove(loc.Key, url); err != nil {
				return err
			}
		}
		delete(p.locs, url)
		p.tx.Queues.RemoveURL(url)
		p.tx.Tombstones.Clear(url)
		p.add(catalog.Drift{
			Kind:     catalog.DriftTombstoned,
			URL:      url,
			Detail:   fmt.Sprintf("removed from %d shard(s)", len(keys)),
			Repaired: true,
		})
	}
	return nil
}

func (p *pass) checkShards() error {
	urls := make([]string, 0, len(p.locs))
	for u := range p.locs {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	owners := p.tx.Index.Manifest.Owners()
	for _, url := range urls {
		locs := p.locs[url]
		entry, inIndex := p.tx.Index.Index.Get(url)
		_, inManifest := owners[url]

		if !inIndex && !inManifest {
			for _, loc := range locs {
				if _, err := p.tx.Shards.Remove(loc.Key, url); err != nil {
					return err
				}
			}
			delete(p.locs, url)
			p.add(catalog.Drift{Kind: catalog.DriftOrphanShardURL, URL: url, ShardKey: locs[0].Key, Repaired: true})
			continue
		}

		keys := distinctKeys(locs)
		if len(locs) > 1 && len(keys) == 1 {
			// Same shard, several part files: a rewrite collapses them.
			if err := p.tx.Shards.Touch(keys[0]); err != nil {
				return err
			}
			p.add(catalog.Drift{Kind: catalog.DriftDuplicateShardURL, URL: url, ShardKey: keys[0],
				Detail: "listed by several parts of one shard", Repaired: true})
		}
		if len(keys) > 1 {
			p.add(catalog.Drift{Kind: catalog.DriftDuplicateShardURL, URL: url,
				Detail: fmt.Sprintf("listed by shards %v", keys)})
			continue
		}
		if inIndex && entry.ShardKey != keys[0] {
			p.add(catalog.Drift{Kind: catalog.DriftShardMismatch, URL: url, ShardKey: keys[0],
				Detail: "index assigns shard " + entry.ShardKey})
		}
	}
	return nil
}

func (p *pass) checkManifestAndIndex() {
	owners := p.tx.Index.Manifest.Owners()
	for url, keys := range owners {
		if len(keys) > 1 {
			p.add(catalog.Drift{Kind: catalog.DriftDuplicateShardURL, URL: url,
				Detail: fmt.Sprintf("manifest lists shards %v", keys)})
		}
		if !p.tx.Index.Index.Contains(url) {
			p.add(catalog.Drift{Kind: catalog.DriftManifestOnly, URL: url, ShardKey: keys[0]})
		}
		if _, ok := p.locs[url]; !ok {
			p.add(catalog.Drift{Kind: catalog.DriftMissingFromShard, URL: url, ShardKey: keys[0],
				Detail: "listed in manifest"})
		}
	}
	for _, url := range p.tx.Index.Index.URLs() {
		key, _ := p.tx.Index.Index.ShardOf(url)
		if _, ok := owners[url]; !ok {
			p.add(catalog.Drift{Kind: catalog.DriftIndexOnly, URL: url, ShardKey: key})
		}
		if _, ok := p.locs[url]; !ok {
			p.add(catalog.Drift{Kind: catalog.DriftMissingFromShard, URL: url, ShardKey: key,
				Detail: "listed in index"})
		}
	}
}

func distinctKeys(locs []shard.Location) []string {
	seen := make(map[string]bool, len(locs))
	var out []string
	for _, l := range locs {
		if !seen[l.Key] {
			seen[l.Key] = true
			out = append(out, l.Key)
		}
	}
	sort.Strings(out)
	return out
}
