// Package reconcile drives the re-expansion workflow: given a site's
// freshly re-crawled sitemap URL list, it figures out what dropped off,
// removes every on-disk artifact family for those URLs, pushes the
// removal downstream to the vector database and FGA, records the
// deletion on the durable ledger, and republishes the site's status
// (spec.md §4.6, §8).
package reconcile

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/models"
	badgerstore "github.com/ternarybob/crawler/internal/storage/badger"
	"github.com/ternarybob/crawler/internal/store"
	"github.com/ternarybob/crawler/internal/vectordb"
)

// Reconciler ties the file store, the external vector DB/FGA client, and
// the deletion ledger together.
type Reconciler struct {
	store    *store.Store
	vdb      *vectordb.Client
	ledger   *badgerstore.LedgerStorage
	bus      *events.Bus
	logger   arbor.ILogger
}

// New returns a Reconciler.
func New(st *store.Store, vdb *vectordb.Client, ledger *badgerstore.LedgerStorage, bus *events.Bus, logger arbor.ILogger) *Reconciler {
	return &Reconciler{store: st, vdb: vdb, ledger: ledger, bus: bus, logger: logger}
}

// ReconcileSite is invoked after a site's sitemap has been re-walked.
// currentURLs is the freshly discovered URL list (post-filter). Any URL
// present in the site's json corpus but absent from currentURLs is
// treated as removed upstream and torn down end to end.
func (r *Reconciler) ReconcileSite(ctx context.Context, site string, currentURLs []string) error {
	deleted, stats, err := r.store.ReconcileURLs(site, currentURLs)
	if err != nil {
		return err
	}

	if len(deleted) > 0 {
		r.logger.Info().Str("site", site).Int("count", len(deleted)).Msg("reconciliation removed urls, pushing deletions downstream")

		if err := r.vdb.DeleteDocumentsByURLs(ctx, site, deleted); err != nil {
			r.logger.Warn().Err(err).Str("site", site).Msg("vector DB deletion failed, ledger still records the local removal")
		}
		if err := r.vdb.DeleteURLs(ctx, site, deleted); err != nil {
			r.logger.Warn().Err(err).Str("site", site).Msg("FGA access revocation failed")
		}

		now := time.Now()
		if err := r.ledger.RecordBatch(ctx, site, "url_list_shrink", deleted, models.DeletionRecord{DeletedAt: now}); err != nil {
			r.logger.Warn().Err(err).Str("site", site).Msg("failed to append deletion ledger entries")
		}
	}

	crawled := 0
	for _, u := range currentURLs {
		if r.store.DocExists(site, u) {
			crawled++
		}
	}

	if err := r.store.MutateStatus(site, func(s *models.Status) {
		s.TotalURLs = len(currentURLs)
		s.CrawledURLs = crawled
		s.JSONStats = stats
		s.LastUpdated = time.Now()
	}); err != nil {
		return err
	}

	r.bus.Publish(models.RunEvent{
		ID:        common.NewEventID(),
		Type:      "reconciled",
		Site:      site,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"deleted_count": len(deleted)},
	})

	return nil
}

// DeleteSite tears a site down entirely: every on-disk artifact family,
// every downstream vector DB document, every FGA grant, the per-site lock
// entry, and a ledger record of the whole-site removal.
func (r *Reconciler) DeleteSite(ctx context.Context, site string) error {
	urls, _ := r.store.ReadURLList(site)

	if err := r.store.DeleteSiteArtifacts(site); err != nil {
		return err
	}
	r.store.DropLock(site)

	if err := r.vdb.DeleteDocumentsBySite(ctx, site); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Msg("vector DB site deletion failed")
	}
	if err := r.vdb.DeleteSite(ctx, site); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Msg("FGA site deletion failed")
	}

	if err := r.ledger.RecordBatch(ctx, site, "site_deleted", urls, models.DeletionRecord{DeletedAt: time.Now()}); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Msg("failed to append site-deletion ledger entries")
	}

	r.bus.Publish(models.RunEvent{
		ID:        common.NewEventID(),
		Type:      "site_deleted",
		Site:      site,
		Timestamp: time.Now(),
	})

	return nil
}
