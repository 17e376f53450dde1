package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LedgerStorage persists models.DeletionRecord entries: the durable audit
// trail of every URL/site removal the reconciler has pushed downstream
// (spec.md §4.6). Keyed by a synthetic id so repeated deletions of the
// same URL each keep their own record.
type LedgerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLedgerStorage creates a new LedgerStorage instance.
func NewLedgerStorage(db *BadgerDB, logger arbor.ILogger) *LedgerStorage {
	return &LedgerStorage{db: db, logger: logger}
}

// Record appends a single deletion record to the ledger.
func (s *LedgerStorage) Record(ctx context.Context, rec models.DeletionRecord) error {
	rec.ID = fmt.Sprintf("%s|%s|%d", rec.Site, rec.URL, rec.DeletedAt.UnixNano())
	if err := s.db.Store().Insert(rec.ID, &rec); err != nil {
		return fmt.Errorf("failed to record deletion: %w", err)
	}
	return nil
}

// RecordBatch appends one record per url, all sharing reason and timestamp.
func (s *LedgerStorage) RecordBatch(ctx context.Context, site, reason string, urls []string, rec models.DeletionRecord) error {
	for _, url := range urls {
		entry := rec
		entry.Site = site
		entry.URL = url
		entry.Reason = reason
		if err := s.Record(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("site", site).Str("url", url).Msg("failed to record deletion in ledger")
		}
	}
	return nil
}

// ForSite returns every deletion recorded for site, most recent first.
func (s *LedgerStorage) ForSite(ctx context.Context, site string) ([]models.DeletionRecord, error) {
	var records []models.DeletionRecord
	err := s.db.Store().Find(&records, badgerhold.Where("Site").Eq(site).SortBy("DeletedAt").Reverse())
	if err != nil {
		return nil, fmt.Errorf("failed to list deletions for site: %w", err)
	}
	return records, nil
}

// Count returns the total number of deletion records on the ledger.
func (s *LedgerStorage) Count(ctx context.Context) (int, error) {
	n, err := s.db.Store().Count(&models.DeletionRecord{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count deletion records: %w", err)
	}
	return int(n), nil
}
