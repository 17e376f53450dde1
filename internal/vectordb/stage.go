// Package vectordb is the database stage: a 30s file-watcher over
// embeddings/*.json that enqueues unprocessed records in batches of 100,
// and a single cooperative worker that uploads each batch to the external
// vector database, grants FGA read access, and records processed keys.
package vectordb

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/store"
)

const batchSize = 100

type batch struct {
	site    string
	records []models.Embedding
}

// Stage watches embeddings/*.json and uploads newly-embedded records.
type Stage struct {
	store  *store.Store
	client *Client
	logger arbor.ILogger

	pollInterval time.Duration
	workQueue    chan batch
	modTimes     map[string]time.Time
}

// New returns a Stage polling every pollInterval. Batches are processed
// sequentially by a single worker (at-most-one inflight DB call), the
// external vector DB's exactly-once-writer contract (spec.md §5).
func New(st *store.Store, client *Client, logger arbor.ILogger, pollInterval time.Duration) *Stage {
	return &Stage{
		store:        st,
		client:       client,
		logger:       logger,
		pollInterval: pollInterval,
		workQueue:    make(chan batch, 64),
		modTimes:     make(map[string]time.Time),
	}
}

// Start launches the watcher and the single database worker.
func (s *Stage) Start(ctx context.Context) {
	common.SafeGoWithContext(ctx, s.logger, "vectordb-watcher", func() { s.watchLoop(ctx) })
	common.SafeGoWithContext(ctx, s.logger, "vectordb-worker", func() { s.workerLoop(ctx) })
}

func (s *Stage) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Stage) scan() {
	sites, err := s.store.ListSites()
	if err != nil {
		s.logger.Warn().Err(err).Msg("vectordb watcher: failed to list sites")
		return
	}

	for _, site := range sites {
		modTime, ok := s.store.EmbeddingsModTime(site)
		if !ok {
			continue
		}
		if last, seen := s.modTimes[site]; seen && !modTime.After(last) {
			continue
		}
		s.modTimes[site] = modTime
		s.enqueueUnprocessed(site)
	}
}

func (s *Stage) enqueueUnprocessed(site string) {
	processed, err := s.store.ReadProcessedKeys(site)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site).Msg("vectordb watcher: failed to read processed keys")
		return
	}

	embeddings, err := s.store.ReadEmbeddings(site)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site).Msg("vectordb watcher: failed to read embeddings")
		return
	}

	var pending []models.Embedding
	for _, e := range embeddings {
		if _, done := processed[e.Key]; !done {
			pending = append(pending, e)
		}
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		s.workQueue <- batch{site: site, records: pending[start:end]}
	}
}

func (s *Stage) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.workQueue:
			s.processBatch(ctx, b)
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Stage) processBatch(ctx context.Context, b batch) {
	docs := make([]Document, 0, len(b.records))
	urls := make([]string, 0, len(b.records))
	for _, e := range b.records {
		docs = append(docs, ToDocument(b.site, e))
		urls = append(urls, e.Key)
	}

	if _, err := s.client.UploadDocuments(ctx, docs); err != nil {
		// DB upload failures log and abandon the batch; keys stay
		// unprocessed so the next tick retries (spec.md §7).
		s.logger.Warn().Err(err).Str("site", b.site).Msg("document upload failed, batch abandoned")
		return
	}

	if err := s.client.GrantReadAccess(ctx, b.site, urls); err != nil {
		// FGA failures are logged but do not block marking keys
		// processed (spec.md §4.5 step 3).
		s.logger.Warn().Err(err).Str("site", b.site).Msg("FGA grant failed")
	}

	if err := s.store.AppendProcessedKeys(b.site, urls); err != nil {
		s.logger.Error().Err(err).Str("site", b.site).Msg("failed to append processed keys")
	}
}
