// Package embed is the embedding stage: a 30s file-watcher over json/*.json
// that enqueues unembedded records in batches of 100, and a single
// cooperative worker that builds a descriptor text per record, calls the
// embedding provider, and appends the result to embeddings/<site>.json.
package embed

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
	records []models.JSONRecord
}

// Stage watches json/*.json and embeds newly-appeared records.
type Stage struct {
	store    *store.Store
	provider *Provider
	logger   arbor.ILogger

	pollInterval time.Duration
	workQueue    chan batch
	modTimes     map[string]time.Time
}

// New returns a Stage polling every pollInterval.
func New(st *store.Store, provider *Provider, logger arbor.ILogger, pollInterval time.Duration) *Stage {
	return &Stage{
		store:        st,
		provider:     provider,
		logger:       logger,
		pollInterval: pollInterval,
		workQueue:    make(chan batch, 64),
		modTimes:     make(map[string]time.Time),
	}
}

// Start launches the watcher and the single embedding worker.
func (s *Stage) Start(ctx context.Context) {
	common.SafeGoWithContext(ctx, s.logger, "embed-watcher", func() { s.watchLoop(ctx) })
	common.SafeGoWithContext(ctx, s.logger, "embed-worker", func() { s.workerLoop(ctx) })
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

// scan checks every registered site's json/<site>.json modification time
// and enqueues unembedded records for any site whose file changed.
func (s *Stage) scan() {
	sites, err := s.store.ListSites()
	if err != nil {
		s.logger.Warn().Err(err).Msg("embed watcher: failed to list sites")
		return
	}

	for _, site := range sites {
		modTime, ok := s.store.JSONModTime(site)
		if !ok {
			continue
		}
		if last, seen := s.modTimes[site]; seen && !modTime.After(last) {
			continue
		}
		s.modTimes[site] = modTime
		s.enqueueUnembedded(site)
	}
}

func (s *Stage) enqueueUnembedded(site string) {
	embeddings, err := s.store.ReadEmbeddings(site)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site).Msg("embed watcher: failed to read embeddings")
		return
	}
	embedded := make(map[string]struct{}, len(embeddings))
	for _, e := range embeddings {
		embedded[e.Key] = struct{}{}
	}

	records, err := s.store.ReadJSONRecords(site)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site).Msg("embed watcher: failed to read json records")
		return
	}

	var pending []models.JSONRecord
	queued := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, done := embedded[rec.URL]; done {
			continue
		}
		// A page whose JSON-LD is an @graph can emit several records
		// sharing one URL; keep only the first so AppendEmbeddings never
		// writes two entries for the same key (spec.md §3, at most one
		// embedding per key per site).
		if _, dup := queued[rec.URL]; dup {
			continue
		}
		queued[rec.URL] = struct{}{}
		pending = append(pending, rec)
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
			// periodic wakeup so shutdown is observed within 5s even with
			// an empty queue, per spec.md §5 cancellation guarantee.
		}
	}
}

func (s *Stage) processBatch(ctx context.Context, b batch) {
	var produced []models.Embedding
	for _, rec := range b.records {
		text := descriptorText(rec)
		vector, err := s.provider.Embed(ctx, text)
		if err != nil {
			// Embedding failures log and abandon the batch; the records
			// retry on the next watcher tick (spec.md §7).
			s.logger.Warn().Err(err).Str("site", b.site).Str("url", rec.URL).Msg("embedding failed, batch abandoned")
			return
		}
		produced = append(produced, models.Embedding{
			Key:        rec.URL,
			Vector:     vector,
			Timestamp:  time.Now(),
			Metadata:   buildMetadata(rec, rec.URL),
			SchemaJSON: rec.Schema,
		})
	}

	if err := s.store.AppendEmbeddings(b.site, produced); err != nil {
		s.logger.Error().Err(err).Str("site", b.site).Msg("failed to append embeddings")
	}
}
