// Package crawler is the fetch scheduler and fetcher: round-robin fairness
// across sites, a per-domain rate gate, 429 backoff, and a fixed worker
// pool that fetches pages and hands their bodies to the extractor.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/extract"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/store"
)

// EventPublisher is the minimal surface the scheduler needs from
// internal/events, kept as an interface here to avoid an import cycle.
type EventPublisher interface {
	Publish(evt models.RunEvent)
}

// Scheduler owns every explicit singleton the source kept as global crawler
// state: site queues, the round-robin cursor, and the deleted/paused sets.
// All are behind either a queue-local mutex or the scheduler's own mutex,
// never a process-wide one, per spec.md §9's re-architecture guidance.
type Scheduler struct {
	store     *store.Store
	extractor *extract.Extractor
	limiter   *RateLimiter
	client    *http.Client
	events    EventPublisher
	logger    arbor.ILogger

	userAgent       string
	workerCount     int
	maxBodyBytes    int64
	minBackoff      time.Duration
	maxBackoff      time.Duration

	mu               sync.Mutex
	queues           map[string]*siteQueue
	order            []string
	cursor           int
	deleted          map[string]struct{}
	paused           map[string]struct{}
	sitemapProcessed map[string]bool
	fetchAttempts    map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler; Start launches its worker pool.
func New(st *store.Store, extractor *extract.Extractor, events EventPublisher, logger arbor.ILogger, cfg *common.CrawlerConfig) *Scheduler {
	return &Scheduler{
		store:     st,
		extractor: extractor,
		limiter:   NewRateLimiter(time.Duration(cfg.MinDomainDelayMillis) * time.Millisecond),
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		events:           events,
		logger:           logger,
		userAgent:        cfg.UserAgent,
		workerCount:      cfg.WorkerCount,
		maxBodyBytes:     cfg.MaxBodyBytes,
		minBackoff:       time.Duration(cfg.MinBackoffSeconds) * time.Second,
		maxBackoff:       time.Duration(cfg.MaxBackoffSeconds) * time.Second,
		queues:           make(map[string]*siteQueue),
		deleted:          make(map[string]struct{}),
		paused:           make(map[string]struct{}),
		sitemapProcessed: make(map[string]bool),
		fetchAttempts:    make(map[string]int),
	}
}

// RegisterSite adds a site to the round-robin order if not already present.
func (s *Scheduler) RegisterSite(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[site]; ok {
		return
	}
	s.queues[site] = newSiteQueue()
	s.order = append(s.order, site)
	sort.Strings(s.order)
}

// EnqueueURLs pushes newly-discovered URLs onto a site's queue.
func (s *Scheduler) EnqueueURLs(site string, urls []string) {
	s.mu.Lock()
	q, ok := s.queues[site]
	s.mu.Unlock()
	if !ok {
		s.RegisterSite(site)
		s.mu.Lock()
		q = s.queues[site]
		s.mu.Unlock()
	}
	q.push(urls...)
}

// SetSitemapProcessed unblocks (or, for re-expansion, re-blocks) dispatch
// for a site.
func (s *Scheduler) SetSitemapProcessed(site string, processed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sitemapProcessed[site] = processed
}

// SetPaused mirrors a site's paused flag in memory so the hot dispatch loop
// never needs to hit the filesystem.
func (s *Scheduler) SetPaused(site string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paused {
		s.paused[site] = struct{}{}
	} else {
		delete(s.paused, site)
	}
}

// DeleteSite marks a site deleted so in-flight workers skip any of its
// queued URLs, and drops its queue.
func (s *Scheduler) DeleteSite(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[site] = struct{}{}
	delete(s.queues, site)
	delete(s.sitemapProcessed, site)
	delete(s.paused, site)
	for i, name := range s.order {
		if name == site {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Undelete re-admits a site after restart_crawl re-registers it.
func (s *Scheduler) Undelete(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, site)
}

// next advances the round-robin cursor, skipping sites that are deleted,
// empty, paused, or still in the sitemap phase, and returns the next
// (site, url) pair to fetch.
func (s *Scheduler) next() (site, url string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		name := s.order[idx]

		if _, gone := s.deleted[name]; gone {
			continue
		}
		if _, paused := s.paused[name]; paused {
			continue
		}
		if !s.sitemapProcessed[name] {
			continue
		}
		q := s.queues[name]
		if q == nil {
			continue
		}
		u, popped := q.pop()
		if !popped {
			continue
		}
		s.cursor = (idx + 1) % n
		return name, u, true
	}
	return "", "", false
}

// requeue pushes a URL back onto its site's queue tail.
func (s *Scheduler) requeue(site, url string) {
	s.mu.Lock()
	q := s.queues[site]
	s.mu.Unlock()
	if q != nil {
		q.push(url)
	}
}

// Start launches the fixed-size fetch worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		id := i
		common.SafeGoWithContext(ctx, s.logger, fmt.Sprintf("fetch-worker-%d", id), func() {
			defer s.wg.Done()
			s.workerLoop(ctx)
		})
	}
}

// Stop cancels all fetch workers and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		site, url, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if s.store.DocExists(site, url) {
			continue
		}

		domain := Domain(url)
		if inBackoff, _ := s.limiter.InBackoff(domain); inBackoff {
			s.requeue(site, url)
			continue
		}
		if remaining := s.limiter.RemainingDelay(domain); remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}

		s.fetchOne(ctx, site, url, domain)
	}
}

func (s *Scheduler) fetchOne(ctx context.Context, site, url, domain string) {
	start := time.Now()
	status, body, err := s.doFetch(ctx, url)
	s.limiter.RecordAttempt(domain)

	s.mu.Lock()
	s.fetchAttempts[site]++
	attempts := s.fetchAttempts[site]
	s.mu.Unlock()

	duration := time.Since(start)
	bucketErr := s.store.MutateStatus(site, func(st *models.Status) {
		st.RecordFetchDuration(duration, attempts)
		st.LastUpdated = time.Now()
	})
	if bucketErr != nil {
		s.logger.Warn().Err(bucketErr).Str("site", site).Msg("failed to update fetch duration status")
	}

	if err != nil {
		bucket := "ERROR"
		if isTimeout(err) {
			bucket = "TIMEOUT"
		}
		s.recordError(site, bucket)
		s.logger.Warn().Err(err).Str("site", site).Str("url", url).Msg("fetch failed")
		return
	}

	switch {
	case status == http.StatusOK:
		if err := s.store.WriteDoc(site, url, body); err != nil {
			s.logger.Error().Err(err).Str("site", site).Str("url", url).Msg("failed to write raw document")
			return
		}
		s.store.MutateStatus(site, func(st *models.Status) {
			st.CrawledURLs++
		})
		if err := s.extractor.ExtractAndStore(site, url, body); err != nil {
			s.logger.Warn().Err(err).Str("site", site).Str("url", url).Msg("extraction failed")
		}
		s.publish(models.RunEvent{ID: common.NewEventID(), Type: "url_fetched", Site: site, Payload: map[string]interface{}{"url": url}, Timestamp: time.Now()})

	case status == http.StatusTooManyRequests:
		backoff := time.Duration(rand.Int63n(int64(s.maxBackoff-s.minBackoff))) + s.minBackoff
		s.limiter.SetBackoff(domain, backoff)
		s.requeue(site, url)
		s.recordError(site, "429")

	default:
		s.recordError(site, fmt.Sprintf("%d", status))
	}
}

// isTimeout reports whether err represents a request that timed out, so it
// can be bucketed separately from other fetch errors (spec.md line 76).
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Scheduler) recordError(site, bucket string) {
	if err := s.store.MutateStatus(site, func(st *models.Status) {
		st.RecordError(bucket)
	}); err != nil {
		s.logger.Warn().Err(err).Str("site", site).Msg("failed to record error status")
	}
}

func (s *Scheduler) doFetch(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, s.maxBodyBytes)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(limited); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (s *Scheduler) publish(evt models.RunEvent) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}
