package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/extract"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/store"
)

type recordingPublisher struct{ events []models.RunEvent }

func (p *recordingPublisher) Publish(evt models.RunEvent) { p.events = append(p.events, evt) }

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	extractor := extract.New(st, arbor.NewLogger())
	cfg := &common.CrawlerConfig{
		UserAgent:             "test-bot/1.0",
		WorkerCount:           1,
		RequestTimeoutSeconds: 5,
		MaxBodyBytes:          1 << 20,
		MinDomainDelayMillis:  0,
		MinBackoffSeconds:     1,
		MaxBackoffSeconds:     2,
	}
	return New(st, extractor, &recordingPublisher{}, arbor.NewLogger(), cfg)
}

func TestScheduler_NextSkipsSitesStillInSitemapPhase(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSite("site_a")
	s.EnqueueURLs("site_a", []string{"https://a/1"})

	_, _, ok := s.next()
	assert.False(t, ok, "site_a has not had SetSitemapProcessed(true) yet")

	s.SetSitemapProcessed("site_a", true)
	site, url, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, "site_a", site)
	assert.Equal(t, "https://a/1", url)
}

func TestScheduler_NextRoundRobinsFairlyAcrossSites(t *testing.T) {
	s := newTestScheduler(t)
	for _, site := range []string{"site_a", "site_b"} {
		s.RegisterSite(site)
		s.EnqueueURLs(site, []string{"https://" + site + "/1", "https://" + site + "/2"})
		s.SetSitemapProcessed(site, true)
	}

	var order []string
	for i := 0; i < 4; i++ {
		site, _, ok := s.next()
		require.True(t, ok)
		order = append(order, site)
	}
	assert.Equal(t, []string{"site_a", "site_b", "site_a", "site_b"}, order)
}

func TestScheduler_NextSkipsPausedAndDeletedSites(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSite("site_a")
	s.EnqueueURLs("site_a", []string{"https://a/1"})
	s.SetSitemapProcessed("site_a", true)

	s.SetPaused("site_a", true)
	_, _, ok := s.next()
	assert.False(t, ok)

	s.SetPaused("site_a", false)
	site, _, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, "site_a", site)

	s.EnqueueURLs("site_a", []string{"https://a/2"})
	s.DeleteSite("site_a")
	_, _, ok = s.next()
	assert.False(t, ok)

	s.RegisterSite("site_a")
	s.Undelete("site_a")
	s.SetSitemapProcessed("site_a", true)
	s.EnqueueURLs("site_a", []string{"https://a/3"})
	site, url, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, "site_a", site)
	assert.Equal(t, "https://a/3", url)
}

func TestRateLimiter_EnforcesMinimumSpacingPerDomain(t *testing.T) {
	r := NewRateLimiter(50 * time.Millisecond)
	r.RecordAttempt("example.com")
	assert.Greater(t, r.RemainingDelay("example.com"), time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, time.Duration(0), r.RemainingDelay("example.com"))
}

func TestRateLimiter_BackoffExpiresAfterWindow(t *testing.T) {
	r := NewRateLimiter(0)
	r.SetBackoff("example.com", 20*time.Millisecond)

	inBackoff, remaining := r.InBackoff("example.com")
	assert.True(t, inBackoff)
	assert.Greater(t, remaining, time.Duration(0))

	time.Sleep(30 * time.Millisecond)
	inBackoff, _ = r.InBackoff("example.com")
	assert.False(t, inBackoff)
}

func TestFetchOne_BucketsSlowRequestsAsTimeoutNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	extractor := extract.New(st, arbor.NewLogger())
	cfg := &common.CrawlerConfig{
		UserAgent:             "test-bot/1.0",
		WorkerCount:           1,
		RequestTimeoutSeconds: 0, // overridden below with a sub-second client timeout
		MaxBodyBytes:          1 << 20,
		MinDomainDelayMillis:  0,
		MinBackoffSeconds:     1,
		MaxBackoffSeconds:     2,
	}
	s := New(st, extractor, &recordingPublisher{}, arbor.NewLogger(), cfg)
	s.client.Timeout = 10 * time.Millisecond

	require.NoError(t, st.WriteStatus("site_a", models.NewStatus(srv.URL, "")))
	s.fetchOne(context.Background(), "site_a", srv.URL, Domain(srv.URL))

	status, err := st.ReadStatus("site_a")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Errors["TIMEOUT"])
	assert.Equal(t, 0, status.Errors["ERROR"])
}

func TestSiteQueue_FIFOOrdering(t *testing.T) {
	q := newSiteQueue()
	q.push("a", "b")
	q.push("c")

	u, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", u)

	assert.Equal(t, 2, q.len())
}
