package schedule

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/crawler"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/extract"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/reconcile"
	"github.com/ternarybob/crawler/internal/siteops"
	"github.com/ternarybob/crawler/internal/sitemap"
	"github.com/ternarybob/crawler/internal/store"
	badgerstore "github.com/ternarybob/crawler/internal/storage/badger"
	"github.com/ternarybob/crawler/internal/vectordb"
)

type noopPublisher struct{}

func (noopPublisher) Publish(models.RunEvent) {}

func newTestScheduler(t *testing.T, sitemapURL string) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)

	mgr, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	bus := events.NewBus()
	vdb := vectordb.NewClient("http://unused", "http://unused", "", time.Second)
	recon := reconcile.New(st, vdb, mgr.Ledger(), bus, arbor.NewLogger())

	extractor := extract.New(st, arbor.NewLogger())
	cfg := &common.CrawlerConfig{UserAgent: "t", WorkerCount: 1, RequestTimeoutSeconds: 5, MaxBodyBytes: 1 << 20, MinBackoffSeconds: 1, MaxBackoffSeconds: 2}
	sched := crawler.New(st, extractor, noopPublisher{}, arbor.NewLogger(), cfg)
	expander := sitemap.New(arbor.NewLogger())
	ops := siteops.New(st, expander, sched, recon, arbor.NewLogger())

	return New(st, ops, arbor.NewLogger()), st
}

func TestReExpandAll_SkipsPausedSites(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`<urlset><url><loc>https://example.com/a</loc></url></urlset>`))
	}))
	defer srv.Close()

	s, st := newTestScheduler(t, srv.URL)
	status := models.NewStatus(srv.URL+"/sitemap.xml", "")
	status.Paused = true
	require.NoError(t, st.WriteStatus("site_a", status))

	s.reExpandAll()
	assert.Equal(t, 0, hits, "a paused site must not be re-expanded")
}

func TestReExpandAll_ReExpandsUnpausedRegisteredSites(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`<urlset><url><loc>https://example.com/a</loc></url></urlset>`))
	}))
	defer srv.Close()

	s, st := newTestScheduler(t, srv.URL)
	require.NoError(t, st.WriteStatus("site_a", models.NewStatus(srv.URL+"/sitemap.xml", "")))

	s.reExpandAll()
	assert.Equal(t, 1, hits)

	status, err := st.ReadStatus("site_a")
	require.NoError(t, err)
	assert.True(t, status.SitemapProcessed)
}

func TestStart_AcceptsBothStandardAndSecondsPrefixedExpressions(t *testing.T) {
	s, _ := newTestScheduler(t, "")
	require.NoError(t, s.Start("*/5 * * * *"))
	s.Stop()

	s2, _ := newTestScheduler(t, "")
	require.NoError(t, s2.Start("*/10 * * * * *"))
	s2.Stop()
}

func TestStart_RejectsInvalidExpression(t *testing.T) {
	s, _ := newTestScheduler(t, "")
	err := s.Start("not a cron expression")
	assert.Error(t, err)
}
