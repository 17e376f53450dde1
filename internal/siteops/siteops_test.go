package siteops

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
	"github.com/ternarybob/crawler/internal/crawler"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/extract"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/reconcile"
	"github.com/ternarybob/crawler/internal/sitemap"
	"github.com/ternarybob/crawler/internal/store"
	"github.com/ternarybob/crawler/internal/storage/badger"
	"github.com/ternarybob/crawler/internal/vectordb"
)

type testPublisher struct{}

func (testPublisher) Publish(models.RunEvent) {}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)

	mgr, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	bus := events.NewBus()
	vdb := vectordb.NewClient("http://unused", "http://unused", "", time.Second)
	recon := reconcile.New(st, vdb, mgr.Ledger(), bus, arbor.NewLogger())

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
	sched := crawler.New(st, extractor, testPublisher{}, arbor.NewLogger(), cfg)
	expander := sitemap.New(arbor.NewLogger())

	return New(st, expander, sched, recon, arbor.NewLogger()), st
}

func TestDeriveSiteName_ReplacesDotsWithUnderscores(t *testing.T) {
	name, err := DeriveSiteName("https://www.Example.com/blog")
	require.NoError(t, err)
	assert.Equal(t, "www_example_com", name)
}

func TestDeriveSiteName_RejectsHostlessURL(t *testing.T) {
	_, err := DeriveSiteName("not-a-url")
	assert.Error(t, err)
}

func TestRegister_RejectsInvalidExplicitSiteName(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Register(context.Background(), "https://example.com", "", "bad name!")
	assert.ErrorIs(t, err, ErrInvalidSiteName)
}

func TestRegister_RejectsEmptyURL(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Register(context.Background(), "", "", "")
	assert.Error(t, err)
}

func TestRegister_IsIdempotentForSameURL(t *testing.T) {
	s, _ := newTestService(t)

	reg, err := s.Register(context.Background(), "https://example.com/x", "", "mysite")
	require.NoError(t, err)
	assert.Equal(t, "mysite", reg.SiteName)
	assert.False(t, reg.AlreadyExists)
	assert.False(t, reg.Conflict)

	reg2, err := s.Register(context.Background(), "https://example.com/x", "", "mysite")
	require.NoError(t, err)
	assert.True(t, reg2.AlreadyExists)
	assert.False(t, reg2.Conflict)
}

func TestRegister_DetectsSiteNameCollisionOnDifferentURL(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Register(context.Background(), "https://example.com/x", "", "mysite")
	require.NoError(t, err)

	reg, err := s.Register(context.Background(), "https://other.com/y", "", "mysite")
	require.NoError(t, err)
	assert.True(t, reg.Conflict)
}

func TestExpand_WalksSitemapAndMarksSitemapProcessed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<urlset><url><loc>https://example.com/a</loc></url></urlset>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, st := newTestService(t)
	require.NoError(t, st.WriteStatus("site_a", models.NewStatus(srv.URL+"/sitemap.xml", "")))
	s.scheduler.RegisterSite("site_a")

	s.expand(context.Background(), "site_a", srv.URL+"/sitemap.xml", "")

	status, err := st.ReadStatus("site_a")
	require.NoError(t, err)
	assert.True(t, status.SitemapProcessed)
	assert.False(t, status.Processing)
	assert.Equal(t, 1, status.TotalURLs)
}

func TestReExpand_SkipsSiteWithNoExistingStatus(t *testing.T) {
	s, st := newTestService(t)
	s.ReExpand(context.Background(), "never_registered")

	status, err := st.ReadStatus("never_registered")
	require.NoError(t, err)
	assert.False(t, status.SitemapProcessed, "ReExpand must not create a status for an unregistered site")
}
