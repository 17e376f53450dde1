package reconcile

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
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/models"
	badgerstore "github.com/ternarybob/crawler/internal/storage/badger"
	"github.com/ternarybob/crawler/internal/store"
	"github.com/ternarybob/crawler/internal/vectordb"
)

func newTestReconciler(t *testing.T, vdbURL string) (*Reconciler, *store.Store, *badgerstore.Manager, *events.Bus) {
	t.Helper()
	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)

	mgr, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	bus := events.NewBus()
	client := vectordb.NewClient(vdbURL, vdbURL, "", time.Second)
	return New(st, client, mgr.Ledger(), bus, arbor.NewLogger()), st, mgr, bus
}

func TestReconcileSite_RemovesDroppedURLAndPublishesEvent(t *testing.T) {
	var deleteCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents/delete", "/delete_urls":
			deleteCalls++
		}
	}))
	defer srv.Close()

	r, st, _, bus := newTestReconciler(t, srv.URL)
	site := "site_a"

	kept, dropped := "https://x/kept", "https://x/dropped"
	require.NoError(t, st.WriteDoc(site, kept, []byte("k")))
	require.NoError(t, st.WriteDoc(site, dropped, []byte("d")))
	require.NoError(t, st.AppendJSONRecords(site, []models.JSONRecord{
		{URL: kept, Schema: map[string]interface{}{"@type": "Article", "@id": "kept-id"}},
		{URL: dropped, Schema: map[string]interface{}{"@type": "Article", "@id": "dropped-id"}},
	}))

	events, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, r.ReconcileSite(context.Background(), site, []string{kept}))

	assert.Equal(t, 2, deleteCalls, "both vector DB document delete and FGA URL delete must fire")
	assert.False(t, st.DocExists(site, dropped))
	assert.True(t, st.DocExists(site, kept))

	status, err := st.ReadStatus(site)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalURLs)
	assert.Equal(t, 1, status.CrawledURLs)

	select {
	case evt := <-events:
		assert.Equal(t, "reconciled", evt.Type)
		assert.Equal(t, site, evt.Site)
		assert.Equal(t, 1, evt.Payload["deleted_count"])
	default:
		t.Fatal("expected a reconciled event to be published")
	}
}

func TestReconcileSite_NoopWhenNothingDropped(t *testing.T) {
	var deleteCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { deleteCalls++ }))
	defer srv.Close()

	r, st, _, _ := newTestReconciler(t, srv.URL)
	site := "site_a"
	url := "https://x/only"
	require.NoError(t, st.AppendJSONRecords(site, []models.JSONRecord{{URL: url, Schema: map[string]interface{}{"@type": "Article"}}}))

	require.NoError(t, r.ReconcileSite(context.Background(), site, []string{url}))
	assert.Equal(t, 0, deleteCalls, "no deletions means no downstream calls at all")
}

func TestDeleteSite_TearsDownArtifactsLockAndDownstream(t *testing.T) {
	var gotSiteDeletePaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSiteDeletePaths = append(gotSiteDeletePaths, r.URL.Path)
	}))
	defer srv.Close()

	r, st, _, bus := newTestReconciler(t, srv.URL)
	site := "site_a"
	require.NoError(t, st.WriteDoc(site, "https://x/1", []byte("body")))
	_, err := st.MergeURLList(site, []string{"https://x/1"})
	require.NoError(t, err)

	events, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, r.DeleteSite(context.Background(), site))

	assert.False(t, st.DocExists(site, "https://x/1"))
	assert.ElementsMatch(t, []string{"/documents/delete_site", "/delete_site"}, gotSiteDeletePaths)

	select {
	case evt := <-events:
		assert.Equal(t, "site_deleted", evt.Type)
		assert.Equal(t, site, evt.Site)
	default:
		t.Fatal("expected a site_deleted event to be published")
	}
}

func TestReconcileSite_ToleratesDownstreamFailuresAndStillUpdatesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, st, _, _ := newTestReconciler(t, srv.URL)
	site := "site_a"
	dropped := "https://x/dropped"
	require.NoError(t, st.AppendJSONRecords(site, []models.JSONRecord{{URL: dropped, Schema: map[string]interface{}{"@type": "Article", "@id": "d"}}}))

	err := r.ReconcileSite(context.Background(), site, nil)
	require.NoError(t, err, "downstream vector DB/FGA failures must not fail reconciliation")

	status, err := st.ReadStatus(site)
	require.NoError(t, err)
	assert.Equal(t, 0, status.TotalURLs)
}
