package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestResolve_UsesSeedDirectlyWhenItLooksLikeASitemap(t *testing.T) {
	e := New(arbor.NewLogger())
	got, err := e.Resolve(context.Background(), "https://example.com/sitemap.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, got)
}

func TestResolve_MinesRobotsThenFallsBackToDefaultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nSitemap: https://example.com/custom-sitemap.xml\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := New(arbor.NewLogger())
	got, err := e.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/custom-sitemap.xml"}, got)

	noRobots := httptest.NewServer(http.NotFoundHandler())
	defer noRobots.Close()

	got, err = e.Resolve(context.Background(), noRobots.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{noRobots.URL + "/sitemap.xml"}, got)
}

func TestWalk_TerminatesOnCyclicSitemapIndex(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/a.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<sitemapindex><sitemap><loc>` + srv.URL + `/b.xml</loc></sitemap></sitemapindex>`))
	})
	mux.HandleFunc("/b.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<sitemapindex><sitemap><loc>` + srv.URL + `/a.xml</loc></sitemap></sitemapindex>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	e := New(arbor.NewLogger())
	var calls int
	done := make(chan struct{})
	go func() {
		err := e.Walk(context.Background(), []string{srv.URL + "/a.xml"}, "", func(string, []string) { calls++ })
		require.NoError(t, err)
		close(done)
	}()
	<-done
	assert.Equal(t, 0, calls)
}

func TestWalk_DecompressesGzipAndAppliesFilter(t *testing.T) {
	urlset := `<urlset><url><loc>https://example.com/blog/a</loc></url><url><loc>https://example.com/other/b</loc></url></urlset>`
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(urlset))
	gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	e := New(arbor.NewLogger())
	var got []string
	err := e.Walk(context.Background(), []string{srv.URL + "/sitemap.xml.gz"}, "/blog/", func(_ string, pages []string) {
		got = append(got, pages...)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/blog/a"}, got)
}

func TestWalk_SkipsUnreachableSitemapsWithoutAborting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<urlset><url><loc>https://example.com/ok</loc></url></urlset>`))
	})
	mux.HandleFunc("/bad.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := New(arbor.NewLogger())
	var got []string
	err := e.Walk(context.Background(), []string{srv.URL + "/bad.xml", srv.URL + "/good.xml"}, "", func(_ string, pages []string) {
		got = append(got, pages...)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/ok"}, got)
}
