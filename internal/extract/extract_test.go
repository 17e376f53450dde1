package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/store"
)

func newTestExtractor(t *testing.T) (*Extractor, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return New(st, arbor.NewLogger()), st
}

func TestExtractAndStore_SingleJSONLDBlock(t *testing.T) {
	e, st := newTestExtractor(t)
	body := []byte(`<html><head><script type="application/ld+json">
		{"@context":"https://schema.org","@type":"Article","@id":"urn:1","name":"Hello"}
	</script></head></html>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Hello", records[0].Schema["name"])

	status, err := st.ReadStatus("site_a")
	require.NoError(t, err)
	assert.Equal(t, 1, status.JSONStats.TotalObjects)
	assert.Equal(t, 1, status.JSONStats.TypeCounts["Article"])
}

func TestExtractAndStore_DedupsAgainstSeenKeys(t *testing.T) {
	e, st := newTestExtractor(t)
	body := []byte(`<script type="application/ld+json">{"@id":"urn:1","@type":"Article"}</script>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))
	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	assert.Len(t, records, 1, "second extraction of the same @id must not duplicate the record")
}

func TestExtractAndStore_ArrayBlockCountsEachTypeElement(t *testing.T) {
	e, st := newTestExtractor(t)
	body := []byte(`<script type="application/ld+json">
		[{"@id":"urn:1","@type":["Article","NewsArticle"]},{"@id":"urn:2","@type":"Article"}]
	</script>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))

	status, err := st.ReadStatus("site_a")
	require.NoError(t, err)
	assert.Equal(t, 2, status.JSONStats.TypeCounts["Article"])
	assert.Equal(t, 1, status.JSONStats.TypeCounts["NewsArticle"])

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Items, 2)
}

func TestExtractAndStore_FallsBackToSynthesisWithoutJSONLD(t *testing.T) {
	e, st := newTestExtractor(t)
	body := []byte(`<html><head><title>My Page</title>
		<meta name="description" content="a great page">
	</head></html>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "My Page", records[0].Schema["headline"])
	assert.Equal(t, "a great page", records[0].Schema["description"])
	assert.Equal(t, "WebPage", records[0].Schema["@type"])
}

func TestSynthesize_UsesBlogPostingWhenPublishedTimePresent(t *testing.T) {
	_, st := newTestExtractor(t)
	e := New(st, arbor.NewLogger())
	body := []byte(`<html><head>
		<meta property="og:title" content="Announcing Foo">
		<meta property="article:published_time" content="2026-01-01T00:00:00Z">
	</head></html>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/post", body))

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BlogPosting", records[0].Schema["@type"])
	assert.Equal(t, "Announcing Foo", records[0].Schema["headline"])
}

func TestExtractAndStore_MalformedJSONBlockIsSkippedNotFatal(t *testing.T) {
	e, st := newTestExtractor(t)
	body := []byte(`<head>
		<script type="application/ld+json">{not valid json</script>
		<script type="application/ld+json">{"@id":"urn:1","@type":"Article"}</script>
	</head>`)

	require.NoError(t, e.ExtractAndStore("site_a", "https://example.com/a", body))

	records, err := st.ReadJSONRecords("site_a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "urn:1", records[0].Schema["@id"])
}
