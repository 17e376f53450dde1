package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/crawler/internal/models"
)

// Document is the external vector database's upload shape, transformed
// from an embedding record per spec.md §4.5 step 1.
type Document struct {
	URL        string                 `json:"url"`
	Embedding  []float32              `json:"embedding"`
	Timestamp  time.Time              `json:"timestamp"`
	Site       string                 `json:"site"`
	Metadata   map[string]interface{} `json:"metadata"`
	SchemaJSON map[string]interface{} `json:"schema_json"`
}

// ToDocument transforms an embedding to the DB's document shape.
func ToDocument(site string, e models.Embedding) Document {
	metadata := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata["site"] = site

	schemaJSON := e.SchemaJSON
	if schemaJSON == nil {
		schemaJSON = e.Metadata
	}

	return Document{
		URL:        e.Key,
		Embedding:  e.Vector,
		Timestamp:  e.Timestamp,
		Site:       site,
		Metadata:   metadata,
		SchemaJSON: schemaJSON,
	}
}

// Client is the minimal external vector-DB/FGA surface spec.md §6 names:
// upload_documents, delete_documents_by_urls, delete_documents_by_site,
// plus the FGA grant/delete calls.
type Client struct {
	httpClient *http.Client
	apiURL     string
	fgaURL     string
	apiKey     string
}

// NewClient returns a Client posting to apiURL/fgaURL with the given timeout.
func NewClient(apiURL, fgaURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     apiURL,
		fgaURL:     fgaURL,
		apiKey:     apiKey,
	}
}

// UploadDocuments uploads a batch, idempotent on url, and returns the
// number of documents accepted.
func (c *Client) UploadDocuments(ctx context.Context, batch []Document) (int, error) {
	var count int
	err := c.postJSON(ctx, c.apiURL+"/documents", batch, &count)
	return count, err
}

// DeleteDocumentsByURLs removes documents for site matching urls.
func (c *Client) DeleteDocumentsByURLs(ctx context.Context, site string, urls []string) error {
	payload := map[string]interface{}{"site": site, "urls": urls}
	return c.postJSON(ctx, c.apiURL+"/documents/delete", payload, nil)
}

// DeleteDocumentsBySite removes every document belonging to site.
func (c *Client) DeleteDocumentsBySite(ctx context.Context, site string) error {
	payload := map[string]interface{}{"site": site}
	return c.postJSON(ctx, c.apiURL+"/documents/delete_site", payload, nil)
}

// GrantReadAccess grants the wildcard user "*" read access to urls within
// site's FGA namespace. FGA failures are logged by the caller, not fatal
// (spec.md §4.5 step 3).
func (c *Client) GrantReadAccess(ctx context.Context, site string, urls []string) error {
	payload := map[string]interface{}{"user": "*", "site": site, "urls": urls}
	return c.postJSON(ctx, c.fgaURL+"/grant", payload, nil)
}

// DeleteURLs revokes FGA grants for urls within site's namespace.
func (c *Client) DeleteURLs(ctx context.Context, site string, urls []string) error {
	payload := map[string]interface{}{"site": site, "urls": urls}
	return c.postJSON(ctx, c.fgaURL+"/delete_urls", payload, nil)
}

// DeleteSite revokes every FGA grant in site's namespace.
func (c *Client) DeleteSite(ctx context.Context, site string) error {
	payload := map[string]interface{}{"site": site}
	return c.postJSON(ctx, c.fgaURL+"/delete_site", payload, nil)
}

type uploadResponse struct {
	Count int `json:"count"`
}

func (c *Client) postJSON(ctx context.Context, url string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned http %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if count, ok := out.(*int); ok {
		var decoded uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decoding response from %s: %w", url, err)
		}
		*count = decoded.Count
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
