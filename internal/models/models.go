// Package models defines the on-disk and in-memory record shapes that flow
// through the crawler pipeline: sites, URL lists, JSON-LD records,
// embeddings, processed keys, status, and the deletion ledger.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Site is the registration record an operator creates through the control
// façade. Its Name owns every on-disk artifact family (urls/, docs/,
// json/, embeddings/, keys/, status/).
type Site struct {
	Name        string `json:"site_name"`
	OriginalURL string `json:"original_url"`
	Filter      string `json:"filter,omitempty"`
}

// JSONStats summarizes the structured-data corpus extracted for a site.
type JSONStats struct {
	TotalObjects int            `json:"total_objects"`
	TypeCounts   map[string]int `json:"type_counts"`
}

// Status is the mutable, file-backed runtime view of a site, updated by the
// sitemap expander, the fetch scheduler, the extractor, and the reconciler.
// Every writer must hold that site's advisory lock (internal/store) because
// this is the one artifact family touched by more than one stage.
type Status struct {
	TotalURLs        int            `json:"total_urls"`
	CrawledURLs      int            `json:"crawled_urls"`
	Paused           bool           `json:"paused"`
	Processing       bool           `json:"processing"`
	SitemapProcessed bool           `json:"sitemap_processed"`
	OriginalURL      string         `json:"original_url"`
	Filter           string         `json:"filter,omitempty"`
	Errors           map[string]int `json:"errors"`
	JSONStats        JSONStats      `json:"json_stats"`
	// AvgFetchMillis is a running average of fetch-attempt duration,
	// updated by the scheduler after every attempt regardless of outcome.
	AvgFetchMillis float64   `json:"avg_fetch_millis"`
	LastError      string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// NewStatus returns a zero-value status with its maps initialized, ready
// for a freshly registered site.
func NewStatus(originalURL, filter string) *Status {
	return &Status{
		OriginalURL: originalURL,
		Filter:      filter,
		Errors:      make(map[string]int),
		JSONStats:   JSONStats{TypeCounts: make(map[string]int)},
		LastUpdated: time.Now(),
	}
}

// RecordError increments the named error bucket ("TIMEOUT", "ERROR", or a
// numeric HTTP status rendered as a string, e.g. "429").
func (s *Status) RecordError(bucket string) {
	if s.Errors == nil {
		s.Errors = make(map[string]int)
	}
	s.Errors[bucket]++
}

// RecordFetchDuration folds a fetch-attempt duration into the running
// average using a simple cumulative mean (n is the attempt count so far,
// including this one).
func (s *Status) RecordFetchDuration(d time.Duration, attemptCount int) {
	ms := float64(d.Milliseconds())
	if attemptCount <= 1 {
		s.AvgFetchMillis = ms
		return
	}
	s.AvgFetchMillis = s.AvgFetchMillis + (ms-s.AvgFetchMillis)/float64(attemptCount)
}

// JSONRecord is one entry of json/<site>.json. Historical writers used two
// different shapes for the same data: a nested {schema, url, timestamp}
// wrapper, and a flattened {url, timestamp, ...originalFields} object.
// Both must round-trip; Marshal always emits the flattened shape (today's
// convention) while Unmarshal tolerates either.
type JSONRecord struct {
	URL       string                   `json:"-"`
	Timestamp time.Time                `json:"-"`
	Items     []map[string]interface{} `json:"-"`
	// Schema carries every JSON-LD field besides url/timestamp/items --
	// either the single flattened object's fields, or the nested shape's
	// "schema" object, depending on which shape was read.
	Schema map[string]interface{} `json:"-"`
}

// MarshalJSON emits the flattened shape: {url, timestamp, ...schema} or,
// for multi-item pages, {url, timestamp, items: [...]}.
func (r JSONRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Schema)+3)
	for k, v := range r.Schema {
		out[k] = v
	}
	out["url"] = r.URL
	out["timestamp"] = r.Timestamp
	if len(r.Items) > 0 {
		out["items"] = r.Items
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts either the nested {schema, url, timestamp} shape or
// the flattened {url, timestamp, ...fields} shape, resolving spec.md's
// open question (a) on read.
func (r *JSONRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding json record: %w", err)
	}

	if u, ok := raw["url"].(string); ok {
		r.URL = u
	}
	if ts, ok := raw["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			r.Timestamp = parsed
		}
	}

	if rawItems, ok := raw["items"].([]interface{}); ok {
		for _, it := range rawItems {
			if m, ok := it.(map[string]interface{}); ok {
				r.Items = append(r.Items, m)
			}
		}
		return nil
	}

	if schema, ok := raw["schema"].(map[string]interface{}); ok {
		r.Schema = schema
		return nil
	}

	// Flattened shape: everything but url/timestamp is the schema.
	delete(raw, "url")
	delete(raw, "timestamp")
	r.Schema = raw
	return nil
}

// Key returns the JSON-LD identifier used for dedup: @id if present,
// otherwise url, following synthesis and extraction's own precedence.
func (r JSONRecord) Key() string {
	if r.Schema != nil {
		if id, ok := r.Schema["@id"].(string); ok && id != "" {
			return id
		}
		if u, ok := r.Schema["url"].(string); ok && u != "" {
			return u
		}
	}
	return r.URL
}

// TypesOf returns a node's @type as a list regardless of whether the
// source encoded it as a bare string or an array of strings.
func TypesOf(node map[string]interface{}) []string {
	switch t := node["@type"].(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		types := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
		return types
	default:
		return nil
	}
}

// NodeKey returns a JSON-LD node's identifier: @id if present, else url.
func NodeKey(node map[string]interface{}) string {
	if id, ok := node["@id"].(string); ok && id != "" {
		return id
	}
	if u, ok := node["url"].(string); ok && u != "" {
		return u
	}
	return ""
}

// Embedding is one entry of embeddings/<site>.json. At most one embedding
// exists per Key per site.
type Embedding struct {
	Key        string                 `json:"key"`
	Vector     []float32              `json:"embedding"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata"`
	SchemaJSON map[string]interface{} `json:"schema_json"`
}

// DeletionRecord is an audit-trail row appended to the Badger-backed
// deletion ledger every time reconciliation removes an artifact family for
// a (site, url) pair. It supplements spec.md invariant 5 with a queryable
// history the original implementation lacked.
type DeletionRecord struct {
	ID        string    `badgerhold:"key"`
	Site      string    `badgerhold:"index"`
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	DeletedAt time.Time `json:"deleted_at"`
}

// RunEvent is an in-memory, non-persisted notification published on stage
// transitions (url fetched, pause toggled, site reconciled, site deleted)
// for the control façade's /ws stream.
type RunEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Site      string                 `json:"site"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
