// Package extract turns a fetched page body into zero or more JSON-LD
// records: it prefers JSON-LD script blocks, deduplicated against the
// site's seen-keys set, and falls back to synthesizing a record from
// HTML meta/OpenGraph tags when no JSON-LD is present.
package extract

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/store"
)

// Extractor reads fetched page bodies and appends emitted records to the store.
type Extractor struct {
	store  *store.Store
	logger arbor.ILogger
}

// New returns an Extractor backed by st.
func New(st *store.Store, logger arbor.ILogger) *Extractor {
	return &Extractor{store: st, logger: logger}
}

// ExtractAndStore parses body's JSON-LD (or synthesizes a fallback record),
// dedups against the site's seen-keys, and persists records/keys/status.
func (e *Extractor) ExtractAndStore(site, pageURL string, body []byte) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return err
	}

	seen, err := e.store.ReadSeenKeys(site)
	if err != nil {
		return err
	}

	var blocks []map[string]interface{}
	var arrays [][]interface{}
	var found bool

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := sel.Text()
		if strings.TrimSpace(raw) == "" {
			return
		}
		var generic interface{}
		if err := json.Unmarshal([]byte(raw), &generic); err != nil {
			// Malformed JSON in a script block is silently ignored;
			// remaining blocks still contribute (spec.md §4.3).
			return
		}
		found = true
		switch v := generic.(type) {
		case []interface{}:
			arrays = append(arrays, v)
		case map[string]interface{}:
			blocks = append(blocks, v)
		}
	})

	now := time.Now()
	var records []models.JSONRecord
	var newKeys []string
	typeCounts := make(map[string]int)

	for _, arr := range arrays {
		var newElements []map[string]interface{}
		for _, item := range arr {
			node, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			key := models.NodeKey(node)
			if key != "" {
				if _, already := seen[key]; already {
					continue
				}
				seen[key] = struct{}{}
				newKeys = append(newKeys, key)
			}
			newElements = append(newElements, node)
			countTypes(typeCounts, node)
		}
		switch len(newElements) {
		case 0:
			// nothing new in this block
		case 1:
			records = append(records, models.JSONRecord{URL: pageURL, Timestamp: now, Schema: newElements[0]})
		default:
			items := make([]map[string]interface{}, len(newElements))
			copy(items, newElements)
			records = append(records, models.JSONRecord{URL: pageURL, Timestamp: now, Items: items})
		}
	}

	for _, block := range blocks {
		if graph, ok := block["@graph"].([]interface{}); ok {
			for _, entry := range graph {
				node, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				key := models.NodeKey(node)
				if key != "" {
					if _, already := seen[key]; already {
						continue
					}
					seen[key] = struct{}{}
					newKeys = append(newKeys, key)
				}
				countTypes(typeCounts, node)
				records = append(records, models.JSONRecord{URL: pageURL, Timestamp: now, Schema: node})
			}
			continue
		}

		// Plain object: the full original is preserved under Schema.
		if key := models.NodeKey(block); key != "" {
			if _, already := seen[key]; already {
				continue
			}
			seen[key] = struct{}{}
			newKeys = append(newKeys, key)
		}
		countTypes(typeCounts, block)
		records = append(records, models.JSONRecord{URL: pageURL, Timestamp: now, Schema: block})
	}

	if !found {
		record := Synthesize(doc, pageURL, now)
		records = append(records, record)
		countTypes(typeCounts, record.Schema)
	}

	if len(newKeys) > 0 {
		// seen_keys must never lag the json file (spec.md §3 invariant
		// 3): persist keys before records, so a crash here only risks a
		// seen key with no json record yet, never a json record whose
		// key is unseen.
		if err := e.store.AppendSeenKeys(site, newKeys); err != nil {
			return err
		}
	}
	if len(records) > 0 {
		if err := e.store.AppendJSONRecords(site, records); err != nil {
			return err
		}
	}

	return e.store.MutateStatus(site, func(st *models.Status) {
		st.JSONStats.TotalObjects += len(records)
		for t, n := range typeCounts {
			st.JSONStats.TypeCounts[t] += n
		}
	})
}

// countTypes increments typeCounts for every @type value on node, counting
// each element of an array-valued @type (spec.md §4.3 step 3 / §8 boundary case).
func countTypes(typeCounts map[string]int, node map[string]interface{}) {
	if node == nil {
		return
	}
	for _, t := range models.TypesOf(node) {
		typeCounts[t]++
	}
}
