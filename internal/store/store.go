// Package store is the sole persistence layer: a per-site file tree under a
// configurable root (urls/, docs/, json/, embeddings/, keys/, status/),
// with whole-file read-modify-write semantics and a per-site advisory lock
// guarding every list/JSON/status write (raw document writes in docs/ are
// not locked).
package store

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/models"
)

// Store is the on-disk file tree rooted at Root.
type Store struct {
	Root   string
	logger arbor.ILogger
	locks  *LockRegistry
}

// New creates the directory skeleton under root and returns a ready Store.
func New(root string, logger arbor.ILogger) (*Store, error) {
	s := &Store{Root: root, logger: logger, locks: NewLockRegistry()}
	for _, dir := range []string{"urls", "docs", "json", "embeddings", "keys", "status"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// SiteLock returns the per-site advisory mutex. Store methods acquire this
// same mutex themselves and it is not reentrant, so a caller holding it
// must not call a locking Store method for that site.
func (s *Store) SiteLock(site string) *sync.RWMutex { return s.locks.For(site) }

// DropLock releases a site's lock entry entirely after it has been deleted.
func (s *Store) DropLock(site string) { s.locks.Drop(site) }

// --- path helpers ---

func (s *Store) urlsPath(site string) string       { return filepath.Join(s.Root, "urls", site+".txt") }
func (s *Store) docsDir(site string) string        { return filepath.Join(s.Root, "docs", site) }
func (s *Store) jsonPath(site string) string        { return filepath.Join(s.Root, "json", site+".json") }
func (s *Store) embeddingsPath(site string) string  { return filepath.Join(s.Root, "embeddings", site+".json") }
func (s *Store) seenKeysPath(site string) string    { return filepath.Join(s.Root, "keys", site+".txt") }
func (s *Store) processedKeysPath(site string) string {
	return filepath.Join(s.Root, "keys", site+".json")
}
func (s *Store) statusPath(site string) string { return filepath.Join(s.Root, "status", site+".json") }

// DocKey returns the md5 hex digest used as a raw document's filename.
func DocKey(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// DocPath returns docs/<site>/<md5(url)>.html.
func (s *Store) DocPath(site, url string) string {
	return filepath.Join(s.docsDir(site), DocKey(url)+".html")
}

// DocExists reports whether a URL's raw document has already been fetched
// -- the ground truth for "this URL has been fetched" per spec.md §3.
func (s *Store) DocExists(site, url string) bool {
	_, err := os.Stat(s.DocPath(site, url))
	return err == nil
}

// WriteDoc writes a fetched page body, creating the site's docs directory
// on first use.
func (s *Store) WriteDoc(site, url string, body []byte) error {
	if err := os.MkdirAll(s.docsDir(site), 0o755); err != nil {
		return fmt.Errorf("creating docs dir for %s: %w", site, err)
	}
	return os.WriteFile(s.DocPath(site, url), body, 0o644)
}

// DeleteDoc removes a previously fetched raw document, if present.
func (s *Store) DeleteDoc(site, url string) error {
	err := os.Remove(s.DocPath(site, url))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting doc for %s: %w", url, err)
	}
	return nil
}

// --- URL list ---

// ReadURLList returns the site's current desired corpus, sorted.
func (s *Store) ReadURLList(site string) ([]string, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()
	return s.readLines(s.urlsPath(site))
}

// MergeURLList unions newURLs into the existing list, writes it back
// sorted, and returns only the URLs that were actually new.
func (s *Store) MergeURLList(site string, newURLs []string) ([]string, error) {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readLines(s.urlsPath(site))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, u := range existing {
		seen[u] = struct{}{}
	}

	var added []string
	for _, u := range newURLs {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			existing = append(existing, u)
			added = append(added, u)
		}
	}

	sort.Strings(existing)
	if err := s.writeLines(s.urlsPath(site), existing); err != nil {
		return nil, err
	}
	return added, nil
}

// ReplaceURLList overwrites the URL list wholesale.
func (s *Store) ReplaceURLList(site string, urls []string) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	return s.writeLines(s.urlsPath(site), sorted)
}

// --- JSON records ---

// ReadJSONRecords reads json/<site>.json, returning an empty slice if the
// file does not yet exist.
func (s *Store) ReadJSONRecords(site string) ([]models.JSONRecord, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()
	return s.readJSONRecordsLocked(site)
}

func (s *Store) readJSONRecordsLocked(site string) ([]models.JSONRecord, error) {
	data, err := os.ReadFile(s.jsonPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading json records for %s: %w", site, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []models.JSONRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding json records for %s: %w", site, err)
	}
	return records, nil
}

// AppendJSONRecords read-merge-writes new records onto json/<site>.json.
func (s *Store) AppendJSONRecords(site string, records []models.JSONRecord) error {
	if len(records) == 0 {
		return nil
	}
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readJSONRecordsLocked(site)
	if err != nil {
		return err
	}
	existing = append(existing, records...)
	return s.writeJSONFile(s.jsonPath(site), existing)
}

// WriteJSONRecords overwrites json/<site>.json wholesale. (The reconciler
// does not use it; ReconcileURLs rewrites the file itself.)
func (s *Store) WriteJSONRecords(site string, records []models.JSONRecord) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()
	return s.writeJSONFile(s.jsonPath(site), records)
}

func (s *Store) writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// --- Seen keys (JSON-LD identifiers already captured) ---

// ReadSeenKeys returns the site's seen-key set.
func (s *Store) ReadSeenKeys(site string) (map[string]struct{}, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()
	return s.readKeySetLocked(s.seenKeysPath(site))
}

// AppendSeenKeys appends new keys append-only, monotonic per spec.md §5.
func (s *Store) AppendSeenKeys(site string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLines(s.seenKeysPath(site), keys)
}

// --- Processed keys (uploaded to the vector DB) ---

// ReadProcessedKeys returns the site's processed-key set, stored as a JSON
// array at keys/<site>.json (distinct from the seen-keys .txt file).
func (s *Store) ReadProcessedKeys(site string) (map[string]struct{}, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(s.processedKeysPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("reading processed keys for %s: %w", site, err)
	}
	var keys []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("decoding processed keys for %s: %w", site, err)
		}
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// AppendProcessedKeys read-merge-writes new processed keys.
func (s *Store) AppendProcessedKeys(site string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readProcessedKeysLocked(site)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			existing = append(existing, k)
			seen[k] = struct{}{}
		}
	}
	return s.writeJSONFile(s.processedKeysPath(site), existing)
}

// WriteProcessedKeys overwrites keys/<site>.json wholesale.
func (s *Store) WriteProcessedKeys(site string, keys []string) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()
	return s.writeJSONFile(s.processedKeysPath(site), keys)
}

func (s *Store) readProcessedKeysLocked(site string) ([]string, error) {
	data, err := os.ReadFile(s.processedKeysPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading processed keys for %s: %w", site, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decoding processed keys for %s: %w", site, err)
	}
	return keys, nil
}

// --- Embeddings ---

// ReadEmbeddings reads embeddings/<site>.json.
func (s *Store) ReadEmbeddings(site string) ([]models.Embedding, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()
	return s.readEmbeddingsLocked(site)
}

func (s *Store) readEmbeddingsLocked(site string) ([]models.Embedding, error) {
	data, err := os.ReadFile(s.embeddingsPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading embeddings for %s: %w", site, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var embeddings []models.Embedding
	if err := json.Unmarshal(data, &embeddings); err != nil {
		return nil, fmt.Errorf("decoding embeddings for %s: %w", site, err)
	}
	return embeddings, nil
}

// AppendEmbeddings read-merge-writes new embeddings onto embeddings/<site>.json.
func (s *Store) AppendEmbeddings(site string, embeddings []models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readEmbeddingsLocked(site)
	if err != nil {
		return err
	}
	existing = append(existing, embeddings...)
	return s.writeJSONFile(s.embeddingsPath(site), existing)
}

// WriteEmbeddings overwrites embeddings/<site>.json wholesale.
func (s *Store) WriteEmbeddings(site string, embeddings []models.Embedding) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()
	return s.writeJSONFile(s.embeddingsPath(site), embeddings)
}

// --- Status ---

// ReadStatus loads status/<site>.json, returning a freshly initialized
// status if the site has no status file yet.
func (s *Store) ReadStatus(site string) (*models.Status, error) {
	lock := s.locks.For(site)
	lock.RLock()
	defer lock.RUnlock()
	return s.readStatusLocked(site)
}

func (s *Store) readStatusLocked(site string) (*models.Status, error) {
	data, err := os.ReadFile(s.statusPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewStatus("", ""), nil
		}
		return nil, fmt.Errorf("reading status for %s: %w", site, err)
	}
	var status models.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decoding status for %s: %w", site, err)
	}
	return &status, nil
}

// WriteStatus persists a status, overwriting whole-file.
func (s *Store) WriteStatus(site string, status *models.Status) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()
	return s.writeJSONFile(s.statusPath(site), status)
}

// MutateStatus read-modify-writes status under the site's write lock,
// so the scheduler, extractor, and reconciler -- the three writers named
// in spec.md §5 -- never race on the same file.
func (s *Store) MutateStatus(site string, fn func(*models.Status)) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	status, err := s.readStatusLocked(site)
	if err != nil {
		return err
	}
	fn(status)
	return s.writeJSONFile(s.statusPath(site), status)
}

// --- Modification times (embedding/database stage watchers) ---

// JSONModTime returns json/<site>.json's last modification time, for the
// embedding stage's 30s watcher.
func (s *Store) JSONModTime(site string) (time.Time, bool) {
	return s.modTime(s.jsonPath(site))
}

// EmbeddingsModTime returns embeddings/<site>.json's last modification
// time, for the database stage's 30s watcher.
func (s *Store) EmbeddingsModTime(site string) (time.Time, bool) {
	return s.modTime(s.embeddingsPath(site))
}

func (s *Store) modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// --- Sites / deletion ---

// ListSites returns every site with a status file, i.e. every registered
// site that has not been fully deleted.
func (s *Store) ListSites() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "status"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	var sites []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sites = append(sites, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(sites)
	return sites, nil
}

// DeleteSiteArtifacts removes every on-disk artifact family for a site:
// urls, docs, json, embeddings, both keys files, and status. Used by
// /delete_site and as the first half of /restart_crawl.
func (s *Store) DeleteSiteArtifacts(site string) error {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	paths := []string{
		s.urlsPath(site),
		s.jsonPath(site),
		s.embeddingsPath(site),
		s.seenKeysPath(site),
		s.processedKeysPath(site),
		s.statusPath(site),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	if err := os.RemoveAll(s.docsDir(site)); err != nil {
		return fmt.Errorf("removing docs dir for %s: %w", site, err)
	}
	return nil
}

// ReconcileURLs computes stored_urls − currentURLs (stored_urls being the
// set of url fields in json/<site>.json) and, in one pass under the site's
// write lock, removes every deleted URL's raw document and rewrites
// json/embeddings/keys to exclude it. It returns the deleted URLs and the
// recomputed JSONStats so the caller can persist status. Held entirely
// under one lock acquisition so spec.md's open question (b) -- no mutex
// covers keys append vs json rewrite together -- cannot manifest here.
func (s *Store) ReconcileURLs(site string, currentURLs []string) (deleted []string, stats models.JSONStats, err error) {
	lock := s.locks.For(site)
	lock.Lock()
	defer lock.Unlock()

	current := make(map[string]struct{}, len(currentURLs))
	for _, u := range currentURLs {
		current[u] = struct{}{}
	}

	records, err := s.readJSONRecordsLocked(site)
	if err != nil {
		return nil, stats, err
	}

	deletedSet := make(map[string]struct{})
	var keptRecords []models.JSONRecord
	stats.TypeCounts = make(map[string]int)
	for _, rec := range records {
		if _, ok := current[rec.URL]; !ok {
			deletedSet[rec.URL] = struct{}{}
			continue
		}
		keptRecords = append(keptRecords, rec)
		stats.TotalObjects++
		nodes := recordNodes(rec)
		for _, n := range nodes {
			for _, t := range models.TypesOf(n) {
				stats.TypeCounts[t]++
			}
		}
	}
	for u := range deletedSet {
		deleted = append(deleted, u)
	}
	sort.Strings(deleted)

	if len(deleted) == 0 {
		return nil, stats, nil
	}

	if err := s.writeJSONFile(s.jsonPath(site), keptRecords); err != nil {
		return nil, stats, err
	}

	embeddings, err := s.readEmbeddingsLocked(site)
	if err != nil {
		return nil, stats, err
	}
	var keptEmbeddings []models.Embedding
	removedKeys := make(map[string]struct{})
	for _, e := range embeddings {
		if _, ok := deletedSet[e.Key]; ok {
			removedKeys[e.Key] = struct{}{}
			continue
		}
		keptEmbeddings = append(keptEmbeddings, e)
	}
	if err := s.writeJSONFile(s.embeddingsPath(site), keptEmbeddings); err != nil {
		return nil, stats, err
	}

	processedKeys, err := s.readProcessedKeysLocked(site)
	if err != nil {
		return nil, stats, err
	}
	var keptProcessed []string
	for _, k := range processedKeys {
		if _, ok := removedKeys[k]; ok {
			continue
		}
		keptProcessed = append(keptProcessed, k)
	}
	if err := s.writeJSONFile(s.processedKeysPath(site), keptProcessed); err != nil {
		return nil, stats, err
	}

	for _, u := range deleted {
		if err := s.DeleteDoc(site, u); err != nil {
			s.logger.Warn().Err(err).Str("site", site).Str("url", u).Msg("failed to remove raw document during reconciliation")
		}
	}

	return deleted, stats, nil
}

// recordNodes flattens a JSONRecord to the list of JSON-LD nodes it
// contributed, so type counters can be recomputed after reconciliation.
func recordNodes(rec models.JSONRecord) []map[string]interface{} {
	if len(rec.Items) > 0 {
		return rec.Items
	}
	if rec.Schema != nil {
		return []map[string]interface{}{rec.Schema}
	}
	return nil
}

// --- line-file helpers (urls/<site>.txt, keys/<site>.txt) ---

func (s *Store) readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return lines, nil
}

func (s *Store) writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (s *Store) readKeySetLocked(path string) (map[string]struct{}, error) {
	lines, err := s.readLines(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[l] = struct{}{}
	}
	return set, nil
}

func (s *Store) appendLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("appending to %s: %w", path, err)
		}
	}
	return w.Flush()
}
