// Package sitemap resolves a registered site's seed URL to a flat set of
// page URLs by mining robots.txt for Sitemap: directives and walking
// sitemap-index / urlset XML breadth-first, decompressing .gz sitemaps
// along the way.
package sitemap

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

const fetchTimeout = 10 * time.Second

// sitemapIndex is the root of a sitemap whose entries are other sitemaps.
type sitemapIndex struct {
	XMLName xml.Name `xml:"sitemapindex"`
	Sitemap []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// urlSet is the root of a sitemap whose entries are page URLs.
type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URL     []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// Expander resolves seeds to URL lists over HTTP.
type Expander struct {
	client *http.Client
	logger arbor.ILogger
}

// New returns an Expander using a client with the fixed fetchTimeout for
// sitemap/robots fetches.
func New(logger arbor.ILogger) *Expander {
	return &Expander{
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// Resolve turns a seed URL into the set of sitemap URLs to walk: if the
// seed already looks like a sitemap (".xml" suffix or "sitemap" substring)
// it is used directly; otherwise robots.txt is mined for Sitemap:
// directives, falling back to "<seed>/sitemap.xml" if none are found.
func (e *Expander) Resolve(ctx context.Context, seed string) ([]string, error) {
	if strings.HasSuffix(seed, ".xml") || strings.Contains(strings.ToLower(seed), "sitemap") {
		return []string{seed}, nil
	}

	robotsURL := strings.TrimRight(seed, "/") + "/robots.txt"
	sitemaps, err := e.mineRobots(ctx, robotsURL)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt fetch failed, falling back to /sitemap.xml")
	}
	if len(sitemaps) == 0 {
		sitemaps = []string{strings.TrimRight(seed, "/") + "/sitemap.xml"}
	}
	return sitemaps, nil
}

// mineRobots fetches robots.txt and collects every value following a
// case-insensitive "Sitemap:" prefix, one per line.
func (e *Expander) mineRobots(ctx context.Context, robotsURL string) ([]string, error) {
	body, err := e.fetch(ctx, robotsURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var sitemaps []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "sitemap:") {
			sitemaps = append(sitemaps, strings.TrimSpace(line[len("sitemap:"):]))
		}
	}
	return sitemaps, scanner.Err()
}

// Walk processes the frontier of sitemap URLs breadth-first with a
// visited-set, so cyclic sitemap-index references terminate, decompressing
// .gz sitemaps and filtering urlset entries by substring filter (empty
// filter keeps everything). It calls onPageURLs once per sitemap that
// yields page URLs, so the caller can merge-and-persist incrementally.
func (e *Expander) Walk(ctx context.Context, frontier []string, filter string, onPageURLs func(sitemapURL string, pageURLs []string)) error {
	visited := make(map[string]struct{})
	queue := append([]string(nil), frontier...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}

		data, err := e.fetchAndDecompress(ctx, current)
		if err != nil {
			e.logger.Warn().Err(err).Str("sitemap", current).Msg("sitemap fetch failed, skipping")
			continue
		}

		index, set, err := parseSitemapXML(data)
		if err != nil {
			e.logger.Warn().Err(err).Str("sitemap", current).Msg("sitemap parse failed, skipping")
			continue
		}

		if index != nil {
			for _, child := range index.Sitemap {
				if child.Loc != "" {
					queue = append(queue, child.Loc)
				}
			}
			continue
		}

		if set == nil {
			continue
		}
		var pages []string
		for _, u := range set.URL {
			if u.Loc == "" {
				continue
			}
			if filter == "" || strings.Contains(u.Loc, filter) {
				pages = append(pages, u.Loc)
			}
		}
		if len(pages) > 0 {
			onPageURLs(current, pages)
		}
	}
	return nil
}

// parseSitemapXML tries both root shapes; exactly one of the return values
// is non-nil on success.
func parseSitemapXML(data []byte) (*sitemapIndex, *urlSet, error) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("probing root element: %w", err)
	}

	switch probe.XMLName.Local {
	case "sitemapindex":
		var idx sitemapIndex
		if err := xml.Unmarshal(data, &idx); err != nil {
			return nil, nil, fmt.Errorf("decoding sitemapindex: %w", err)
		}
		return &idx, nil, nil
	case "urlset":
		var set urlSet
		if err := xml.Unmarshal(data, &set); err != nil {
			return nil, nil, fmt.Errorf("decoding urlset: %w", err)
		}
		return nil, &set, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized sitemap root element %q", probe.XMLName.Local)
	}
}

func (e *Expander) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: http %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

func (e *Expander) fetchAndDecompress(ctx context.Context, url string) ([]byte, error) {
	body, err := e.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var reader io.Reader = body
	if strings.HasSuffix(url, ".gz") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", url, err)
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}
