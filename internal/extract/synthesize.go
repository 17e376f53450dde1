package extract

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/crawler/internal/models"
)

// Synthesize builds a JSON-LD-like record from <title>, meta description,
// and OpenGraph/article meta tags when a page carries no JSON-LD at all
// (spec.md §4.3 step 4).
func Synthesize(doc *goquery.Document, pageURL string, now time.Time) models.JSONRecord {
	meta := func(names ...string) string {
		for _, name := range names {
			if v, ok := doc.Find(`meta[property="` + name + `"]`).Attr("content"); ok && v != "" {
				return v
			}
			if v, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok && v != "" {
				return v
			}
		}
		return ""
	}

	headline := strings.TrimSpace(doc.Find("title").First().Text())
	if og := meta("og:title"); og != "" {
		headline = og
	}
	description := meta("description", "og:description")
	publishedTime := meta("article:published_time")
	modifiedTime := meta("article:modified_time")
	image := meta("og:image")
	authorName := meta("article:author", "author")

	typ := "WebPage"
	if publishedTime != "" {
		typ = "BlogPosting"
	}

	schema := map[string]interface{}{
		"@context":         "https://schema.org",
		"@type":            typ,
		"headline":         headline,
		"description":      description,
		"mainEntityOfPage": pageURL,
	}

	if image != "" {
		imgNode := map[string]interface{}{
			"@type": "ImageObject",
			"url":   image,
		}
		if w, ok := doc.Find(`meta[property="og:image:width"]`).Attr("content"); ok && w != "" {
			imgNode["width"] = w
		}
		if h, ok := doc.Find(`meta[property="og:image:height"]`).Attr("content"); ok && h != "" {
			imgNode["height"] = h
		}
		schema["image"] = imgNode
	}
	if publishedTime != "" {
		schema["datePublished"] = publishedTime
	}
	if modifiedTime != "" {
		schema["dateModified"] = modifiedTime
	}
	if authorName != "" {
		schema["author"] = map[string]interface{}{
			"@type": "Person",
			"name":  authorName,
		}
	}
	if publisherName := meta("og:site_name"); publisherName != "" {
		publisher := map[string]interface{}{
			"@type": "Organization",
			"name":  publisherName,
		}
		if logo, ok := doc.Find(`link[rel="icon"]`).Attr("href"); ok && logo != "" {
			publisher["logo"] = map[string]interface{}{
				"@type": "ImageObject",
				"url":   logo,
			}
		}
		schema["publisher"] = publisher
	}

	return models.JSONRecord{URL: pageURL, Timestamp: now, Schema: schema}
}
