package embed

import (
	"strings"

	"github.com/ternarybob/crawler/internal/models"
)

// descriptorText builds the short text embedded for a record, joining
// available fields in the order spec.md §4.4 step 1 specifies.
func descriptorText(rec models.JSONRecord) string {
	node := rec.Schema
	if node == nil && len(rec.Items) > 0 {
		node = rec.Items[0]
	}
	if node == nil {
		return rec.URL
	}

	var parts []string
	if types := models.TypesOf(node); len(types) > 0 {
		parts = append(parts, "Type: "+strings.Join(types, ", "))
	}
	if name, ok := node["name"].(string); ok && name != "" {
		parts = append(parts, "Name: "+name)
	} else if headline, ok := node["headline"].(string); ok && headline != "" {
		parts = append(parts, "Headline: "+headline)
	}
	if desc, ok := node["description"].(string); ok && desc != "" {
		parts = append(parts, "Description: "+desc)
	}
	if ingredients, ok := node["recipeIngredient"].([]interface{}); ok && len(ingredients) > 0 {
		n := len(ingredients)
		if n > 10 {
			n = 10
		}
		strs := make([]string, 0, n)
		for _, ing := range ingredients[:n] {
			if s, ok := ing.(string); ok {
				strs = append(strs, s)
			}
		}
		if len(strs) > 0 {
			parts = append(parts, "Ingredients: "+strings.Join(strs, ", "))
		}
	}
	if body, ok := node["articleBody"].(string); ok && body != "" {
		truncated := body
		if len(truncated) > 500 {
			truncated = truncated[:500]
		}
		parts = append(parts, "Content: "+truncated)
	}

	if len(parts) == 0 {
		return rec.URL
	}
	return strings.Join(parts, "\n")
}

// buildMetadata constructs the embedding's metadata object: @type, name
// (falling back to headline, then the key), url, description, plus any
// top-level primitive fields from the source record (spec.md §4.4 step 3).
func buildMetadata(rec models.JSONRecord, key string) map[string]interface{} {
	node := rec.Schema
	if node == nil && len(rec.Items) > 0 {
		node = rec.Items[0]
	}

	name := key
	if node != nil {
		if n, ok := node["name"].(string); ok && n != "" {
			name = n
		} else if h, ok := node["headline"].(string); ok && h != "" {
			name = h
		}
	}

	metadata := map[string]interface{}{
		"url":  rec.URL,
		"name": name,
	}
	if node != nil {
		if types := models.TypesOf(node); len(types) > 0 {
			if len(types) == 1 {
				metadata["@type"] = types[0]
			} else {
				metadata["@type"] = types
			}
		}
		if desc, ok := node["description"].(string); ok {
			metadata["description"] = desc
		}
		for k, v := range node {
			switch v.(type) {
			case string, float64, bool, int, int64:
				if _, exists := metadata[k]; !exists {
					metadata[k] = v
				}
			}
		}
	}
	return metadata
}
