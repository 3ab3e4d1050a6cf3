// Package ingest pulls index documents from registered remotes, validates the
// manifests they list, and upserts them into the catalog. A single scheduler
// drives periodic cycles; manual triggers go through the same engine.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Index documents come in three accepted shapes:
//
//	{"manifests": ["https://ex/a.json", ...]}
//	{"items": [{"manifest_url": "https://ex/a.json"}, ...]}
//	{"entries": [{"base_url": "https://ex", "path": "a.json"}, ...]}
type indexDocument struct {
	Manifests []string `json:"manifests"`
	Items     []struct {
		ManifestURL string `json:"manifest_url"`
	} `json:"items"`
	Entries []struct {
		BaseURL string `json:"base_url"`
		Path    string `json:"path"`
	} `json:"entries"`
}

// parseIndex detects the index shape and returns absolute manifest URLs.
// Relative URLs are resolved against the index URL.
func parseIndex(body []byte, indexURL string) ([]string, error) {
	var doc indexDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse index document: %w", err)
	}

	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}

	var raw []string
	switch {
	case len(doc.Manifests) > 0:
		raw = doc.Manifests
	case len(doc.Items) > 0:
		for _, it := range doc.Items {
			raw = append(raw, it.ManifestURL)
		}
	case len(doc.Entries) > 0:
		for _, e := range doc.Entries {
			raw = append(raw, strings.TrimRight(e.BaseURL, "/")+"/"+strings.TrimLeft(e.Path, "/"))
		}
	default:
		return nil, fmt.Errorf("index document matches no known shape (manifests/items/entries)")
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("bad manifest url %q: %w", r, err)
		}
		out = append(out, base.ResolveReference(u).String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("index document lists no manifest urls")
	}
	return out, nil
}
