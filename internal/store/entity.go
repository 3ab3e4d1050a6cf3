package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// entityFromManifest builds the persisted record for a manifest. Shared by
// the memory and PostgreSQL implementations so both store identical shapes.
func entityFromManifest(m *models.Manifest, payload json.RawMessage, sourceURL string, derived bool, now time.Time) *models.Entity {
	quality := 0.0
	if m.QualityScore != nil {
		quality = clamp01(*m.QualityScore)
	}
	return &models.Entity{
		UID:          m.UID(),
		Type:         m.Type,
		ID:           m.ID,
		Version:      m.Version,
		Name:         m.Name,
		Summary:      m.Summary,
		Description:  m.Description,
		Homepage:     m.Homepage,
		Publisher:    m.Publisher,
		License:      m.License,
		Capabilities: m.Capabilities,
		Frameworks:   m.Frameworks,
		Providers:    m.Providers,
		Manifest:     payload,
		QualityScore: quality,
		CreatedAt:    now,
		UpdatedAt:    now,
		SourceURL:    sourceURL,
		SourceHash:   PayloadHash(payload),
		Pending:      derived,
	}
}

// searchText is the composite lexical field: name, summary, description and
// capabilities, space-joined.
func searchText(e *models.Entity) string {
	parts := []string{e.Name, e.Summary, e.Description}
	parts = append(parts, e.Capabilities...)
	return strings.Join(parts, " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// matchFilters applies the common filter predicates to an entity.
func matchFilters(e *models.Entity, f Filters) bool {
	if e.Pending && !f.IncludePending {
		return false
	}
	if f.Type != "" && string(e.Type) != f.Type {
		return false
	}
	return containsAll(e.Capabilities, f.Capabilities) &&
		containsAll(e.Frameworks, f.Frameworks) &&
		containsAll(e.Providers, f.Providers)
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
