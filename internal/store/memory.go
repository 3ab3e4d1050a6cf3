// Package store — in-memory Store implementation.
// Used for tests and zero-config local development. Lexical scoring mimics
// pg_trgm (padded trigram overlap) so ranking behaves like the PostgreSQL
// store at small scale.
package store

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity          // key: uid (uid == type:id@version, the unique key)
	chunks   map[string][]models.EmbeddingChunk // key: entity uid
	remotes  map[string]*models.Remote          // key: url

	watermark atomic.Uint64

	// now is swappable so tests can pin timestamps.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*models.Entity),
		chunks:   make(map[string][]models.EmbeddingChunk),
		remotes:  make(map[string]*models.Remote),
		now:      time.Now,
	}
}

func (s *MemoryStore) bump() { s.watermark.Add(1) }

// ── Entities ────────────────────────────────────────────────

func (s *MemoryStore) UpsertEntity(ctx context.Context, m *models.Manifest, payload json.RawMessage, sourceURL string, derived bool) (UpsertOutcome, error) {
	uid := m.UID()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entities[uid]
	if !ok {
		e := entityFromManifest(m, payload, sourceURL, derived, s.now().UTC())
		s.entities[uid] = e
		s.bump()
		return UpsertOutcome{UID: uid, Created: true, Changed: true}, nil
	}

	if derived && !existing.Pending {
		return UpsertOutcome{UID: uid}, &ErrConflict{UID: uid, Reason: "derived entity would overwrite an explicitly ingested one"}
	}

	if existing.SourceHash == PayloadHash(payload) {
		// Identical content: refresh provenance only, updated_at stays put.
		existing.SourceURL = sourceURL
		return UpsertOutcome{UID: uid}, nil
	}

	updated := entityFromManifest(m, payload, sourceURL, derived && existing.Pending, s.now().UTC())
	updated.CreatedAt = existing.CreatedAt
	updated.GatewayRegisteredAt = existing.GatewayRegisteredAt
	updated.GatewayError = existing.GatewayError
	if !existing.Pending {
		updated.Pending = false
	}
	s.entities[uid] = updated
	s.bump()
	return UpsertOutcome{UID: uid, Changed: true}, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, uid string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[uid]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: uid}
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListByType(ctx context.Context, t models.EntityType, limit, offset int) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Entity
	for _, e := range s.entities {
		if e.Type == t {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UID < out[j].UID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkGatewayRegistered(ctx context.Context, uid string, ok bool, gwErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entities[uid]
	if !found {
		return &ErrNotFound{Entity: "entity", Key: uid}
	}
	if ok {
		now := s.now().UTC()
		e.GatewayRegisteredAt = &now
		e.GatewayError = ""
		e.Pending = false
	} else {
		e.GatewayError = gwErr
	}
	s.bump()
	return nil
}

// ── Search ──────────────────────────────────────────────────

func (s *MemoryStore) SearchLexical(ctx context.Context, query string, f Filters, k int) ([]Hit, error) {
	qgrams := trigrams(query)
	if len(qgrams) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, e := range s.entities {
		if !matchFilters(e, f) {
			continue
		}
		score := trigramSimilarity(qgrams, trigrams(searchText(e)))
		if score > 0 {
			hits = append(hits, Hit{UID: e.UID, Score: score})
		}
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) SearchSemantic(ctx context.Context, vector []float64, f Filters, k int) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for uid, chunks := range s.chunks {
		e, ok := s.entities[uid]
		if !ok || !matchFilters(e, f) {
			continue
		}
		best := 0.0
		for _, c := range chunks {
			if sim := cosine(vector, c.Vector); sim > best {
				best = sim
			}
		}
		if best > 0 {
			hits = append(hits, Hit{UID: uid, Score: best})
		}
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ── Chunks ──────────────────────────────────────────────────

func (s *MemoryStore) UpsertChunks(ctx context.Context, uid string, chunks []models.EmbeddingChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[uid]; !ok {
		return &ErrNotFound{Entity: "entity", Key: uid}
	}
	cp := make([]models.EmbeddingChunk, len(chunks))
	copy(cp, chunks)
	s.chunks[uid] = cp
	s.bump()
	return nil
}

func (s *MemoryStore) DeleteChunks(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[uid]; ok {
		delete(s.chunks, uid)
		s.bump()
	}
	return nil
}

func (s *MemoryStore) SearchChunks(ctx context.Context, uid string, vector []float64, k int) ([]ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredChunk
	for _, c := range s.chunks[uid] {
		out = append(out, ScoredChunk{Chunk: c, Score: cosine(vector, c.Vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ── Remotes ─────────────────────────────────────────────────

func (s *MemoryStore) UpsertRemote(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remotes[url]; !ok {
		s.remotes[url] = &models.Remote{URL: url}
		s.bump()
	}
	return nil
}

func (s *MemoryStore) DeleteRemote(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remotes[url]; !ok {
		return &ErrNotFound{Entity: "remote", Key: url}
	}
	delete(s.remotes, url)
	s.bump()
	return nil
}

func (s *MemoryStore) GetRemote(ctx context.Context, url string) (*models.Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.remotes[url]
	if !ok {
		return nil, &ErrNotFound{Entity: "remote", Key: url}
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRemotes(ctx context.Context) ([]models.Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Remote, 0, len(s.remotes))
	for _, r := range s.remotes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *MemoryStore) RecordRemotePoll(ctx context.Context, url, status, etag, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// update-only: a one-shot ingest of an unregistered URL must not
	// promote it into the polled set
	r, ok := s.remotes[url]
	if !ok {
		return &ErrNotFound{Entity: "remote", Key: url}
	}
	now := s.now().UTC()
	r.LastFetchedAt = &now
	r.LastStatus = status
	if etag != "" {
		r.LastETag = etag
	}
	r.LastError = errMsg
	s.bump()
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *MemoryStore) Watermark(ctx context.Context) (uint64, error) {
	return s.watermark.Load(), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ── Similarity helpers ──────────────────────────────────────

// trigrams extracts pg_trgm-style padded word trigrams, lowercased.
func trigrams(text string) map[string]bool {
	out := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			out[padded[i:i+3]] = true
		}
	}
	return out
}

// trigramSimilarity is the Jaccard overlap of two trigram sets, as pg_trgm's
// similarity() computes it.
func trigramSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if b[g] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01(sim)
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UID < hits[j].UID
	})
}
