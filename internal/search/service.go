package search

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/internal/embeddings"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/pkg/models"
)

const (
	maxCandidates  = 200
	maxRerankItems = 20
	snippetLen     = 200
	fitReasonLen   = 240
)

// Service ranks catalog entities for a query. Candidate retrieval is delegated
// to the store backends; fusion, caching, RAG enrichment, and reranking happen
// here.
type Service struct {
	store      store.Store
	embedder   embeddings.Driver
	cfg        config.SearchConfig
	publicBase string
	cache      *resultCache
	reranker   Reranker
	now        func() time.Time
}

// New builds the search service. An LLM reranker is attached when the config
// carries rerank credentials.
func New(st store.Store, emb embeddings.Driver, cfg config.SearchConfig, publicBaseURL string) *Service {
	s := &Service{
		store:      st,
		embedder:   emb,
		cfg:        cfg,
		publicBase: strings.TrimRight(publicBaseURL, "/"),
		cache:      newResultCache(cfg.CacheSize),
		now:        time.Now,
	}
	if cfg.RerankEndpoint != "" || cfg.RerankAPIKey != "" {
		s.reranker = NewLLMReranker(cfg.RerankEndpoint, cfg.RerankAPIKey, cfg.RerankModel)
	}
	return s
}

// SetReranker overrides the reranker. Mostly for tests.
func (s *Service) SetReranker(r Reranker) { s.reranker = r }

// Normalize clamps and defaults a parsed query in place. Non-admin callers
// are held to the public limit cap.
func (s *Service) Normalize(q *models.SearchQuery, admin bool) {
	if q.Mode == "" {
		q.Mode = models.SearchModeHybrid
	}
	if q.Rerank == "" {
		q.Rerank = models.RerankNone
	}
	limitCap := s.cfg.PublicLimitCap
	if admin {
		limitCap = 100
	}
	if q.Limit < 1 {
		q.Limit = limitCap
	}
	if q.Limit > limitCap {
		q.Limit = limitCap
	}
}

// ETag computes the conditional-request tag for a normalized query at the
// current catalog watermark.
func (s *Service) ETag(ctx context.Context, q models.SearchQuery) (string, error) {
	wm, err := s.store.Watermark(ctx)
	if err != nil {
		return "", err
	}
	return etagFor(q, wm), nil
}

// Search runs a normalized query. It returns the response, its ETag, and
// whether the response was served from cache.
func (s *Service) Search(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, string, bool, error) {
	etag, err := s.ETag(ctx, q)
	if err != nil {
		return nil, "", false, err
	}
	if resp, ok := s.cache.get(etag); ok {
		return resp, etag, true, nil
	}

	resp, err := s.rank(ctx, q)
	if err != nil {
		return nil, "", false, err
	}
	s.cache.put(etag, resp)
	return resp, etag, false, nil
}

// scored carries one candidate through fusion.
type scored struct {
	entity  *models.Entity
	lex     float64
	sem     float64
	recency float64
	quality float64
	final   float64
}

func (s *Service) rank(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, error) {
	filters := store.Filters{
		Type:           q.Type,
		Capabilities:   q.Capabilities,
		Frameworks:     q.Frameworks,
		Providers:      q.Providers,
		IncludePending: q.IncludePending,
	}

	wLex := s.cfg.Weight("lex")
	wSem := s.cfg.Weight("sem")
	wRec := s.cfg.Weight("rec")
	wQual := s.cfg.Weight("qual")
	switch q.Mode {
	case models.SearchModeKeyword:
		wSem = 0
	case models.SearchModeSemantic:
		wLex = 0
	}

	k := q.Limit * 4
	if k > maxCandidates {
		k = maxCandidates
	}
	if k < q.Limit {
		k = q.Limit
	}

	candidates := make(map[string]*scored)

	if wLex > 0 && s.cfg.LexicalBackend != "none" && q.Query != "" {
		hits, err := s.store.SearchLexical(ctx, q.Query, filters, k)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			candidates[h.UID] = &scored{lex: h.Score}
		}
	}

	var queryVec []float64
	if wSem > 0 && embeddings.Enabled(s.embedder) && q.Query != "" {
		queryVec = s.embedQuery(ctx, q.Query)
		if queryVec != nil {
			hits, err := s.store.SearchSemantic(ctx, queryVec, filters, k)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				c, ok := candidates[h.UID]
				if !ok {
					c = &scored{}
					candidates[h.UID] = c
				}
				c.sem = h.Score
			}
		}
	}

	ranked := make([]*scored, 0, len(candidates))
	for uid, c := range candidates {
		e, err := s.store.GetEntity(ctx, uid)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		c.entity = e
		c.recency = s.recencyScore(e.UpdatedAt)
		c.quality = e.QualityScore
		c.final = fuse(wLex, c.lex, wSem, c.sem, wRec, c.recency, wQual, c.quality)
		ranked = append(ranked, c)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].final != ranked[j].final {
			return ranked[i].final > ranked[j].final
		}
		if !ranked[i].entity.CreatedAt.Equal(ranked[j].entity.CreatedAt) {
			return ranked[i].entity.CreatedAt.After(ranked[j].entity.CreatedAt)
		}
		return ranked[i].entity.UID < ranked[j].entity.UID
	})

	items := make([]models.SearchItem, 0, len(ranked))
	for _, c := range ranked {
		items = append(items, s.buildItem(c))
	}

	if q.Rerank == models.RerankLLM && s.reranker != nil {
		items = s.applyRerank(ctx, q, items)
	}
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}

	if q.WithRAG && s.cfg.RAGEnabled {
		s.enrichFitReasons(ctx, items, queryVec)
	}

	return &models.SearchResponse{Items: items, Total: len(items)}, nil
}

// fuse combines component scores with weights normalized after summation, so
// disabling a component redistributes its weight instead of deflating scores.
func fuse(wLex, lex, wSem, sem, wRec, rec, wQual, qual float64) float64 {
	total := wLex + wSem + wRec + wQual
	if total <= 0 {
		return 0
	}
	return (wLex*lex + wSem*sem + wRec*rec + wQual*qual) / total
}

func (s *Service) recencyScore(updatedAt time.Time) float64 {
	tau := s.cfg.RecencyTauDays
	if tau <= 0 {
		tau = 30
	}
	ageDays := s.now().Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / tau)
}

func (s *Service) embedQuery(ctx context.Context, query string) []float64 {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		// semantic retrieval is best effort; lexical results still rank
		log.Warn().Err(err).Msg("query embedding failed, skipping semantic backend")
		return nil
	}
	return vecs[0]
}

func (s *Service) buildItem(c *scored) models.SearchItem {
	e := c.entity
	return models.SearchItem{
		ID:           e.UID,
		Type:         string(e.Type),
		Name:         e.Name,
		Version:      e.Version,
		Summary:      e.Summary,
		Capabilities: e.Capabilities,
		Frameworks:   e.Frameworks,
		Providers:    e.Providers,

		ScoreLexical:  c.lex,
		ScoreSemantic: c.sem,
		ScoreQuality:  c.quality,
		ScoreRecency:  c.recency,
		ScoreFinal:    c.final,

		ManifestURL: e.SourceURL,
		InstallURL:  s.installURL(e.UID),
		Snippet:     snippet(e),
	}
}

func (s *Service) installURL(uid string) string {
	if s.publicBase == "" {
		return ""
	}
	return s.publicBase + "/catalog/install?id=" + url.QueryEscape(uid)
}

func snippet(e *models.Entity) string {
	text := e.Summary
	if text == "" {
		text = e.Description
	}
	return truncate(text, snippetLen)
}

func truncate(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// applyRerank post-orders the top slice of results. Failures keep the fusion
// order.
func (s *Service) applyRerank(ctx context.Context, q models.SearchQuery, items []models.SearchItem) []models.SearchItem {
	n := q.Limit * 2
	if n > maxRerankItems {
		n = maxRerankItems
	}
	if n > len(items) {
		n = len(items)
	}
	if n < 2 {
		return items
	}

	reranked, err := s.reranker.Rerank(ctx, q.Query, items[:n])
	if err != nil {
		log.Warn().Err(err).Msg("rerank failed, keeping fusion order")
		return items
	}
	return append(reranked, items[n:]...)
}

// enrichFitReasons fills fit_reason on each item from its best-matching
// chunks. Purely additive: any failure falls back to the summary.
func (s *Service) enrichFitReasons(ctx context.Context, items []models.SearchItem, queryVec []float64) {
	for i := range items {
		items[i].FitReason = s.fitReason(ctx, items[i].ID, items[i].Summary, queryVec)
	}
}

func (s *Service) fitReason(ctx context.Context, uid, summary string, queryVec []float64) string {
	if queryVec != nil {
		chunks, err := s.store.SearchChunks(ctx, uid, queryVec, 3)
		if err == nil && len(chunks) > 0 {
			parts := make([]string, 0, len(chunks))
			for _, sc := range chunks {
				parts = append(parts, strings.TrimSpace(sc.Chunk.Text))
			}
			return truncate(strings.Join(parts, " "), fitReasonLen)
		}
	}
	return truncate(summary, fitReasonLen)
}
