package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/internal/embeddings"
	"github.com/matrixhub/matrixhub/internal/manifest"
	"github.com/matrixhub/matrixhub/internal/metrics"
	"github.com/matrixhub/matrixhub/internal/search"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/pkg/models"
)

// maxBodyBytes caps index and manifest downloads.
const maxBodyBytes = 4 << 20

// Registrar registers an mcp_server manifest on the external gateway.
// Ingestion calls it best-effort and never waits on it.
type Registrar interface {
	RegisterServer(ctx context.Context, m *models.Manifest) error
}

// Engine executes ingest cycles: fetch index, fetch+validate manifests,
// upsert entities, rebuild embeddings, and kick off gateway registration.
type Engine struct {
	store     store.Store
	cfg       config.IngestConfig
	client    *http.Client
	embedder  embeddings.Driver
	chunker   search.ChunkerConfig
	registrar Registrar // nil when no gateway is configured

	// background registrations outlive the ingest call; Wait drains them.
	background sync.WaitGroup
}

// NewEngine builds an ingest engine. registrar may be nil.
func NewEngine(st store.Store, cfg config.IngestConfig, emb embeddings.Driver, registrar Registrar) *Engine {
	timeout := time.Duration(cfg.ProbeTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		store:     st,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		embedder:  emb,
		chunker:   search.DefaultChunkerConfig(),
		registrar: registrar,
	}
}

// Wait blocks until in-flight background gateway registrations finish.
// Called on shutdown and by tests.
func (e *Engine) Wait() { e.background.Wait() }

// IngestAll polls every registered remote, serially.
func (e *Engine) IngestAll(ctx context.Context) []models.IngestReport {
	remotes, err := e.store.ListRemotes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list remotes")
		return nil
	}
	reports := make([]models.IngestReport, 0, len(remotes))
	for _, r := range remotes {
		report, err := e.IngestRemote(ctx, r.URL)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.URL).Msg("ingest remote failed")
		}
		reports = append(reports, *report)
	}
	return reports
}

// IngestRemote polls one index URL. The returned report always describes the
// outcome; the error is non-nil only when the index itself was unreachable
// or unusable.
func (e *Engine) IngestRemote(ctx context.Context, remoteURL string) (*models.IngestReport, error) {
	report := &models.IngestReport{URL: remoteURL}

	var lastETag string
	if remote, err := e.store.GetRemote(ctx, remoteURL); err == nil {
		lastETag = remote.LastETag
	}

	body, etag, notModified, err := e.fetchIndex(ctx, remoteURL, lastETag)
	if err != nil {
		report.Status = models.IngestStatusError
		report.Errors = append(report.Errors, err.Error())
		e.recordPoll(ctx, remoteURL, report, lastETag)
		return report, err
	}
	if notModified {
		report.Status = models.IngestStatusOK
		report.NotModified = true
		e.recordPoll(ctx, remoteURL, report, lastETag)
		return report, nil
	}

	urls, err := parseIndex(body, remoteURL)
	if err != nil {
		report.Status = models.IngestStatusError
		report.Errors = append(report.Errors, err.Error())
		e.recordPoll(ctx, remoteURL, report, etag)
		return report, err
	}
	report.ManifestsSeen = len(urls)

	// bounded pool; one failing manifest never aborts the cycle
	sem := semaphore.NewWeighted(int64(e.cfg.Workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, manifestURL := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", manifestURL, err))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			defer sem.Release(1)
			derived, err := e.processManifest(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", u, err))
				return
			}
			report.Ingested++
			report.Derived += derived
		}(manifestURL)
	}
	wg.Wait()

	switch {
	case report.Failed == 0:
		report.Status = models.IngestStatusOK
	case report.Ingested > 0:
		report.Status = models.IngestStatusPartial
	default:
		report.Status = models.IngestStatusError
	}
	e.recordPoll(ctx, remoteURL, report, etag)
	return report, nil
}

// fetchIndex performs the conditional GET against the index URL.
func (e *Engine) fetchIndex(ctx context.Context, indexURL, lastETag string) (body []byte, etag string, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if lastETag != "" {
		req.Header.Set("If-None-Match", lastETag)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("fetch index: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, lastETag, true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", false, fmt.Errorf("index auth rejected: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, "", false, fmt.Errorf("index returned %s", resp.Status)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", false, fmt.Errorf("read index body: %w", err)
	}
	return body, resp.Header.Get("ETag"), false, nil
}

// processManifest handles one manifest URL end to end. Returns the number of
// derived entities it produced alongside the main upsert.
func (e *Engine) processManifest(ctx context.Context, manifestURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}

	m, payload, err := manifest.Parse(raw)
	if err != nil {
		return 0, err
	}
	if err := manifest.Validate(m); err != nil {
		return 0, err
	}

	outcome, err := e.store.UpsertEntity(ctx, m, payload, manifestURL, false)
	if err != nil {
		return 0, err
	}
	if outcome.Changed {
		e.rebuildChunks(ctx, outcome.UID)
	}
	log.Debug().Str("uid", outcome.UID).Bool("created", outcome.Created).Bool("changed", outcome.Changed).Msg("manifest ingested")

	derived := 0
	if e.cfg.DeriveToolsFromMCP && m.Type == models.EntityTypeMCPServer &&
		m.MCPRegistration != nil && m.MCPRegistration.Tool != nil {
		n, err := e.deriveTool(ctx, m, manifestURL)
		if err != nil {
			log.Warn().Err(err).Str("uid", outcome.UID).Msg("tool derivation skipped")
		}
		derived = n
	}

	if m.MCPRegistration != nil && m.MCPRegistration.Server != nil && e.registrar != nil {
		e.enqueueRegistration(m)
	}
	return derived, nil
}

// deriveTool synthesizes a tool entity from an mcp_server's declared tool.
// The synthetic entity stays pending until its first successful gateway
// registration; it never overwrites an explicitly ingested tool.
func (e *Engine) deriveTool(ctx context.Context, m *models.Manifest, sourceURL string) (int, error) {
	tool := m.MCPRegistration.Tool
	id := tool.ID
	if id == "" {
		id = tool.Name
	}
	if id == "" {
		return 0, fmt.Errorf("derived tool has no id or name")
	}

	dm := &models.Manifest{
		SchemaVersion: m.SchemaVersion,
		Type:          models.EntityTypeTool,
		ID:            id,
		Version:       m.Version,
		Name:          firstNonEmpty(tool.Name, id),
		Summary:       tool.Description,
		Capabilities:  m.Capabilities,
		Frameworks:    m.Frameworks,
		Providers:     m.Providers,
		Implementation: &models.Implementation{
			Runtime:    "mcp",
			Entrypoint: m.UID(),
		},
	}
	payload, err := manifest.Canonical(dm)
	if err != nil {
		return 0, err
	}

	outcome, err := e.store.UpsertEntity(ctx, dm, payload, sourceURL, true)
	if err != nil {
		if store.IsConflict(err) {
			// an explicitly ingested tool already owns this UID
			return 0, nil
		}
		return 0, err
	}
	if outcome.Changed {
		e.rebuildChunks(ctx, outcome.UID)
	}
	return 1, nil
}

// enqueueRegistration starts a best-effort gateway registration. The outcome
// lands on the entity; ingestion does not wait.
func (e *Engine) enqueueRegistration(m *models.Manifest) {
	uid := m.UID()
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		err := e.registrar.RegisterServer(ctx, m)
		ok := err == nil
		msg := ""
		if err != nil {
			msg = err.Error()
			log.Warn().Err(err).Str("uid", uid).Msg("gateway registration failed")
			metrics.GatewayRegistrations.WithLabelValues("error").Inc()
		} else {
			metrics.GatewayRegistrations.WithLabelValues("ok").Inc()
		}
		if merr := e.store.MarkGatewayRegistered(ctx, uid, ok, msg); merr != nil {
			log.Error().Err(merr).Str("uid", uid).Msg("record gateway outcome")
		}
		if ok {
			// the derived tool shares the server's registration outcome
			if m.MCPRegistration != nil && m.MCPRegistration.Tool != nil {
				toolID := m.MCPRegistration.Tool.ID
				if toolID == "" {
					toolID = m.MCPRegistration.Tool.Name
				}
				toolUID := models.UID(models.EntityTypeTool, toolID, m.Version)
				if merr := e.store.MarkGatewayRegistered(ctx, toolUID, true, ""); merr != nil && !store.IsNotFound(merr) {
					log.Warn().Err(merr).Str("uid", toolUID).Msg("clear derived tool pending flag")
				}
			}
		}
	}()
}

// rebuildChunks re-embeds an entity's text after a material change.
func (e *Engine) rebuildChunks(ctx context.Context, uid string) {
	if !embeddings.Enabled(e.embedder) {
		return
	}
	ent, err := e.store.GetEntity(ctx, uid)
	if err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("chunk rebuild: load entity")
		return
	}
	chunks := search.BuildChunks(ent, e.chunker)
	if len(chunks) == 0 {
		return
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(chunks) {
		log.Warn().Err(err).Str("uid", uid).Msg("chunk rebuild: embed")
		return
	}
	for i := range chunks {
		chunks[i].Vector = vecs[i]
	}
	if err := e.store.UpsertChunks(ctx, uid, chunks); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("chunk rebuild: store")
	}
}

// recordPoll persists the outcome and counts it; every cycle passes through
// here, so scheduled and manual ingests are equally observable.
func (e *Engine) recordPoll(ctx context.Context, url string, report *models.IngestReport, etag string) {
	metrics.ManifestsIngested.WithLabelValues(report.Status).Add(float64(report.Ingested))
	metrics.IngestErrors.Add(float64(report.Failed))

	errMsg := ""
	if len(report.Errors) > 0 {
		errMsg = report.Errors[0]
	}
	if err := e.store.RecordRemotePoll(ctx, url, report.Status, etag, errMsg); err != nil && !store.IsNotFound(err) {
		log.Warn().Err(err).Str("remote", url).Msg("record remote poll")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
