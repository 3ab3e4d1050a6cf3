// Package handlers implements the HTTP handlers for the Matrix Hub API:
// catalog search and detail, install, remote administration, and the
// one-shot ingest triggers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/internal/api/middleware"
	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/internal/ingest"
	"github.com/matrixhub/matrixhub/internal/installer"
	"github.com/matrixhub/matrixhub/internal/manifest"
	"github.com/matrixhub/matrixhub/internal/metrics"
	"github.com/matrixhub/matrixhub/internal/search"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Search    *search.Service
	Installer *installer.Service
	Engine    *ingest.Engine
	Scheduler *ingest.Scheduler
	Config    *config.Config
}

// New creates a Handlers instance.
func New(st store.Store, sv *search.Service, inst *installer.Service, eng *ingest.Engine, sched *ingest.Scheduler, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:     st,
		Search:    sv,
		Installer: inst,
		Engine:    eng,
		Scheduler: sched,
		Config:    cfg,
	}
}

// ── Health & info ───────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"service": "matrix-hub",
	}
	if warns := h.Config.Diagnostics(); len(warns) > 0 {
		body["warnings"] = warns
	}
	if r.URL.Query().Get("check_db") == "true" {
		if err := h.Store.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	respondJSON(w, http.StatusOK, body)
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
		"service": "matrix-hub",
	})
}

// ── Catalog ─────────────────────────────────────────────────

func (h *Handlers) CatalogSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.SearchLatency.Observe(time.Since(start).Seconds()) }()

	q, err := parseSearchQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	admin := middleware.IsAdmin(r, h.Config.AdminToken)
	h.Search.Normalize(&q, admin)
	metrics.SearchRequests.WithLabelValues(q.Mode).Inc()

	etag, err := h.Search.ETag(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	quoted := `"` + etag + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == quoted {
		metrics.SearchCacheHits.Inc()
		w.Header().Set("ETag", quoted)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp, etag, cached, err := h.Search.Search(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	if cached {
		metrics.SearchCacheHits.Inc()
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if decoded, err := url.PathUnescape(uid); err == nil {
		uid = decoded
	}

	entity, err := h.Store.GetEntity(r.Context(), uid)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) Install(w http.ResponseWriter, r *http.Request) {
	var req models.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	result, err := h.Installer.Install(r.Context(), req)
	if err != nil {
		metrics.Installs.WithLabelValues("error").Inc()
		switch {
		case store.IsNotFound(err):
			respondError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, installer.ErrForbidden):
			respondError(w, http.StatusForbidden, "forbidden", err.Error())
		case isValidation(err), errors.Is(err, installer.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		}
		return
	}

	metrics.Installs.WithLabelValues("ok").Inc()
	log.Info().Str("uid", result.Plan.EntityUID).Str("target", result.Plan.Target).Int("steps", len(result.Results)).Msg("install executed")
	respondJSON(w, http.StatusOK, result)
}

// ── Remotes & ingest (admin) ────────────────────────────────

type remoteRequest struct {
	URL string `json:"url"`
}

func (h *Handlers) ListRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := h.Store.ListRemotes(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	if remotes == nil {
		remotes = []models.Remote{}
	}
	respondJSON(w, http.StatusOK, remotes)
}

func (h *Handlers) AddRemote(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRemote(w, r)
	if !ok {
		return
	}
	if err := h.Store.UpsertRemote(r.Context(), req.URL); err != nil {
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	log.Info().Str("remote", req.URL).Msg("remote registered")
	respondJSON(w, http.StatusCreated, map[string]string{"url": req.URL})
}

func (h *Handlers) DeleteRemote(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRemote(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteRemote(r.Context(), req.URL); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IngestOne pulls a single index URL immediately, without registering it.
func (h *Handlers) IngestOne(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRemote(w, r)
	if !ok {
		return
	}

	// ingest outlives the request: a dropped admin connection must not
	// cancel manifest fetches or taint the recorded poll status
	report, err := h.Engine.IngestRemote(context.WithoutCancel(r.Context()), req.URL)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "remote_failure",
			"message": err.Error(),
			"code":    http.StatusBadGateway,
			"report":  report,
		})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// SyncRemotes runs a full ingest cycle across all registered remotes.
func (h *Handlers) SyncRemotes(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Scheduler.Trigger(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, ingest.ErrCycleInFlight) {
			respondError(w, http.StatusConflict, "conflict", "an ingest cycle is already running")
			return
		}
		respondError(w, http.StatusInternalServerError, "integrity_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// ── Helpers ─────────────────────────────────────────────────

func decodeRemote(w http.ResponseWriter, r *http.Request) (remoteRequest, bool) {
	var req remoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"url\": \"...\"}")
		return req, false
	}
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		respondError(w, http.StatusBadRequest, "invalid_request", "url must be absolute http(s)")
		return req, false
	}
	return req, true
}

func parseSearchQuery(values url.Values) (models.SearchQuery, error) {
	q := models.SearchQuery{
		Query:        values.Get("q"),
		Type:         values.Get("type"),
		Capabilities: splitList(values.Get("capabilities")),
		Frameworks:   splitList(values.Get("frameworks")),
		Providers:    splitList(values.Get("providers")),
		Mode:         values.Get("mode"),
		Rerank:       values.Get("rerank"),
	}

	if q.Type != "" && !models.ValidEntityType(models.EntityType(q.Type)) {
		return q, errors.New("type must be one of agent, tool, mcp_server")
	}
	switch q.Mode {
	case "", models.SearchModeKeyword, models.SearchModeSemantic, models.SearchModeHybrid:
	default:
		return q, errors.New("mode must be one of keyword, semantic, hybrid")
	}
	switch q.Rerank {
	case "", models.RerankNone, models.RerankLLM:
	default:
		return q, errors.New("rerank must be none or llm")
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return q, errors.New("limit must be an integer in [1,100]")
		}
		q.Limit = n
	}
	q.IncludePending = values.Get("include_pending") == "true"
	q.WithRAG = values.Get("with_rag") == "true"
	return q, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidation(err error) bool {
	var ve *manifest.ValidationError
	return errors.As(err, &ve)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes the error envelope: kind, human message, numeric code.
func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]any{
		"error":   kind,
		"message": message,
		"code":    status,
	})
}
