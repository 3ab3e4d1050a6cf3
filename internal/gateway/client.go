// Package gateway implements the client for the external MCP Gateway admin
// API: ordered tool/resource/prompt/server upserts, 409 ID resolution, SSE
// URL normalization, and token handling.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/pkg/models"
)

const (
	intraManifestParallelism = 4
	attemptTimeout           = 10 * time.Second
	maxRetries               = 3
)

// Client talks to the MCP Gateway admin API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  tokenSource
}

// New builds a gateway client, or nil when no gateway URL is configured.
func New(cfg config.GatewayConfig) *Client {
	if cfg.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var tokens tokenSource
	switch {
	case cfg.Token != "":
		tokens = staticToken{value: cfg.Token}
	case cfg.JWTSecret != "" && cfg.AdminUsername != "":
		tokens = newJWTMinter(cfg.JWTSecret, cfg.AdminUsername)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// RegisterServer registers an mcp_server manifest end to end. Satisfies the
// ingest engine's Registrar interface.
func (c *Client) RegisterServer(ctx context.Context, m *models.Manifest) error {
	if m.MCPRegistration == nil {
		return fmt.Errorf("manifest %s has no mcp_registration", m.UID())
	}
	_, err := c.Register(ctx, m.MCPRegistration)
	return err
}

// Register upserts a full registration block in the required order: tool
// first, then resources and prompts with bounded parallelism, and only after
// every dependent upsert succeeded, the federated gateway (server.url set)
// or the virtual server. Returns what was registered for lockfile capture.
func (c *Client) Register(ctx context.Context, reg *models.MCPRegistration) ([]models.GatewayRegistration, error) {
	var out []models.GatewayRegistration
	var toolID any

	if reg.Tool != nil {
		id, err := c.upsertTool(ctx, reg.Tool)
		if err != nil {
			return out, err
		}
		toolID = id
		out = append(out, models.GatewayRegistration{Kind: "tool", Name: reg.Tool.Name, ID: id})
	}

	resourceIDs := make([]any, len(reg.Resources))
	promptIDs := make([]any, len(reg.Prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(intraManifestParallelism)
	for i := range reg.Resources {
		g.Go(func() error {
			id, err := c.upsertResource(gctx, &reg.Resources[i])
			if err != nil {
				return err
			}
			resourceIDs[i] = id
			return nil
		})
	}
	for i := range reg.Prompts {
		g.Go(func() error {
			id, err := c.upsertPrompt(gctx, &reg.Prompts[i])
			if err != nil {
				return err
			}
			promptIDs[i] = id
			return nil
		})
	}
	// strict barrier: the gateway upsert depends on every ID above
	if err := g.Wait(); err != nil {
		return out, err
	}
	for i, r := range reg.Resources {
		out = append(out, models.GatewayRegistration{Kind: "resource", Name: r.Name, ID: resourceIDs[i]})
	}
	for i, p := range reg.Prompts {
		out = append(out, models.GatewayRegistration{Kind: "prompt", Name: p.Name, ID: promptIDs[i]})
	}

	if reg.Server == nil {
		return out, nil
	}

	associated := map[string]any{}
	if toolID != nil {
		associated["associated_tools"] = []any{toolID}
	}
	if len(resourceIDs) > 0 {
		associated["associated_resources"] = resourceIDs
	}
	if len(promptIDs) > 0 {
		associated["associated_prompts"] = promptIDs
	}

	if reg.Server.URL != "" {
		body := map[string]any{
			"name": reg.Server.Name,
			// normalized transiently; the stored manifest keeps the original
			"url": NormalizeServerURL(reg.Server.URL, reg.Server.Transport),
		}
		if reg.Server.Description != "" {
			body["description"] = reg.Server.Description
		}
		for k, v := range associated {
			body[k] = v
		}
		id, err := c.upsert(ctx, "/gateways", body, reg.Server.Name, "")
		if err != nil {
			return out, err
		}
		out = append(out, models.GatewayRegistration{Kind: "gateway", Name: reg.Server.Name, ID: id})
		return out, nil
	}

	body := map[string]any{"name": reg.Server.Name}
	if reg.Server.Description != "" {
		body["description"] = reg.Server.Description
	}
	for k, v := range associated {
		body[k] = v
	}
	id, err := c.upsert(ctx, "/servers", body, reg.Server.Name, "")
	if err != nil {
		return out, err
	}
	out = append(out, models.GatewayRegistration{Kind: "server", Name: reg.Server.Name, ID: id})
	return out, nil
}

// NormalizeServerURL appends /sse to SSE server URLs that lack the suffix.
func NormalizeServerURL(raw, transport string) string {
	if !strings.EqualFold(transport, "sse") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.HasSuffix(u.Path, "/sse") {
		return raw
	}
	return strings.TrimRight(raw, "/") + "/sse"
}

func (c *Client) upsertTool(ctx context.Context, t *models.GatewayTool) (any, error) {
	body := map[string]any{"name": t.Name}
	if t.Name == "" {
		body["name"] = t.ID
	}
	if t.Description != "" {
		body["description"] = t.Description
	}
	if t.IntegrationType != "" {
		body["integration_type"] = t.IntegrationType
	}
	if t.RequestType != "" {
		body["request_type"] = t.RequestType
	}
	if t.URL != "" {
		body["url"] = t.URL
	}
	if len(t.InputSchema) > 0 {
		body["input_schema"] = json.RawMessage(t.InputSchema)
	}
	return c.upsert(ctx, "/tools", body, fmt.Sprint(body["name"]), "")
}

func (c *Client) upsertResource(ctx context.Context, r *models.GatewayResource) (any, error) {
	body := map[string]any{"name": r.Name}
	if r.Name == "" {
		body["name"] = r.ID
	}
	if r.URI != "" {
		body["uri"] = r.URI
	}
	if r.Description != "" {
		body["description"] = r.Description
	}
	if r.MimeType != "" {
		body["mime_type"] = r.MimeType
	}
	if r.Content != "" {
		body["content"] = r.Content
	}
	return c.upsert(ctx, "/resources", body, fmt.Sprint(body["name"]), r.URI)
}

func (c *Client) upsertPrompt(ctx context.Context, p *models.GatewayPrompt) (any, error) {
	body := map[string]any{"name": p.Name}
	if p.Name == "" {
		body["name"] = p.ID
	}
	if p.Description != "" {
		body["description"] = p.Description
	}
	if p.Template != "" {
		body["template"] = p.Template
	}
	return c.upsert(ctx, "/prompts", body, fmt.Sprint(body["name"]), "")
}

// upsert POSTs a create call. 2xx returns the assigned ID; 409 means the
// record exists and its ID is resolved from the list endpoint; transient 5xx
// retries with backoff; 401/403 fail fast.
func (c *Client) upsert(ctx context.Context, path string, body map[string]any, name, uri string) (any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", path, err)
	}

	var id any
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", path, err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			id = extractID(respBody)
			return nil
		case resp.StatusCode == http.StatusConflict:
			resolved, err := c.resolveExisting(ctx, path, body["name"], name, uri)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("resolve existing after 409 on %s: %w", path, err))
			}
			id = resolved
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("gateway auth rejected on %s: %s", path, resp.Status))
		case resp.StatusCode >= 500:
			return fmt.Errorf("gateway %s returned %s: %s", path, resp.Status, excerpt(respBody))
		default:
			return backoff.Permanent(fmt.Errorf("gateway %s returned %s: %s", path, resp.Status, excerpt(respBody)))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 3
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 2 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, err
	}
	return id, nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	header, err := c.tokens.authHeader()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

// resolveExisting finds the numeric ID of an already-registered record.
// Match order: exact id, case-insensitive name, exact uri.
func (c *Client) resolveExisting(ctx context.Context, path string, wantID any, name, uri string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s returned %s", path, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	records, err := decodeList(body)
	if err != nil {
		return nil, err
	}

	wantStr := fmt.Sprint(wantID)
	for _, rec := range records {
		if id, ok := rec["id"]; ok && fmt.Sprint(id) == wantStr {
			return id, nil
		}
	}
	if name != "" {
		for _, rec := range records {
			if n, ok := rec["name"].(string); ok && strings.EqualFold(n, name) {
				return rec["id"], nil
			}
		}
	}
	if uri != "" {
		for _, rec := range records {
			if u, ok := rec["uri"].(string); ok && u == uri {
				return rec["id"], nil
			}
		}
	}
	log.Debug().Str("path", path).Str("name", name).Msg("no matching record on list endpoint")
	return nil, fmt.Errorf("no record on %s matches id=%v name=%q uri=%q", path, wantID, name, uri)
}

// decodeList accepts either a bare JSON array or an object wrapping one.
func decodeList(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		for _, val := range t {
			if arr, ok := val.([]any); ok {
				items = arr
				break
			}
		}
	}

	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if rec, ok := it.(map[string]any); ok {
			out = append(out, normalizeIDs(rec))
		}
	}
	return out, nil
}

// extractID pulls the assigned id out of a create response body.
func extractID(body []byte) any {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil
	}
	return normalizeIDs(rec)["id"]
}

// normalizeIDs converts json.Number ids to int64 so they serialize back as
// bare numbers in downstream payloads.
func normalizeIDs(rec map[string]any) map[string]any {
	if n, ok := rec["id"].(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			rec["id"] = i
		}
	}
	return rec
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
