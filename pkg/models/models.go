// Package models defines the shared data types for the Matrix Hub catalog:
// entities, manifests, remotes, search results, install plans, and the
// lockfile format. All wire formats (JSON tags) live here.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Entity ──────────────────────────────────────────────────

// EntityType is the kind of catalog entity.
type EntityType string

const (
	EntityTypeAgent     EntityType = "agent"
	EntityTypeTool      EntityType = "tool"
	EntityTypeMCPServer EntityType = "mcp_server"
)

// ValidEntityType reports whether t is one of the three known entity types.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityTypeAgent, EntityTypeTool, EntityTypeMCPServer:
		return true
	}
	return false
}

// UID builds the canonical entity identifier "type:id@version".
func UID(t EntityType, id, version string) string {
	return string(t) + ":" + id + "@" + version
}

// ParseUID splits a canonical UID back into its parts.
func ParseUID(uid string) (EntityType, string, string, error) {
	colon := strings.Index(uid, ":")
	at := strings.LastIndex(uid, "@")
	if colon <= 0 || at <= colon+1 || at == len(uid)-1 {
		return "", "", "", fmt.Errorf("malformed uid %q (want type:id@version)", uid)
	}
	t := EntityType(uid[:colon])
	if !ValidEntityType(t) {
		return "", "", "", fmt.Errorf("unknown entity type %q in uid %q", uid[:colon], uid)
	}
	return t, uid[colon+1 : at], uid[at+1:], nil
}

// Entity is the central catalog record. The original manifest payload is kept
// verbatim so installs can be re-planned at any time.
type Entity struct {
	UID     string     `json:"uid"`
	Type    EntityType `json:"type"`
	ID      string     `json:"id"`
	Version string     `json:"version"`

	Name        string `json:"name"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	License     string `json:"license,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
	Frameworks   []string `json:"frameworks,omitempty"`
	Providers    []string `json:"providers,omitempty"`

	// Manifest is the original document, verbatim, as canonical JSON.
	Manifest json.RawMessage `json:"manifest,omitempty"`

	QualityScore float64   `json:"quality_score"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	GatewayRegisteredAt *time.Time `json:"gateway_registered_at,omitempty"`
	GatewayError        string     `json:"gateway_error,omitempty"`

	SourceURL  string `json:"source_url,omitempty"`
	SourceHash string `json:"source_hash,omitempty"`

	// Pending entities are hidden from search unless include_pending is set.
	Pending bool `json:"pending"`
}

// ── Embedding chunks ────────────────────────────────────────

// ChunkSource names which entity field a chunk was derived from.
type ChunkSource string

const (
	ChunkSourceName        ChunkSource = "name"
	ChunkSourceSummary     ChunkSource = "summary"
	ChunkSourceDescription ChunkSource = "description"
	ChunkSourceReadme      ChunkSource = "readme"
	ChunkSourceExample     ChunkSource = "example"
)

// EmbeddingChunk is one embedded text fragment owned by an Entity.
// Chunks are deleted and rebuilt whenever the entity's manifest changes.
type EmbeddingChunk struct {
	EntityUID string      `json:"entity_uid"`
	Ordinal   int         `json:"ordinal"`
	Text      string      `json:"text"`
	Vector    []float64   `json:"vector,omitempty"`
	Source    ChunkSource `json:"source"`
}

// ── Remotes & ingestion ─────────────────────────────────────

// Remote is a registered index URL polled by the ingestion engine.
type Remote struct {
	URL           string     `json:"url"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastETag      string     `json:"last_etag,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Ingest outcome statuses recorded per remote poll.
const (
	IngestStatusOK      = "ok"
	IngestStatusPartial = "partial"
	IngestStatusError   = "error"
)

// IngestReport summarizes one poll of one remote.
type IngestReport struct {
	URL           string   `json:"url"`
	Status        string   `json:"status"`
	NotModified   bool     `json:"not_modified,omitempty"`
	ManifestsSeen int      `json:"manifests_seen"`
	Ingested      int      `json:"ingested"`
	Derived       int      `json:"derived"`
	Failed        int      `json:"failed"`
	Errors        []string `json:"errors,omitempty"`
}

// ── Manifest ────────────────────────────────────────────────

// Manifest is the parsed view of an agent/tool/mcp_server document. Unknown
// keys are ignored here but preserved in the stored raw payload.
type Manifest struct {
	SchemaVersion SchemaVersion `json:"schema_version"`
	Type          EntityType    `json:"type"`
	ID            string        `json:"id"`
	Version       string        `json:"version"`
	Name          string        `json:"name"`

	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	License     string `json:"license,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
	Frameworks   []string `json:"frameworks,omitempty"`
	Providers    []string `json:"providers,omitempty"`

	QualityScore *float64 `json:"quality_score,omitempty"`

	Artifacts       []Artifact       `json:"artifacts,omitempty"`
	Adapters        []Adapter        `json:"adapters,omitempty"`
	Implementation  *Implementation  `json:"implementation,omitempty"`
	MCPRegistration *MCPRegistration `json:"mcp_registration,omitempty"`
}

// UID returns the canonical identifier for the manifest.
func (m *Manifest) UID() string { return UID(m.Type, m.ID, m.Version) }

// SchemaVersion accepts both numeric and string forms ("1" and 1).
type SchemaVersion string

func (v *SchemaVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = SchemaVersion(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("schema_version must be a string or number")
	}
	*v = SchemaVersion(n.String())
	return nil
}

func (v SchemaVersion) MarshalJSON() ([]byte, error) { return json.Marshal(string(v)) }

// Artifact declares one install step source. Kind selects which fields apply.
type Artifact struct {
	Kind string `json:"kind"` // pypi | docker | git | zip

	// pypi
	Package    string `json:"package,omitempty"`
	PinVersion string `json:"version,omitempty"`

	// docker
	Image      string `json:"image,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
	PullPolicy string `json:"pull_policy,omitempty"`

	// git
	Repo string `json:"repo,omitempty"`
	Ref  string `json:"ref,omitempty"`

	// zip
	URL    string `json:"url,omitempty"`
	SHA256 string `json:"sha256,omitempty"`

	// git + zip destination, relative to the install target
	Dest string `json:"dest,omitempty"`
}

// ArtifactKinds lists the accepted artifact step kinds.
var ArtifactKinds = []string{"pypi", "docker", "git", "zip"}

// Ref returns a short human reference for lockfile entries.
func (a Artifact) RefString() string {
	switch a.Kind {
	case "pypi":
		return a.Package + "==" + a.PinVersion
	case "docker":
		if a.Digest != "" {
			return a.Image + "@" + a.Digest
		}
		if a.Tag != "" {
			return a.Image + ":" + a.Tag
		}
		return a.Image
	case "git":
		if a.Ref != "" {
			return a.Repo + "#" + a.Ref
		}
		return a.Repo
	case "zip":
		return a.URL
	}
	return a.Kind
}

// Adapter declares a framework scaffold emitted under target/src/.
type Adapter struct {
	Framework   string `json:"framework"`
	TemplateKey string `json:"template_key"`
	Name        string `json:"name,omitempty"`
}

// Implementation describes how a tool runs (tool manifests).
type Implementation struct {
	Runtime    string `json:"runtime"`
	Entrypoint string `json:"entrypoint"`
}

// ── MCP gateway registration ────────────────────────────────

// MCPRegistration is the gateway-facing portion of a manifest. It is carried
// through planning unchanged and consumed by the gateway client.
type MCPRegistration struct {
	Tool      *GatewayTool      `json:"tool,omitempty"`
	Resources []GatewayResource `json:"resources,omitempty"`
	Prompts   []GatewayPrompt   `json:"prompts,omitempty"`
	Server    *GatewayServer    `json:"server,omitempty"`
}

// GatewayTool is a tool definition registered on the MCP gateway.
type GatewayTool struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	IntegrationType string          `json:"integration_type,omitempty"`
	RequestType     string          `json:"request_type,omitempty"`
	URL             string          `json:"url,omitempty"`
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
}

// GatewayResource is a resource definition registered on the MCP gateway.
type GatewayResource struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	URI         string `json:"uri,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Content     string `json:"content,omitempty"`
}

// GatewayPrompt is a prompt template registered on the MCP gateway.
type GatewayPrompt struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Template    string `json:"template,omitempty"`
}

// GatewayServer points at a remote MCP server; when URL is set the gateway
// client registers a federated gateway proxying to it, otherwise a virtual
// server composed of the already-registered tools/resources/prompts.
type GatewayServer struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Transport   string `json:"transport,omitempty"`
	Description string `json:"description,omitempty"`
}

// GatewayRegistration records one successful upsert on the gateway.
// ID is whatever the gateway assigned (numeric for tools/resources/prompts).
type GatewayRegistration struct {
	Kind string `json:"kind"` // tool | resource | prompt | gateway | server
	Name string `json:"name"`
	ID   any    `json:"id"`
}

// ── Search ──────────────────────────────────────────────────

// Search modes and rerank strategies.
const (
	SearchModeKeyword  = "keyword"
	SearchModeSemantic = "semantic"
	SearchModeHybrid   = "hybrid"

	RerankNone = "none"
	RerankLLM  = "llm"
)

// SearchQuery is the parsed search request.
type SearchQuery struct {
	Query          string   `json:"q"`
	Type           string   `json:"type,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Frameworks     []string `json:"frameworks,omitempty"`
	Providers      []string `json:"providers,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	IncludePending bool     `json:"include_pending,omitempty"`
	WithRAG        bool     `json:"with_rag,omitempty"`
	Rerank         string   `json:"rerank,omitempty"`
}

// SearchItem is one ranked result. The field set is a stable public surface.
type SearchItem struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Summary      string   `json:"summary,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Frameworks   []string `json:"frameworks,omitempty"`
	Providers    []string `json:"providers,omitempty"`

	ScoreLexical  float64 `json:"score_lexical"`
	ScoreSemantic float64 `json:"score_semantic"`
	ScoreQuality  float64 `json:"score_quality"`
	ScoreRecency  float64 `json:"score_recency"`
	ScoreFinal    float64 `json:"score_final"`

	FitReason   string `json:"fit_reason,omitempty"`
	ManifestURL string `json:"manifest_url,omitempty"`
	InstallURL  string `json:"install_url,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
}

// SearchResponse is the search endpoint body.
type SearchResponse struct {
	Items []SearchItem `json:"items"`
	Total int          `json:"total"`
}

// ── Install ─────────────────────────────────────────────────

// InstallRequest selects an entity by UID or carries an inline manifest.
type InstallRequest struct {
	ID       string          `json:"id,omitempty"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
	Target   string          `json:"target"`
}

// Plan step types. Artifact steps reuse the artifact kind names.
const (
	StepTypeAdapter = "adapter"
	StepTypeGateway = "gateway"
)

// FileSpec is one file emission produced by an adapter step.
type FileSpec struct {
	Path    string `json:"path"` // relative to the install target
	Content string `json:"content"`
}

// PlanStep is a single normalized install step.
type PlanStep struct {
	Type  string `json:"type"` // pypi | docker | git | zip | adapter | gateway
	Name  string `json:"name"`
	Fatal bool   `json:"fatal"`

	Command []string `json:"command,omitempty"` // argv vector, never shell

	Artifact     *Artifact        `json:"artifact,omitempty"`
	Files        []FileSpec       `json:"files,omitempty"`
	Registration *MCPRegistration `json:"registration,omitempty"`
}

// InstallPlan is the deterministic plan derived from a manifest.
type InstallPlan struct {
	EntityUID string     `json:"entity_uid"`
	Target    string     `json:"target"`
	Steps     []PlanStep `json:"steps"`
}

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	Step          string         `json:"step"`
	OK            bool           `json:"ok"`
	ReturnCode    *int           `json:"returncode,omitempty"`
	ElapsedSecs   float64        `json:"elapsed_secs"`
	StdoutExcerpt string         `json:"stdout_excerpt,omitempty"`
	StderrExcerpt string         `json:"stderr_excerpt,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// InstallResult is the install endpoint body.
type InstallResult struct {
	RunID        string       `json:"run_id"`
	Plan         InstallPlan  `json:"plan"`
	Results      []StepResult `json:"results"`
	FilesWritten []string     `json:"files_written"`
	Lockfile     *Lockfile    `json:"lockfile,omitempty"`
}

// ── Lockfile ────────────────────────────────────────────────

// LockfileName is the filename emitted at the install target root.
const LockfileName = "matrix.lock.json"

// Lockfile captures what was applied to a target directory.
type Lockfile struct {
	Version  int         `json:"version"`
	Entities []LockEntry `json:"entities"`
}

// LockEntry records one installed entity.
type LockEntry struct {
	EntityUID            string                `json:"id"`
	ArtifactsApplied     []ArtifactRef         `json:"artifacts_applied"`
	AdaptersWritten      []string              `json:"adapters_written"`
	GatewayRegistrations []GatewayRegistration `json:"gateway_registrations"`
}

// ArtifactRef is a lockfile reference to an applied artifact.
type ArtifactRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}
