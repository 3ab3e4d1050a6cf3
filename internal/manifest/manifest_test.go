package manifest_test

import (
	"strings"
	"testing"

	"github.com/matrixhub/matrixhub/internal/manifest"
	"github.com/matrixhub/matrixhub/pkg/models"
)

const validMCPServer = `{
	"schema_version": 1,
	"type": "mcp_server",
	"id": "hello",
	"version": "0.1.0",
	"name": "Hello SSE",
	"summary": "Example SSE server",
	"capabilities": ["hello", "hello"],
	"mcp_registration": {
		"server": {"name": "hello-sse", "url": "http://h:6288"}
	}
}`

func TestParse_JSON(t *testing.T) {
	m, raw, err := manifest.Parse([]byte(validMCPServer))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.UID() != "mcp_server:hello@0.1.0" {
		t.Errorf("UID() = %q, want mcp_server:hello@0.1.0", m.UID())
	}
	if len(m.Capabilities) != 1 {
		t.Errorf("Capabilities = %v, want deduplicated single entry", m.Capabilities)
	}
	if len(raw) == 0 {
		t.Fatal("Parse() returned empty canonical payload")
	}

	// Canonical payload round-trips to the same UID.
	m2, _, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(canonical) error = %v", err)
	}
	if m2.UID() != m.UID() {
		t.Errorf("round-trip UID = %q, want %q", m2.UID(), m.UID())
	}
}

func TestParse_YAML(t *testing.T) {
	doc := `
schema_version: "1"
type: tool
id: pdf
version: 1.4.2
name: PDF Summarizer
capabilities:
  - pdf
  - summarize
implementation:
  runtime: python
  entrypoint: pdf_tool:main
`
	m, raw, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.Type != models.EntityTypeTool || m.ID != "pdf" {
		t.Errorf("parsed %s:%s, want tool:pdf", m.Type, m.ID)
	}
	if err := manifest.Validate(m); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if !strings.HasPrefix(string(raw), "{") {
		t.Errorf("canonical payload is not JSON: %s", raw[:20])
	}
}

func TestParse_CanonicalFormIsStable(t *testing.T) {
	reordered := `{
		"name": "Hello SSE",
		"version": "0.1.0",
		"id": "hello",
		"type": "mcp_server",
		"schema_version": 1,
		"summary": "Example SSE server",
		"capabilities": ["hello", "hello"],
		"mcp_registration": {"server": {"url": "http://h:6288", "name": "hello-sse"}}
	}`
	_, raw1, err := manifest.Parse([]byte(validMCPServer))
	if err != nil {
		t.Fatal(err)
	}
	_, raw2, err := manifest.Parse([]byte(reordered))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw1) != string(raw2) {
		t.Errorf("canonical payloads differ:\n%s\n%s", raw1, raw2)
	}
}

func TestParse_UnknownKeysPreserved(t *testing.T) {
	doc := `{"schema_version": 1, "type": "agent", "id": "a1", "version": "1.0.0", "name": "A", "x_vendor": {"nested": true}}`
	_, raw, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !strings.Contains(string(raw), "x_vendor") {
		t.Errorf("canonical payload dropped unknown key: %s", raw)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	m, _, err := manifest.Parse([]byte(`{"type": "agent"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	verr, ok := manifest.Validate(m).(*manifest.ValidationError)
	if !ok {
		t.Fatal("Validate() did not return *ValidationError")
	}
	paths := map[string]bool{}
	for _, p := range verr.Problems {
		paths[p.Path] = true
	}
	for _, want := range []string{"schema_version", "id", "version", "name"} {
		if !paths[want] {
			t.Errorf("Validate() problems missing path %q (got %v)", want, verr.Problems)
		}
	}
}

func TestValidate_BadID(t *testing.T) {
	cases := []string{"-lead", "trail-", "UPPER", "has space", "a..b-"}
	for _, id := range cases {
		m := &models.Manifest{
			SchemaVersion: "1", Type: models.EntityTypeAgent,
			ID: id, Version: "1.0.0", Name: "x",
		}
		if manifest.Validate(m) == nil {
			t.Errorf("Validate() accepted bad id %q", id)
		}
	}
	ok := &models.Manifest{
		SchemaVersion: "1", Type: models.EntityTypeAgent,
		ID: "a.b_c-d9", Version: "1.0.0", Name: "x",
	}
	if err := manifest.Validate(ok); err != nil {
		t.Errorf("Validate() rejected good id: %v", err)
	}
}

func TestValidate_ToolNeedsImplementationOrArtifacts(t *testing.T) {
	m := &models.Manifest{
		SchemaVersion: "1", Type: models.EntityTypeTool,
		ID: "t1", Version: "1.0.0", Name: "T",
	}
	if manifest.Validate(m) == nil {
		t.Error("Validate() accepted tool without implementation or artifacts")
	}

	m.Artifacts = []models.Artifact{{Kind: "pypi", Package: "t1", PinVersion: "1.0.0"}}
	if err := manifest.Validate(m); err != nil {
		t.Errorf("Validate() rejected tool with artifacts: %v", err)
	}
}

func TestValidate_ArtifactRules(t *testing.T) {
	m := &models.Manifest{
		SchemaVersion: "1", Type: models.EntityTypeAgent,
		ID: "a1", Version: "1.0.0", Name: "A",
		Artifacts: []models.Artifact{
			{Kind: "pypi", Package: "x"},                         // missing pinned version
			{Kind: "zip", URL: "ftp:/relative"},                  // not absolute http
			{Kind: "git", Repo: "https://example.com/r.git", Dest: "../out"}, // escaping dest
			{Kind: "rpm"},                                        // unknown kind
		},
	}
	verr, ok := manifest.Validate(m).(*manifest.ValidationError)
	if !ok {
		t.Fatal("Validate() did not return *ValidationError")
	}
	if len(verr.Problems) < 4 {
		t.Errorf("Validate() found %d problems, want >= 4: %v", len(verr.Problems), verr.Problems)
	}
}

func TestValidate_RelativeServerURL(t *testing.T) {
	m, _, err := manifest.Parse([]byte(`{
		"schema_version": 1, "type": "mcp_server", "id": "s", "version": "1.0.0", "name": "S",
		"mcp_registration": {"server": {"name": "s", "url": "/sse"}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Validate(m) == nil {
		t.Error("Validate() accepted relative server url")
	}
}
