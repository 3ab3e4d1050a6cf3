// Package manifest parses and validates agent/tool/mcp_server manifest
// documents. Parsing accepts JSON and YAML; validation is pure and
// side-effect free and reports every offending path at once.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// idPattern is the accepted entity slug shape.
var idPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]*[a-z0-9])?$`)

// Problem is one validation finding, addressed by JSON-ish path.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates all problems found in a manifest.
type ValidationError struct {
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Path + ": " + p.Message
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Parse decodes a JSON or YAML manifest document. It returns the typed view
// and a canonical JSON rendering of the full document (unknown keys included)
// suitable for storage and content hashing.
func Parse(data []byte) (*models.Manifest, json.RawMessage, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, nil, err
	}

	// Canonical form: Go map marshaling sorts keys, so identical documents
	// hash identically regardless of source formatting.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize manifest: %w", err)
	}

	var m models.Manifest
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}

	m.Capabilities = dedupe(m.Capabilities)
	m.Frameworks = dedupe(m.Frameworks)
	m.Providers = dedupe(m.Providers)
	return &m, canonical, nil
}

// Canonical renders a typed manifest as canonical JSON, the same form Parse
// produces. Used for synthesized manifests that never existed on the wire.
func Canonical(m *models.Manifest) (json.RawMessage, error) {
	direct, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	doc, err := decodeDocument(direct)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return canonical, nil
}

// decodeDocument tries JSON first, then YAML.
func decodeDocument(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse manifest JSON: %w", err)
		}
		return doc, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	doc, ok := yamlToJSON(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("manifest is not a mapping")
	}
	return doc, nil
}

// yamlToJSON rewrites YAML-decoded values into JSON-marshalable shapes
// (map keys become strings).
func yamlToJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = yamlToJSON(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = yamlToJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = yamlToJSON(val)
		}
		return out
	default:
		return v
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Validate checks a parsed manifest against the schema for its declared type.
// Returns *ValidationError when anything is wrong.
func Validate(m *models.Manifest) error {
	var probs []Problem
	add := func(path, msg string) { probs = append(probs, Problem{Path: path, Message: msg}) }

	if m.SchemaVersion == "" {
		add("schema_version", "required")
	}
	if m.Type == "" {
		add("type", "required")
	} else if !models.ValidEntityType(m.Type) {
		add("type", fmt.Sprintf("must be one of agent, tool, mcp_server (got %q)", m.Type))
	}
	if m.ID == "" {
		add("id", "required")
	} else if !idPattern.MatchString(m.ID) {
		add("id", "must match [a-z0-9](?:[a-z0-9._-]*[a-z0-9])?")
	}
	if m.Version == "" {
		add("version", "required")
	}
	if m.Name == "" {
		add("name", "required")
	}
	if m.Homepage != "" && !absoluteURL(m.Homepage) {
		add("homepage", "must be an absolute URL")
	}
	if m.QualityScore != nil && (*m.QualityScore < 0 || *m.QualityScore > 1) {
		add("quality_score", "must be within [0,1]")
	}

	for i, a := range m.Artifacts {
		validateArtifact(fmt.Sprintf("artifacts[%d]", i), a, add)
	}
	for i, ad := range m.Adapters {
		path := fmt.Sprintf("adapters[%d]", i)
		if ad.Framework == "" {
			add(path+".framework", "required")
		}
		if ad.TemplateKey == "" {
			add(path+".template_key", "required")
		}
	}

	switch m.Type {
	case models.EntityTypeTool:
		if m.Implementation == nil && len(m.Artifacts) == 0 {
			add("implementation", "tool requires implementation{runtime, entrypoint} or artifacts")
		} else if m.Implementation != nil {
			if m.Implementation.Runtime == "" {
				add("implementation.runtime", "required")
			}
			if m.Implementation.Entrypoint == "" {
				add("implementation.entrypoint", "required")
			}
		}
	case models.EntityTypeMCPServer:
		if m.MCPRegistration == nil {
			add("mcp_registration", "mcp_server requires mcp_registration")
		}
	}

	if r := m.MCPRegistration; r != nil {
		if r.Tool == nil && r.Server == nil && len(r.Resources) == 0 && len(r.Prompts) == 0 {
			add("mcp_registration", "must declare at least one of tool, resources, prompts, server")
		}
		if r.Tool != nil {
			if r.Tool.ID == "" {
				add("mcp_registration.tool.id", "required")
			}
			if r.Tool.URL != "" && !absoluteURL(r.Tool.URL) {
				add("mcp_registration.tool.url", "must be an absolute URL")
			}
		}
		for i, res := range r.Resources {
			if res.ID == "" && res.Name == "" {
				add(fmt.Sprintf("mcp_registration.resources[%d]", i), "id or name required")
			}
		}
		for i, p := range r.Prompts {
			if p.ID == "" && p.Name == "" {
				add(fmt.Sprintf("mcp_registration.prompts[%d]", i), "id or name required")
			}
		}
		if r.Server != nil {
			if r.Server.Name == "" {
				add("mcp_registration.server.name", "required")
			}
			if r.Server.URL != "" && !absoluteURL(r.Server.URL) {
				add("mcp_registration.server.url", "must be an absolute URL")
			}
		}
	}

	if len(probs) > 0 {
		return &ValidationError{Problems: probs}
	}
	return nil
}

func validateArtifact(path string, a models.Artifact, add func(path, msg string)) {
	switch a.Kind {
	case "pypi":
		if a.Package == "" {
			add(path+".package", "required for pypi artifacts")
		}
		if a.PinVersion == "" {
			add(path+".version", "pypi artifacts must pin a version")
		}
	case "docker":
		if a.Image == "" {
			add(path+".image", "required for docker artifacts")
		}
	case "git":
		if a.Repo == "" {
			add(path+".repo", "required for git artifacts")
		} else if !absoluteURL(a.Repo) {
			add(path+".repo", "must be an absolute URL")
		}
	case "zip":
		if a.URL == "" {
			add(path+".url", "required for zip artifacts")
		} else if !absoluteURL(a.URL) {
			add(path+".url", "must be an absolute URL")
		}
	case "":
		add(path+".kind", "required")
	default:
		add(path+".kind", fmt.Sprintf("unknown kind %q (want one of %s)", a.Kind, strings.Join(models.ArtifactKinds, ", ")))
	}
	if a.Dest != "" && (strings.HasPrefix(a.Dest, "/") || strings.Contains(a.Dest, "..")) {
		add(path+".dest", "must be a relative path without ..")
	}
}

func absoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}
