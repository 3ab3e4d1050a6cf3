package installer

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// Adapter templates are scaffolds emitted under target/src/. Keyed by
// "framework/template_key".
var adapterTemplates = map[string]adapterTemplate{
	"langgraph/tool_node": {
		path: "src/flows/{{.Slug}}_node.py",
		body: `"""LangGraph tool node for {{.Name}}."""

from langgraph.prebuilt import ToolNode


def build_{{.Slug}}_node(tools):
    """Wire {{.Name}} ({{.UID}}) into a LangGraph graph."""
    return ToolNode(tools)
`,
	},
	"langchain/tool": {
		path: "src/tools/{{.Slug}}_tool.py",
		body: `"""LangChain tool wrapper for {{.Name}}."""

from langchain_core.tools import Tool


def build_{{.Slug}}_tool(func):
    return Tool(
        name="{{.Slug}}",
        description={{printf "%q" .Summary}},
        func=func,
    )
`,
	},
	"crewai/agent": {
		path: "src/agents/{{.Slug}}_agent.py",
		body: `"""CrewAI agent scaffold for {{.Name}}."""

from crewai import Agent


def build_{{.Slug}}_agent(tools=None):
    return Agent(
        role="{{.Name}}",
        goal={{printf "%q" .Summary}},
        backstory="Installed from {{.UID}}.",
        tools=tools or [],
    )
`,
	},
	"mcp/client_config": {
		path: "src/mcp/{{.Slug}}.json",
		body: `{
  "mcpServers": {
    "{{.Slug}}": {
      "url": "{{.ServerURL}}"
    }
  }
}
`,
	},
}

type adapterTemplate struct {
	path string
	body string
}

type adapterContext struct {
	UID       string
	Name      string
	Slug      string
	Summary   string
	ServerURL string
}

// renderAdapter expands one adapter declaration into its file emissions.
func renderAdapter(m *models.Manifest, ad models.Adapter) ([]models.FileSpec, error) {
	key := ad.Framework + "/" + ad.TemplateKey
	tpl, ok := adapterTemplates[key]
	if !ok {
		return nil, fmt.Errorf("unknown adapter template %q", key)
	}

	name := ad.Name
	if name == "" {
		name = m.ID
	}
	cctx := adapterContext{
		UID:     m.UID(),
		Name:    m.Name,
		Slug:    slugify(name),
		Summary: m.Summary,
	}
	if m.MCPRegistration != nil && m.MCPRegistration.Server != nil {
		cctx.ServerURL = m.MCPRegistration.Server.URL
	}

	renderedPath, err := renderTemplate(key+":path", tpl.path, cctx)
	if err != nil {
		return nil, err
	}
	renderedBody, err := renderTemplate(key+":body", tpl.body, cctx)
	if err != nil {
		return nil, err
	}
	return []models.FileSpec{{Path: renderedPath, Content: renderedBody}}, nil
}

func renderTemplate(name, text string, data any) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse adapter template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render adapter template %s: %w", name, err)
	}
	return sb.String(), nil
}

// slugify makes a name safe for filenames and identifiers.
func slugify(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '-' || r == '_' || r == ' ' || r == '.':
			sb.WriteByte('_')
		}
	}
	out := strings.Trim(sb.String(), "_")
	if out == "" {
		out = "adapter"
	}
	return out
}
