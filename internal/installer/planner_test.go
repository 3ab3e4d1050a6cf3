package installer

import (
	"strings"
	"testing"

	"github.com/matrixhub/matrixhub/pkg/models"
)

func baseManifest() *models.Manifest {
	return &models.Manifest{
		SchemaVersion: "1",
		Type:          models.EntityTypeTool,
		ID:            "pdf-summarizer",
		Version:       "1.4.2",
		Name:          "PDF Summarizer",
		Summary:       "Summarize PDF documents",
	}
}

func TestPlan_ArtifactSteps(t *testing.T) {
	m := baseManifest()
	m.Artifacts = []models.Artifact{
		{Kind: "pypi", Package: "pdf-summarizer", PinVersion: "1.4.2"},
		{Kind: "docker", Image: "ghcr.io/ex/pdf", Tag: "1.4.2"},
		{Kind: "git", Repo: "https://github.com/ex/pdf.git", Ref: "v1.4.2", Dest: "vendor/pdf"},
		{Kind: "zip", URL: "https://ex.test/pdf.zip", Dest: "bundles"},
	}

	plan, err := Plan(m, "./apps/x")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(plan.Steps))
	}
	if plan.EntityUID != "tool:pdf-summarizer@1.4.2" {
		t.Errorf("entity_uid = %q", plan.EntityUID)
	}

	pypi := plan.Steps[0]
	if !pypi.Fatal {
		t.Error("pypi step should be fatal")
	}
	joined := strings.Join(pypi.Command, " ")
	if !strings.Contains(joined, "pdf-summarizer==1.4.2") {
		t.Errorf("pypi command %q lacks pinned version", joined)
	}

	if !plan.Steps[1].Fatal {
		t.Error("docker step should be fatal")
	}
	if plan.Steps[2].Fatal || plan.Steps[3].Fatal {
		t.Error("git and zip steps should not be fatal")
	}

	git := strings.Join(plan.Steps[2].Command, " ")
	if !strings.Contains(git, "--branch v1.4.2") || !strings.Contains(git, "vendor/pdf") {
		t.Errorf("git command %q lacks ref or dest", git)
	}
}

func TestPlan_RejectsBadArtifacts(t *testing.T) {
	cases := []struct {
		name string
		a    models.Artifact
	}{
		{"unknown kind", models.Artifact{Kind: "npm", Package: "x"}},
		{"escaping dest", models.Artifact{Kind: "zip", URL: "https://ex.test/a.zip", Dest: "../outside"}},
		{"absolute dest", models.Artifact{Kind: "git", Repo: "https://ex.test/r.git", Dest: "/etc"}},
		{"non-http url", models.Artifact{Kind: "zip", URL: "file:///etc/passwd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := baseManifest()
			m.Artifacts = []models.Artifact{tc.a}
			if _, err := Plan(m, "./t"); err == nil {
				t.Error("bad artifact accepted")
			}
		})
	}
}

func TestPlan_AdapterEmitsFilesUnderSrc(t *testing.T) {
	m := baseManifest()
	m.Adapters = []models.Adapter{{Framework: "langgraph", TemplateKey: "tool_node"}}

	plan, err := Plan(m, "./t")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Type != models.StepTypeAdapter {
		t.Fatalf("unexpected steps: %+v", plan.Steps)
	}
	files := plan.Steps[0].Files
	if len(files) == 0 {
		t.Fatal("adapter emitted no files")
	}
	if !strings.HasPrefix(files[0].Path, "src/") {
		t.Errorf("adapter file %q not under src/", files[0].Path)
	}
	if !strings.Contains(files[0].Content, "pdf_summarizer") {
		t.Errorf("adapter content missing slug:\n%s", files[0].Content)
	}
}

func TestPlan_UnknownAdapterTemplate(t *testing.T) {
	m := baseManifest()
	m.Adapters = []models.Adapter{{Framework: "nope", TemplateKey: "missing"}}
	if _, err := Plan(m, "./t"); err == nil {
		t.Error("unknown adapter template accepted")
	}
}

func TestPlan_GatewayStructuralCheck(t *testing.T) {
	m := baseManifest()
	m.Type = models.EntityTypeMCPServer
	m.MCPRegistration = &models.MCPRegistration{
		Resources: []models.GatewayResource{{ID: "r"}},
	}
	if _, err := Plan(m, "./t"); err == nil {
		t.Error("registration without tool or server accepted")
	}

	m.MCPRegistration.Server = &models.GatewayServer{Name: "s", URL: "http://h:1/sse"}
	plan, err := Plan(m, "./t")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	last := plan.Steps[len(plan.Steps)-1]
	if last.Type != models.StepTypeGateway || last.Registration == nil {
		t.Errorf("gateway step malformed: %+v", last)
	}
}

func TestPlan_RequiresTarget(t *testing.T) {
	if _, err := Plan(baseManifest(), ""); err == nil {
		t.Error("empty target accepted")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"PDF Summarizer", "pdf_summarizer"},
		{"hello-world.v2", "hello_world_v2"},
		{"---", "adapter"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
