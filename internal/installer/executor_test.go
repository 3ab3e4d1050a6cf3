package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matrixhub/matrixhub/pkg/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	code  int
	delay time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, dir string) (int, string, string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if f.code != 0 {
		return f.code, "", "simulated failure", nil
	}
	return 0, "done", "", nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGatewayRegistrar struct {
	mu    sync.Mutex
	calls int
	regs  []models.GatewayRegistration
	err   error
}

func (f *fakeGatewayRegistrar) Register(ctx context.Context, reg *models.MCPRegistration) ([]models.GatewayRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.regs, f.err
}

func installManifest() *models.Manifest {
	return &models.Manifest{
		SchemaVersion: "1",
		Type:          models.EntityTypeTool,
		ID:            "hello",
		Version:       "0.1.0",
		Name:          "Hello Tool",
		Summary:       "Says hello",
		Artifacts: []models.Artifact{
			{Kind: "pypi", Package: "hello-tool", PinVersion: "0.1.0"},
		},
		Adapters: []models.Adapter{
			{Framework: "langchain", TemplateKey: "tool"},
		},
	}
}

func newTestExecutor(runner CommandRunner, gw GatewayRegistrar) *Executor {
	x := NewExecutor(gw)
	x.runner = runner
	return x
}

func TestExecute_InstallThenIdempotentRerun(t *testing.T) {
	target := t.TempDir()
	runner := &fakeRunner{}
	x := newTestExecutor(runner, nil)

	plan, err := Plan(installManifest(), target)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	first, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if len(first.FilesWritten) == 0 {
		t.Fatal("first install wrote no files")
	}
	for _, res := range first.Results {
		if !res.OK {
			t.Errorf("step %q failed: %s", res.Step, res.StderrExcerpt)
		}
	}
	if _, err := os.Stat(filepath.Join(target, models.LockfileName)); err != nil {
		t.Fatalf("lockfile missing: %v", err)
	}

	second, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if len(second.FilesWritten) != 0 {
		t.Errorf("second install wrote files: %v", second.FilesWritten)
	}
	for _, res := range second.Results {
		if !res.OK {
			t.Errorf("rerun step %q failed", res.Step)
		}
	}
	artifactRes := second.Results[0]
	if skipped, _ := artifactRes.Extra["skipped"].(bool); !skipped {
		t.Errorf("artifact step not marked skipped on rerun: %+v", artifactRes)
	}
	if runner.callCount() != 1 {
		t.Errorf("artifact command ran %d times, want 1", runner.callCount())
	}

	lock := second.Lockfile
	if len(lock.Entities) != 1 {
		t.Fatalf("lockfile has %d entities, want 1", len(lock.Entities))
	}
	e := lock.Entities[0]
	if e.EntityUID != "tool:hello@0.1.0" {
		t.Errorf("lock entity = %q", e.EntityUID)
	}
	if len(e.ArtifactsApplied) != 1 || e.ArtifactsApplied[0].Ref != "hello-tool==0.1.0" {
		t.Errorf("artifacts_applied = %+v", e.ArtifactsApplied)
	}
	if len(e.AdaptersWritten) != 1 {
		t.Errorf("adapters_written = %+v", e.AdaptersWritten)
	}
}

func TestExecute_FatalStepAborts(t *testing.T) {
	target := t.TempDir()
	runner := &fakeRunner{code: 1}
	x := newTestExecutor(runner, nil)

	plan, err := Plan(installManifest(), target)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	result, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("got %d results, want 1 (fatal pypi failure aborts the adapter)", len(result.Results))
	}
	res := result.Results[0]
	if res.OK {
		t.Error("failed step reported ok")
	}
	if res.ReturnCode == nil || *res.ReturnCode != 1 {
		t.Errorf("returncode = %v, want 1", res.ReturnCode)
	}
	if len(result.FilesWritten) != 0 {
		t.Errorf("files written despite fatal failure: %v", result.FilesWritten)
	}
}

func TestExecute_ForbiddenPathRefused(t *testing.T) {
	target := t.TempDir()
	x := newTestExecutor(&fakeRunner{}, nil)

	plan := &models.InstallPlan{
		EntityUID: "tool:evil@1.0.0",
		Target:    target,
		Steps: []models.PlanStep{{
			Type:  models.StepTypeAdapter,
			Name:  "escape attempt",
			Files: []models.FileSpec{{Path: "../evil.py", Content: "pwned"}},
		}},
	}

	result, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].OK {
		t.Error("escaping path accepted")
	}
	if !strings.Contains(result.Results[0].StderrExcerpt, "escapes the install target") {
		t.Errorf("stderr = %q, want containment refusal", result.Results[0].StderrExcerpt)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(target), "evil.py")); !os.IsNotExist(err) {
		t.Error("file escaped the target directory")
	}
}

func zipArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		fw.Write([]byte(content))
	}
	w.Close()
	return buf.Bytes()
}

func TestExecute_ZipExtraction(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"README.md":    "hello",
		"lib/hello.py": "print('hi')",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	target := t.TempDir()
	x := newTestExecutor(&fakeRunner{}, nil)

	m := &models.Manifest{
		SchemaVersion: "1", Type: models.EntityTypeTool,
		ID: "bundle", Version: "1.0.0", Name: "Bundle",
		Artifacts: []models.Artifact{{Kind: "zip", URL: srv.URL + "/b.zip", Dest: "vendor"}},
	}
	plan, err := Plan(m, target)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	result, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Results[0].OK {
		t.Fatalf("zip step failed: %s", result.Results[0].StderrExcerpt)
	}
	data, err := os.ReadFile(filepath.Join(target, "vendor", "lib", "hello.py"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "print('hi')" {
		t.Errorf("extracted content = %q", data)
	}
	if len(result.FilesWritten) != 2 {
		t.Errorf("files_written = %v, want 2 entries", result.FilesWritten)
	}
}

func TestExecute_ZipTraversalRefused(t *testing.T) {
	archive := zipArchive(t, map[string]string{"../escape.txt": "bad"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	target := t.TempDir()
	x := newTestExecutor(&fakeRunner{}, nil)

	plan := &models.InstallPlan{
		EntityUID: "tool:bad@1.0.0",
		Target:    target,
		Steps: []models.PlanStep{{
			Type: "zip", Name: "bad zip",
			Artifact: &models.Artifact{Kind: "zip", URL: srv.URL + "/b.zip", Dest: "vendor"},
		}},
	}
	result, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].OK {
		t.Error("traversal archive accepted")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt")); !os.IsNotExist(err) {
		t.Error("archive entry escaped the target")
	}
}

func TestExecute_GatewayStep(t *testing.T) {
	target := t.TempDir()
	gw := &fakeGatewayRegistrar{
		regs: []models.GatewayRegistration{{Kind: "gateway", Name: "hello", ID: int64(3)}},
	}
	x := newTestExecutor(&fakeRunner{}, gw)

	m := &models.Manifest{
		SchemaVersion: "1", Type: models.EntityTypeMCPServer,
		ID: "hello", Version: "0.1.0", Name: "Hello",
		MCPRegistration: &models.MCPRegistration{
			Server: &models.GatewayServer{Name: "hello", URL: "http://h:6288", Transport: "SSE"},
		},
	}
	plan, err := Plan(m, target)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	result, err := x.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Results[0].OK {
		t.Fatalf("gateway step failed: %s", result.Results[0].StderrExcerpt)
	}
	if gw.calls != 1 {
		t.Errorf("gateway called %d times, want 1", gw.calls)
	}
	if len(result.Lockfile.Entities[0].GatewayRegistrations) != 1 {
		t.Errorf("lockfile registrations = %+v", result.Lockfile.Entities[0].GatewayRegistrations)
	}

	// no gateway configured: step is skipped, not failed
	x2 := newTestExecutor(&fakeRunner{}, nil)
	result, err = x2.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute without gateway: %v", err)
	}
	res := result.Results[0]
	if !res.OK {
		t.Error("gateway step failed with no gateway configured")
	}
	if skipped, _ := res.Extra["skipped"].(bool); !skipped {
		t.Error("gateway step not marked skipped")
	}
}
