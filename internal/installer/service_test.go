package installer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrixhub/matrixhub/internal/manifest"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/pkg/models"
)

const inlineManifest = `{
  "schema_version": 1,
  "type": "tool",
  "id": "hello",
  "version": "0.1.0",
  "name": "Hello Tool",
  "artifacts": [{"kind": "pypi", "package": "hello-tool", "version": "0.1.0"}]
}`

func newTestService(t *testing.T, runner CommandRunner) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	x := NewExecutor(nil)
	x.runner = runner
	return NewService(st, x), st
}

func TestInstall_InlineManifest(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newTestService(t, runner)

	result, err := svc.Install(context.Background(), models.InstallRequest{
		Manifest: json.RawMessage(inlineManifest),
		Target:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if result.Plan.EntityUID != "tool:hello@0.1.0" {
		t.Errorf("plan uid = %q", result.Plan.EntityUID)
	}
	if runner.callCount() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.callCount())
	}
}

func TestInstall_ByUID(t *testing.T) {
	runner := &fakeRunner{}
	svc, st := newTestService(t, runner)
	ctx := context.Background()

	m, payload, err := manifest.Parse([]byte(inlineManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := st.UpsertEntity(ctx, m, payload, "https://ex.test/hello.json", false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := svc.Install(ctx, models.InstallRequest{ID: "tool:hello@0.1.0", Target: t.TempDir()})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(result.Results) == 0 || !result.Results[0].OK {
		t.Errorf("install failed: %+v", result.Results)
	}
}

func TestInstall_UnknownUID(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	_, err := svc.Install(context.Background(), models.InstallRequest{ID: "tool:ghost@1.0.0", Target: t.TempDir()})
	if !store.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestInstall_RejectsInvalidManifest(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	bad := `{"schema_version": 1, "type": "tool", "id": "Bad ID!", "version": "1", "name": "x", "artifacts": [{"kind": "pypi", "package": "p", "version": "1"}]}`
	if _, err := svc.Install(context.Background(), models.InstallRequest{Manifest: json.RawMessage(bad), Target: t.TempDir()}); err == nil {
		t.Error("invalid manifest accepted")
	}
}

func TestInstall_CoalescesIdenticalTargets(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	svc, _ := newTestService(t, runner)
	target := t.TempDir()
	req := models.InstallRequest{Manifest: json.RawMessage(inlineManifest), Target: target}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Install(context.Background(), req); err != nil {
				t.Errorf("concurrent install %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if runner.callCount() != 1 {
		t.Errorf("artifact command ran %d times, want 1 coalesced execution", runner.callCount())
	}
}

func TestInstall_RequiresTarget(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	if _, err := svc.Install(context.Background(), models.InstallRequest{Manifest: json.RawMessage(inlineManifest)}); err == nil {
		t.Error("empty target accepted")
	}
}
