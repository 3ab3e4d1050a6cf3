package config_test

import (
	"strings"
	"testing"

	"github.com/matrixhub/matrixhub/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Ingest.IntervalMinutes != 15 {
		t.Errorf("IntervalMinutes = %d, want 15", cfg.Ingest.IntervalMinutes)
	}
	if cfg.Search.PublicLimitCap != 5 {
		t.Errorf("PublicLimitCap = %d, want 5", cfg.Search.PublicLimitCap)
	}
	for _, k := range []string{"sem", "lex", "rec", "qual"} {
		if _, ok := cfg.Search.HybridWeights[k]; !ok {
			t.Errorf("HybridWeights missing default %q", k)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MATRIX_PORT", "9090")
	t.Setenv("MATRIX_REMOTES", "https://a.example/index.json,https://b.example/index.json")
	t.Setenv("HYBRID_WEIGHTS", "sem=0.7,lex=0.3")
	t.Setenv("DERIVE_TOOLS_FROM_MCP", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if len(cfg.Ingest.Remotes) != 2 {
		t.Fatalf("Remotes = %v, want 2 entries", cfg.Ingest.Remotes)
	}
	if cfg.Ingest.DeriveToolsFromMCP {
		t.Error("DeriveToolsFromMCP = true, want false")
	}
	if w := cfg.Search.HybridWeights["sem"]; w != 0.7 {
		t.Errorf("HybridWeights[sem] = %v, want 0.7", w)
	}
	// Unset weights keep their defaults.
	if _, ok := cfg.Search.HybridWeights["rec"]; !ok {
		t.Error("HybridWeights[rec] default missing after override")
	}
}

func TestDiagnostics_LoopbackPublicBase(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "http://127.0.0.1:8080")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	warns := cfg.Diagnostics()
	found := false
	for _, w := range warns {
		if strings.Contains(w, "127.0.0.1") {
			found = true
		}
	}
	if !found {
		t.Errorf("Diagnostics() = %v, want a 127.0.0.1 warning", warns)
	}
}

func TestDiagnostics_RelativePublicBase(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "public.example/api")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	warns := cfg.Diagnostics()
	found := false
	for _, w := range warns {
		if strings.Contains(w, "absolute") {
			found = true
		}
	}
	if !found {
		t.Errorf("Diagnostics() = %v, want an absolute-URL warning", warns)
	}
}
