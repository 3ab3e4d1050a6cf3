// Package installer turns a manifest into a deterministic install plan and
// executes it against a target directory: artifact steps, adapter file
// emissions, gateway registration, and the matrix.lock.json lockfile.
package installer

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// Plan derives the install plan for a manifest. Pure: no I/O, no clock.
// Step order follows the manifest's declared order.
func Plan(m *models.Manifest, target string) (*models.InstallPlan, error) {
	if target == "" {
		return nil, fmt.Errorf("install target is required")
	}

	plan := &models.InstallPlan{
		EntityUID: m.UID(),
		Target:    target,
	}

	for i, a := range m.Artifacts {
		step, err := artifactStep(i, a)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
	}

	for i, ad := range m.Adapters {
		files, err := renderAdapter(m, ad)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			Type:  models.StepTypeAdapter,
			Name:  fmt.Sprintf("adapter[%d] %s/%s", i, ad.Framework, ad.TemplateKey),
			Fatal: false,
			Files: files,
		})
	}

	if m.MCPRegistration != nil {
		if m.MCPRegistration.Tool == nil && m.MCPRegistration.Server == nil {
			return nil, fmt.Errorf("mcp_registration requires at least one of tool, server")
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			Type:         models.StepTypeGateway,
			Name:         "gateway registration",
			Fatal:        false,
			Registration: m.MCPRegistration,
		})
	}

	return plan, nil
}

// artifactStep normalizes one artifact into a plan step. pypi and docker are
// fatal; git and zip are best effort.
func artifactStep(i int, a models.Artifact) (models.PlanStep, error) {
	step := models.PlanStep{
		Name:     fmt.Sprintf("artifact[%d] %s %s", i, a.Kind, a.RefString()),
		Artifact: &a,
	}

	switch a.Kind {
	case "pypi":
		step.Type = "pypi"
		step.Fatal = true
		step.Command = []string{"python", "-m", "pip", "install", "--no-input", a.Package + "==" + a.PinVersion}
	case "docker":
		step.Type = "docker"
		step.Fatal = true
		step.Command = []string{"docker", "pull", a.RefString()}
	case "git":
		step.Type = "git"
		step.Fatal = false
		dest, err := cleanDest(a.Dest, a.Kind)
		if err != nil {
			return step, err
		}
		cmd := []string{"git", "clone", "--depth", "1"}
		if a.Ref != "" {
			cmd = append(cmd, "--branch", a.Ref)
		}
		step.Command = append(cmd, a.Repo, dest)
	case "zip":
		step.Type = "zip"
		step.Fatal = false
		if err := validateFetchURL(a.URL); err != nil {
			return step, err
		}
		if _, err := cleanDest(a.Dest, a.Kind); err != nil {
			return step, err
		}
	default:
		return step, fmt.Errorf("artifact[%d]: unknown kind %q", i, a.Kind)
	}
	return step, nil
}

// cleanDest validates a destination subpath: relative, inside the target.
func cleanDest(dest, kind string) (string, error) {
	if dest == "" {
		return kind, nil
	}
	cleaned := path.Clean(dest)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("artifact dest %q escapes the install target", dest)
	}
	return cleaned, nil
}

// validateFetchURL admits http/https only.
func validateFetchURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("bad artifact url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("artifact url %q: only http and https are allowed", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("artifact url %q has no host", raw)
	}
	return nil
}
