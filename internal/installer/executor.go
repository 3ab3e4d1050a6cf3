package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/internal/metrics"
	"github.com/matrixhub/matrixhub/pkg/models"
)

// ErrForbidden is returned when a plan step tries to write outside the
// install target.
var ErrForbidden = errors.New("path escapes the install target")

const (
	excerptLen      = 1024
	maxArchiveBytes = 256 << 20
	downloadTimeout = 30 * time.Second
)

// CommandRunner executes an argv vector. Manifest strings are never passed
// through a shell.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, dir string) (code int, stdout, stderr string, err error)
}

// GatewayRegistrar upserts a registration block on the MCP gateway.
type GatewayRegistrar interface {
	Register(ctx context.Context, reg *models.MCPRegistration) ([]models.GatewayRegistration, error)
}

// Executor runs install plans step by step.
type Executor struct {
	gateway GatewayRegistrar // nil when no gateway is configured
	runner  CommandRunner
	client  *http.Client
}

// NewExecutor builds an executor. gw may be nil.
func NewExecutor(gw GatewayRegistrar) *Executor {
	return &Executor{
		gateway: gw,
		runner:  execRunner{},
		client:  &http.Client{Timeout: downloadTimeout},
	}
}

// Execute runs the plan in declared order. Non-fatal step failures are
// recorded and execution continues; a fatal failure stops the run. Either
// way the lockfile reflects what was actually applied.
func (x *Executor) Execute(ctx context.Context, plan *models.InstallPlan) (*models.InstallResult, error) {
	target, err := filepath.Abs(plan.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	prior, err := ReadLockfile(target)
	if err != nil {
		return nil, err
	}

	result := &models.InstallResult{RunID: uuid.NewString(), Plan: *plan, FilesWritten: []string{}}
	entry := models.LockEntry{
		EntityUID:            plan.EntityUID,
		ArtifactsApplied:     []models.ArtifactRef{},
		AdaptersWritten:      []string{},
		GatewayRegistrations: []models.GatewayRegistration{},
	}

	for _, step := range plan.Steps {
		res := x.runStep(ctx, step, target, prior, &entry, result)
		result.Results = append(result.Results, res)
		if !res.OK && step.Fatal {
			log.Warn().Str("step", step.Name).Msg("fatal step failed, aborting remaining steps")
			break
		}
	}

	lock := mergeLockfile(prior, entry)
	if _, err := writeLockfile(target, lock); err != nil {
		return nil, err
	}
	result.Lockfile = lock
	return result, nil
}

func (x *Executor) runStep(ctx context.Context, step models.PlanStep, target string, prior *models.Lockfile, entry *models.LockEntry, result *models.InstallResult) models.StepResult {
	start := time.Now()
	res := models.StepResult{Step: step.Name}

	switch step.Type {
	case "pypi", "docker", "git":
		x.runArtifactCommand(ctx, step, target, prior, entry, &res)
	case "zip":
		x.runZip(ctx, step, target, prior, entry, result, &res)
	case models.StepTypeAdapter:
		x.runAdapter(step, target, entry, result, &res)
	case models.StepTypeGateway:
		x.runGateway(ctx, step, entry, &res)
	default:
		res.OK = false
		res.StderrExcerpt = fmt.Sprintf("unknown step type %q", step.Type)
	}

	res.ElapsedSecs = time.Since(start).Seconds()
	return res
}

func (x *Executor) runArtifactCommand(ctx context.Context, step models.PlanStep, target string, prior *models.Lockfile, entry *models.LockEntry, res *models.StepResult) {
	ref := models.ArtifactRef{Kind: step.Artifact.Kind, Ref: step.Artifact.RefString()}
	if entryHasArtifact(prior, entry.EntityUID, ref) {
		res.OK = true
		res.Extra = map[string]any{"skipped": true}
		entry.ArtifactsApplied = append(entry.ArtifactsApplied, ref)
		return
	}

	code, stdout, stderr, err := x.runner.Run(ctx, step.Command, target)
	res.ReturnCode = &code
	res.StdoutExcerpt = truncateExcerpt(stdout)
	res.StderrExcerpt = truncateExcerpt(stderr)
	if err != nil || code != 0 {
		res.OK = false
		if err != nil && res.StderrExcerpt == "" {
			res.StderrExcerpt = err.Error()
		}
		return
	}
	res.OK = true
	entry.ArtifactsApplied = append(entry.ArtifactsApplied, ref)
}

func (x *Executor) runZip(ctx context.Context, step models.PlanStep, target string, prior *models.Lockfile, entry *models.LockEntry, result *models.InstallResult, res *models.StepResult) {
	a := step.Artifact
	ref := models.ArtifactRef{Kind: a.Kind, Ref: a.RefString()}
	if entryHasArtifact(prior, entry.EntityUID, ref) {
		res.OK = true
		res.Extra = map[string]any{"skipped": true}
		entry.ArtifactsApplied = append(entry.ArtifactsApplied, ref)
		return
	}

	dest, err := cleanDest(a.Dest, a.Kind)
	if err != nil {
		res.OK = false
		res.StderrExcerpt = err.Error()
		return
	}
	destDir, err := securePath(target, dest)
	if err != nil {
		res.OK = false
		res.StderrExcerpt = err.Error()
		return
	}

	written, err := x.downloadAndExtract(ctx, a, destDir)
	if err != nil {
		res.OK = false
		res.StderrExcerpt = truncateExcerpt(err.Error())
		return
	}
	res.OK = true
	result.FilesWritten = append(result.FilesWritten, written...)
	entry.ArtifactsApplied = append(entry.ArtifactsApplied, ref)
}

func (x *Executor) runAdapter(step models.PlanStep, target string, entry *models.LockEntry, result *models.InstallResult, res *models.StepResult) {
	allSkipped := true
	for _, f := range step.Files {
		full, err := securePath(target, f.Path)
		if err != nil {
			res.OK = false
			res.StderrExcerpt = err.Error()
			return
		}

		// identical content means no mutation
		if existing, err := os.ReadFile(full); err == nil && contentHash(existing) == contentHash([]byte(f.Content)) {
			entry.AdaptersWritten = append(entry.AdaptersWritten, f.Path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			res.OK = false
			res.StderrExcerpt = err.Error()
			return
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			res.OK = false
			res.StderrExcerpt = err.Error()
			return
		}
		allSkipped = false
		result.FilesWritten = append(result.FilesWritten, full)
		entry.AdaptersWritten = append(entry.AdaptersWritten, f.Path)
	}
	res.OK = true
	if allSkipped && len(step.Files) > 0 {
		res.Extra = map[string]any{"skipped": true}
	}
}

func (x *Executor) runGateway(ctx context.Context, step models.PlanStep, entry *models.LockEntry, res *models.StepResult) {
	if x.gateway == nil {
		res.OK = true
		res.Extra = map[string]any{"skipped": true, "reason": "no gateway configured"}
		return
	}
	regs, err := x.gateway.Register(ctx, step.Registration)
	entry.GatewayRegistrations = append(entry.GatewayRegistrations, regs...)
	if err != nil {
		metrics.GatewayRegistrations.WithLabelValues("error").Inc()
		res.OK = false
		res.StderrExcerpt = truncateExcerpt(err.Error())
		return
	}
	metrics.GatewayRegistrations.WithLabelValues("ok").Inc()
	res.OK = true
	res.Extra = map[string]any{"registrations": len(regs)}
}

// downloadAndExtract fetches a zip artifact, verifies its sha256 when the
// manifest declares one, and unpacks it under destDir.
func (x *Executor) downloadAndExtract(ctx context.Context, a *models.Artifact, destDir string) ([]string, error) {
	if err := validateFetchURL(a.URL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", a.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s returned %s", a.URL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if a.SHA256 != "" && !strings.EqualFold(contentHash(data), a.SHA256) {
		return nil, fmt.Errorf("archive sha256 mismatch for %s", a.URL)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var written []string
	for _, f := range reader.File {
		if badArchivePath(f.Name) {
			return written, fmt.Errorf("archive entry %q: %w", f.Name, ErrForbidden)
		}
		full, err := securePath(destDir, f.Name)
		if err != nil {
			return written, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return written, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return written, err
		}
		rc, err := f.Open()
		if err != nil {
			return written, err
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxArchiveBytes))
		rc.Close()
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return written, err
		}
		written = append(written, full)
	}
	return written, nil
}

// badArchivePath refuses traversal and absolute entries.
func badArchivePath(name string) bool {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// securePath joins rel under base and guarantees the result stays inside.
func securePath(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%q: %w", rel, ErrForbidden)
	}
	full := filepath.Clean(filepath.Join(base, rel))
	if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrForbidden)
	}
	return full, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func truncateExcerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > excerptLen {
		return s[:excerptLen]
	}
	return s
}

// execRunner invokes real processes.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, dir string) (int, string, string, error) {
	if len(argv) == 0 {
		return -1, "", "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		}
	}
	return code, stdout.String(), stderr.String(), err
}
