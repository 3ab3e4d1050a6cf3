package installer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/matrixhub/matrixhub/internal/manifest"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/pkg/models"
)

// ErrInvalidRequest marks caller mistakes: missing target, missing id and
// manifest, or a manifest that cannot be planned.
var ErrInvalidRequest = errors.New("invalid install request")

// Service resolves install requests to manifests and executes their plans.
// Identical (uid, target) installs are coalesced: concurrent callers share
// one execution and receive the same result.
type Service struct {
	store store.Store
	exec  *Executor
	group singleflight.Group
}

// NewService builds the install service.
func NewService(st store.Store, exec *Executor) *Service {
	return &Service{store: st, exec: exec}
}

// Install plans and executes one install. The request carries either a
// catalog UID or an inline manifest.
func (s *Service) Install(ctx context.Context, req models.InstallRequest) (*models.InstallResult, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	m, err := s.resolveManifest(ctx, req)
	if err != nil {
		return nil, err
	}

	plan, err := Plan(m, req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	target, err := filepath.Abs(req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	key := plan.EntityUID + "|" + target

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.exec.Execute(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.InstallResult), nil
}

// resolveManifest prefers an inline manifest, falling back to the catalog.
func (s *Service) resolveManifest(ctx context.Context, req models.InstallRequest) (*models.Manifest, error) {
	if len(req.Manifest) > 0 {
		m, _, err := manifest.Parse(req.Manifest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err := manifest.Validate(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: request needs an id or an inline manifest", ErrInvalidRequest)
	}

	ent, err := s.store.GetEntity(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	m, _, err := manifest.Parse(ent.Manifest)
	if err != nil {
		return nil, fmt.Errorf("stored manifest for %s: %w", req.ID, err)
	}
	return m, nil
}
