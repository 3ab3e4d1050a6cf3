package installer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// ReadLockfile loads {target}/matrix.lock.json. A missing file returns nil.
func ReadLockfile(target string) (*models.Lockfile, error) {
	data, err := os.ReadFile(filepath.Join(target, models.LockfileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lockfile: %w", err)
	}
	var lf models.Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}
	return &lf, nil
}

// mergeLockfile folds one entity's entry into an existing lockfile,
// replacing any previous entry for the same UID.
func mergeLockfile(prior *models.Lockfile, entry models.LockEntry) *models.Lockfile {
	merged := &models.Lockfile{Version: 1}
	if prior != nil {
		for _, e := range prior.Entities {
			if e.EntityUID != entry.EntityUID {
				merged.Entities = append(merged.Entities, e)
			}
		}
	}
	merged.Entities = append(merged.Entities, entry)
	return merged
}

// writeLockfile persists the lockfile, skipping the write when the on-disk
// content is already identical. Reports whether a write happened.
func writeLockfile(target string, lf *models.Lockfile) (bool, error) {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lockfile: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(target, models.LockfileName)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write lockfile: %w", err)
	}
	return true, nil
}

// entryHasArtifact reports whether a prior lockfile entry already applied
// the artifact.
func entryHasArtifact(prior *models.Lockfile, uid string, ref models.ArtifactRef) bool {
	if prior == nil {
		return false
	}
	for _, e := range prior.Entities {
		if e.EntityUID != uid {
			continue
		}
		for _, a := range e.ArtifactsApplied {
			if a.Kind == ref.Kind && a.Ref == ref.Ref {
				return true
			}
		}
	}
	return false
}
