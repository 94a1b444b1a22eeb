// Package memory keeps versions in process memory. It is the default store for
// local runs and tests.
package memory

import (
	"context"
	"sync"

	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

// VersionRepository is a mutex-guarded map of versions per content id.
type VersionRepository struct {
	mu       sync.RWMutex
	contents map[string]map[string]versions.Version
}

var _ repositories.VersionRepository = (*VersionRepository)(nil)

// NewVersionRepository constructs an empty repository.
func NewVersionRepository() *VersionRepository {
	return &VersionRepository{contents: make(map[string]map[string]versions.Version)}
}

func (r *VersionRepository) List(_ context.Context, contentID string) ([]versions.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.contents[contentID]
	out := make([]versions.Version, 0, len(stored))
	for _, v := range stored {
		out = append(out, cloneVersion(v))
	}
	return out, nil
}

func (r *VersionRepository) Get(_ context.Context, contentID, versionID string) (versions.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.contents[contentID][versionID]
	if !ok {
		return versions.Version{}, repositories.NotFoundError("versions.get", contentID, versionID)
	}
	return cloneVersion(v), nil
}

func (r *VersionRepository) Insert(_ context.Context, contentID string, version versions.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.contents[contentID]
	if !ok {
		stored = make(map[string]versions.Version)
		r.contents[contentID] = stored
	}
	if _, exists := stored[version.ID]; exists {
		return repositories.ConflictError("versions.insert", contentID, version.ID)
	}
	stored[version.ID] = cloneVersion(version)
	return nil
}

func (r *VersionRepository) Delete(_ context.Context, contentID string, versionIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.contents[contentID]
	for _, id := range versionIDs {
		if _, ok := stored[id]; !ok {
			return repositories.NotFoundError("versions.delete", contentID, id)
		}
	}
	for _, id := range versionIDs {
		delete(stored, id)
	}
	return nil
}

// cloneVersion copies the top-level content map so callers cannot mutate stored state.
func cloneVersion(v versions.Version) versions.Version {
	if v.Content != nil {
		content := make(map[string]any, len(v.Content))
		for k, value := range v.Content {
			content[k] = value
		}
		v.Content = content
	}
	return v
}
