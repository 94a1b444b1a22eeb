//go:build integration

package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"finitefield.org/hanko-history/internal/platform/config"
	pfirestore "finitefield.org/hanko-history/internal/platform/firestore"
	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

func TestVersionRepositoryAgainstEmulator(t *testing.T) {
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()

	provider := pfirestore.NewProvider(config.FirestoreConfig{ProjectID: "history-test", EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close() })
	repo, err := NewVersionRepository(provider)
	require.NoError(t, err)

	contentID := "content-" + ulid.Make().String()
	for i, id := range []string{"v1", "v2"} {
		require.NoError(t, repo.Insert(ctx, contentID, versions.Version{
			ID:          id,
			Content:     map[string]any{"title": id},
			VersionType: versions.TypeManual,
			CreatedAt:   time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC),
			Author:      versions.Author{ID: "u1", Name: "Aiko"},
		}))
	}
	require.True(t, repositories.IsConflict(repo.Insert(ctx, contentID, versions.Version{ID: "v1"})))

	items, err := repo.List(ctx, contentID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "v2", items[0].ID)

	err = repo.Delete(ctx, contentID, []string{"v1", "missing"})
	require.True(t, repositories.IsNotFound(err))
	require.NoError(t, repo.Delete(ctx, contentID, []string{"v1"}))

	_, err = repo.Get(ctx, contentID, "v1")
	require.True(t, repositories.IsNotFound(err))
}
