package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_FreshStoreIsLatest(t *testing.T) {
	store := setupTestStore(t)
	assert.Equal(t, LatestVersion, store.Version())

	for _, c := range []Collection{Stories, Favorites, UserFavorites, Outbox} {
		_, err := store.Count(c)
		assert.NoError(t, err, c)
	}
}

func TestMigrate_V1ToLatestPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade.db")

	v1, err := Open(path, Options{Version: 1})
	require.NoError(t, err)
	require.NoError(t, v1.AddFavorite(&Favorite{ID: "kept", Name: "old favorite"}))

	// v1 has no per-user favorites and no stories.
	err = v1.AddUserFavorite("u", &Favorite{ID: "x"})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.NoError(t, v1.Close())

	latest, err := NewStore(path)
	require.NoError(t, err)
	defer latest.Close()

	assert.Equal(t, LatestVersion, latest.Version())
	fav, err := latest.GetFavorite("kept")
	require.NoError(t, err)
	require.NotNil(t, fav)
	assert.Equal(t, "old favorite", fav.Name)

	require.NoError(t, latest.AddUserFavorite("u", &Favorite{ID: "x"}))
	require.NoError(t, latest.SaveStory(&Story{ID: "s"}))
	_, err = latest.EnqueueOutbox(&OutboxEntry{})
	require.NoError(t, err)
}

func TestMigrate_ReopenSameVersionDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "same.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveStory(&Story{ID: "s1"}))
	require.NoError(t, store.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	store, err = NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, before.Size(), after.Size())
}

func TestMigrate_DowngradeIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "down.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(path, Options{Version: 1})
	assert.ErrorIs(t, err, ErrVersion)
}

func TestMigrate_UnsupportedVersion(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), Options{Version: LatestVersion + 1})
	assert.ErrorIs(t, err, ErrVersion)
}
