package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ptr[T any](v T) *T { return &v }

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	story := &Story{
		ID:          "story-1",
		Name:        "Dicoding",
		Description: "Sunset at the harbour",
		PhotoURL:    ptr("https://example.com/p.jpg"),
		CreatedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Lat:         ptr(-6.2),
		Lon:         ptr(106.8),
	}
	require.NoError(t, store.Put(Stories, story))

	var got Story
	found, err := store.Get(Stories, Key{"story-1"}, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, *story, got)
}

func TestStore_PutOverwritesByKey(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SaveStory(&Story{ID: "s1", Name: "first"}))
	require.NoError(t, store.SaveStory(&Story{ID: "s1", Name: "second"}))

	n, err := store.Count(Stories)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetStory("s1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestStore_PutMissingKeyIsStorageError(t *testing.T) {
	store := setupTestStore(t)

	err := store.Put(Stories, &Story{Name: "no id"})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Stories, se.Collection)
	assert.Contains(t, se.Error(), `"id"`)

	err = store.Put(UserFavorites, &Favorite{ID: "s1"})
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), `"userId"`)
}

func TestStore_GetAbsentIsNotAnError(t *testing.T) {
	store := setupTestStore(t)

	var s Story
	found, err := store.Get(Stories, Key{"missing"}, &s)
	assert.NoError(t, err)
	assert.False(t, found)

	story, err := store.GetStory("missing")
	assert.NoError(t, err)
	assert.Nil(t, story)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SaveStory(&Story{ID: "gone"}))
	require.NoError(t, store.DeleteStory("gone"))
	require.NoError(t, store.DeleteStory("gone"))
	require.NoError(t, store.Delete(UserFavorites, Key{"u1", "never-existed"}))

	story, err := store.GetStory("gone")
	require.NoError(t, err)
	assert.Nil(t, story)
}

func TestStore_UserFavoriteCompositeKeyDedup(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.AddUserFavorite("user-1", &Favorite{ID: "story-9", Name: "first copy"}))
	require.NoError(t, store.AddUserFavorite("user-1", &Favorite{ID: "story-9", Name: "second copy"}))
	require.NoError(t, store.AddUserFavorite("user-2", &Favorite{ID: "story-9", Name: "other user"}))

	favs, err := store.GetUserFavorites("user-1")
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "second copy", favs[0].Name)
	assert.Equal(t, "user-1", favs[0].UserID)

	n, err := store.Count(UserFavorites)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_GetAllByIndex(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddUserFavorite("alice", &Favorite{ID: fmt.Sprintf("a%d", i)}))
	}
	require.NoError(t, store.AddUserFavorite("alice-2", &Favorite{ID: "x"}))
	require.NoError(t, store.AddUserFavorite("bob", &Favorite{ID: "b0"}))

	var favs []*Favorite
	require.NoError(t, store.GetAllByIndex(UserFavorites, IndexUser, "alice", &favs))
	assert.Len(t, favs, 3)

	require.NoError(t, store.RemoveUserFavorite("alice", "a1"))
	favs = nil
	require.NoError(t, store.GetAllByIndex(UserFavorites, IndexUser, "alice", &favs))
	assert.Len(t, favs, 2)

	err := store.GetAllByIndex(UserFavorites, "by-nothing", "alice", &favs)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestStore_IndexFollowsOverwrite(t *testing.T) {
	store := setupTestStore(t)

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveStory(&Story{ID: "s1", CreatedAt: early}))
	require.NoError(t, store.SaveStory(&Story{ID: "s1", CreatedAt: late}))

	var atEarly, atLate []*Story
	require.NoError(t, store.GetAllByIndex(Stories, IndexCreatedAt, early, &atEarly))
	require.NoError(t, store.GetAllByIndex(Stories, IndexCreatedAt, late, &atLate))
	assert.Empty(t, atEarly)
	assert.Len(t, atLate, 1)
}

func TestStore_GetAllStoriesNewestFirst(t *testing.T) {
	store := setupTestStore(t)

	base := time.Now()
	_, err := store.SaveStories([]*Story{
		{ID: "old", CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "new", CreatedAt: base},
		{ID: "", CreatedAt: base},
		{ID: "mid", CreatedAt: base.Add(-1 * time.Hour)},
	})
	require.NoError(t, err)

	stories, err := store.GetAllStories()
	require.NoError(t, err)
	require.Len(t, stories, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{stories[0].ID, stories[1].ID, stories[2].ID})
}

func TestStore_AnonymousFavorites(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.AddFavorite(&Favorite{UserID: "ignored", ID: "s1", Name: "n"}))
	fav, err := store.GetFavorite("s1")
	require.NoError(t, err)
	require.NotNil(t, fav)
	assert.Empty(t, fav.UserID)

	all, err := store.GetAllFavorites()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.RemoveFavorite("s1"))
	fav, err = store.GetFavorite("s1")
	require.NoError(t, err)
	assert.Nil(t, fav)
}

func TestStore_Meta(t *testing.T) {
	store := setupTestStore(t)

	type blob struct{ A string }
	require.NoError(t, store.SaveMeta("k", blob{A: "b"}))

	var got blob
	found, err := store.LoadMeta("k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", got.A)

	require.NoError(t, store.DeleteMeta("k"))
	found, err = store.LoadMeta("k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_LockedFileIsUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	first, err := Open(path, Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(path, Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestStore_ClosedStoreIsUnavailable(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.SaveStory(&Story{ID: "s"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_MemoryPath(t *testing.T) {
	store, err := NewStore(MemoryPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveStory(&Story{ID: "tmp"}))
	require.NoError(t, store.Close())
}

func TestStory_Local(t *testing.T) {
	assert.True(t, (&Story{ID: "local-123"}).Local())
	assert.False(t, (&Story{ID: "story-123"}).Local())
}

func TestStore_KeyPartsRejectNUL(t *testing.T) {
	store := setupTestStore(t)
	var se *StorageError

	require.ErrorAs(t, store.AddUserFavorite("a\x00b", &Favorite{ID: "c"}), &se)
	require.ErrorAs(t, store.AddUserFavorite("a", &Favorite{ID: "b\x00c"}), &se)
	assert.Contains(t, se.Error(), "NUL")

	n, err := store.Count(UserFavorites)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var favs []*Favorite
	require.ErrorAs(t, store.GetAllByIndex(UserFavorites, IndexUser, "a\x00b", &favs), &se)

	found, err := store.Get(Stories, Key{"x\x00y"}, &Story{})
	assert.False(t, found)
	assert.ErrorIs(t, err, ErrStorage)
}
