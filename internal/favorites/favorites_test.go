package favorites

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/storyline/internal/storage"
)

type recordingIndexer struct {
	saved   []string
	removed []string
}

func (r *recordingIndexer) OnStoriesSaved(stories []*storage.Story) {}
func (r *recordingIndexer) OnFavoriteSaved(f *storage.Favorite) {
	r.saved = append(r.saved, f.UserID+"/"+f.ID)
}
func (r *recordingIndexer) OnStoryDeleted(id string) { r.removed = append(r.removed, "story/"+id) }
func (r *recordingIndexer) OnFavoriteRemoved(userID, id string) {
	r.removed = append(r.removed, userID+"/"+id)
}

var _ Indexer = (*recordingIndexer)(nil)

func setup(t *testing.T) (*Service, *storage.Store, *recordingIndexer) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = store.SaveStories([]*storage.Story{
		{ID: "local-1", Name: "zebra crossing", Description: "drafted offline", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "local-2", Name: "Apple orchard", Description: "also offline", CreatedAt: base.Add(-time.Hour)},
		{ID: "story-remote", Name: "Remote only", Description: "from the server", CreatedAt: base},
	})
	require.NoError(t, err)

	idx := &recordingIndexer{}
	svc := NewService(store, idx)
	photo := "https://img/b.jpg"
	require.NoError(t, svc.Add("user-1", &storage.Story{ID: "story-b", Name: "beach", Description: "sunny", PhotoURL: &photo, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, svc.Add("user-1", &storage.Story{ID: "local-2", Name: "Apple orchard (fav)", Description: "favorited", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, svc.Add("user-2", &storage.Story{ID: "story-c", Name: "other user", CreatedAt: base}))
	return svc, store, idx
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestList_MergesFavoritesAndLocalStories(t *testing.T) {
	svc, _, _ := setup(t)

	items, err := svc.List("user-1", Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"local-1", "story-b", "local-2"}, ids(items))

	bySource := map[string]Source{}
	for _, it := range items {
		bySource[it.ID] = it.Source
	}
	assert.Equal(t, SourceLocal, bySource["local-1"])
	assert.Equal(t, SourceFavorite, bySource["story-b"])
	assert.Equal(t, SourceFavorite, bySource["local-2"], "favorite wins over local story")
	assert.Equal(t, "https://img/b.jpg", items[1].Photo)
}

func TestList_SearchAndSort(t *testing.T) {
	svc, _, _ := setup(t)

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"newest", Query{Order: Newest}, []string{"local-1", "story-b", "local-2"}},
		{"oldest", Query{Order: Oldest}, []string{"local-2", "story-b", "local-1"}},
		{"title asc ignores case", Query{Order: TitleAsc}, []string{"local-2", "story-b", "local-1"}},
		{"title desc", Query{Order: TitleDesc}, []string{"local-1", "story-b", "local-2"}},
		{"search name", Query{Search: "BEACH"}, []string{"story-b"}},
		{"search description", Query{Search: "offline", Order: Oldest}, []string{"local-1"}},
		{"no match", Query{Search: "volcano"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := svc.List("user-1", tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(items))
		})
	}
}

func TestList_GuestSeesAnonymousFavorites(t *testing.T) {
	svc, store, _ := setup(t)
	require.NoError(t, svc.Add("", &storage.Story{ID: "story-anon", Name: "anon", CreatedAt: time.Now()}))

	items, err := svc.List("", Query{Order: TitleAsc})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"story-anon", "local-1", "local-2"}, ids(items))

	fav, err := store.GetFavorite("story-anon")
	require.NoError(t, err)
	require.NotNil(t, fav)
	assert.Empty(t, fav.UserID)
}

func TestAdd_SameStoryTwiceKeepsOne(t *testing.T) {
	svc, store, _ := setup(t)
	story := &storage.Story{ID: "story-b", Name: "beach again"}
	require.NoError(t, svc.Add("user-1", story))

	favs, err := store.GetUserFavorites("user-1")
	require.NoError(t, err)
	assert.Len(t, favs, 2)
}

func TestAdd_RequiresID(t *testing.T) {
	svc, _, _ := setup(t)
	assert.Error(t, svc.Add("user-1", &storage.Story{}))
	assert.Error(t, svc.Add("user-1", nil))
}

func TestRemove_UsesTheRightCollection(t *testing.T) {
	svc, store, idx := setup(t)

	items, err := svc.List("user-1", Query{})
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, svc.Remove("user-1", it))
	}

	// local-2 was shown as a favorite, so only the favorite went away and
	// the local story shows through again.
	items, err = svc.List("user-1", Query{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "local-2", items[0].ID)
	assert.Equal(t, SourceLocal, items[0].Source)

	gone, err := store.GetStory("local-1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	other, err := store.GetUserFavorites("user-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	assert.ElementsMatch(t, []string{"story/local-1", "user-1/story-b", "user-1/local-2"}, idx.removed)
	assert.Contains(t, idx.saved, "user-1/story-b")
}

func TestRemove_LocalIDWithoutSource(t *testing.T) {
	svc, store, idx := setup(t)

	require.NoError(t, svc.Remove("user-1", Item{ID: "local-1"}))

	gone, err := store.GetStory("local-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, []string{"story/local-1"}, idx.removed)
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{"": Newest, "newest": Newest, "Oldest": Oldest, "title-asc": TitleAsc, " title-desc ": TitleDesc} {
		got, err := ParseOrder(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseOrder("random")
	assert.Error(t, err)
}

func TestList_StoreUnavailable(t *testing.T) {
	store, err := storage.NewStore(storage.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewService(store, nil).List("user-1", Query{})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
