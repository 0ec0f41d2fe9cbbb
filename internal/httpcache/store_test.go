package httpcache

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestNewStore_AppliesMigrations(t *testing.T) {
	s := setupTestStore(t)

	assert.True(t, tableExists(t, s.db, "goose_db_version"))
	assert.True(t, tableExists(t, s.db, "caches"))
	assert.True(t, tableExists(t, s.db, "entries"))
}

func TestNewStore_ReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := NewStore(ctx, path)
	require.NoError(t, err)
	c, err := s.Open(ctx, "story-app-data-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, &Entry{URL: "https://api/v1/stories", Status: 200, Body: []byte(`{}`)}))
	require.NoError(t, s.Close())

	s, err = NewStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Match(ctx, "https://api/v1/stories")
	require.NoError(t, err)
	assert.Equal(t, "story-app-data-v1", e.Cache)
}

func TestNewStore_MigrationFailure(t *testing.T) {
	orig := gooseUpContext
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	t.Cleanup(func() { gooseUpContext = orig })

	_, err := NewStore(context.Background(), MemoryPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run cache migrations")
}

func TestNewStore_EmptyPath(t *testing.T) {
	_, err := NewStore(context.Background(), "  ")
	assert.Error(t, err)
}

func TestCache_PutMatchOverwrite(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	c, err := s.Open(ctx, "data")
	require.NoError(t, err)

	_, err = c.Match(ctx, "https://x/a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Put(ctx, &Entry{
		URL:    "https://x/a",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"v":1}`),
	}))
	require.NoError(t, c.Put(ctx, &Entry{URL: "https://x/a", Status: http.StatusOK, Body: []byte(`{"v":2}`)}))

	e, err := c.Match(ctx, "https://x/a")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(e.Body))
	assert.False(t, e.StoredAt.IsZero())

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/a"}, keys)

	deleted, err := c.Delete(ctx, "https://x/a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete(ctx, "https://x/a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_KeysAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, name := range []string{"story-app-shell-v0", "story-app-shell-v1", "story-app-data-v1"} {
		c, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, &Entry{URL: "/index.html", Status: 200, Body: []byte(name)}))
	}

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"story-app-shell-v0", "story-app-shell-v1", "story-app-data-v1"}, names)

	deleted, err := s.Delete(ctx, "story-app-shell-v0")
	require.NoError(t, err)
	assert.True(t, deleted)

	has, err := s.Has(ctx, "story-app-shell-v0")
	require.NoError(t, err)
	assert.False(t, has)

	deleted, err = s.Delete(ctx, "story-app-shell-v0")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Re-opening a deleted cache starts empty.
	c, err := s.Open(ctx, "story-app-shell-v0")
	require.NoError(t, err)
	_, err = c.Match(ctx, "/index.html")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MatchAcrossCaches(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Match(ctx, "/styles/styles.css")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := s.Open(ctx, "story-app-shell-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, &Entry{URL: "/styles/styles.css", Status: 200, Body: []byte("body{}")}))

	e, err := s.Match(ctx, "/styles/styles.css")
	require.NoError(t, err)
	assert.Equal(t, "story-app-shell-v1", e.Cache)
	assert.Equal(t, "body{}", string(e.Body))
}

func TestEntry_ResponseRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/css")
	rec.WriteHeader(http.StatusOK)
	resp := rec.Result()

	e := NewEntry("/styles/styles.css", resp, []byte("body{}"))
	req := httptest.NewRequest(http.MethodGet, "/styles/styles.css", nil)

	for i := 0; i < 2; i++ {
		out := e.Response(req)
		body, err := io.ReadAll(out.Body)
		require.NoError(t, err)
		assert.Equal(t, "body{}", string(body))
		assert.Equal(t, http.StatusOK, out.StatusCode)
		assert.Equal(t, "text/css", out.Header.Get("Content-Type"))
		assert.Equal(t, "6", out.Header.Get("Content-Length"))
	}
}
