package shell

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pders01/storyline/internal/httpcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) (*Manager, *httpcache.Store, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/styles/styles.css", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body{}"))
	})
	mux.HandleFunc("/images/logo.png", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	caches, err := httpcache.NewStore(context.Background(), filepath.Join(t.TempDir(), "caches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = caches.Close() })

	m, err := NewManager(caches, Options{
		Origin:    server.URL,
		ShellName: "story-app-shell-v1",
		DataName:  "story-app-data-v1",
		Manifest:  []string{"/index.html", "/styles/styles.css", "/images/logo.png"},
	})
	require.NoError(t, err)
	return m, caches, server
}

func TestWarm_CachesSuccessesAndRecordsFailures(t *testing.T) {
	m, caches, server := setupManager(t)
	ctx := context.Background()

	report, err := m.Install(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"/index.html", "/styles/styles.css"}, report.Cached)
	require.Contains(t, report.Failed, "/images/logo.png")
	assert.Contains(t, report.Failed["/images/logo.png"].Error(), "404")

	shell, err := caches.Open(ctx, "story-app-shell-v1")
	require.NoError(t, err)
	e, err := shell.Match(ctx, server.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(e.Body))

	_, err = shell.Match(ctx, server.URL+"/images/logo.png")
	assert.ErrorIs(t, err, httpcache.ErrNotFound)
}

func TestWarm_RejectsForeignPaths(t *testing.T) {
	m, _, _ := setupManager(t)

	report, err := m.Warm(context.Background(), []string{"https://evil.example/x.js", "/index.html"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/index.html"}, report.Cached)
	assert.Contains(t, report.Failed, "https://evil.example/x.js")
}

func TestWarm_Unreachable(t *testing.T) {
	m, _, server := setupManager(t)
	server.Close()

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Cached)
	assert.Len(t, report.Failed, 3)
}

func TestEvictStale_DeletesOnlyOldVersions(t *testing.T) {
	m, caches, _ := setupManager(t)
	ctx := context.Background()

	for _, name := range []string{"story-app-shell-v0", "story-app-shell-v1", "story-app-data-v1"} {
		_, err := caches.Open(ctx, name)
		require.NoError(t, err)
	}

	deleted, err := m.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"story-app-shell-v0"}, deleted)

	names, err := caches.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"story-app-shell-v1", "story-app-data-v1"}, names)

	deleted, err = m.EvictStale(ctx, []string{"story-app-shell-v1", "story-app-data-v1"})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestNewManager_Validation(t *testing.T) {
	caches, err := httpcache.NewStore(context.Background(), httpcache.MemoryPath)
	require.NoError(t, err)
	defer caches.Close()

	_, err = NewManager(caches, Options{Origin: "not a url", ShellName: "s"})
	assert.Error(t, err)
	_, err = NewManager(caches, Options{Origin: "http://localhost:5173"})
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	m, _, server := setupManager(t)
	assert.Equal(t, server.URL+"/index.html", m.Resolve("/index.html"))
	assert.Equal(t, server.URL+"/styles/styles.css?v=2", m.Resolve("/styles/styles.css?v=2"))
}
