// Package httpcache stores HTTP responses in named caches backed by SQLite.
//
// A Store holds any number of caches; each cache maps a request URL to the
// last response stored for it. The app keeps one versioned app-shell cache
// and one data cache, and deletes caches from older versions on activation.
package httpcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/httpcache/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// MemoryPath keeps the caches in memory for the lifetime of the Store.
const MemoryPath = ":memory:"

var (
	// ErrNotFound is returned when a cache or URL has no stored response.
	ErrNotFound = errors.New("not found in cache")

	migrateMu sync.Mutex

	// gooseUpContext is swapped in tests.
	gooseUpContext = goose.UpContext
)

// Store is a set of named response caches.
type Store struct {
	db *sql.DB
}

// Cache is one named cache inside a Store.
type Cache struct {
	store *Store
	name  string
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// NewStore opens the cache database at path and applies migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	var dsn string
	memory := path == MemoryPath
	if memory {
		dsn = "file:storyline-cache-" + uuid.NewString() + "?mode=memory&cache=shared"
	} else {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	debuglog.Debugf("cache migrations: "+strings.TrimSuffix(format, "\n"), v...)
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	debuglog.Errorf("cache migrations: "+strings.TrimSuffix(format, "\n"), v...)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open returns the cache called name, creating it if needed.
func (s *Store) Open(ctx context.Context, name string) (*Cache, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{store: s, name: name}, nil
}

// Has reports whether a cache called name exists.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM caches WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup cache %s: %w", name, err)
	}
	return n > 0, nil
}

// Keys lists cache names in creation order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the cache called name and everything stored in it. It
// reports whether the cache existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache %s entries: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return n > 0, nil
}

// Match looks url up in every cache, oldest cache first, and returns the
// first hit.
func (s *Store) Match(ctx context.Context, url string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.cache_name, e.url, e.status, e.header, e.body, e.stored_at
		FROM entries e JOIN caches c ON c.name = e.cache_name
		WHERE e.url = ?
		ORDER BY c.created_at, c.name
		LIMIT 1`, url)
	return scanEntry(row)
}

func (c *Cache) Name() string {
	return c.name
}

// Put stores e under e.URL, replacing any previous response.
func (c *Cache) Put(ctx context.Context, e *Entry) error {
	if e == nil || e.URL == "" {
		return fmt.Errorf("cache %s: entry url is required", c.name)
	}
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err = c.store.db.ExecContext(ctx, `
		INSERT INTO entries (cache_name, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		c.name, e.URL, e.Status, string(header), body, toMillis(e.StoredAt))
	if err != nil {
		return fmt.Errorf("cache %s put %s: %w", c.name, e.URL, err)
	}
	return nil
}

// Match returns the response stored for url, or ErrNotFound.
func (c *Cache) Match(ctx context.Context, url string) (*Entry, error) {
	row := c.store.db.QueryRowContext(ctx, `
		SELECT cache_name, url, status, header, body, stored_at
		FROM entries WHERE cache_name = ? AND url = ?`, c.name, url)
	return scanEntry(row)
}

// Delete removes the response stored for url. It reports whether one existed.
func (c *Cache) Delete(ctx context.Context, url string) (bool, error) {
	res, err := c.store.db.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_name = ? AND url = ?`, c.name, url)
	if err != nil {
		return false, fmt.Errorf("cache %s delete %s: %w", c.name, url, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Keys lists the URLs stored in the cache.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT url FROM entries WHERE cache_name = ? ORDER BY url`, c.name)
	if err != nil {
		return nil, fmt.Errorf("cache %s keys: %w", c.name, err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e        Entry
		header   string
		storedAt int64
	)
	err := row.Scan(&e.Cache, &e.URL, &e.Status, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("decode cached header for %s: %w", e.URL, err)
	}
	e.StoredAt = fromMillis(storedAt)
	return &e, nil
}
