// Package shell manages the versioned app-shell cache: warming it with the
// static assets the UI needs to start offline, and evicting caches left
// behind by older versions.
package shell

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/httpcache"
	"github.com/pders01/storyline/internal/validation"
)

const maxConcurrentWarm = 5

type Options struct {
	// Origin is the app origin manifest paths are resolved against.
	Origin    string
	ShellName string
	DataName  string
	Manifest  []string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

type Manager struct {
	caches *httpcache.Store
	client *http.Client
	origin *url.URL
	opts   Options
}

// Report lists the outcome of a warm-up. Failures never abort the rest.
type Report struct {
	Cached []string
	Failed map[string]error
}

func NewManager(caches *httpcache.Store, opts Options) (*Manager, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", opts.Origin)
	}
	if opts.ShellName == "" {
		return nil, fmt.Errorf("shell cache name is required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Manager{caches: caches, client: client, origin: origin, opts: opts}, nil
}

// Install warms the shell cache with the configured manifest.
func (m *Manager) Install(ctx context.Context) (Report, error) {
	return m.Warm(ctx, m.opts.Manifest)
}

// Activate deletes every cache except the current shell and data caches.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	keep := []string{m.opts.ShellName}
	if m.opts.DataName != "" {
		keep = append(keep, m.opts.DataName)
	}
	return m.EvictStale(ctx, keep)
}

// Warm fetches every manifest path and stores 200 responses in the shell
// cache.
func (m *Manager) Warm(ctx context.Context, manifest []string) (Report, error) {
	report := Report{Failed: map[string]error{}}
	if len(manifest) == 0 {
		return report, nil
	}

	cache, err := m.caches.Open(ctx, m.opts.ShellName)
	if err != nil {
		return report, fmt.Errorf("opening shell cache: %w", err)
	}

	type outcome struct {
		path string
		err  error
	}
	pathChan := make(chan string, len(manifest))
	outChan := make(chan outcome, len(manifest))

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrentWarm && i < len(manifest); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range pathChan {
				outChan <- outcome{path: p, err: m.warmOne(ctx, cache, p)}
			}
		}()
	}

	for _, p := range manifest {
		pathChan <- p
	}
	close(pathChan)

	wg.Wait()
	close(outChan)

	for o := range outChan {
		if o.err != nil {
			debuglog.Warnf("shell: failed to cache %s: %v", o.path, o.err)
			report.Failed[o.path] = o.err
			continue
		}
		report.Cached = append(report.Cached, o.path)
	}
	sort.Strings(report.Cached)
	debuglog.Infof("shell: cached %d of %d assets in %s", len(report.Cached), len(manifest), m.opts.ShellName)
	return report, nil
}

func (m *Manager) warmOne(ctx context.Context, cache *httpcache.Cache, p string) error {
	if _, err := validation.ValidateAppPath(p); err != nil {
		return err
	}
	target := m.Resolve(p)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if m.opts.UserAgent != "" {
		req.Header.Set("User-Agent", m.opts.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return cache.Put(ctx, httpcache.NewEntry(target, resp, body))
}

// Resolve turns a manifest path into the absolute URL it is cached under.
func (m *Manager) Resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return m.origin.String() + p
	}
	return m.origin.ResolveReference(ref).String()
}

// EvictStale deletes every cache whose name is not in keep and returns the
// deleted names.
func (m *Manager) EvictStale(ctx context.Context, keep []string) ([]string, error) {
	names, err := m.caches.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}

	var deleted []string
	for _, name := range names {
		if kept[name] {
			continue
		}
		ok, err := m.caches.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("deleting cache %s: %w", name, err)
		}
		if ok {
			debuglog.Infof("shell: evicted stale cache %s", name)
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
