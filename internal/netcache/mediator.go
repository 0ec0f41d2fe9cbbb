// Package netcache routes HTTP traffic between the network and the local
// response caches. Mediator is an http.RoundTripper, so both the API client
// and the local reverse proxy use the same offline behavior.
package netcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/httpcache"
	"github.com/pders01/storyline/internal/outbox"
	"github.com/pders01/storyline/internal/validation"
)

const (
	// HeaderCache marks responses served from the local cache.
	HeaderCache = "X-Storyline-Cache"
	// HeaderReplay marks outbox replays. They bypass the outbox hand-off so
	// a failed replay surfaces to the synchronizer instead of being queued
	// again.
	HeaderReplay = "X-Storyline-Replay"
	// HeaderSynthesized marks responses the mediator made up.
	HeaderSynthesized = "X-Storyline-Synthesized"

	CacheStale = "stale"
	CacheHit   = "hit"
	CacheMiss  = "miss"
)

// Enqueuer accepts writes that could not be delivered.
type Enqueuer interface {
	Enqueue(ctx context.Context, form *outbox.Form) (outbox.Receipt, error)
}

type Options struct {
	// APIPrefix is the path prefix of dynamic requests, e.g. /v1.
	APIPrefix string
	// SoftTimeout bounds how long a network-first read waits before
	// answering from cache. Zero means 4s.
	SoftTimeout time.Duration
	// NetworkTimeout bounds a network leg that outlives its caller.
	// Zero means 30s.
	NetworkTimeout time.Duration
	// DataCache and ShellCache name the dynamic and app-shell caches.
	DataCache  string
	ShellCache string
	// ShellDocument is served for navigations while offline.
	ShellDocument string
	// QueuePaths lists the write endpoints that fall back to the outbox.
	// Other writes fail with 503 while offline.
	QueuePaths []string
	// OnReconnect is called, in its own goroutine, when a request succeeds
	// after one failed for lack of connectivity.
	OnReconnect func()
}

// Mediator implements the offline routing table.
type Mediator struct {
	next   http.RoundTripper
	caches *httpcache.Store
	outbox Enqueuer
	opts   Options

	wg      sync.WaitGroup
	offline atomic.Bool
}

func New(next http.RoundTripper, caches *httpcache.Store, ob Enqueuer, opts Options) *Mediator {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 4 * time.Second
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	if opts.ShellDocument == "" {
		opts.ShellDocument = "/index.html"
	}
	return &Mediator{next: next, caches: caches, outbox: ob, opts: opts}
}

// Wait blocks until every background network leg and cache write has
// finished.
func (m *Mediator) Wait() {
	m.wg.Wait()
}

// Offline reports whether the last network attempt failed for lack of
// connectivity.
func (m *Mediator) Offline() bool {
	return m.offline.Load()
}

func (m *Mediator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderReplay) != "" {
		out := req.Clone(req.Context())
		out.Header.Del(HeaderReplay)
		resp, err := m.next.RoundTrip(out)
		m.observe(err)
		return resp, err
	}

	switch class := Classify(req, m.opts.APIPrefix); {
	case class == ClassDynamic && isRead(req.Method):
		return m.networkFirst(req)
	case class == ClassDynamic:
		return m.write(req)
	case class == ClassNavigation:
		return m.navigate(req)
	case isRead(req.Method):
		return m.cacheFirst(req)
	default:
		resp, err := m.next.RoundTrip(req)
		m.observe(err)
		return resp, err
	}
}

type legResult struct {
	resp *http.Response
	body []byte
	err  error
}

// fetch runs one network leg in a tracked goroutine detached from the
// caller's cancellation. The result is delivered on the returned channel
// before any cache write starts. A 200 response is stored in cacheName.
func (m *Mediator) fetch(req *http.Request, cacheName string) <-chan legResult {
	ch := make(chan legResult, 1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), m.opts.NetworkTimeout)
	out := req.Clone(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		resp, err := m.next.RoundTrip(out)
		m.observe(err)
		if err != nil {
			ch <- legResult{err: err}
			return
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			ch <- legResult{err: fmt.Errorf("reading response body: %w", err)}
			return
		}
		ch <- legResult{resp: resp, body: body}

		if cacheName != "" && resp.StatusCode == http.StatusOK && req.Method == http.MethodGet {
			m.store(cacheName, req.URL.String(), resp, body)
		}
	}()
	return ch
}

func (m *Mediator) store(cacheName, key string, resp *http.Response, body []byte) {
	if m.caches == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cache, err := m.caches.Open(ctx, cacheName)
	if err == nil {
		err = cache.Put(ctx, httpcache.NewEntry(key, resp, body))
	}
	if err != nil {
		debuglog.Warnf("cache %s: storing %s: %v", cacheName, key, err)
	}
}

func (m *Mediator) networkFirst(req *http.Request) (*http.Response, error) {
	leg := m.fetch(req, m.opts.DataCache)

	timer := time.NewTimer(m.opts.SoftTimeout)
	defer timer.Stop()

	select {
	case r := <-leg:
		if r.err == nil {
			return rebuild(req, r), nil
		}
		debuglog.Debugf("network read %s failed: %v", req.URL, r.err)
		return m.fromCache(req, m.opts.DataCache), nil
	case <-timer.C:
		debuglog.Debugf("network read %s exceeded %s, answering from cache", req.URL, m.opts.SoftTimeout)
		return m.fromCache(req, m.opts.DataCache), nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

// fromCache answers a dynamic read from cacheName, or with the no-data
// payload.
func (m *Mediator) fromCache(req *http.Request, cacheName string) *http.Response {
	if m.caches == nil {
		return noData(req)
	}
	cache, err := m.caches.Open(req.Context(), cacheName)
	if err != nil {
		debuglog.Warnf("cache %s unavailable: %v", cacheName, err)
		return noData(req)
	}
	entry, err := cache.Match(req.Context(), req.URL.String())
	if err != nil {
		if !errors.Is(err, httpcache.ErrNotFound) {
			debuglog.Warnf("cache %s: reading %s: %v", cacheName, req.URL, err)
		}
		return noData(req)
	}
	resp := entry.Response(req)
	resp.Header.Set(HeaderCache, CacheStale)
	return resp
}

func (m *Mediator) write(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))

	resp, err := m.next.RoundTrip(out)
	m.observe(err)
	if err == nil {
		return resp, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}

	log := debuglog.WithFields(map[string]any{"component": "mediator", "path": req.URL.Path})
	if m.outbox == nil || !m.queueable(req) {
		log.Warnf("write failed while offline: %v", err)
		return synthesize(req, http.StatusServiceUnavailable, Payload{Error: true, Message: MessageNetwork}, ""), nil
	}

	form, perr := outbox.ParseMultipart(body, req.Header.Get("Content-Type"))
	if perr != nil {
		log.Warnf("write failed while offline and cannot be queued: %v", perr)
		return synthesize(req, http.StatusServiceUnavailable, Payload{Error: true, Message: MessageNetwork}, ""), nil
	}

	receipt, qerr := m.outbox.Enqueue(req.Context(), form)
	var attachErr *validation.AttachmentError
	switch {
	case errors.As(qerr, &attachErr):
		return synthesize(req, http.StatusBadRequest, Payload{Error: true, Message: attachErr.Result.Message}, ""), nil
	case qerr != nil:
		log.Errorf("queueing offline write: %v", qerr)
		return synthesize(req, http.StatusServiceUnavailable, Payload{Error: true, Message: MessageNetwork}, ""), nil
	}
	return synthesize(req, http.StatusAccepted, Payload{Queued: true, ID: receipt.ID, Message: receipt.Message}, ""), nil
}

func (m *Mediator) queueable(req *http.Request) bool {
	for _, p := range m.opts.QueuePaths {
		if req.URL.Path == p {
			return true
		}
	}
	return false
}

func (m *Mediator) navigate(req *http.Request) (*http.Response, error) {
	resp, err := m.next.RoundTrip(req)
	m.observe(err)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}

	shellURL := req.URL.ResolveReference(&url.URL{Path: m.opts.ShellDocument}).String()
	entry, cerr := m.match(req.Context(), m.opts.ShellCache, shellURL)
	if cerr != nil {
		return nil, err
	}
	out := entry.Response(req)
	out.Header.Set(HeaderCache, CacheStale)
	return out, nil
}

func (m *Mediator) cacheFirst(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	entry, err := m.match(req.Context(), m.opts.ShellCache, key)
	if err == nil {
		// Revalidate in the background; the leg stores a fresh 200.
		m.fetch(req, m.opts.ShellCache)
		resp := entry.Response(req)
		resp.Header.Set(HeaderCache, CacheHit)
		return resp, nil
	}

	select {
	case r := <-m.fetch(req, m.opts.ShellCache):
		if r.err != nil {
			return nil, r.err
		}
		return rebuild(req, r), nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

// match looks key up in the preferred cache, then in every cache.
func (m *Mediator) match(ctx context.Context, preferred, key string) (*httpcache.Entry, error) {
	if m.caches == nil {
		return nil, httpcache.ErrNotFound
	}
	if preferred != "" {
		if has, err := m.caches.Has(ctx, preferred); err == nil && has {
			cache, err := m.caches.Open(ctx, preferred)
			if err == nil {
				if entry, err := cache.Match(ctx, key); err == nil {
					return entry, nil
				}
			}
		}
	}
	return m.caches.Match(ctx, key)
}

func (m *Mediator) observe(err error) {
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.offline.Store(true)
		}
		return
	}
	if m.offline.Swap(false) && m.opts.OnReconnect != nil {
		debuglog.Infof("network reachable again")
		go m.opts.OnReconnect()
	}
}

func rebuild(req *http.Request, r legResult) *http.Response {
	resp := *r.resp
	resp.Header = r.resp.Header.Clone()
	resp.Body = io.NopCloser(bytes.NewReader(r.body))
	resp.ContentLength = int64(len(r.body))
	resp.Request = req
	return &resp
}
