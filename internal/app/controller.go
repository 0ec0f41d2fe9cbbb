// Package app wires the offline layer together and exposes the operations
// UI collaborators call: fetch-or-cache reads, enqueue-if-offline writes
// and sync-on-reconnect.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/storyline/internal/api"
	"github.com/pders01/storyline/internal/config"
	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/favorites"
	"github.com/pders01/storyline/internal/httpcache"
	"github.com/pders01/storyline/internal/netcache"
	"github.com/pders01/storyline/internal/outbox"
	"github.com/pders01/storyline/internal/search"
	"github.com/pders01/storyline/internal/session"
	"github.com/pders01/storyline/internal/shell"
	"github.com/pders01/storyline/internal/storage"
	"github.com/pders01/storyline/internal/validation"
)

// ErrDegraded is returned by operations that need the local store while
// running without one.
var ErrDegraded = fmt.Errorf("running without local storage: %w", storage.ErrUnavailable)

const localDraftKey = "local-draft/"

type Options struct {
	// Transport is the network below the mediator. Nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
}

type Controller struct {
	cfg *config.Config

	store    *storage.Store
	caches   *httpcache.Store
	mediator *netcache.Mediator
	writer   *outbox.Writer
	syncer   *outbox.Synchronizer
	shell    *shell.Manager
	client   *api.Client
	session  *session.Session
	favs     *favorites.Service
	searcher search.Searcher

	// bgMu orders bg.Add against close(closed) so Close never waits while a
	// new sync is being added.
	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New opens the stores and builds every component. When the persistent
// store cannot be opened the controller runs degraded: reads go to the
// network and the response cache only, and offline writes fail.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	c := &Controller{cfg: cfg, closed: make(chan struct{})}
	paths := validation.NewPermissivePathHandler()

	if err := c.openStore(paths); err != nil {
		return nil, err
	}
	c.openCaches(ctx, paths)

	var persister session.Persister
	if c.store != nil {
		persister = c.store
	}
	sess, err := session.New(persister)
	if err != nil {
		debuglog.Warnf("app: %v; starting signed out", err)
	}
	c.session = sess

	var enqueuer netcache.Enqueuer
	if c.store != nil {
		c.writer = outbox.NewWriter(c.store, outbox.Options{
			MaxAttachmentSize: cfg.Outbox.MaxAttachmentSize,
			KeepAttachments:   cfg.Outbox.KeepAttachments,
		})
		enqueuer = c.writer
	}

	c.mediator = netcache.New(opts.Transport, c.caches, enqueuer, netcache.Options{
		APIPrefix:      cfg.API.Prefix,
		SoftTimeout:    cfg.API.SoftTimeout,
		NetworkTimeout: cfg.API.HTTPTimeout,
		DataCache:      cfg.Cache.DataName(),
		ShellCache:     cfg.Cache.ShellName(),
		ShellDocument:  cfg.Cache.ShellDocument,
		QueuePaths:     queuePaths(cfg.API.BaseURL),
		OnReconnect:    c.reconnected,
	})

	var stories api.StoryStore
	if c.store != nil {
		stories = c.store
	}
	c.client = api.NewClient(api.Options{
		BaseURL:           cfg.API.BaseURL,
		UserAgent:         cfg.API.UserAgent,
		Timeout:           cfg.API.HTTPTimeout,
		Transport:         c.mediator,
		Tokens:            c.session,
		Store:             stories,
		MaxAttachmentSize: cfg.Outbox.MaxAttachmentSize,
	})

	if c.store != nil {
		c.syncer = outbox.NewSynchronizer(c.store, c.client, cfg.Outbox.ReplayTimeout)
		c.openSearch(paths)
		var indexer favorites.Indexer
		if ix, ok := c.searcher.(favorites.Indexer); ok {
			indexer = ix
		}
		c.favs = favorites.NewService(c.store, indexer)
	}

	if c.caches != nil {
		sm, err := shell.NewManager(c.caches, shell.Options{
			Origin:    cfg.Server.Origin,
			ShellName: cfg.Cache.ShellName(),
			DataName:  cfg.Cache.DataName(),
			Manifest:  cfg.Cache.Manifest,
			UserAgent: cfg.API.UserAgent,
			Client:    &http.Client{Timeout: cfg.API.HTTPTimeout, Transport: opts.Transport},
		})
		if err != nil {
			debuglog.Warnf("app: app shell cache disabled: %v", err)
		} else {
			c.shell = sm
		}
	}

	return c, nil
}

func (c *Controller) openStore(paths *validation.PathHandler) error {
	path := c.cfg.Database.Path
	if path != storage.MemoryPath {
		prepared, err := paths.PrepareFile(path)
		if err != nil {
			return fmt.Errorf("database path: %w", err)
		}
		path = prepared
	}

	store, err := storage.Open(path, storage.Options{
		Version: c.cfg.Database.SchemaVersion,
		Timeout: c.cfg.Database.Timeout,
	})
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		debuglog.Warnf("app: local store unavailable, continuing network-only: %v", err)
		return nil
	case err != nil:
		return err
	}
	c.store = store
	return nil
}

func (c *Controller) openCaches(ctx context.Context, paths *validation.PathHandler) {
	path := c.cfg.Database.CachePath
	if path != httpcache.MemoryPath {
		prepared, err := paths.PrepareFile(path)
		if err != nil {
			debuglog.Warnf("app: response cache disabled: %v", err)
			return
		}
		path = prepared
	}
	caches, err := httpcache.NewStore(ctx, path)
	if err != nil {
		debuglog.Warnf("app: response cache disabled: %v", err)
		return
	}
	c.caches = caches
}

func (c *Controller) openSearch(paths *validation.PathHandler) {
	indexPath := c.cfg.Database.SearchIndex
	if indexPath != "" && indexPath != storage.MemoryPath {
		prepared, err := paths.PrepareIndexDir(indexPath)
		if err != nil {
			debuglog.Warnf("app: search index path: %v", err)
			indexPath = ""
		} else {
			indexPath = prepared
		}
	}
	if indexPath == "" && c.cfg.Database.SearchIndex != "" {
		c.searcher = search.NewEngine(c.store)
		return
	}
	eng, err := search.NewBleveEngine(c.store, indexPath)
	if err != nil {
		debuglog.Warnf("app: search index unavailable, using plain search: %v", err)
		c.searcher = search.NewEngine(c.store)
		return
	}
	c.searcher = eng
}

func queuePaths(baseURL string) []string {
	prefix := ""
	if u, err := url.Parse(baseURL); err == nil {
		prefix = u.Path
	}
	return []string{prefix + "/stories", prefix + "/stories/guest"}
}

// Degraded reports whether the controller runs without the local store.
func (c *Controller) Degraded() bool {
	return c.store == nil
}

// Offline reports whether the last network attempt failed.
func (c *Controller) Offline() bool {
	return c.mediator.Offline()
}

// Transport is the mediator, for callers that proxy raw HTTP through the
// offline layer.
func (c *Controller) Transport() http.RoundTripper {
	return c.mediator
}

func (c *Controller) Session() *session.Session {
	return c.session
}

// Online replays the outbox. Call it when connectivity returns.
func (c *Controller) Online(ctx context.Context) (outbox.Result, error) {
	if c.syncer == nil {
		return outbox.Result{}, ErrDegraded
	}
	before, _ := c.store.PendingOutbox()

	res, err := c.syncer.Sync(ctx)

	if len(before) > 0 {
		c.dropSyncedDrafts(before)
	}
	return res, err
}

// dropSyncedDrafts removes the local copies of queued stories that are no
// longer in the outbox.
func (c *Controller) dropSyncedDrafts(before []*storage.OutboxEntry) {
	after, err := c.store.PendingOutbox()
	if err != nil {
		return
	}
	pending := make(map[uint64]bool, len(after))
	for _, e := range after {
		pending[e.ID] = true
	}
	for _, e := range before {
		if pending[e.ID] {
			continue
		}
		key := localDraftKey + strconv.FormatUint(e.ID, 10)
		var localID string
		found, err := c.store.LoadMeta(key, &localID)
		if err != nil || !found {
			continue
		}
		if err := c.store.DeleteStory(localID); err != nil {
			debuglog.Warnf("app: removing synced draft %s: %v", localID, err)
			continue
		}
		_ = c.store.DeleteMeta(key)
		if dl, ok := c.searcher.(search.DeleteListener); ok {
			dl.OnStoryDeleted(localID)
		}
	}
}

func (c *Controller) reconnected() {
	c.bgMu.Lock()
	select {
	case <-c.closed:
		c.bgMu.Unlock()
		return
	default:
	}
	c.bg.Add(1)
	c.bgMu.Unlock()

	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		res, err := c.Online(ctx)
		switch {
		case errors.Is(err, outbox.ErrSyncInProgress), errors.Is(err, ErrDegraded):
		case err != nil:
			debuglog.Warnf("app: sync after reconnect: %v", err)
		default:
			debuglog.Infof("app: sync after reconnect: %d synced, %d failed, %d remaining", res.Synced, res.Failed, res.Remaining)
		}
	}()
}

func (c *Controller) Stories(ctx context.Context, q api.ListQuery) (*api.StoryList, error) {
	list, err := c.client.GetStories(ctx, q)
	if err != nil {
		return nil, err
	}
	if list.Source == api.SourceNetwork {
		if ul, ok := c.searcher.(search.UpdateListener); ok {
			ul.OnStoriesSaved(list.Stories)
		}
	}
	return list, nil
}

func (c *Controller) Story(ctx context.Context, id string) (*api.StoryResult, error) {
	return c.client.GetStory(ctx, id)
}

// Photo is an image attached to a new story.
type Photo struct {
	Name string
	Type string
	Data []byte
}

type NewStory struct {
	Description string
	Lat, Lon    *float64
	Photo       *Photo
}

// PostStory uploads a story. When it is queued for later, a local draft
// with a local- id is stored so it shows up among saved stories until the
// outbox delivers it.
func (c *Controller) PostStory(ctx context.Context, in NewStory) (*api.PostResult, error) {
	form := outbox.NewForm().Set("description", in.Description)
	if in.Lat != nil && in.Lon != nil {
		form.Set("lat", strconv.FormatFloat(*in.Lat, 'f', -1, 64))
		form.Set("lon", strconv.FormatFloat(*in.Lon, 'f', -1, 64))
	}
	if in.Photo != nil {
		form.Attach("photo", in.Photo.Name, in.Photo.Type, in.Photo.Data)
	}

	res, err := c.client.PostStory(ctx, form)
	if err != nil {
		return nil, err
	}
	if res.Queued && c.store != nil {
		c.saveDraft(res.ID, in)
	}
	return res, nil
}

func (c *Controller) saveDraft(entryID uint64, in NewStory) {
	draft := &storage.Story{
		ID:          storage.LocalIDPrefix + uuid.NewString(),
		Name:        c.session.Name(),
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
		Lat:         in.Lat,
		Lon:         in.Lon,
	}
	if err := c.store.SaveStory(draft); err != nil {
		debuglog.Warnf("app: saving local draft: %v", err)
		return
	}
	if err := c.store.SaveMeta(localDraftKey+strconv.FormatUint(entryID, 10), draft.ID); err != nil {
		debuglog.Warnf("app: linking local draft to outbox entry %d: %v", entryID, err)
	}
	if ul, ok := c.searcher.(search.UpdateListener); ok {
		ul.OnStoriesSaved([]*storage.Story{draft})
	}
}

// Login signs in and stores the session.
func (c *Controller) Login(ctx context.Context, email, password string) (session.State, error) {
	res, err := c.client.Login(ctx, email, password)
	if err != nil {
		return session.State{}, err
	}
	st := session.State{Token: res.Token, UserID: res.UserID, Name: res.Name}
	if err := c.session.Set(st); err != nil {
		debuglog.Warnf("app: %v; session kept in memory", err)
	}
	return st, nil
}

func (c *Controller) Logout() error {
	return c.session.Clear()
}

func (c *Controller) Register(ctx context.Context, name, email, password string) error {
	return c.client.Register(ctx, name, email, password)
}

// Subscribe registers a push subscription. The endpoint must be a public
// push service URL.
func (c *Controller) Subscribe(ctx context.Context, sub api.Subscription) error {
	endpoint, err := validation.NewAPIURLValidator().ValidateAndNormalize(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("push endpoint: %w", err)
	}
	sub.Endpoint = endpoint
	return c.client.Subscribe(ctx, sub)
}

func (c *Controller) Unsubscribe(ctx context.Context, endpoint string) error {
	normalized, err := validation.NewAPIURLValidator().ValidateAndNormalize(endpoint)
	if err != nil {
		return fmt.Errorf("push endpoint: %w", err)
	}
	return c.client.Unsubscribe(ctx, normalized)
}

func (c *Controller) Favorites(q favorites.Query) ([]favorites.Item, error) {
	if c.favs == nil {
		return nil, ErrDegraded
	}
	return c.favs.List(c.session.UserID(), q)
}

// AddFavorite favorites a story by id, looking it up through the usual
// read path.
func (c *Controller) AddFavorite(ctx context.Context, storyID string) error {
	if c.favs == nil {
		return ErrDegraded
	}
	res, err := c.client.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	return c.favs.Add(c.session.UserID(), res.Story)
}

func (c *Controller) RemoveFavorite(item favorites.Item) error {
	if c.favs == nil {
		return ErrDegraded
	}
	return c.favs.Remove(c.session.UserID(), item)
}

func (c *Controller) Search(query string, limit int) ([]*search.Result, error) {
	if c.searcher == nil {
		return nil, ErrDegraded
	}
	return c.searcher.Search(query, limit)
}

// SearchDocs reports how many documents the search index holds. ok is
// false when the searcher keeps no index.
func (c *Controller) SearchDocs() (n int, ok bool) {
	stats, ok := c.searcher.(search.DebugStatser)
	if !ok {
		return 0, false
	}
	n, err := stats.DocCount()
	if err != nil {
		return 0, false
	}
	return n, true
}

// Outbox lists queued writes, oldest first.
func (c *Controller) Outbox() ([]*storage.OutboxEntry, error) {
	if c.store == nil {
		return nil, ErrDegraded
	}
	return c.store.PendingOutbox()
}

// InstallShell warms the app-shell cache with the configured manifest.
func (c *Controller) InstallShell(ctx context.Context) (shell.Report, error) {
	if c.shell == nil {
		return shell.Report{}, fmt.Errorf("app shell cache: %w", storage.ErrUnavailable)
	}
	return c.shell.Install(ctx)
}

// ActivateShell deletes caches left behind by other versions.
func (c *Controller) ActivateShell(ctx context.Context) ([]string, error) {
	if c.shell == nil {
		return nil, fmt.Errorf("app shell cache: %w", storage.ErrUnavailable)
	}
	return c.shell.Activate(ctx)
}

// Close waits for background work and closes every store.
func (c *Controller) Close() error {
	var errs []error
	c.once.Do(func() {
		c.bgMu.Lock()
		close(c.closed)
		c.bgMu.Unlock()
		c.bg.Wait()
		c.mediator.Wait()

		if closer, ok := c.searcher.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
		if c.caches != nil {
			errs = append(errs, c.caches.Close())
		}
		if c.store != nil {
			errs = append(errs, c.store.Close())
		}
	})
	return errors.Join(errs...)
}
