// Package api is the Story API client. Requests go through whatever
// transport the client is given; with a netcache.Mediator that means
// cached reads and queued writes while offline.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/netcache"
	"github.com/pders01/storyline/internal/outbox"
	"github.com/pders01/storyline/internal/storage"
	"github.com/pders01/storyline/internal/validation"
)

// TokenSource supplies the bearer token for each request. An empty token
// means the request is sent as a guest.
type TokenSource interface {
	Token() string
}

// StoryStore keeps the stories the client has seen.
type StoryStore interface {
	SaveStories(stories []*storage.Story) (int, error)
	GetStory(id string) (*storage.Story, error)
	GetAllStories() ([]*storage.Story, error)
}

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
	Tokens    TokenSource
	// Store, when set, receives every fetched story and answers reads that
	// neither the network nor the cache could.
	Store             StoryStore
	MaxAttachmentSize int64
}

type Client struct {
	http          *http.Client
	base          string
	userAgent     string
	tokens        TokenSource
	store         StoryStore
	maxAttachment int64
}

// Source says where a read was answered from.
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
	SourceStore
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceStore:
		return "store"
	default:
		return "network"
	}
}

type ListQuery struct {
	Page     int
	Size     int
	Location bool
}

func (q ListQuery) encode() string {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Size > 0 {
		v.Set("size", strconv.Itoa(q.Size))
	}
	if q.Location {
		v.Set("location", "1")
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

type StoryList struct {
	Stories []*storage.Story
	Source  Source
}

type StoryResult struct {
	Story  *storage.Story
	Source Source
}

// PostResult is the outcome of a story upload. Queued is set when the
// upload was saved to the outbox instead of reaching the server.
type PostResult struct {
	Queued  bool   `json:"queued"`
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message"`
}

type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// Subscription is a Web Push subscription as the browser reports it.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := opts.MaxAttachmentSize
	if limit <= 0 {
		limit = validation.DefaultMaxAttachmentSize
	}
	return &Client{
		http:          &http.Client{Timeout: timeout, Transport: opts.Transport},
		base:          strings.TrimRight(opts.BaseURL, "/"),
		userAgent:     opts.UserAgent,
		tokens:        opts.Tokens,
		store:         opts.Store,
		maxAttachment: limit,
	}
}

// BaseURL returns the API root requests are sent to.
func (c *Client) BaseURL() string {
	return c.base
}

// GetStories lists stories. Fresh results are saved to the store; when the
// request fails offline without a cached copy, every stored story is
// returned instead.
func (c *Client) GetStories(ctx context.Context, q ListQuery) (*StoryList, error) {
	r, err := c.send(ctx, http.MethodGet, "/stories"+q.encode(), nil, "", false)
	if err == nil {
		stories, nerr := NormalizeStories(r.body)
		if nerr != nil {
			return nil, nerr
		}
		src := r.source()
		if src == SourceNetwork {
			c.remember(stories...)
		}
		return &StoryList{Stories: stories, Source: src}, nil
	}
	if !offline(err) || c.store == nil {
		return nil, err
	}

	stored, serr := c.store.GetAllStories()
	if serr != nil {
		debuglog.Warnf("api: reading stored stories: %v", serr)
		return nil, err
	}
	if len(stored) == 0 {
		return nil, err
	}
	return &StoryList{Stories: stored, Source: SourceStore}, nil
}

// GetStory fetches one story, falling back to the stored copy offline.
func (c *Client) GetStory(ctx context.Context, id string) (*StoryResult, error) {
	if id == "" {
		return nil, fmt.Errorf("story id is required")
	}
	r, err := c.send(ctx, http.MethodGet, "/stories/"+url.PathEscape(id), nil, "", false)
	if err == nil {
		story, nerr := NormalizeStory(r.body)
		if nerr != nil {
			return nil, nerr
		}
		if story == nil {
			return nil, &ServerError{Status: r.status, Message: "response carries no story"}
		}
		src := r.source()
		if src == SourceNetwork {
			c.remember(story)
		}
		return &StoryResult{Story: story, Source: src}, nil
	}
	if !offline(err) || c.store == nil {
		return nil, err
	}

	stored, serr := c.store.GetStory(id)
	if serr != nil {
		debuglog.Warnf("api: reading stored story %s: %v", id, serr)
		return nil, err
	}
	if stored == nil {
		return nil, err
	}
	return &StoryResult{Story: stored, Source: SourceStore}, nil
}

// PostStory uploads a story as multipart form data. Without a token the
// guest endpoint is used. Attachments are validated before anything is
// sent; problems come back as *validation.AttachmentError.
func (c *Client) PostStory(ctx context.Context, form *outbox.Form) (*PostResult, error) {
	for field, f := range form.Files {
		res := validation.ValidateAttachment(validation.Attachment{
			Field: field, Name: f.Name, Type: f.Type, Size: f.Size,
		}, c.maxAttachment)
		if err := res.Err(); err != nil {
			return nil, err
		}
	}

	r, err := c.postForm(ctx, form, false)
	if err != nil {
		return nil, err
	}

	var out PostResult
	_ = json.Unmarshal(r.body, &out)
	if !r.synthesized() {
		out.Queued = false
		out.ID = 0
	}
	return &out, nil
}

// Submit replays one outbox entry. It implements outbox.Submitter: the
// replay header keeps a failing replay from being queued again, and nil
// is returned only for a confirmed write.
func (c *Client) Submit(ctx context.Context, form *outbox.Form) error {
	_, err := c.postForm(ctx, form, true)
	return err
}

func (c *Client) postForm(ctx context.Context, form *outbox.Form, replay bool) (*response, error) {
	body, contentType, err := form.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding story: %w", err)
	}
	path := "/stories"
	if c.token() == "" {
		path = "/stories/guest"
	}
	return c.send(ctx, http.MethodPost, path, body, contentType, replay)
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	r, err := c.send(ctx, http.MethodPost, "/login", body, "application/json", false)
	if err != nil {
		return nil, err
	}

	var env struct {
		Result *LoginResult `json:"loginResult"`
		UserID string       `json:"userId"`
		Name   string       `json:"name"`
		Token  string       `json:"token"`
	}
	if err := json.Unmarshal(r.body, &env); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	res := LoginResult{UserID: env.UserID, Name: env.Name, Token: env.Token}
	if env.Result != nil {
		res = *env.Result
	}
	if res.Token == "" {
		return nil, &ServerError{Status: r.status, Message: "login response carries no token"}
	}
	return &res, nil
}

func (c *Client) Register(ctx context.Context, name, email, password string) error {
	body, err := json.Marshal(map[string]string{"name": name, "email": email, "password": password})
	if err != nil {
		return err
	}
	_, err = c.send(ctx, http.MethodPost, "/register", body, "application/json", false)
	return err
}

func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, http.MethodPost, "/notifications/subscribe", body, "application/json", false)
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, endpoint string) error {
	body, err := json.Marshal(map[string]string{"endpoint": endpoint})
	if err != nil {
		return err
	}
	_, err = c.send(ctx, http.MethodDelete, "/notifications/subscribe", body, "application/json", false)
	return err
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) remember(stories ...*storage.Story) {
	if c.store == nil || len(stories) == 0 {
		return
	}
	if _, err := c.store.SaveStories(stories); err != nil {
		debuglog.Warnf("api: saving %d stories: %v", len(stories), err)
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) synthesized() bool {
	return r.header.Get(netcache.HeaderSynthesized) != ""
}

func (r *response) source() Source {
	if r.header.Get(netcache.HeaderCache) == netcache.CacheStale {
		return SourceCache
	}
	return SourceNetwork
}

// send performs one request and classifies the outcome: ErrNetwork when
// nothing answered, ErrNoData for an offline miss, *ServerError for a
// rejected request.
func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string, replay bool) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if replay {
		req.Header.Set(netcache.HeaderReplay, "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}
	r := &response{status: resp.StatusCode, header: resp.Header, body: data}

	if r.synthesized() {
		switch resp.StatusCode {
		case http.StatusGatewayTimeout:
			return r, ErrNoData
		case http.StatusServiceUnavailable:
			return r, ErrNetwork
		}
	}
	flagged, msg := errorFlag(data)
	if resp.StatusCode >= 400 || flagged {
		return r, &ServerError{Status: resp.StatusCode, Message: msg}
	}
	return r, nil
}

func offline(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrNetwork)
}
