// Package server exposes the offline layer over local HTTP: control
// endpoints under /_storyline and a reverse proxy that sends everything
// else through the network-cache mediator.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pders01/storyline/internal/app"
	"github.com/pders01/storyline/internal/config"
	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/favorites"
	"github.com/pders01/storyline/internal/netcache"
	"github.com/pders01/storyline/internal/notify"
)

const (
	controlPrefix         = "/_storyline"
	defaultHandlerTimeout = 2 * time.Minute
	maxPushPayload        = 64 << 10
)

type Options struct {
	// HandlerTimeout bounds each control request. Zero means 2m.
	HandlerTimeout time.Duration
}

type Server struct {
	ctl  *app.Controller
	cfg  *config.Config
	opts Options

	apiTarget   *url.URL
	shellTarget *url.URL
	proxy       *httputil.ReverseProxy
}

func New(ctl *app.Controller, cfg *config.Config, opts Options) (*Server, error) {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	apiTarget, err := upstream(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	shellTarget, err := upstream(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server origin: %w", err)
	}

	s := &Server{ctl: ctl, cfg: cfg, opts: opts, apiTarget: apiTarget, shellTarget: shellTarget}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:   s.rewrite,
		Transport: ctl.Transport(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			debuglog.Warnf("server: proxying %s %s: %v", r.Method, r.URL.Path, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return s, nil
}

func upstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())

	ctl := g.Group(controlPrefix)
	{
		ctl.GET("/health", s.health)
		ctl.GET("/status", s.status)
		ctl.GET("/outbox", s.listOutbox)
		ctl.POST("/sync", withTimeout(s.opts.HandlerTimeout, s.sync))
		ctl.POST("/shell/install", withTimeout(s.opts.HandlerTimeout, s.installShell))
		ctl.POST("/shell/activate", withTimeout(s.opts.HandlerTimeout, s.activateShell))
		ctl.GET("/favorites", s.listFavorites)
		ctl.GET("/search", s.search)
		ctl.POST("/notifications/parse", s.parseNotification)
	}

	g.NoRoute(s.forward)
	return g
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		debuglog.Infof("server: listening on %s", s.cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		debuglog.WithFields(map[string]any{
			"component": "server",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"cache":     c.Writer.Header().Get(netcache.HeaderCache),
		}).Debugf("handled in %s", time.Since(start))
	}
}

func withTimeout(d time.Duration, fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		fn(c)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"degraded":  s.ctl.Degraded(),
		"offline":   s.ctl.Offline(),
		"logged_in": s.ctl.Session().LoggedIn(),
	}
	if pending, err := s.ctl.Outbox(); err == nil {
		body["outbox"] = len(pending)
	}
	if n, ok := s.ctl.SearchDocs(); ok {
		body["search_docs"] = n
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listOutbox(c *gin.Context) {
	pending, err := s.ctl.Outbox()
	if err != nil {
		abortWith(c, err)
		return
	}
	entries := make([]gin.H, 0, len(pending))
	for _, e := range pending {
		entries = append(entries, gin.H{
			"id":                 e.ID,
			"fields":             e.Fields,
			"attachments":        e.Attachments,
			"attachment_dropped": e.AttachmentDropped,
			"created_at":         e.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) sync(c *gin.Context) {
	res, err := s.ctl.Online(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	failures := make([]gin.H, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, gin.H{"id": f.EntryID, "error": f.Err.Error()})
	}
	c.JSON(http.StatusOK, gin.H{
		"synced":    res.Synced,
		"failed":    res.Failed,
		"remaining": res.Remaining,
		"failures":  failures,
	})
}

func (s *Server) installShell(c *gin.Context) {
	report, err := s.ctl.InstallShell(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	failed := make(map[string]string, len(report.Failed))
	for p, ferr := range report.Failed {
		failed[p] = ferr.Error()
	}
	c.JSON(http.StatusOK, gin.H{"cached": report.Cached, "failed": failed})
}

func (s *Server) activateShell(c *gin.Context) {
	deleted, err := s.ctl.ActivateShell(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) listFavorites(c *gin.Context) {
	order, err := favorites.ParseOrder(c.Query("sort"))
	if err != nil {
		AbortJSONError(c, http.StatusBadRequest, ErrorCodeValidation, err.Error())
		return
	}
	items, err := s.ctl.Favorites(favorites.Query{Search: c.Query("q"), Order: order})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": items})
}

func (s *Server) search(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			AbortJSONError(c, http.StatusBadRequest, ErrorCodeValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results, err := s.ctl.Search(c.Query("q"), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{
			"kind":  r.Doc.Kind,
			"id":    r.Doc.ID,
			"name":  r.Doc.Name,
			"score": r.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// parseNotification turns a raw push payload into the notification to show
// and the page a click opens.
func (s *Server) parseNotification(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushPayload))
	if err != nil {
		AbortJSONError(c, http.StatusBadRequest, ErrorCodeValidation, "reading payload")
		return
	}
	n := notify.Parse(payload)
	c.JSON(http.StatusOK, gin.H{"notification": n, "target": notify.Target(n)})
}

func (s *Server) forward(c *gin.Context) {
	s.proxy.ServeHTTP(c.Writer, c.Request)
}

// rewrite sends API paths to the API host and everything else to the app
// origin. Client-supplied mediator headers are dropped so a caller cannot
// skip the outbox.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	target := s.shellTarget
	if underPrefix(pr.In.URL.Path, s.cfg.API.Prefix) {
		target = s.apiTarget
	}
	pr.SetURL(target)
	pr.Out.Host = target.Host
	pr.Out.Header.Del(netcache.HeaderReplay)
	pr.Out.Header.Del(netcache.HeaderSynthesized)
	pr.SetXForwarded()
}

func underPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
