package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter"

	"github.com/followstars/followstars/internal/config"
	"github.com/followstars/followstars/internal/forge"
	"github.com/followstars/followstars/internal/poller"
	"github.com/followstars/followstars/internal/queryservice"
)

// starsCacheTTL bounds how long an identical stars query is answered from
// memory before hitting the database again.
const starsCacheTTL = 5 * time.Second

type cachedStars struct {
	response     StarsResponse
	etag         string
	lastModified time.Time
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	query      *queryservice.Service
	poll       *poller.Poller
	gh         *forge.Client
	feedLength int

	stars otter.Cache[string, cachedStars]
}

// NewServer wires all routes. When cfg carries a path prefix, the whole
// surface is mounted beneath it.
func NewServer(cfg *config.Config, qs *queryservice.Service, p *poller.Poller, gh *forge.Client) (*Server, error) {
	cache, err := otter.MustBuilder[string, cachedStars](1024).
		WithTTL(starsCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("api: build cache: %w", err)
	}

	s := &Server{
		query:      qs,
		poll:       p,
		gh:         gh,
		feedLength: cfg.FeedLength,
		stars:      cache,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", getOnly(exactRoot(s.handleIndex)))
	mux.HandleFunc("/feed.xml", getOnly(s.handleFeed))
	mux.HandleFunc("/api/stars", getOnly(s.handleStars))
	mux.HandleFunc("/api/status", getOnly(s.handleStatus))
	mux.HandleFunc("/api/options", getOnly(s.handleOptions))
	mux.HandleFunc("/healthz", getOnly(handleHealthz))

	var handler http.Handler = mux
	if cfg.PathPrefix != "" {
		outer := http.NewServeMux()
		outer.Handle(cfg.PathPrefix+"/", http.StripPrefix(cfg.PathPrefix, mux))
		outer.Handle(cfg.PathPrefix, getOnly(http.RedirectHandler(cfg.PathPrefix+"/", http.StatusMovedPermanently).ServeHTTP))
		handler = outer
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: handler,
	}
	return s, nil
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and releases the cache.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.stars.Close()
	return err
}

// Handler returns the root handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// getOnly restricts a route to GET and HEAD, answering anything else with
// 405 and an Allow header.
func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// exactRoot serves h only for the root path itself, not the whole subtree.
func exactRoot(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}
