// Package server exposes the annotation store over HTTP.
//
// Principal resolution is the deployment's job: requests arrive with
// X-User-Id (and optional X-User-Groups, X-User-Admin) already verified by
// the fronting proxy. The server enforces permissions, never identity.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/access"
	"github.com/slidelab/slideannot/internal/config"
	"github.com/slidelab/slideannot/internal/hooks"
	"github.com/slidelab/slideannot/internal/plottable"
	"github.com/slidelab/slideannot/internal/storage/sqlite"
	"github.com/slidelab/slideannot/internal/telemetry"
)

// streamTimeout bounds one streaming element response. Large annotations can
// take hours to serialize over slow links; a full day is effectively "until
// the client gives up".
const streamTimeout = 24 * time.Hour

// maxBodyBytes caps an uploaded annotation document.
const maxBodyBytes = 1 << 30

// Server is the HTTP surface over one annotation store.
type Server struct {
	store      *sqlite.Store
	access     access.Facade
	lifecycle  *hooks.Lifecycle
	plots      *plottable.Aggregator
	metrics    *telemetry.AnnotationMetrics
	log        *zap.Logger
	gcDefaults config.GC

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Access overrides the default folder-inheriting facade.
	Access access.Facade
	// Metrics enables the annotation counters; nil records nothing.
	Metrics *telemetry.AnnotationMetrics
	// GCDefaults seeds the old-annotation endpoints; zero values fall back
	// to the built-in configuration defaults.
	GCDefaults config.GC
	Log        *zap.Logger
}

// New builds a Server over the given store.
func New(store *sqlite.Store, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Access == nil {
		opts.Access = access.New(store)
	}
	if opts.GCDefaults.MinAgeDays == 0 {
		opts.GCDefaults = config.Default().GC
	}
	return &Server{
		store:      store,
		access:     opts.Access,
		lifecycle:  hooks.New(store, opts.Log),
		plots:      plottable.New(store, opts.Log),
		metrics:    opts.Metrics,
		log:        opts.Log,
		gcDefaults: opts.GCDefaults,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /annotation", s.handleList)
	mux.HandleFunc("POST /annotation", s.handleCreate)
	mux.HandleFunc("GET /annotation/schema", s.handleSchema)
	mux.HandleFunc("GET /annotation/images", s.handleImages)
	mux.HandleFunc("GET /annotation/counts", s.handleCounts)
	mux.HandleFunc("GET /annotation/old", s.handleOldDryRun)
	mux.HandleFunc("DELETE /annotation/old", s.handleOldRemove)

	mux.HandleFunc("GET /annotation/{id}", s.handleGet)
	mux.HandleFunc("PUT /annotation/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /annotation/{id}", s.handleDelete)
	// The {id}/{action} patterns would conflict with the literal
	// /annotation/item/... family (neither is more specific), so the
	// two-segment annotation subresources share a dispatcher per method.
	// /annotation/item/{itemId} stays more specific and wins for item paths.
	mux.HandleFunc("GET /annotation/{id}/{action}", s.dispatchGetAction)
	mux.HandleFunc("POST /annotation/{id}/{action}", s.dispatchPostAction)
	mux.HandleFunc("PUT /annotation/{id}/access", s.handleSetAccess)
	mux.HandleFunc("GET /annotation/{id}/history/{version}", s.handleHistoryVersion)
	mux.HandleFunc("PUT /annotation/{id}/history/revert", s.handleRevert)

	mux.HandleFunc("GET /annotation/item/{itemId}", s.handleItemGet)
	mux.HandleFunc("POST /annotation/item/{itemId}", s.handleItemPost)
	mux.HandleFunc("DELETE /annotation/item/{itemId}", s.handleItemDelete)
	mux.HandleFunc("POST /annotation/item/{itemId}/copy", s.handleItemCopy)
	mux.HandleFunc("POST /annotation/item/{itemId}/plot/list", s.handlePlotList)
	mux.HandleFunc("POST /annotation/item/{itemId}/plot/data", s.handlePlotData)

	return mux
}

func (s *Server) dispatchGetAction(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "access":
		s.handleGetAccess(w, r)
	case "history":
		s.handleHistory(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) dispatchPostAction(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "copy":
		s.handleCopy(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Start listens and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		// Streaming responses manage their own write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
