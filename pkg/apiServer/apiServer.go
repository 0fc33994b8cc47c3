// Package apiServer serves the datastores of a Manager over HTTP so that
// other devices can replicate with them.
package apiServer

import (
	"log/slog"
	"net/http"

	ouroboros "github.com/i5heu/ouroboros-sync"
)

type Server struct {
	mux     *http.ServeMux
	manager *ouroboros.Manager
	log     *slog.Logger
	auth    AuthFunc
	// create datastores on first PUT /{db}
	allowCreate bool
}

func New(manager *ouroboros.Manager, opts ...Option) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		manager:     manager,
		log:         slog.Default(),
		auth:        defaultAuth,
		allowCreate: true,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "apiServer")

	s.routes()
	return s
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAuth checks every request before it is routed.
func WithAuth(fn AuthFunc) Option {
	return func(s *Server) { s.auth = fn }
}

// WithoutCreate refuses PUT /{db} for datastores that do not exist.
func WithoutCreate() Option {
	return func(s *Server) { s.allowCreate = false }
}

func defaultAuth(*http.Request, *ouroboros.Manager) error { return nil }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleWelcome)
	s.mux.HandleFunc("GET /_all_dbs", s.handleAllDatastores)

	s.mux.HandleFunc("GET /{db}", s.handleInfo)
	s.mux.HandleFunc("PUT /{db}", s.handleCreateDatastore)
	s.mux.HandleFunc("DELETE /{db}", s.handleDeleteDatastore)

	s.mux.HandleFunc("GET /{db}/_changes", s.handleChanges)
	s.mux.HandleFunc("POST /{db}/_revs_diff", s.handleRevsDiff)
	s.mux.HandleFunc("POST /{db}/_bulk_docs", s.handleBulkDocs)
	s.mux.HandleFunc("GET /{db}/_all_docs", s.handleAllDocs)
	s.mux.HandleFunc("POST /{db}/_compact", s.handleCompact)

	s.mux.HandleFunc("GET /{db}/{doc}", s.handleGetDocument)
	s.mux.HandleFunc("PUT /{db}/{doc}", s.handlePutDocument)
	s.mux.HandleFunc("DELETE /{db}/{doc}", s.handleDeleteDocument)
	s.mux.HandleFunc("GET /{db}/{doc}/{att...}", s.handleGetAttachment)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, Content-Range, ETag")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.auth(r, s.manager); err != nil {
		s.log.Warn("authentication failed", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	s.mux.ServeHTTP(w, r)
}
