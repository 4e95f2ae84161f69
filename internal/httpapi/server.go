package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/projectpulse/projectpulse/internal/service"
)

// Server exposes the ingestion service over HTTP: job submission and
// inspection, bulk-file preview, the dead-letter log, and import
// history.
type Server struct {
	svc *service.Service

	maxUploadBytes int64

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithMaxUploadBytes caps how much of a multipart upload is read into
// the staging area. The default is 64 MiB.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

func NewServer(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		maxUploadBytes: 64 << 20,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/preview", s.handlePreview)
	s.mux.HandleFunc("/api/deadletter", s.handleDeadLetters)
	s.mux.HandleFunc("/api/deadletter/", s.handleDeadLetterRetry)
	s.mux.HandleFunc("/api/imports", s.handleImports)
	s.mux.HandleFunc("/api/healthz", s.handleHealthz)
}
