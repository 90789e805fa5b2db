package server

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Server wraps the gin engine in a net/http.Server so the caller can
// drive graceful shutdown.
type Server struct {
	http *http.Server
	log  *logrus.Entry
}

// New constructs a Server bound to addr (":8087" style).
func New(addr string, opts RouterOptions) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	router := NewRouter(opts)
	return &Server{
		http: &http.Server{Addr: addr, Handler: router},
		log:  log,
	}
}

// Run serves until the listener fails or Shutdown is called; it never
// returns http.ErrServerClosed as an error.
func (s *Server) Run() error {
	s.log.WithField("addr", s.http.Addr).Info("listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
