// Package server wraps http.Server with the timeouts and TLS floor the
// hub runs with, plus graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"integration-hub/internal/common/logging"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// Server is the hub's HTTP listener.
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
}

// New creates a server for the given handler. TLS is enabled when both
// cert and key paths are non-empty.
func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
	}
}

// Start begins serving in a background goroutine and returns
// immediately. Listener failures other than a clean shutdown are fatal.
func (s *Server) Start() error {
	serve := s.srv.ListenAndServe
	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		serve = func() error {
			return s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		}
	}

	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP listener failed", err, logging.Field{Key: "addr", Value: s.srv.Addr})
			panic(err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
