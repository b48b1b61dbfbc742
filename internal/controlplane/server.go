// Package controlplane exposes a running sync session over a small
// token-protected HTTP API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/history"
	"github.com/openmined/dirsync/internal/utils"
)

// Controller is the slice of a session the API drives
type Controller interface {
	StartPass() error
	Stop() error
	SetInterval(time.Duration) error
	Status() dirsync.SessionStatus
}

// LogSource serves the most recent log lines
type LogSource interface {
	Lines(limit int) []string
}

// LogStreamer is implemented by log sources that push new lines
type LogStreamer interface {
	Subscribe() <-chan string
	Unsubscribe(<-chan string)
}

// HistorySource serves recorded passes
type HistorySource interface {
	Recent(limit int) ([]history.PassRecord, error)
	Failures(passID string) ([]history.FailureRecord, error)
}

type Config struct {
	Addr  string
	Token string
	// RateLimit is requests per second per client; zero uses the default
	RateLimit int64
}

type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener

	done     chan struct{}
	doneOnce sync.Once
}

func NewServer(config *Config, ctl Controller, logs LogSource, hist HistorySource) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("control plane address is empty")
	}
	if config.Token == "" {
		return nil, errors.New("control plane token is empty")
	}

	done := make(chan struct{})
	routes := SetupRoutes(&RouteConfig{
		Token:     config.Token,
		RateLimit: config.RateLimit,
		Done:      done,
	}, ctl, logs, hist)

	httpServer := &http.Server{
		Addr:              config.Addr,
		Handler:           routes,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{config: config, server: httpServer, done: done}, nil
}

// Listen binds the address so Addr is known before Start
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start serves until Stop is called
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.Addr()), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	// Shutdown waits for active handlers, so end open log streams first
	s.doneOnce.Do(func() { close(s.done) })
	err := s.server.Shutdown(ctx)
	// Shutdown only closes listeners that reached Serve
	if s.listener != nil {
		s.listener.Close()
	}
	return err
}
