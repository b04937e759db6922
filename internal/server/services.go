package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPService serves an http.Server until stopped, then shuts it down
// gracefully within the configured timeout.
type HTTPService struct {
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewHTTPService wraps srv. If ln is nil, srv.Addr is bound on Start.
func NewHTTPService(srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPService {
	return &HTTPService{srv: srv, listener: ln, shutdownTimeout: shutdownTimeout, logger: logger}
}

// Start serves until Stop is called.
func (s *HTTPService) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.srv.Addr)
		if err != nil {
			return err
		}
	}
	s.logger.Info("http listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to the shutdown timeout for handlers.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
		_ = s.srv.Close()
	}
}

// TickerService runs fn every interval until stopped.
type TickerService struct {
	interval time.Duration
	fn       func(context.Context)

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTickerService creates a TickerService.
//
// Precondition: interval must be positive.
func NewTickerService(interval time.Duration, fn func(context.Context)) *TickerService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TickerService{interval: interval, fn: fn, ctx: ctx, cancel: cancel}
}

// Start blocks, calling fn on every tick.
func (s *TickerService) Start() error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.fn(s.ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (s *TickerService) Stop() {
	s.once.Do(s.cancel)
}
