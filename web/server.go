package web

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"frame-recorder/config"
	"frame-recorder/recorder"

	"go.uber.org/zap"
)

// StatusSource provides the session status served by the monitor
type StatusSource interface {
	Status() recorder.Status
}

// Server is the read-only session monitor
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	handlers *Handlers
	hub      *Hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a monitor for source
func NewServer(cfg *config.Config, source StatusSource, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "monitor"))
	hub := NewHub(source, cfg.Monitor.AllowedOrigins, cfg.Monitor.SendBufferSize, logger)

	return &Server{
		config:   cfg,
		logger:   logger,
		hub:      hub,
		handlers: NewHandlers(cfg, source, hub, logger),
	}
}

// Handler returns the monitor routes wrapped in the logging middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/stats", s.handlers.HandleAPIStats)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)

	return s.addMiddleware(mux)
}

// Start listens on the configured address and starts the progress broadcast
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Monitor.BindIP, fmt.Sprintf("%d", s.config.Monitor.Port))
	s.logger.Info("Starting monitor server", zap.String("address", addr))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitor server error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	interval := time.Duration(s.config.Monitor.BroadcastIntervalMs) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx, interval)
	}()

	s.logger.Info("Monitor server started", zap.String("url", fmt.Sprintf("http://%s", listener.Addr())))
	return nil
}

// Addr returns the address the server listens on, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// addMiddleware adds CORS headers and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the middleware
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Stop stops the broadcast, disconnects clients and shuts the server down
func (s *Server) Stop() error {
	s.logger.Info("Stopping monitor server")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.hub.Close()

	if s.httpServer == nil {
		return nil
	}

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during monitor shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Monitor server stopped")
	return nil
}
