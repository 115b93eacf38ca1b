package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aberthelot/campuschat/pkg/auth"
	"github.com/aberthelot/campuschat/pkg/database"
)

var (
	// errorLog always writes to stderr
	errorLog = log.New(os.Stderr, "", log.LstdFlags)
	// debugLog writes to stderr only when debug mode is enabled
	debugLog = log.New(io.Discard, "", log.LstdFlags)
)

// EnableDebugLogging turns on debug output to stderr
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "[DEBUG] ", log.LstdFlags)
}

// EnableFileLogging mirrors the error log to a file in addition to stderr
func EnableFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, f), "", log.LstdFlags)
	return nil
}

const cleanupInterval = 30 * time.Second

// Server owns the public HTTP listener (socket endpoint plus REST
// surface), the internal metrics listener, and all live sessions.
type Server struct {
	db         *database.DB
	config     ServerConfig
	registry   *Registry
	dispatcher *Dispatcher
	tokens     *auth.TokenService
	validator  auth.Validator
	metrics    *Metrics

	mu            sync.RWMutex
	sessions      map[uint64]*Session
	nextSessionID atomic.Uint64

	upgrader websocket.Upgrader

	listener        net.Listener
	httpServer      *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server over an already-open database.
func NewServer(db *database.DB, config ServerConfig) (*Server, error) {
	if config.TokenSecret == "" {
		return nil, fmt.Errorf("token secret is required")
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	tokens := auth.NewTokenService([]byte(config.TokenSecret), time.Duration(config.TokenTTLHours)*time.Hour)

	s := &Server{
		db:         db,
		config:     config,
		registry:   registry,
		dispatcher: NewDispatcher(db, registry, metrics, config.MaxMessageLength),
		tokens:     tokens,
		validator:  tokens,
		metrics:    metrics,
		sessions:   make(map[uint64]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The portal frontend and the server are served from
			// different origins in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	return s, nil
}

// Start begins listening on the configured ports. It returns once both
// listeners are bound; request handling runs in background goroutines.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.HTTPPort, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{Handler: s.routes()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.MetricsPort))
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on metrics port %d: %w", s.config.MetricsPort, err)
	}
	s.metricsListener = metricsListener

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", s.metrics.Handler())
	s.metricsServer = &http.Server{Handler: metricsMux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop()

	errorLog.Printf("Listening on %s (metrics on %s)", s.Addr(), s.MetricsAddr())
	return nil
}

// Addr returns the bound address of the public HTTP listener. Useful when
// the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// MetricsAddr returns the bound address of the metrics listener.
func (s *Server) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// Stop gracefully shuts the server down: stop accepting, close every live
// socket with a going-away frame, wait for session loops to drain.
func (s *Server) Stop() error {
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	s.registry.CloseAll("server shutting down")

	// Closing the registry's connections unblocks the session read loops.
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.Conn.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
	return nil
}

// HandleWebSocket upgrades an HTTP request to a socket session and runs
// its receive loop on the request goroutine.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("Upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sess := &Session{
		ID:         s.nextSessionID.Add(1),
		Conn:       NewSafeConn(conn),
		RemoteAddr: r.RemoteAddr,
	}
	sess.touch()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	debugLog.Printf("Session %d opened from %s", sess.ID, sess.RemoteAddr)
	s.sessionLoop(sess)
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// cleanupLoop periodically disconnects sessions that have been idle past
// the configured timeout. The close unblocks the session's read loop,
// which handles unregistration.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweepStaleSessions()
		}
	}
}

func (s *Server) sweepStaleSessions() {
	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	s.mu.RLock()
	var stale []*Session
	for _, sess := range s.sessions {
		if sess.lastActivity.Load() < cutoff {
			stale = append(stale, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range stale {
		debugLog.Printf("Session %d idle past %s, disconnecting", sess.ID, timeout)
		sess.Conn.CloseWithReason(websocket.CloseGoingAway, "idle timeout")
	}
}
