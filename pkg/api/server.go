package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/connpool/pkg/connpool"
	"github.com/sandboxrunner/connpool/pkg/storage"
)

const (
	slowResponse = "This goes very slowwwwwww"
	fastResponse = "This goes very faaaaaast"

	demoCollection = "test"
	maxBodyBytes   = 1 << 20
	requestIDKey   = "X-Request-ID"
)

// Pool is the part of a connection pool the handlers depend on.
type Pool interface {
	WithConnection(ctx context.Context, fn func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error) error
	Stats() connpool.Snapshot
	HealthCheck(ctx context.Context) (*connpool.HealthReport, error)
}

// Config holds HTTP server configuration
type Config struct {
	Address       string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SlowDelay     time.Duration
	StatsInterval time.Duration
}

// DefaultConfig returns default HTTP server configuration
func DefaultConfig() Config {
	return Config{
		Address:       "0.0.0.0",
		Port:          3000,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		SlowDelay:     5 * time.Second,
		StatsInterval: time.Second,
	}
}

// Server serves the document API on top of a connection pool.
type Server struct {
	config   Config
	pool     Pool
	store    *storage.DocumentStore
	router   *mux.Router
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	stopOnce   sync.Once
	streamMu   sync.Mutex // orders wg.Add for streams against close(shutdown)
	wg         sync.WaitGroup
}

// NewServer creates a server. Extra middleware runs after request ID
// assignment and access logging.
func NewServer(config Config, pool Pool, store *storage.DocumentStore, logger zerolog.Logger, middleware ...mux.MiddlewareFunc) *Server {
	if config.StatsInterval <= 0 {
		config.StatsInterval = time.Second
	}

	s := &Server{
		config: config,
		pool:   pool,
		store:  store,
		router: mux.NewRouter(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		shutdown: make(chan struct{}),
	}

	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)
	for _, mw := range middleware {
		s.router.Use(mw)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/slow", s.handleSlow).Methods(http.MethodGet)
	s.router.HandleFunc("/fast", s.handleFast).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/collections/{name}/documents", s.handleInsertDocument).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{name}/count", s.handleCountDocuments).Methods(http.MethodGet)
	v1.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	v1.HandleFunc("/pool/stats", s.handlePoolStats).Methods(http.MethodGet)
	v1.HandleFunc("/pool/stats/stream", s.handleStatsStream).Methods(http.MethodGet)
	v1.HandleFunc("/pool/health", s.handlePoolHealth).Methods(http.MethodGet)
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting HTTP server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting requests and waits for in-flight handlers and streams.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	s.stopOnce.Do(func() {
		s.streamMu.Lock()
		close(s.shutdown)
		s.streamMu.Unlock()
	})

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleSlow(w http.ResponseWriter, r *http.Request) {
	err := s.pool.WithConnection(r.Context(), func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		if _, err := s.store.Insert(ctx, c.Link(), demoCollection, map[string]string{"a": "from slow"}); err != nil {
			return err
		}

		timer := time.NewTimer(s.config.SlowDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}
	s.writeText(w, http.StatusOK, slowResponse)
}

func (s *Server) handleFast(w http.ResponseWriter, r *http.Request) {
	err := s.pool.WithConnection(r.Context(), func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		_, err := s.store.Insert(ctx, c.Link(), demoCollection, map[string]string{"a": "from fast"})
		return err
	})
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}
	s.writeText(w, http.StatusOK, fastResponse)
}

func (s *Server) handleInsertDocument(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["name"]
	if err := storage.ValidateCollection(collection); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid collection", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateDocument(body); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Validation failed", err)
		return
	}

	var id string
	err = s.pool.WithConnection(r.Context(), func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		var err error
		id, err = s.store.Insert(ctx, c.Link(), collection, json.RawMessage(body))
		return err
	})
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, InsertDocumentResponse{ID: id, Collection: collection})
}

func (s *Server) handleCountDocuments(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["name"]
	if err := storage.ValidateCollection(collection); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid collection", err)
		return
	}

	var n int64
	err := s.pool.WithConnection(r.Context(), func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		var err error
		n, err = s.store.Count(ctx, c.Link(), collection)
		return err
	})
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, CountResponse{Collection: collection, Count: n})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var doc *storage.Document
	err := s.pool.WithConnection(r.Context(), func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		var err error
		doc, err = s.store.Get(ctx, c.Link(), id)
		return err
	})
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, doc)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.HealthCheck(r.Context())
	if err != nil {
		s.writePoolError(w, r, err)
		return
	}

	status := http.StatusOK
	if report.OverallHealth == connpool.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSONResponse(w, status, report)
}

// writePoolError maps pool and store failures onto HTTP status codes.
func (s *Server) writePoolError(w http.ResponseWriter, r *http.Request, err error) {
	var connErr *connpool.ConnectionError

	switch {
	case errors.Is(err, connpool.ErrPoolExhausted):
		w.Header().Set("Retry-After", "1")
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Connection pool exhausted", err)
	case errors.Is(err, connpool.ErrPoolClosed):
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Connection pool closed", err)
	case errors.As(err, &connErr):
		s.writeErrorResponse(w, r, http.StatusBadGateway, "Database unavailable", err)
	case errors.Is(err, storage.ErrInvalidCollection), errors.Is(err, ErrInvalidDocument):
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, storage.ErrDocumentNotFound):
		s.writeErrorResponse(w, r, http.StatusNotFound, "Document not found", err)
	default:
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "Internal error", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	errorResponse := ErrorResponse{
		Error: Error{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
			RequestID: w.Header().Get(requestIDKey),
		},
	}

	if err != nil {
		errorResponse.Error.Details = err.Error()
		logger := zerolog.Ctx(r.Context())
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("message", message).Msg("API error")
		} else {
			logger.Debug().Err(err).Str("message", message).Msg("API request rejected")
		}
	}

	s.writeJSONResponse(w, status, errorResponse)
}

// Middleware functions

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDKey)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDKey, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		zerolog.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
