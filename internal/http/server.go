// Package http exposes the transactional store over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scopedb/internal/db"
	"scopedb/pkg/dberrors"
	"scopedb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 4 << 20
)

// iDatabase is what the handlers need from the store.
type iDatabase interface {
	Get(ctx context.Context, key types.Key) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value) error
	Delete(ctx context.Context, key types.Key) error
	Apply(ctx context.Context, ops []db.Op) error
	Stats() map[string]int64
}

// BatchOp is one entry of a POST /v1/batch request.
type BatchOp struct {
	Op    string `json:"op"` // "put" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type batchRequest struct {
	Ops []BatchOp `json:"ops"`
}

// Server serves the key-value API over HTTP.
type Server struct {
	db         iDatabase
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(db iDatabase, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		db:   db,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/keys/{key}", s.handleGet)
	r.Put("/v1/keys/{key}", s.handlePut)
	r.Delete("/v1/keys/{key}", s.handleDelete)
	r.Post("/v1/batch", s.handleBatch)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse("key not found"))
	case errors.Is(err, dberrors.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, dberrors.ErrClosed):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.Stats())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.db.Get(r.Context(), types.Key(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyResponse(key, string(value)))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("failed to read body"))
		return
	}
	if err := s.db.Put(r.Context(), types.Key(key), value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyResponse(key, ""))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.db.Delete(r.Context(), types.Key(key)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyResponse(key, ""))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("failed to decode batch"))
		return
	}
	if len(req.Ops) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("empty batch"))
		return
	}
	ops := make([]db.Op, len(req.Ops))
	for i, op := range req.Ops {
		if op.Key == "" {
			s.writeJSON(w, http.StatusBadRequest, errorResponse("missing key"))
			return
		}
		switch op.Op {
		case "put":
			ops[i] = db.Op{Kind: db.OpPut, Key: types.Key(op.Key), Value: types.Value(op.Value)}
		case "delete":
			ops[i] = db.Op{Kind: db.OpDelete, Key: types.Key(op.Key)}
		default:
			s.writeJSON(w, http.StatusBadRequest, errorResponse("unknown op: "+op.Op))
			return
		}
	}
	if err := s.db.Apply(r.Context(), ops); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appliedResponse(len(ops)))
}
