// Package server exposes a host.Storage over HTTP.
//
//	GET    /health         liveness and uptime
//	GET    /stats          operation counters, latency and size summaries (?since=5m)
//	DELETE /stats          reset metrics
//	PUT    /kv/{key...}    store (raw body for binary keys, JSON otherwise)
//	GET    /kv/{key...}    fetch
//	HEAD   /kv/{key...}    size and modification time
//	DELETE /kv/{key...}    remove
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlitekv/sqlitekv/internal/host"
	"github.com/sqlitekv/sqlitekv/internal/observability"
	"github.com/sqlitekv/sqlitekv/internal/storage"
)

// MaxBodyBytes bounds PUT bodies; values are buffered whole in memory.
const MaxBodyBytes = 64 << 20

// Server is the HTTP front end.
type Server struct {
	addr    string
	store   *host.Storage
	log     *observability.Logger
	metrics *observability.MetricsCollector
	started time.Time

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type putResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// statsResponse summaries are keyed by operation; "all" in Latency covers
// every operation.
type statsResponse struct {
	Since    *time.Time                       `json:"since,omitempty"`
	Points   int                              `json:"points"`
	Counters map[string]int64                 `json:"counters"`
	Latency  map[string]observability.Summary `json:"latency_ms"`
	Bytes    map[string]observability.Summary `json:"bytes"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// New creates a server. metrics may be nil.
func New(addr string, store *host.Storage, log *observability.Logger, metrics *observability.MetricsCollector) *Server {
	if log == nil {
		log = observability.Discard()
	}
	return &Server{
		addr:    addr,
		store:   store,
		log:     log,
		metrics: metrics,
		started: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("DELETE /stats", s.handleStatsReset)
	mux.HandleFunc("PUT /kv/{key...}", s.handlePut)
	mux.HandleFunc("GET /kv/{key...}", s.handleGet)
	mux.HandleFunc("HEAD /kv/{key...}", s.handleHead)
	mux.HandleFunc("DELETE /kv/{key...}", s.handleDelete)
	return s.withRequestID(mux)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Request(id, r.Method, r.URL.Path, rec.status, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Counters: map[string]int64{},
		Latency:  map[string]observability.Summary{},
		Bytes:    map[string]observability.Summary{},
	}

	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid since %q: want a positive duration like 5m", q)})
			return
		}
		since = time.Now().Add(-d)
		resp.Since = &since
	}

	if s.metrics != nil {
		resp.Points = s.metrics.Len()
		resp.Counters = s.metrics.Snapshot()
		resp.Latency["all"] = s.metrics.Summarize(observability.MetricLatency, since)
		for _, op := range s.metrics.Labeled(observability.MetricLatency, "op") {
			resp.Latency[op] = s.metrics.SummarizeLabel(observability.MetricLatency, "op", op, since)
		}
		for _, op := range s.metrics.Labeled(observability.MetricBytes, "op") {
			resp.Bytes[op] = s.metrics.SummarizeLabel(observability.MetricBytes, "op", op, since)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	var err error
	if s.store.IsBinaryKey(key) {
		err = s.store.PutStream(r.Context(), key, body)
	} else {
		data, readErr := io.ReadAll(body)
		if readErr != nil {
			s.writeError(w, readErr)
			return
		}
		// Unmarshal, unlike a Decoder, rejects trailing data after the value.
		var v any
		if decErr := json.Unmarshal(data, &v); decErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + decErr.Error()})
			return
		}
		err = s.store.Put(r.Context(), key, v)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, putResponse{Key: key, Status: "stored"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if !s.store.IsBinaryKey(key) {
		v, err := s.store.GetValue(r.Context(), key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(v.Bytes)))
		w.WriteHeader(http.StatusOK)
		w.Write(v.Bytes)
		return
	}

	rc, err := s.store.GetStream(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("write response", "key", key, "error", err.Error())
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.Head(r.Context(), r.PathValue("key"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Length, 10))
	w.Header().Set("Last-Modified", meta.ModifiedAt().UTC().Format(http.TimeFormat))
	w.Header().Set("X-Mod-Time", strconv.FormatInt(meta.ModTime, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: storage.NotFoundCode})
	case errors.Is(err, host.ErrNotBinary):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		s.log.Error("storage failure", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
