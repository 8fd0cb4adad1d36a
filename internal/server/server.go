package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"transitcoords/internal/export"
	"transitcoords/internal/logging"
	"transitcoords/internal/metrics"
	"transitcoords/internal/pipeline"
	"transitcoords/internal/storage"
)

const defaultRunLimit = 100

// Runs is the part of the pipeline the API drives.
type Runs interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes run history, submission and the live event stream over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	runs     Runs
	metrics  *metrics.Metrics
	base     pipeline.Job
	baseDir  string
	log      *slog.Logger
	upgrader websocket.Upgrader
	hub      *hub
	server   *http.Server
}

// NewServer creates a server. base is the job that POST /runs overrides;
// overridden paths must stay under baseDir.
func NewServer(addr string, store *storage.Store, runs Runs, m *metrics.Metrics, base pipeline.Job, baseDir string, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		addr:    addr,
		store:   store,
		runs:    runs,
		metrics: m,
		base:    base,
		baseDir: baseDir,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newHub(log),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run starts the event hub; it must be running for /stream to deliver events.
func (s *Server) Run(ctx context.Context) {
	events, unsubscribe := s.runs.Subscribe()
	go func() {
		defer unsubscribe()
		s.hub.forward(ctx, events)
	}()
	s.hub.run(ctx)
}

// Start serves on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.Run(ctx)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.store.Run(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	lines, err := s.store.RunLines(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if lines == nil {
		lines = []storage.LineRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "lines": lines})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var o pipeline.Overrides
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := o.Within(s.baseDir); err != nil {
		s.log.Warn("rejected run override", "error", err, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := o.Apply(s.base)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.runs.Submit(job)
	switch {
	case errors.Is(err, export.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("run submitted", "id", id, "pattern", job.Request.Pattern, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		return
	}

	// Reads only detect the client going away.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrNotInitialized):
		http.Error(w, "run history is disabled", http.StatusServiceUnavailable)
	default:
		s.log.Error("store query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
