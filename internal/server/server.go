package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"stackengine/internal/classify"
	"stackengine/internal/engine"
	"stackengine/internal/frames"
	"stackengine/internal/storage"

	"github.com/gorilla/mux"
)

// Server exposes a session and its run history over HTTP.
type Server struct {
	addr    string
	session *engine.Session
	store   *storage.Store
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a server for session. store may be nil, in which case
// history endpoints report an error.
func NewServer(addr string, session *engine.Session, store *storage.Store, log *slog.Logger) *Server {
	return &Server{addr: addr, session: session, store: store, log: log}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(ctx),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Routes builds the router and starts the event stream bound to ctx.
func (s *Server) Routes(ctx context.Context) http.Handler {
	h := newHub(s.log)
	events, unsubscribe := s.session.Subscribe()
	go h.run(ctx)
	go h.pump(ctx, events, unsubscribe)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/groups", s.handleGroups).Methods("GET")
	r.HandleFunc("/api/groups", s.handleClear).Methods("DELETE")
	r.HandleFunc("/api/groups/{class}", s.handleDeleteClass).Methods("DELETE")
	r.HandleFunc("/api/groups/{class}/master", s.handleMasterFlag).Methods("PUT")
	r.HandleFunc("/api/files", s.handleAddFile).Methods("POST")
	r.HandleFunc("/api/files", s.handleRemoveFile).Methods("DELETE")
	r.HandleFunc("/api/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/api/run", func(w http.ResponseWriter, r *http.Request) { s.handleRun(ctx, w, r) }).Methods("POST")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRunDetail).Methods("GET")
	r.HandleFunc("/api/masters", s.handleMasters).Methods("GET")
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { h.serveWS(ctx, w, r) }).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Groups())
}

type addFileRequest struct {
	Path     string  `json:"path"`
	Master   bool    `json:"master"`
	Class    string  `json:"class"`
	Filter   *string `json:"filter"` // absent means read from the file
	Binning  int     `json:"binning"`
	Exposure float64 `json:"exposure"`
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	var req addFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hints := classify.Unforced()
	hints.Class = frames.ParseClass(req.Class)
	hints.Binning = req.Binning
	hints.Exposure = req.Exposure
	if req.Filter != nil {
		hints.Filter = *req.Filter
	}
	g, err := s.session.AddFile(r.Context(), req.Path, hints, req.Master)
	if err != nil {
		var dup *engine.DuplicateFileError
		var missing *engine.MissingFileError
		var unclassified *classify.ClassificationError
		switch {
		case errors.As(err, &dup), errors.Is(err, engine.ErrRunInProgress):
			writeError(w, http.StatusConflict, err)
		case errors.As(err, &missing):
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &unclassified):
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// writeMutation reports the outcome of a registry change.
func (s *Server) writeMutation(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, s.session.Groups())
	}
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing path parameter"))
		return
	}
	ok, err := s.session.RemoveFile(path)
	if err == nil && !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s is not part of the session", path))
		return
	}
	s.writeMutation(w, err)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, s.session.Clear())
}

func classVar(w http.ResponseWriter, r *http.Request) (frames.Class, bool) {
	name := mux.Vars(r)["class"]
	var class frames.Class
	if err := class.UnmarshalText([]byte(name)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return frames.Unknown, false
	}
	return class, true
}

func (s *Server) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	class, ok := classVar(w, r)
	if !ok {
		return
	}
	s.writeMutation(w, s.session.DeleteFrameSet(class))
}

type masterFlagRequest struct {
	Master bool `json:"master"`
}

// handleMasterFlag toggles whether the first frame of every group of a
// class is used as its master.
func (s *Server) handleMasterFlag(w http.ResponseWriter, r *http.Request) {
	class, ok := classVar(w, r)
	if !ok {
		return
	}
	var req masterFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeMutation(w, s.session.UpdateMasterFlags(class, req.Master))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Diagnose())
}

// handleRun starts a run. With ?wait=true the response carries the result,
// otherwise the run continues in the background and progress is available
// on /ws.
func (s *Server) handleRun(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		go func() {
			if _, err := s.session.Run(ctx); err != nil {
				s.log.Error("background run failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	res, err := s.session.Run(r.Context())
	var diag *engine.DiagnosticsError
	switch {
	case errors.As(err, &diag):
		writeJSON(w, http.StatusUnprocessableEntity, diag.Report)
	case errors.Is(err, engine.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil && res == nil:
		writeError(w, http.StatusInternalServerError, err)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Run(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleMasters(w http.ResponseWriter, r *http.Request) {
	class := frames.ParseClass(r.URL.Query().Get("class"))
	recs, err := s.store.Masters(class, limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}
