package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"meshtrack/internal/pipeline"
	"meshtrack/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes jobs, stored identities and live frame results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	live     *liveHub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

// NewServer creates a server for pipe. store may be nil, in which case the
// query routes report an error.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		live:     newLiveHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.live.run(ctx, s.pipeline.Frames())

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleCancel).Methods("DELETE")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/subjects", s.handleSubjects).Methods("GET")
	r.HandleFunc("/sessions/{id}/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/sessions/{id}/stream", s.handleFrameStream).Methods("GET")
	r.HandleFunc("/sessions/{id}/live", s.handleLive).Methods("GET")
}

// Serve runs a server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case pipeline.JobConform, pipeline.JobTrack:
	default:
		http.Error(w, "unknown job type "+strconv.Quote(string(req.Type)), http.StatusBadRequest)
		return
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "http"
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job submitted", "id", job.ID, "type", job.Type, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pipeline.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrUnknownJob) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	subjects, err := s.store.Subjects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if subjects == nil {
		subjects = []string{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

// frameView is the JSON shape of a stored frame.
type frameView struct {
	Session       string          `json:"session"`
	Frame         int             `json:"frame"`
	Valid         bool            `json:"valid"`
	Failed        bool            `json:"failed"`
	LowConfidence bool            `json:"low_confidence"`
	Output        json.RawMessage `json:"output"`
	Diagnostics   json.RawMessage `json:"diagnostics,omitempty"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	from, err := queryInt(r, "from", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 1000)
	if err != nil || limit < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	recs, err := s.store.Frames(mux.Vars(r)["id"], from, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	diagnostics := r.URL.Query().Get("diagnostics") == "true"
	out := make([]frameView, 0, len(recs))
	for _, rec := range recs {
		v := frameView{
			Session:       rec.SessionID,
			Frame:         rec.Frame,
			Valid:         rec.Valid,
			Failed:        rec.Failed,
			LowConfidence: rec.LowConfidence,
			Output:        rec.Output,
		}
		if diagnostics {
			v.Diagnostics = rec.Diagnostics
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(jobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// jobEvent flattens a result for JSON; errors do not marshal on their own.
func jobEvent(res pipeline.Result) map[string]any {
	ev := map[string]any{
		"id":   res.Job.ID,
		"type": res.Job.Type,
		"meta": res.Meta,
	}
	if res.Error != nil {
		ev["error"] = res.Error.Error()
	}
	return ev
}

func (s *Server) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	frames, unsubscribe := s.pipeline.Frames().Subscribe(mux.Vars(r)["id"], 0)
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-frames:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &liveClient{conn: conn, session: mux.Vars(r)["id"]}
	select {
	case s.live.register <- c:
	case <-s.live.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.live.unregister <- c:
			case <-s.live.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
