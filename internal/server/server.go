package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"asterism/internal/config"
	"asterism/internal/pipeline"
	"asterism/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes the identification pipeline over HTTP: image uploads,
// run history, and live results over SSE and WebSocket.
type Server struct {
	addr      string
	uploadDir string
	store     *storage.Store
	pipeline  *pipeline.Pipeline
	log       *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
	hub       *resultHub
}

// runEvent is the wire form of a finished job, shared by the SSE and
// WebSocket streams.
type runEvent struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Input  string         `json:"input"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func resultPayload(res pipeline.Result) runEvent {
	ev := runEvent{
		JobID:  res.Job.ID,
		Type:   string(res.Job.Type),
		Input:  res.Job.InputPath,
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// resultHub fans finished-job payloads out to WebSocket clients.
type resultHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newResultHub() *resultHub {
	return &resultHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 8),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *resultHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// NewServer creates a server for the given configuration.
func NewServer(cfg config.ServerConfig, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		uploadDir: cfg.UploadDir,
		store:     store,
		pipeline:  pipe,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		hub: newResultHub(),
	}
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.pumpResults(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
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

// Serve builds and runs a server. Convenience wrapper for the CLI.
func Serve(ctx context.Context, cfg config.ServerConfig, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(cfg, store, pipe, log).Start(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/identify", s.handleIdentify).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleResultStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// pumpResults forwards finished pipeline results to WebSocket clients.
func (s *Server) pumpResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(resultPayload(res))
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			default:
				s.log.Warn("websocket broadcast queue full, dropping result", "job", res.Job.ID)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"queue_depth": s.pipeline.QueueDepth(),
	})
}

// handleIdentify accepts a multipart image upload and enqueues an
// identification job for it. The response carries the job ID; progress
// arrives on /stream and /ws, and the outcome lands in /runs.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	dst := filepath.Join(s.uploadDir, id[:8]+"_"+filepath.Base(header.Filename))
	out, err := os.Create(dst)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out.Close()

	options := map[string]any{}
	if key := r.FormValue("api_key"); key != "" {
		options["apiKey"] = key
	}

	job := pipeline.Job{
		ID:        id,
		Type:      pipeline.JobIdentify,
		InputPath: dst,
		Options:   options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": id, "status": "queued"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.RunMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": id, "meta": meta})
}

func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
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
			payload, _ := json.Marshal(resultPayload(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
