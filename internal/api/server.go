// Package api exposes the session registry and the dispatch service over
// HTTP, plus a websocket progress feed.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wabatch/internal/directory"
	"wabatch/internal/dispatch"
	"wabatch/internal/progress"
	"wabatch/internal/session"
	logx "wabatch/pkg/logx"
)

// Sessions is the registry surface the API needs.
type Sessions interface {
	ResolveOrCreate(ctx context.Context, identity string) (string, error)
	RequestPairingCode(ctx context.Context, identity string) (string, error)
	Status(identity string) session.Status
	List() []session.Status
	Remove(ctx context.Context, identity string, purge bool) error
}

// Dispatcher is the dispatch surface the API needs.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Start(req dispatch.Request) (string, error)
	Status(jobID string) (dispatch.JobStatus, bool)
	Jobs() []dispatch.JobStatus
	Cancel(jobID string) error
}

type Deps struct {
	Sessions  Sessions
	Dispatch  Dispatcher
	Directory directory.Directory
	Progress  progress.Channel
	// Health, if set, contributes extra fields to /healthz.
	Health func() any
	Log    logx.Logger
}

type Server struct {
	sessions Sessions
	dispatch Dispatcher
	dir      directory.Directory
	feed     progress.Channel
	health   func() any
	log      logx.Logger

	// syncTimeout bounds synchronous send requests. Zero means no bound.
	syncTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func New(d Deps, syncTimeout time.Duration) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		sessions:    d.Sessions,
		dispatch:    d.Dispatch,
		dir:         d.Directory,
		feed:        d.Progress,
		health:      d.Health,
		log:         log.With(logx.String("comp", "api")),
		syncTimeout: syncTimeout,
		closed:      make(chan struct{}),
	}
}

// Close ends every open progress feed. http.Server.Shutdown does not track
// hijacked websocket connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /pair", s.handlePair)
	mux.HandleFunc("POST /pair/code", s.handlePairingCode)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("DELETE /sessions/{identity}", s.handleRemove)

	mux.HandleFunc("POST /send", s.handleSend(""))
	mux.HandleFunc("POST /send-messages", s.handleSend("standard"))
	mux.HandleFunc("POST /send-simple-messages", s.handleSend("simple"))
	mux.HandleFunc("POST /send-shop-messages", s.handleSend("shop"))

	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)

	if s.feed != nil {
		mux.HandleFunc("GET /progress", s.handleProgress)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.recoverer(mux)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	all := s.sessions.List()
	connected := 0
	for _, st := range all {
		if st.Connected {
			connected++
		}
	}
	body := map[string]any{
		"ok":       true,
		"sessions": map[string]int{"total": len(all), "connected": connected},
	}
	if s.health != nil {
		body["runtime"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}
