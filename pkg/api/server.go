package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/logx"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server exposes a Service over HTTP. Every JSON endpoint answers with a
// Response; the event stream uses server-sent events.
type Server struct {
	svc      *Service
	gatherer prometheus.Gatherer
	logger   *logx.Logger
}

// NewServer creates a Server. gatherer may be nil to disable /metrics.
func NewServer(svc *Service, gatherer prometheus.Gatherer) *Server {
	return &Server{svc: svc, gatherer: gatherer, logger: logx.NewLogger("http")}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/healthz", s.handleHealth)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/archive", s.handleArchive)
	mux.HandleFunc("POST /api/sessions/{id}/unarchive", s.handleUnarchive)

	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSend)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.handleClear)
	mux.HandleFunc("PUT /api/sessions/{id}/model", s.handleSetModel)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleRunStatus)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/models", s.handleModels)

	mux.HandleFunc("GET /api/features", s.handleListFeatures)
	mux.HandleFunc("POST /api/features/update_feature_status", s.handleUpdateFeature)
	// Anything else that would write the feature list is refused here, before the store.
	mux.HandleFunc("/api/features", s.handleRejectFeatureWrite)
	mux.HandleFunc("/api/features/", s.handleRejectFeatureWrite)

	mux.HandleFunc("GET /api/logs", s.handleLogs)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp Response) {
	status := http.StatusOK
	if !resp.Success && resp.Error != nil {
		status = HTTPStatus(resp.Error.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// decode reads a JSON body into v and writes a validation failure on error.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeResponse(w, Response{Error: &Error{Code: CodeValidation, Message: "invalid request body: " + err.Error()}})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeResponse(w, OK(map[string]any{"status": "ok", "time": time.Now().UTC()}))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	s.writeResponse(w, s.svc.ListSessions(r.Context(), ListSessionsRequest{IncludeArchived: archived}))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp := s.svc.CreateSession(r.Context(), req)
	if resp.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	s.writeResponse(w, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.GetSession(r.Context(), r.PathValue("id")))
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = r.PathValue("id")
	s.writeResponse(w, s.svc.UpdateSession(r.Context(), req))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.DeleteSession(r.Context(), r.PathValue("id")))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.ArchiveSession(r.Context(), r.PathValue("id")))
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.UnarchiveSession(r.Context(), r.PathValue("id")))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	req.SessionID = r.PathValue("id")
	s.writeResponse(w, s.svc.Start(r.Context(), req))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SessionID = r.PathValue("id")
	s.writeResponse(w, s.svc.Send(r.Context(), req))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.History(r.Context(), r.PathValue("id")))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.Stop(r.Context(), r.PathValue("id")))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	s.writeResponse(w, s.svc.Clear(r.Context(), ClearRequest{SessionID: r.PathValue("id"), Purge: purge}))
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.writeResponse(w, s.svc.SetModel(r.Context(), r.PathValue("id"), req.Model))
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.RunStatus(r.Context(), r.PathValue("id")))
}

// handleEvents streams the session's events until the client leaves or the
// stream is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if resp := s.svc.GetSession(r.Context(), id); !resp.Success {
		s.writeResponse(w, resp)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeResponse(w, Response{Error: &Error{Code: CodeInternal, Message: "streaming not supported"}})
		return
	}

	sub := s.svc.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to encode event %d: %v", ev.Seq, err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refresh, _ := strconv.ParseBool(q.Get("refresh"))
	verify, _ := strconv.ParseBool(q.Get("verify"))
	s.writeResponse(w, s.svc.ProviderStatus(r.Context(), ProviderStatusRequest{
		Provider: q.Get("provider"),
		Refresh:  refresh,
		Verify:   verify,
	}))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.ListModels(r.Context(), r.URL.Query().Get("provider")))
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.ListFeatures(r.Context(), r.URL.Query().Get("project")))
}

func (s *Server) handleUpdateFeature(w http.ResponseWriter, r *http.Request) {
	var req UpdateFeatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeResponse(w, s.svc.UpdateFeatureStatus(r.Context(), req))
}

func (s *Server) handleRejectFeatureWrite(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, s.svc.RejectFeatureWrite(r.Method+" "+r.URL.Path))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var level logx.Level
	if v := q.Get("level"); v != "" {
		level = logx.ParseLevel(v)
	}
	entries := logx.Recent(level, q.Get("component"))
	s.writeResponse(w, OK(entries))
}
