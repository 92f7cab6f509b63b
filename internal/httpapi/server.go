package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/duplex/internal/config"
	"github.com/ent0n29/duplex/internal/gateway"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/protocol"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/session"
	"github.com/ent0n29/duplex/internal/wire"
)

type Orchestrator interface {
	Provider() string
	StartSession(ctx context.Context, req session.CreateRequest) (*session.Session, bool, error)
	EndSession(ctx context.Context, id string) (*session.Session, error)
	UpdateTools(ctx context.Context, id string, tools []wire.Tool, force bool) error
	State(id string) (realtime.Snapshot, error)
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/realtime/session", s.handleCreateSession)
	r.Get("/v1/realtime/session/{id}", s.handleGetSession)
	r.Post("/v1/realtime/session/{id}/end", s.handleEndSession)
	r.Put("/v1/realtime/session/{id}/tools", s.handleUpdateTools)
	r.Get("/v1/realtime/ws", s.handleSessionWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"provider":        s.orchestrator.Provider(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, resumed, err := s.orchestrator.StartSession(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, realtime.ErrRealtimeUnavailable):
			respondError(w, http.StatusBadGateway, "realtime_unavailable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		}
		return
	}
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ConversationID:  sess.ConversationID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Provider:        sess.Provider,
		TurnMode:        sess.TurnMode,
		Resumed:         resumed,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

type sessionView struct {
	*session.Session
	Engine *realtime.Snapshot `json:"engine,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess}
	if s.orchestrator != nil && sess.Status == session.StatusActive {
		if snap, err := s.orchestrator.State(id); err == nil {
			view.Engine = &snap
		}
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.orchestrator.EndSession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

type updateToolsRequest struct {
	Tools []wire.Tool `json:"tools"`
	Force bool        `json:"force"`
}

func (s *Server) handleUpdateTools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req updateToolsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for _, t := range req.Tools {
		if strings.TrimSpace(t.Name) == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "tool name is required")
			return
		}
	}

	if err := s.orchestrator.UpdateTools(r.Context(), id, req.Tools, req.Force); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, session.ErrEnded):
			respondError(w, http.StatusConflict, "session_ended", err.Error())
		case errors.Is(err, realtime.ErrRealtimeUnavailable):
			respondError(w, http.StatusBadGateway, "realtime_unavailable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "tools_update_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "tools": len(req.Tools)})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	detach, err := s.sessions.Attach(sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAttached):
			respondError(w, http.StatusConflict, "session_attached", err.Error())
		default:
			respondError(w, http.StatusGone, "session_ended", err.Error())
		}
		return
	}
	defer detach()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvent("ws_write_error")
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay on the writer goroutine; drop when its queue is full.
				s.metrics.SessionEvent("outbound_drop")
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WireMessage("client_in", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
