package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"zapdesk/internal/api"
	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/engine"
	"zapdesk/internal/health"
	"zapdesk/internal/store"
	"zapdesk/internal/transport"
	"zapdesk/internal/unread"
)

// Server exposes the daemon's local HTTP API. It binds to loopback; auth
// against the messaging backend stays inside the daemon.
type Server struct {
	addr     string
	store    *store.Store
	cache    *cache.Cache
	searcher *store.Searcher
	tracker  *unread.Tracker
	engine   *engine.Engine
	router   *transport.Router
	machine  *health.Machine
	rest     *api.Client
	bus      *bus.Bus
	logger   *zap.Logger

	httpSrv *http.Server
}

// NewServer creates the HTTP API server.
func NewServer(addr string, s *store.Store, c *cache.Cache, searcher *store.Searcher,
	tracker *unread.Tracker, eng *engine.Engine, rtr *transport.Router,
	machine *health.Machine, rest *api.Client, b *bus.Bus, logger *zap.Logger) *Server {
	srv := &Server{
		addr:     addr,
		store:    s,
		cache:    c,
		searcher: searcher,
		tracker:  tracker,
		engine:   eng,
		router:   rtr,
		machine:  machine,
		rest:     rest,
		bus:      b,
		logger:   logger,
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", srv.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/conversations", srv.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", srv.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", srv.handleSendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/read", srv.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/assign", srv.handleAssign).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/close", srv.handleClose).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/tags", srv.handleTag).Methods(http.MethodPost)
	v1.HandleFunc("/focus", srv.handleFocus).Methods(http.MethodPost)
	v1.HandleFunc("/watch", srv.handleWatch).Methods(http.MethodGet)

	srv.httpSrv = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return srv
}

// Start listens and serves until Stop. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	_ = s.httpSrv.Shutdown(ctx)
}

// Handler returns the route tree, for serving through a caller-owned
// listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// statusResponse is the GET /v1/status payload.
type statusResponse struct {
	State   string   `json:"state"`
	Healthy bool     `json:"healthy"`
	Joined  []string `json:"joined"`
	Focused string   `json:"focused,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:   string(s.machine.Current()),
		Healthy: s.machine.Healthy(),
		Joined:  s.router.Joined(),
		Focused: s.tracker.Focused(),
	})
}

// handleListConversations returns the store's current view. A search query
// that differs from the active filter kicks off a debounced remote search;
// the caller observes the narrowed list via /v1/watch or a follow-up get.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if search := r.URL.Query().Get("search"); search != s.store.Filter() {
		s.searcher.Query(search)
	}
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, s.cache.Messages(id))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	clientID, err := s.engine.Send(id, req.Body)
	if err != nil {
		s.logger.Error("send failed", zap.Error(err), zap.String("conversation_id", id))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"clientId": clientID})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.tracker.MarkRead(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	s.proxyAck(w, r, func(ctx context.Context) error {
		return s.rest.Assign(ctx, id, req.AgentID)
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.proxyAck(w, r, func(ctx context.Context) error {
		return s.rest.Close(ctx, id)
	})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	s.proxyAck(w, r, func(ctx context.Context) error {
		return s.rest.Tag(ctx, id, req.Tags)
	})
}

// proxyAck forwards a mutating call to the backend. The resulting state
// change arrives back over the socket; we only relay success or failure.
func (s *Server) proxyAck(w http.ResponseWriter, r *http.Request, call func(context.Context) error) {
	if err := call(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, api.ErrAuthRejected) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleFocus sets or clears the focused conversation. Focusing joins the
// conversation's room and marks it read.
func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	prev := s.tracker.Focused()
	s.tracker.Focus(req.ConversationID)
	if prev != "" && prev != req.ConversationID {
		s.router.Unsubscribe(r.Context(), prev)
	}
	if req.ConversationID != "" {
		s.router.Subscribe(r.Context(), req.ConversationID)
		if err := s.tracker.MarkRead(r.Context(), req.ConversationID); err != nil {
			s.logger.Warn("mark read on focus failed", zap.Error(err),
				zap.String("conversation_id", req.ConversationID))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"focused": req.ConversationID})
}

// handleWatch streams bus events as newline-delimited JSON until the
// client disconnects.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	namespace := r.URL.Query().Get("namespace")
	ch, unsub := s.bus.Subscribe(namespace, 256)
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case evt := <-ch:
			if err := enc.Encode(watchEvent{
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp,
				Payload:   evt.Payload,
			}); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type watchEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
