// Package server exposes sessions and permission prompts over REST and
// pushes session events to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhubert/plural-supervisor/logger"
	"github.com/zhubert/plural-supervisor/manager"
	"github.com/zhubert/plural-supervisor/permission"
)

const shutdownTimeout = 5 * time.Second

// Server serves the REST API and the event websocket.
type Server struct {
	registry *manager.Registry
	bridge   *permission.Bridge
	hub      *Hub
	log      *slog.Logger
}

// New creates a server. The hub should already be the bridge's notifier and
// the registry's consumer.
func New(registry *manager.Registry, bridge *permission.Bridge, hub *Hub) *Server {
	s := &Server{
		registry: registry,
		bridge:   bridge,
		hub:      hub,
		log:      logger.WithComponent("server"),
	}
	hub.OnConnect = func(n permission.Notifier) {
		bridge.Reannounce(n)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery(s.log))
	r.Use(logging(s.log))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.removeSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/interrupt", s.interrupt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.stopSession).Methods(http.MethodPost)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/permissions", s.listPermissions).Methods(http.MethodGet)
	api.HandleFunc("/permissions/{id}", s.respondPermission).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.hub.ServeWS)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type createSessionRequest struct {
	ID              string `json:"id,omitempty"`
	WorkingDir      string `json:"working_dir"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	Continue        bool   `json:"continue,omitempty"`
	// Resume restarts a stored session by id.
	Resume bool `json:"resume,omitempty"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type permissionResponseRequest struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	var (
		sess *manager.Session
		err  error
	)
	if req.Resume {
		if req.ID == "" {
			WriteError(w, http.StatusBadRequest, ErrBadRequest, "id is required to resume")
			return
		}
		sess, err = s.registry.Resume(r.Context(), req.ID)
	} else {
		if req.WorkingDir == "" {
			WriteError(w, http.StatusBadRequest, ErrBadRequest, "working_dir is required")
			return
		}
		sess, err = s.registry.Create(r.Context(), manager.CreateOptions{
			ID:              req.ID,
			WorkingDir:      req.WorkingDir,
			ResumeSessionID: req.ResumeSessionID,
			Continue:        req.Continue,
		})
	}

	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, sess.Info())
	case errors.Is(err, manager.ErrSessionExists):
		WriteError(w, http.StatusConflict, ErrConflict, err.Error())
	case errors.Is(err, manager.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case sess != nil:
		WriteError(w, http.StatusInternalServerError, ErrStartFailed, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "text is required")
		return
	}
	if err := s.registry.SendMessage(r.Context(), mux.Vars(r)["id"], req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Interrupt(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "interrupted"})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Stop(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess.Info())
}

// statusResponse summarizes the daemon for health checks.
type statusResponse struct {
	Sessions           int `json:"sessions"`
	ActiveSessions     int `json:"active_sessions"`
	Clients            int `json:"clients"`
	PendingPermissions int `json:"pending_permissions"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	resp := statusResponse{
		Sessions:           len(sessions),
		Clients:            s.hub.ClientCount(),
		PendingPermissions: len(s.bridge.Pending("")),
	}
	for _, info := range sessions {
		if info.Status == manager.StatusActive || info.Status == manager.StatusStarting {
			resp.ActiveSessions++
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	reqs := s.bridge.Pending(r.URL.Query().Get("session_id"))
	if reqs == nil {
		reqs = []permission.Request{}
	}
	WriteJSON(w, http.StatusOK, reqs)
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}
	action, err := permission.ParseAction(req.Action)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.bridge.Respond(id, action, req.Message); err != nil {
		if errors.Is(err, permission.ErrUnknownRequest) {
			WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "action": string(action)})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case errors.Is(err, manager.ErrSessionBusy):
		WriteError(w, http.StatusConflict, ErrBusy, err.Error())
	case errors.Is(err, manager.ErrSessionNotRunning):
		WriteError(w, http.StatusConflict, ErrNotRunning, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		WriteError(w, http.StatusGatewayTimeout, ErrInternalError, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
	}
}
