// Package control exposes the session manager to local user interfaces as
// a small HTTP API with a WebSocket event feed.
package control

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/peerdrop/file"
	"github.com/sirupsen/logrus"
)

// Sessions is the part of *file.Manager the API drives.
type Sessions interface {
	Sessions() []file.Info
	SessionInfo(id uuid.UUID) (file.Info, error)
	Accept(id uuid.UUID) error
	AcceptInto(id uuid.UUID, dir string) error
	Reject(id uuid.UUID, reason string) error
	Cancel(id uuid.UUID, discard bool) error
	Subscribe() (<-chan file.Event, func())
}

// Server serves the control API.
type Server struct {
	sessions Sessions
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	feeds    map[*feed]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a control server for sessions.
func NewServer(sessions Sessions) *Server {
	s := &Server{
		sessions: sessions,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		feeds: make(map[*feed]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/reject", s.handleReject).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.server = srv
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Server.Start",
				"error":    err.Error(),
			}).Error("Control server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Start",
		"addr":     l.Addr().String(),
	}).Info("Control API listening")
	return l.Addr(), nil
}

// Close stops the server and every event feed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	feeds := make([]*feed, 0, len(s.feeds))
	for f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}
	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.wg.Wait()
	return err
}

type acceptRequest struct {
	Dir string `json:"dir"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type cancelRequest struct {
	Discard bool `json:"discard"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.SessionInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.Dir != "" {
		err = s.sessions.AcceptInto(id, req.Dir)
	} else {
		err = s.sessions.Accept(id)
	}
	s.respond(w, id, "accept", err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respond(w, id, "reject", s.sessions.Reject(id, req.Reason))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respond(w, id, "cancel", s.sessions.Cancel(id, req.Discard))
}

// respond answers an action with the session snapshot or the error.
func (s *Server) respond(w http.ResponseWriter, id uuid.UUID, action string, err error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Server.respond",
		"session":  id.String(),
		"action":   action,
	})
	if err != nil {
		logger.WithField("error", err.Error()).Info("Control action refused")
		writeError(w, err)
		return
	}
	logger.Info("Control action applied")
	info, err := s.sessions.SessionInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid session id"})
		return uuid.UUID{}, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, file.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, file.ErrNotNegotiating), errors.Is(err, file.ErrTargetExists):
		status = http.StatusConflict
	case errors.Is(err, file.ErrInsufficientSpace):
		status = http.StatusInsufficientStorage
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
