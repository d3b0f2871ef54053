// Package handlers implements the router's HTTP surface. Responses carry the
// router's payloads directly; errors are {"error": "..."} with 400 for
// protocol violations and 500 otherwise.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"teamrouter/internal/model"
	"teamrouter/internal/router"
)

// Server binds the HTTP handlers to a router core.
type Server struct {
	Router *router.Router
	Log    *zap.Logger
}

func NewServer(r *router.Router, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Router: r, Log: log}
}

func readBody(r *http.Request) (map[string]any, bool, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, true, err
	}
	return payload, true, nil
}

// Messages handles POST /messages.
func (s *Server) Messages(w http.ResponseWriter, r *http.Request) {
	payload, present, err := readBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !present || len(payload) == 0 {
		writeErr(w, http.StatusBadRequest, "message body required")
		return
	}
	result, err := s.Router.ReceiveMessage(payload)
	if err != nil {
		mapRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Acks handles POST /acks.
func (s *Server) Acks(w http.ResponseWriter, r *http.Request) {
	payload, present, err := readBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !present || len(payload) == 0 {
		writeErr(w, http.StatusBadRequest, "ack body required")
		return
	}
	result, err := s.Router.ReceiveAck(payload)
	if err != nil {
		mapRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PresenceRegister handles POST /presence/register.
func (s *Server) PresenceRegister(w http.ResponseWriter, r *http.Request) {
	payload, present, err := readBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !present || len(payload) == 0 {
		writeErr(w, http.StatusBadRequest, "agent required")
		return
	}
	agent := model.GetString(payload, "agent")
	meta, _ := payload["meta"].(map[string]any)
	result, err := s.Router.RegisterPresence(agent, meta)
	if err != nil {
		mapRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PresenceHeartbeat handles POST /presence/heartbeat.
func (s *Server) PresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	payload, present, err := readBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !present || len(payload) == 0 {
		writeErr(w, http.StatusBadRequest, "agent required")
		return
	}
	result, err := s.Router.Heartbeat(model.GetString(payload, "agent"))
	if err != nil {
		mapRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /status.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeTasks := query.Get("tasks") == "1" || query.Get("tasks") == "true"
	result := s.Router.Status(includeTasks, query.Get("filter_task"))
	writeJSON(w, http.StatusOK, result)
}

// Trace handles GET /trace.
func (s *Server) Trace(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.Router.Trace(query.Get("task"), query.Get("id"))
	if err != nil {
		mapRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Inbox handles GET /inbox.
func (s *Server) Inbox(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	agent := query.Get("agent")
	if agent == "" {
		writeErr(w, http.StatusBadRequest, "agent required")
		return
	}
	limit := 1
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "limit must be int")
			return
		}
		limit = parsed
	}
	messages := s.Router.PopInbox(agent, limit)
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "messages": messages})
}

// Presence handles GET /presence.
func (s *Server) Presence(w http.ResponseWriter, r *http.Request) {
	result := s.Router.PresenceStatus(r.URL.Query().Get("agent"))
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
