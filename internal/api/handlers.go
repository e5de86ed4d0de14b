package api

import (
	"net/http"
	"strconv"
	"time"

	"grimm.is/v6tunnel/internal/brand"
	"grimm.is/v6tunnel/internal/scheduler"
	"grimm.is/v6tunnel/internal/state"
)

// AddRuleRequest is the body of POST /rules.
type AddRuleRequest struct {
	LocalPort  int `json:"local_port"`
	RemotePort int `json:"remote_port"`
}

// AddRuleResponse carries the id of a new rule.
type AddRuleResponse struct {
	ID int64 `json:"id"`
}

// UpdateRuleRequest is the body of PUT /rules/{id}. Enabled defaults to true.
type UpdateRuleRequest struct {
	LocalPort  int   `json:"local_port"`
	RemotePort int   `json:"remote_port"`
	Enabled    *bool `json:"enabled,omitempty"`
}

// ActionResponse acknowledges a lifecycle or send request.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`

	Tasks []scheduler.TaskStatus `json:"tasks,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.GetConfig(r.Context())
	if err != nil {
		writeServiceError(w, "failed to load config", err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg state.ProxyConfig
	if err := decodeJSON(r, &cfg); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	saved, err := s.svc.SetConfig(r.Context(), cfg)
	if err != nil {
		writeServiceError(w, "failed to save config", err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.ListRules(r.Context())
	if err != nil {
		writeServiceError(w, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []state.ProxyRule{}
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id, err := s.svc.AddRule(r.Context(), req.LocalPort, req.RemotePort)
	if err != nil {
		writeServiceError(w, "failed to add rule", err)
		return
	}
	WriteJSON(w, http.StatusCreated, AddRuleResponse{ID: id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req UpdateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := state.ProxyRule{ID: id, LocalPort: req.LocalPort, RemotePort: req.RemotePort, Enabled: enabled}
	if err := s.svc.UpdateRule(r.Context(), rule); err != nil {
		writeServiceError(w, "failed to update rule", err)
		return
	}
	WriteJSON(w, http.StatusOK, ActionResponse{Success: true})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid rule id", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StartProxy(r.Context()); err != nil {
		writeServiceError(w, "failed to start proxy", err)
		return
	}
	WriteJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "proxy started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopProxy(r.Context()); err != nil {
		writeServiceError(w, "failed to stop proxy", err)
		return
	}
	WriteJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "proxy stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RestartProxy(r.Context()); err != nil {
		writeServiceError(w, "failed to restart proxy", err)
		return
	}
	WriteJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "proxy restarted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ProxyStatus(r.Context())
	if err != nil {
		writeServiceError(w, "failed to read status", err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.svc.SendAsync()
	WriteJSON(w, http.StatusAccepted, ActionResponse{Success: true, Message: "announcement queued"})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !s.testLimiter.Allow(getClientIP(r)) {
		WriteError(w, http.StatusTooManyRequests, "test send rate limited")
		return
	}
	entry, err := s.svc.TestSend(r.Context())
	if entry == nil {
		if err == nil {
			WriteError(w, http.StatusInternalServerError, "test send produced no result")
			return
		}
		writeServiceError(w, "test send failed", err)
		return
	}
	// A delivered-but-rejected webhook is still a completed test.
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}
	WriteJSON(w, http.StatusOK, s.svc.Logs(limit))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	text, err := s.svc.Summary(r.Context())
	if err != nil {
		writeServiceError(w, "failed to build summary", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	resp := HealthResponse{
		Status:  "ok",
		Version: brand.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Service: "stopped",
		Error:   st.Error,
		Tasks:   st.Tasks,
	}
	if st.Running {
		resp.Service = "running"
	}
	WriteJSON(w, http.StatusOK, resp)
}
