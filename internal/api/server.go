// Package api serves the admin HTTP surface: health and alert queries,
// manual action execution, approval handling, audit and violation access,
// and change freeze management. Everything speaks JSON; mutating endpoints
// require an API key when keys are configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lelandg/Heimdallr/internal/action"
	"github.com/lelandg/Heimdallr/internal/agent"
	"github.com/lelandg/Heimdallr/internal/alert"
	"github.com/lelandg/Heimdallr/internal/approval"
	"github.com/lelandg/Heimdallr/internal/config"
	"github.com/lelandg/Heimdallr/internal/monitor"
	"github.com/lelandg/Heimdallr/internal/safety"
	"github.com/lelandg/Heimdallr/pkg/audit"
)

// Runner is the slice of the agent the API drives for executions. It exists
// so handler tests can fake plan execution.
type Runner interface {
	RunApprovedPlan(ctx context.Context, planID, approvedBy string) (*action.PlanExecutionResult, error)
	ExecuteAction(ctx context.Context, kind action.Kind, service string, params map[string]interface{}, dryRun bool) (action.ExecutionResult, safety.CheckResult)
	Stats() agent.Stats
}

// Deps are the components the handlers read from and the runner they
// execute through.
type Deps struct {
	Runner    Runner
	Monitor   *monitor.Monitor
	Alerts    *alert.Manager
	Guard     *safety.Guard
	Executor  *action.Executor
	Approvals approval.Store
	Audit     *audit.Logger
	Version   string
}

// Server is the admin HTTP handler.
type Server struct {
	deps   Deps
	cfg    config.APIConfig
	router *mux.Router
	logger *slog.Logger
}

// NewServer builds the router. The returned server implements http.Handler.
func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/health/services/{id}", s.handleServiceByID).Methods(http.MethodGet)
	r.HandleFunc("/health/services/{id}/check", s.handleForceCheck).Methods(http.MethodPost)

	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)

	r.HandleFunc("/actions/execute", s.handleExecuteAction).Methods(http.MethodPost)
	r.HandleFunc("/actions/history", s.handleActionHistory).Methods(http.MethodGet)

	r.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods(http.MethodPost)

	r.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/audit/report", s.handleAuditReport).Methods(http.MethodGet)
	r.HandleFunc("/violations", s.handleViolations).Methods(http.MethodGet)

	r.HandleFunc("/freezes", s.handleListFreezes).Methods(http.MethodGet)
	r.HandleFunc("/freezes", s.handleAddFreeze).Methods(http.MethodPost)
	r.HandleFunc("/freezes/{name}", s.handleRemoveFreeze).Methods(http.MethodDelete)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Runner.Stats()
	status := "ok"
	if !stats.Running {
		status = "stopped"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"version":  s.deps.Version,
		"uptime_s": stats.UptimeS,
		"services": stats.Monitor.TotalServices,
		"alerts":   stats.Alerts.TotalOpen,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.AllHealth())
}

func (s *Server) handleServiceByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	health, ok := s.deps.Monitor.Health(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+id)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.deps.Monitor.ForceCheck(ctx, id))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("history") == "true" {
		writeJSON(w, http.StatusOK, s.deps.Alerts.RecentHistory(limitParam(r, 50)))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Alerts.OpenAlerts(alert.Priority(q.Get("priority"))))
}

type actorRequest struct {
	By      string `json:"by"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "api"
	}
	id := mux.Vars(r)["id"]
	if !s.deps.Alerts.Acknowledge(id, req.By) {
		writeError(w, http.StatusNotFound, "unknown alert "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "api"
	}
	id := mux.Vars(r)["id"]
	if !s.deps.Alerts.Resolve(id, req.By, req.Message) {
		writeError(w, http.StatusNotFound, "unknown alert "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type executeRequest struct {
	Action     string                 `json:"action"`
	Service    string                 `json:"service"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	DryRun     bool                   `json:"dry_run"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := action.ParseKind(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}

	result, check := s.deps.Runner.ExecuteAction(r.Context(), kind, req.Service, req.Parameters, req.DryRun)
	if check != safety.ResultAllowed {
		status := http.StatusForbidden
		if check == safety.ResultRequiresApproval {
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]interface{}{
			"executed": false,
			"reason":   string(check),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executed": true,
		"result":   result,
	})
}

func (s *Server) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Executor.RecentExecutions(limitParam(r, 20)))
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Approvals.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "api"
	}
	id := mux.Vars(r)["id"]

	result, err := s.deps.Runner.RunApprovedPlan(r.Context(), id, req.By)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown plan "+id)
	case errors.Is(err, agent.ErrPlanBlocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrPlanInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Type:          audit.EventType(q.Get("type")),
		TargetService: q.Get("service"),
		CorrelationID: q.Get("correlation_id"),
		Limit:         limitParam(r, 100),
	}
	if v := q.Get("since_hours"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			filter.Start = time.Now().Add(-time.Duration(hours) * time.Hour)
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Audit.Search(filter))
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, s.deps.Audit.ComplianceReport(start, end))
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guard.Violations(limitParam(r, 50)))
}

func (s *Server) handleListFreezes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guard.Freezes())
}

type freezeRequest struct {
	Name         string    `json:"name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllowedKinds []string  `json:"allowed_actions,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

func (s *Server) handleAddFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !req.End.After(req.Start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	kinds := make([]action.Kind, 0, len(req.AllowedKinds))
	for _, k := range req.AllowedKinds {
		kind, err := action.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	s.deps.Guard.AddFreeze(safety.Freeze{
		Name:         req.Name,
		Start:        req.Start,
		End:          req.End,
		AllowedKinds: kinds,
		Reason:       req.Reason,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "name": req.Name})
}

func (s *Server) handleRemoveFreeze(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.deps.Guard.RemoveFreeze(name) {
		writeError(w, http.StatusNotFound, "unknown freeze "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runner.Stats())
}
