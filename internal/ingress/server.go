// Package ingress is the HTTP surface of the execution core: trigger
// submission, execution lifecycle control, status reads and the websocket
// event stream.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowforge-io/flowforge/internal/engine"
	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/config"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/platform/metrics"
	"github.com/flowforge-io/flowforge/internal/trigger"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

// Server exposes the execution core over HTTP.
type Server struct {
	cfg      config.HTTPConfig
	manager  *trigger.Manager
	engine   *engine.Engine
	sink     history.Sink
	registry *nodes.Registry
	bus      *events.Bus
	logger   logger.Logger
	metrics  *metrics.Metrics
	auth     *Authenticator
	version  string

	http *http.Server
}

// New builds the server and its routes.
func New(cfg config.HTTPConfig, manager *trigger.Manager, eng *engine.Engine, sink history.Sink, registry *nodes.Registry, bus *events.Bus, auth *Authenticator, log logger.Logger, rec *metrics.Metrics, version string) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		engine:   eng,
		sink:     sink,
		registry: registry,
		bus:      bus,
		logger:   log,
		metrics:  rec,
		auth:     auth,
		version:  version,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if rec != nil {
		router.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/triggers/execute", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/events", s.handleExecutionEvents).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/events", s.handleWorkflowEvents).Methods(http.MethodGet)
	api.HandleFunc("/node-types", s.handleNodeTypes).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// triggerPayload is the trigger submission body.
type triggerPayload struct {
	Workflow    *workflow.Snapshot     `json:"workflow"`
	TriggerType string                 `json:"triggerType"`
	StartNodeID string                 `json:"startNodeId,omitempty"`
	Payload     []workflow.Item        `json:"payload,omitempty"`
	Strategy    trigger.Strategy       `json:"strategy,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	Vars        map[string]interface{} `json:"vars,omitempty"`
	UserVars    map[string]interface{} `json:"userVars,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var body triggerPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Workflow == nil {
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	if body.TriggerType == "" {
		body.TriggerType = "manual"
	}

	admission, err := s.manager.Submit(r.Context(), &trigger.Request{
		Snapshot:    body.Workflow,
		Type:        body.TriggerType,
		StartNodeID: body.StartNodeID,
		Payload:     body.Payload,
		UserID:      UserID(r.Context()),
		Vars:        &expression.Variables{Workflow: body.Vars, User: body.UserVars},
		Strategy:    body.Strategy,
		Priority:    body.Priority,
	})
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	status := http.StatusOK
	switch admission.Outcome {
	case trigger.OutcomeQueued:
		status = http.StatusAccepted
	case trigger.OutcomeRejected:
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, admission)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	uid := UserID(r.Context())

	if x, err := s.engine.Get(executionID); err == nil {
		// Executions are visible only to their owner; a mismatch falls
		// through to the history lookup, which reports not found.
		if uid == "" || x.UserID == uid {
			response := map[string]interface{}{"status": x.StatusSnapshot()}
			if result := x.Result(); result != nil {
				response["result"] = result
			}
			s.writeJSON(w, http.StatusOK, response)
			return
		}
	}

	// Finished executions age out of the engine; fall back to history.
	rec, runs, err := s.sink.FindExecution(r.Context(), executionID, uid)
	if err != nil {
		var notFound *history.NotFoundError
		if errors.As(err, &notFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("failed to load execution", "executionId", executionID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution": rec,
		"nodeRuns":  runs,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Cancel)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Resume)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error) {
	executionID := mux.Vars(r)["id"]
	if err := op(executionID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"executionId": executionID, "status": string(s.statusOf(executionID))})
}

func (s *Server) statusOf(executionID string) engine.Status {
	if x, err := s.engine.Get(executionID); err == nil {
		return x.Status()
	}
	return ""
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"nodeTypes": s.registry.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"running": s.engine.Running(),
		"queued":  s.manager.QueueDepth(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
