package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/internal/engine"
	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/config"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/sandbox"
	"github.com/flowforge-io/flowforge/internal/trigger"
	"github.com/flowforge-io/flowforge/internal/vault"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

const testSecret = "test-secret"

func newServer(t *testing.T, authDisabled bool) *Server {
	t.Helper()
	registry := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(registry, nil))

	runner := sandbox.NewRunner(registry, vault.NewStatic(), logger.NewNop(), nil,
		sandbox.DefaultLimits(), sandbox.NetPolicy{})
	sink := history.NewMemory()
	bus := events.NewBus(events.DefaultConfig())
	eng := engine.New(engine.Options{}, runner, registry, sink, bus, logger.NewNop(), nil)
	t.Cleanup(eng.Close)
	manager := trigger.NewManager(trigger.Limits{Global: 2}, eng, trigger.NewMemoryLocks(), logger.NewNop(), nil)
	t.Cleanup(manager.Close)

	auth := NewAuthenticator(config.AuthConfig{JWTSecret: testSecret, Disabled: authDisabled}, logger.NewNop())
	return New(config.HTTPConfig{Port: 0}, manager, eng, sink, registry, bus, auth, logger.NewNop(), nil, "test")
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func triggerBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"triggerType": "manual",
		"workflow": &workflow.Snapshot{
			ID:    "wf-1",
			Nodes: []workflow.Node{{ID: "start", Type: "manual_trigger"}},
		},
	})
	require.NoError(t, err)
	return body
}

func TestAuthMiddleware(t *testing.T) {
	s := newServer(t, false)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(triggerBody(t)))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(triggerBody(t)))
		req.Header.Set("Authorization", "Bearer not-a-token")
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(triggerBody(t)))
		req.Header.Set("Authorization", "Bearer "+signToken(t, "u1"))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("health skips auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestTriggerEndpoint(t *testing.T) {
	s := newServer(t, true)

	t.Run("starts an execution", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(triggerBody(t)))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var admission trigger.Admission
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &admission))
		assert.Equal(t, trigger.OutcomeStarted, admission.Outcome)
		assert.NotEmpty(t, admission.ExecutionID)

		// The status endpoint serves the admitted execution.
		assert.Eventually(t, func() bool {
			x, err := s.engine.Get(admission.ExecutionID)
			return err == nil && x.Status().Terminal()
		}, 5*time.Second, 10*time.Millisecond)

		statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+admission.ExecutionID, nil)
		statusRR := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(statusRR, statusReq)
		assert.Equal(t, http.StatusOK, statusRR.Code)
		assert.Contains(t, statusRR.Body.String(), admission.ExecutionID)
	})

	t.Run("rejects invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader([]byte("{")))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("cyclic workflow is unprocessable", func(t *testing.T) {
		body, err := json.Marshal(map[string]interface{}{
			"workflow": &workflow.Snapshot{
				ID: "wf-cycle",
				Nodes: []workflow.Node{
					{ID: "start", Type: "manual_trigger"},
					{ID: "a", Type: "noop"},
					{ID: "b", Type: "noop"},
				},
				Connections: []workflow.Edge{
					{SourceNodeID: "start", SourceOutput: workflow.MainChannel, TargetNodeID: "a", TargetInput: workflow.MainChannel},
					{SourceNodeID: "a", SourceOutput: workflow.MainChannel, TargetNodeID: "b", TargetInput: workflow.MainChannel},
					{SourceNodeID: "b", SourceOutput: workflow.MainChannel, TargetNodeID: "a", TargetInput: workflow.MainChannel},
				},
			},
		})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("unknown execution is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/does-not-exist", nil)
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		cancelReq := httptest.NewRequest(http.MethodPost, "/api/v1/executions/does-not-exist/cancel", nil)
		cancelRR := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(cancelRR, cancelReq)
		assert.Equal(t, http.StatusNotFound, cancelRR.Code)
	})
}

func TestExecutionLookupIsScopedToOwner(t *testing.T) {
	s := newServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/execute", bytes.NewReader(triggerBody(t)))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	rr := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var admission trigger.Admission
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &admission))
	require.NotEmpty(t, admission.ExecutionID)

	get := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+admission.ExecutionID, nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID))
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)
		return rr
	}

	t.Run("owner sees the execution", func(t *testing.T) {
		rr := get("alice")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), admission.ExecutionID)
	})

	t.Run("other users get not found", func(t *testing.T) {
		rr := get("bob")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestNodeTypesEndpoint(t *testing.T) {
	s := newServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/node-types", nil)
	rr := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_request")
	assert.Contains(t, rr.Body.String(), "manual_trigger")
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), userIDKey{}, "u42")
	assert.Equal(t, "u42", UserID(ctx))
	assert.Empty(t, UserID(context.Background()))
}
