// Package vault defines the credential vault client consumed by the node
// sandbox. The vault itself is an external service; this package carries the
// contract, an audited wrapper and a map-backed implementation for local
// mode and tests.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge-io/flowforge/internal/platform/logger"
)

// Vault fetches decrypted credential data for one execution.
type Vault interface {
	// GetForExecution returns the secret map for a credential owned by
	// userID. Implementations must not log secret values.
	GetForExecution(ctx context.Context, credentialID, userID string) (map[string]interface{}, error)
}

// NotFoundError reports a missing or inaccessible credential.
type NotFoundError struct {
	CredentialID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("credential %q not found", e.CredentialID)
}

// Audited wraps a vault and records every access with the identifiers the
// audit trail requires. Secrets never reach the log.
type Audited struct {
	inner  Vault
	logger logger.Logger
}

// NewAudited wraps a vault with access auditing.
func NewAudited(inner Vault, log logger.Logger) *Audited {
	return &Audited{inner: inner, logger: log}
}

// GetForExecution fetches a credential and audits the access. The execution
// id is read from the context when present.
func (a *Audited) GetForExecution(ctx context.Context, credentialID, userID string) (map[string]interface{}, error) {
	executionID, _ := ctx.Value(executionIDKey{}).(string)
	secret, err := a.inner.GetForExecution(ctx, credentialID, userID)
	if err != nil {
		a.logger.Warn("credential access denied",
			"executionId", executionID, "credentialId", credentialID, "userId", userID, "error", err.Error())
		return nil, err
	}
	a.logger.Info("credential accessed",
		"executionId", executionID, "credentialId", credentialID, "userId", userID)
	return secret, nil
}

type executionIDKey struct{}

// WithExecutionID tags a context with the execution id for audit records.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// Static is a map-backed vault keyed by (userID, credentialID).
type Static struct {
	mu      sync.RWMutex
	secrets map[string]map[string]interface{}
}

// NewStatic creates an empty static vault.
func NewStatic() *Static {
	return &Static{secrets: make(map[string]map[string]interface{})}
}

// Put stores a secret map for a user's credential.
func (s *Static) Put(credentialID, userID string, secret map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[userID+"/"+credentialID] = secret
}

// GetForExecution implements Vault.
func (s *Static) GetForExecution(_ context.Context, credentialID, userID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[userID+"/"+credentialID]
	if !ok {
		return nil, &NotFoundError{CredentialID: credentialID}
	}
	// Shallow copy so callers cannot mutate the stored map.
	out := make(map[string]interface{}, len(secret))
	for k, v := range secret {
		out[k] = v
	}
	return out, nil
}
