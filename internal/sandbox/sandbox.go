// Package sandbox executes single nodes inside their isolation boundary:
// resolved parameters, injected credentials, bounded time, memory, output
// size and network reach.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/vault"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

// Request describes one node run.
type Request struct {
	Node     *workflow.Node
	Input    workflow.Bundle
	Vars     *expression.Variables
	Meta     nodes.Meta
	Settings workflow.Settings
	// Log receives lines written by node code, optional.
	Log LogFunc
}

// Result is what one node run produced. Exactly one of Output or Error is
// meaningful, keyed by Success.
type Result struct {
	Success    bool
	Output     workflow.Bundle
	Error      *nodes.Error
	DurationMs int64
}

// Runner executes nodes under sandbox policy.
type Runner struct {
	registry *nodes.Registry
	vault    vault.Vault
	logger   logger.Logger
	tracer   trace.Tracer
	limits   Limits

	publicClient  *GuardedClient
	privateClient *GuardedClient
}

// NewRunner builds a runner. Two guarded clients are prepared up front; the
// private one serves workflows explicitly allowed to reach internal networks.
func NewRunner(registry *nodes.Registry, v vault.Vault, log logger.Logger, tracer trace.Tracer, limits Limits, policy NetPolicy) *Runner {
	publicPolicy := policy
	publicPolicy.AllowPrivateNetworks = false
	privatePolicy := policy
	privatePolicy.AllowPrivateNetworks = true

	return &Runner{
		registry:      registry,
		vault:         v,
		logger:        log,
		tracer:        tracer,
		limits:        limits,
		publicClient:  NewGuardedClient(publicPolicy),
		privateClient: NewGuardedClient(privatePolicy),
	}
}

// Execute runs one node and always returns a result; node failures surface in
// Result.Error, never as a Go error.
func (r *Runner) Execute(ctx context.Context, req *Request) *Result {
	started := time.Now()
	result := r.execute(ctx, req)
	result.DurationMs = time.Since(started).Milliseconds()
	return result
}

func (r *Runner) execute(ctx context.Context, req *Request) *Result {
	node := req.Node
	nt, err := r.registry.Get(node.Type)
	if err != nil {
		return failure(nodes.AsError(err))
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "node.execute", trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", node.Type),
			attribute.String("execution.id", req.Meta.ExecutionID),
		))
		defer span.End()
	}

	// Mock data short-circuits the run; used for pinned test fixtures.
	if len(node.MockData) > 0 {
		return &Result{Success: true, Output: workflow.NewBundle(workflow.Item(node.MockData))}
	}

	params := r.resolveParameters(node, nt, req)
	creds, nerr := r.fetchCredentials(ctx, node, nt, req.Meta)
	if nerr != nil {
		return failure(nerr)
	}

	timeout := r.limits.NodeTimeout
	if req.Settings.NodeTimeoutMs > 0 {
		timeout = time.Duration(req.Settings.NodeTimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	guard, guardErr := newMemoryGuard(r.limits.MemoryBytes, r.limits.sampleInterval)
	var guardFired func() bool
	if guardErr == nil {
		runCtx, guardFired = guard.watch(runCtx)
	} else {
		r.logger.Warn("memory guard unavailable", "error", guardErr.Error())
		guardFired = func() bool { return false }
	}

	client := r.publicClient
	if req.Settings.AllowPrivateNetworks {
		client = r.privateClient
	}

	in := &nodes.Input{
		NodeID:      node.ID,
		NodeName:    node.Name,
		Parameters:  params,
		Bundle:      req.Input,
		Credentials: creds,
		Meta:        req.Meta,
		Logger: newNodeLogger(r.logger.WithFields(map[string]interface{}{
			"executionId": req.Meta.ExecutionID,
			"nodeId":      node.ID,
		}), req.Log),
		HTTP: client,
	}

	out, execErr := r.invoke(runCtx, nt, in)
	memoryBreached := guardFired()

	switch {
	case memoryBreached:
		return failure(nodes.Errorf(nodes.KindResourceLimit,
			"node exceeded %d byte memory limit", r.limits.MemoryBytes))
	case execErr != nil:
		if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return failure(nodes.Errorf(nodes.KindResourceLimit,
				"node timed out after %s", timeout))
		}
		return failure(nodes.AsError(execErr))
	}

	bundle, verr := validateOutput(nt, out)
	if verr != nil {
		return failure(nodes.AsError(verr))
	}
	if err := checkOutputSize(bundle, r.limits.OutputBytes); err != nil {
		return failure(nodes.AsError(err))
	}
	return &Result{Success: true, Output: bundle}
}

// invoke calls the node's execute function with panic containment. A panic in
// node code becomes a security error carrying the stack, and never takes the
// worker down.
func (r *Runner) invoke(ctx context.Context, nt *nodes.NodeType, in *nodes.Input) (out *nodes.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &nodes.Error{
				Kind:    nodes.KindSecurity,
				Message: fmt.Sprintf("node panicked: %v", rec),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return nt.Execute(ctx, in)
}

func (r *Runner) resolveParameters(node *workflow.Node, nt *nodes.NodeType, req *Request) map[string]interface{} {
	merged := make(map[string]interface{}, len(nt.Defaults)+len(node.Parameters))
	for k, v := range nt.Defaults {
		merged[k] = v
	}
	for k, v := range node.Parameters {
		merged[k] = v
	}

	var firstItem workflow.Item
	if items := req.Input.Items(workflow.MainChannel); len(items) > 0 {
		firstItem = items[0]
	}
	ectx := &expression.Context{
		Vars: req.Vars,
		Item: firstItem,
		Warn: func(msg string, kv ...interface{}) {
			r.logger.Warn(msg, append(kv,
				"executionId", req.Meta.ExecutionID, "nodeId", node.ID)...)
		},
	}
	return expression.ResolveParameters(merged, ectx)
}

func (r *Runner) fetchCredentials(ctx context.Context, node *workflow.Node, nt *nodes.NodeType, meta nodes.Meta) (map[string]map[string]interface{}, *nodes.Error) {
	// Every required credential type must be mapped on the node; a partially
	// configured node fails here instead of running without its secret.
	for _, required := range nt.RequiredCredentials {
		if _, ok := node.Credentials[required]; !ok {
			return nil, nodes.Errorf(nodes.KindAuth,
				"node type %q requires a %q credential", nt.Type, required)
		}
	}
	if len(node.Credentials) == 0 {
		return nil, nil
	}

	ctx = vault.WithExecutionID(ctx, meta.ExecutionID)
	creds := make(map[string]map[string]interface{}, len(node.Credentials))
	for credType, credID := range node.Credentials {
		data, err := r.vault.GetForExecution(ctx, credID, meta.UserID)
		if err != nil {
			return nil, nodes.WrapError(nodes.KindAuth, err,
				fmt.Sprintf("credential %q is not accessible", credType))
		}
		creds[credType] = data
	}
	return creds, nil
}

func failure(err *nodes.Error) *Result {
	return &Result{Success: false, Error: err}
}
