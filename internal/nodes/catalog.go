// Package nodes holds the node-type catalog: the contract every executable
// node implements plus the registry the engine and sandbox read from.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Property describes one configurable parameter of a node type.
type Property struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName"`
	Type        string        `json:"type"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Options     []interface{} `json:"options,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Meta carries execution identity into a node run.
type Meta struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	TriggerType string
}

// Input is everything a node receives for one run. Parameters arrive already
// resolved and credentials already fetched; nodes never talk to the vault.
type Input struct {
	NodeID     string
	NodeName   string
	Parameters map[string]interface{}
	Bundle     workflow.Bundle
	// Credentials maps credential type to its decrypted data.
	Credentials map[string]map[string]interface{}
	Meta        Meta
	Logger      logger.Logger
	// HTTP performs outbound requests under the sandbox network policy.
	// Nil when the runner was built without network access.
	HTTP HTTPDoer
}

// HTTPDoer is the guarded outbound HTTP surface offered to nodes.
type HTTPDoer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request is a sandboxed outbound HTTP request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the capped result of a sandboxed outbound request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Items returns the main-channel input items, never nil.
func (in *Input) Items() []workflow.Item {
	if in.Bundle == nil {
		return []workflow.Item{}
	}
	return in.Bundle.Items(workflow.MainChannel)
}

// Output is the bundle a node produced. Branching nodes populate only the
// channels they selected.
type Output struct {
	Bundle workflow.Bundle
}

// NewOutput wraps items into a main-channel output.
func NewOutput(items ...workflow.Item) *Output {
	b := workflow.NewBundle()
	b[workflow.MainChannel] = append([]workflow.Item{}, items...)
	return &Output{Bundle: b}
}

// ExecuteFunc runs one node over its input bundle.
type ExecuteFunc func(ctx context.Context, in *Input) (*Output, error)

// NodeType is one catalog record.
type NodeType struct {
	Type        string      `json:"type"`
	DisplayName string      `json:"displayName"`
	Group       string      `json:"group"`
	Version     string      `json:"version"`
	Properties  []Property  `json:"properties"`
	Inputs      []string    `json:"inputs"`
	Outputs     []string    `json:"outputs"`
	Defaults    map[string]interface{} `json:"defaults,omitempty"`
	// RequiredCredentials lists credential types the node needs injected.
	RequiredCredentials []string `json:"requiredCredentials,omitempty"`
	// Branching marks node types whose output selects downstream paths.
	Branching bool `json:"branching"`
	// Trigger marks entry-point node types.
	Trigger bool `json:"trigger"`
	Execute ExecuteFunc `json:"-"`
}

// Registry is the concurrent node-type catalog. Lookups take a read lock so
// registration never blocks running executions for long.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*NodeType
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*NodeType)}
}

// Register adds a node type. Registering an existing type replaces it.
func (r *Registry) Register(nt *NodeType) error {
	if nt == nil || nt.Type == "" {
		return fmt.Errorf("node type must have a non-empty type identifier")
	}
	if nt.Execute == nil {
		return fmt.Errorf("node type %q has no execute function", nt.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[nt.Type] = nt
	return nil
}

// Get returns the node type for an identifier.
func (r *Registry) Get(nodeType string) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[nodeType]
	if !ok {
		return nil, Errorf(KindValidation, "unknown node type %q", nodeType)
	}
	return nt, nil
}

// Has reports whether a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[nodeType]
	return ok
}

// List returns all registered types sorted by identifier.
func (r *Registry) List() []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeType, 0, len(r.types))
	for _, nt := range r.types {
		out = append(out, nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
