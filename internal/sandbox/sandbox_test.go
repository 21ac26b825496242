package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/vault"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

func newTestRunner(t *testing.T, registry *nodes.Registry) (*Runner, *vault.Static) {
	t.Helper()
	v := vault.NewStatic()
	limits := DefaultLimits()
	limits.NodeTimeout = 2 * time.Second
	return NewRunner(registry, v, logger.NewNop(), nil, limits, NetPolicy{}), v
}

func registryWith(t *testing.T, types ...*nodes.NodeType) *nodes.Registry {
	t.Helper()
	r := nodes.NewRegistry()
	for _, nt := range types {
		require.NoError(t, r.Register(nt))
	}
	return r
}

func passthrough(typeName string) *nodes.NodeType {
	return &nodes.NodeType{
		Type:    typeName,
		Outputs: []string{workflow.MainChannel},
		Execute: func(_ context.Context, in *nodes.Input) (*nodes.Output, error) {
			return nodes.NewOutput(in.Items()...), nil
		},
	}
}

func TestRunnerResolvesParameters(t *testing.T) {
	var seen map[string]interface{}
	nt := &nodes.NodeType{
		Type:     "capture",
		Defaults: map[string]interface{}{"mode": "fast"},
		Outputs:  []string{workflow.MainChannel},
		Execute: func(_ context.Context, in *nodes.Input) (*nodes.Output, error) {
			seen = in.Parameters
			return nodes.NewOutput(), nil
		},
	}
	runner, _ := newTestRunner(t, registryWith(t, nt))

	result := runner.Execute(context.Background(), &Request{
		Node: &workflow.Node{
			ID:   "n1",
			Type: "capture",
			Parameters: map[string]interface{}{
				"count":    "{{ json.count }}",
				"greeting": "hello {{ $vars.name }}",
			},
		},
		Input: workflow.NewBundle(workflow.Item{"count": 7}),
		Vars:  &expression.Variables{Workflow: map[string]interface{}{"name": "ada"}},
	})

	require.True(t, result.Success)
	assert.Equal(t, 7, seen["count"])
	assert.Equal(t, "hello ada", seen["greeting"])
	assert.Equal(t, "fast", seen["mode"], "defaults merge under explicit parameters")
}

func TestRunnerInjectsCredentials(t *testing.T) {
	var seen map[string]map[string]interface{}
	nt := &nodes.NodeType{
		Type:                "needs-auth",
		RequiredCredentials: []string{"apiToken"},
		Outputs:             []string{workflow.MainChannel},
		Execute: func(_ context.Context, in *nodes.Input) (*nodes.Output, error) {
			seen = in.Credentials
			return nodes.NewOutput(), nil
		},
	}
	runner, v := newTestRunner(t, registryWith(t, nt))
	v.Put("cred-1", "user-1", map[string]interface{}{"token": "tok"})

	node := &workflow.Node{
		ID: "n1", Type: "needs-auth",
		Credentials: map[string]string{"apiToken": "cred-1"},
	}

	t.Run("injects decrypted data", func(t *testing.T) {
		result := runner.Execute(context.Background(), &Request{
			Node:  node,
			Input: workflow.NewBundle(),
			Meta:  nodes.Meta{ExecutionID: "e1", UserID: "user-1"},
		})
		require.True(t, result.Success)
		assert.Equal(t, "tok", seen["apiToken"]["token"])
	})

	t.Run("missing credential fails with auth kind", func(t *testing.T) {
		result := runner.Execute(context.Background(), &Request{
			Node:  node,
			Input: workflow.NewBundle(),
			Meta:  nodes.Meta{ExecutionID: "e1", UserID: "other-user"},
		})
		require.False(t, result.Success)
		assert.Equal(t, nodes.KindAuth, result.Error.Kind)
	})

	t.Run("required credential absent from node", func(t *testing.T) {
		result := runner.Execute(context.Background(), &Request{
			Node:  &workflow.Node{ID: "n2", Type: "needs-auth"},
			Input: workflow.NewBundle(),
		})
		require.False(t, result.Success)
		assert.Equal(t, nodes.KindAuth, result.Error.Kind)
	})

	t.Run("partially mapped credentials fail before running", func(t *testing.T) {
		var ran bool
		nt := &nodes.NodeType{
			Type:                "needs-two",
			RequiredCredentials: []string{"apiToken", "signingKey"},
			Outputs:             []string{workflow.MainChannel},
			Execute: func(_ context.Context, _ *nodes.Input) (*nodes.Output, error) {
				ran = true
				return nodes.NewOutput(), nil
			},
		}
		runner, v := newTestRunner(t, registryWith(t, nt))
		v.Put("cred-2", "user-1", map[string]interface{}{"token": "tok"})

		result := runner.Execute(context.Background(), &Request{
			Node: &workflow.Node{
				ID: "n3", Type: "needs-two",
				Credentials: map[string]string{"apiToken": "cred-2"},
			},
			Input: workflow.NewBundle(),
			Meta:  nodes.Meta{ExecutionID: "e1", UserID: "user-1"},
		})
		require.False(t, result.Success)
		assert.Equal(t, nodes.KindAuth, result.Error.Kind)
		assert.Contains(t, result.Error.Message, "signingKey")
		assert.False(t, ran, "node must not run without its required secret")
	})
}

func TestRunnerContainsPanics(t *testing.T) {
	nt := &nodes.NodeType{
		Type:    "boom",
		Outputs: []string{workflow.MainChannel},
		Execute: func(_ context.Context, _ *nodes.Input) (*nodes.Output, error) {
			panic("node went sideways")
		},
	}
	runner, _ := newTestRunner(t, registryWith(t, nt))

	result := runner.Execute(context.Background(), &Request{
		Node:  &workflow.Node{ID: "n1", Type: "boom"},
		Input: workflow.NewBundle(),
	})
	require.False(t, result.Success)
	assert.Equal(t, nodes.KindSecurity, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "node went sideways")
	assert.NotEmpty(t, result.Error.Stack)
}

func TestRunnerTimesOutSlowNodes(t *testing.T) {
	nt := &nodes.NodeType{
		Type:    "slow",
		Outputs: []string{workflow.MainChannel},
		Execute: func(ctx context.Context, _ *nodes.Input) (*nodes.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	runner, _ := newTestRunner(t, registryWith(t, nt))

	result := runner.Execute(context.Background(), &Request{
		Node:     &workflow.Node{ID: "n1", Type: "slow"},
		Input:    workflow.NewBundle(),
		Settings: workflow.Settings{NodeTimeoutMs: 50},
	})
	require.False(t, result.Success)
	assert.Equal(t, nodes.KindResourceLimit, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "timed out")
}

func TestRunnerMockDataShortCircuits(t *testing.T) {
	called := false
	nt := &nodes.NodeType{
		Type:    "real",
		Outputs: []string{workflow.MainChannel},
		Execute: func(_ context.Context, _ *nodes.Input) (*nodes.Output, error) {
			called = true
			return nodes.NewOutput(), nil
		},
	}
	runner, _ := newTestRunner(t, registryWith(t, nt))

	result := runner.Execute(context.Background(), &Request{
		Node: &workflow.Node{
			ID: "n1", Type: "real",
			MockData: map[string]interface{}{"pinned": true},
		},
		Input: workflow.NewBundle(),
	})
	require.True(t, result.Success)
	assert.False(t, called)
	assert.Equal(t, true, result.Output.Items(workflow.MainChannel)[0]["pinned"])
}

func TestValidateOutput(t *testing.T) {
	t.Run("forbidden key anywhere in tree", func(t *testing.T) {
		nt := passthrough("p")
		_, err := validateOutput(nt, &nodes.Output{Bundle: workflow.NewBundle(
			workflow.Item{"nested": map[string]interface{}{"__proto__": "x"}},
		)})
		require.Error(t, err)
		assert.Equal(t, nodes.KindSecurity, nodes.AsError(err).Kind)
	})

	t.Run("undeclared channel", func(t *testing.T) {
		nt := passthrough("p")
		bundle := workflow.NewBundle()
		bundle.Append("sidechannel", workflow.Item{})
		_, err := validateOutput(nt, &nodes.Output{Bundle: bundle})
		require.Error(t, err)
		assert.Equal(t, nodes.KindValidation, nodes.AsError(err).Kind)
	})

	t.Run("non-branching output always has main", func(t *testing.T) {
		nt := passthrough("p")
		bundle, err := validateOutput(nt, &nodes.Output{Bundle: workflow.NewBundle()})
		require.NoError(t, err)
		_, ok := bundle[workflow.MainChannel]
		assert.True(t, ok)
	})

	t.Run("nil output normalizes to empty bundle", func(t *testing.T) {
		bundle, err := validateOutput(passthrough("p"), nil)
		require.NoError(t, err)
		assert.NotNil(t, bundle)
	})
}

func TestCheckOutputSize(t *testing.T) {
	bundle := workflow.NewBundle(workflow.Item{"data": strings.Repeat("x", 2048)})
	err := checkOutputSize(bundle, 1024)
	require.Error(t, err)
	assert.Equal(t, nodes.KindResourceLimit, nodes.AsError(err).Kind)

	assert.NoError(t, checkOutputSize(bundle, 1<<20))
}

func TestMemoryGuard(t *testing.T) {
	t.Run("breach cancels the context and is reported", func(t *testing.T) {
		g := &memoryGuard{
			limit:    1 << 20,
			interval: time.Millisecond,
			baseline: 100,
			sample:   func() (uint64, error) { return 100 + 2<<20, nil },
		}
		guarded, done := g.watch(context.Background())

		select {
		case <-guarded.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("guard never cancelled the context")
		}
		assert.True(t, done(), "breach must be reported after the cancellation")
	})

	t.Run("quiet run reports no breach", func(t *testing.T) {
		g := &memoryGuard{
			limit:    1 << 20,
			interval: time.Millisecond,
			baseline: 100,
			sample:   func() (uint64, error) { return 100, nil },
		}
		guarded, done := g.watch(context.Background())
		time.Sleep(10 * time.Millisecond)
		assert.False(t, done())
		<-guarded.Done()
	})
}

func TestGuardedClientPolicy(t *testing.T) {
	t.Run("rejects non-http schemes", func(t *testing.T) {
		client := NewGuardedClient(NetPolicy{})
		_, err := client.Do(context.Background(), &nodes.Request{Method: "GET", URL: "file:///etc/passwd"})
		require.Error(t, err)
		assert.Equal(t, nodes.KindSecurity, nodes.AsError(err).Kind)
	})

	t.Run("rejects loopback targets", func(t *testing.T) {
		client := NewGuardedClient(NetPolicy{})
		for _, target := range []string{"http://127.0.0.1/x", "http://localhost/x", "http://10.0.0.8/x", "http://192.168.1.1/x"} {
			_, err := client.Do(context.Background(), &nodes.Request{Method: "GET", URL: target})
			require.Error(t, err, target)
			assert.Equal(t, nodes.KindSecurity, nodes.AsError(err).Kind, target)
		}
	})

	t.Run("rejects unlisted request headers", func(t *testing.T) {
		client := NewGuardedClient(NetPolicy{})
		_, err := client.Do(context.Background(), &nodes.Request{
			Method:  "GET",
			URL:     "https://api.example.com/x",
			Headers: map[string]string{"Cookie": "session=abc"},
		})
		require.Error(t, err)
		assert.Equal(t, nodes.KindSecurity, nodes.AsError(err).Kind)
	})

	t.Run("private policy reaches local servers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		client := NewGuardedClient(NetPolicy{AllowPrivateNetworks: true})
		resp, err := client.Do(context.Background(), &nodes.Request{Method: "GET", URL: server.URL})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, `{"ok":true}`, string(resp.Body))
	})

	t.Run("caps response size", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
		}))
		defer server.Close()

		client := NewGuardedClient(NetPolicy{AllowPrivateNetworks: true, MaxResponseBytes: 1024})
		_, err := client.Do(context.Background(), &nodes.Request{Method: "GET", URL: server.URL})
		require.Error(t, err)
		assert.Equal(t, nodes.KindResourceLimit, nodes.AsError(err).Kind)
	})
}

func TestMaskSecrets(t *testing.T) {
	in := map[string]interface{}{
		"url":        "https://api.example.com",
		"apiKey":     "abc",
		"password":   "hunter2",
		"privateKey": "-----BEGIN",
		"nested": map[string]interface{}{
			"accessToken": "tok",
			"plain":       "visible",
		},
	}
	out := MaskSecrets(in).(map[string]interface{})
	assert.Equal(t, "https://api.example.com", out["url"])
	assert.Equal(t, "***", out["apiKey"])
	assert.Equal(t, "***", out["password"])
	assert.Equal(t, "***", out["privateKey"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "***", nested["accessToken"])
	assert.Equal(t, "visible", nested["plain"])
}

func TestItemTransformer(t *testing.T) {
	exec := NewItemTransformer()

	t.Run("assignments and arithmetic", func(t *testing.T) {
		items, err := exec.Run(context.Background(), "total = json.a + json.b\nlabel = \"done\"",
			[]workflow.Item{{"a": 2.0, "b": 3.0}})
		require.NoError(t, err)
		assert.Equal(t, 5.0, items[0]["total"])
		assert.Equal(t, "done", items[0]["label"])
	})

	t.Run("drop removes fields", func(t *testing.T) {
		items, err := exec.Run(context.Background(), "drop secret", []workflow.Item{{"secret": "x", "keep": 1}})
		require.NoError(t, err)
		_, ok := items[0]["secret"]
		assert.False(t, ok)
		assert.Equal(t, 1, items[0]["keep"])
	})

	t.Run("unknown path errors", func(t *testing.T) {
		_, err := exec.Run(context.Background(), "v = json.missing", []workflow.Item{{}})
		require.Error(t, err)
	})
}
