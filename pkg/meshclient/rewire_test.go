package meshclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityFuncID(name string) string { return name }

func TestRewirer_ResilienceOnEmptyBody(t *testing.T) {
	inj := NewInjector()
	r := NewRewirer("agent-1", inj)
	inj.Register(DependencyKey("tool_a", 0), NewCrossServiceProxy("http://peer:9000", "do_thing", nil))

	before := inj.Keys()
	err := r.Apply(map[string][]Resolution{"tool_a": {{Status: "available"}}}, identityFuncID, false)
	require.NoError(t, err)

	assert.Equal(t, before, inj.Keys(), "no-body heartbeat must leave injector state untouched")
	assert.Empty(t, r.lastHash, "lastHash must not advance on a skipped rewire")
}

func TestRewirer_DiffCompleteness(t *testing.T) {
	inj := NewInjector()
	r := NewRewirer("agent-1", inj)

	resolved := map[string][]Resolution{
		"tool_a": {
			{Capability: "cap-a", AgentID: "agent-2", FunctionName: "remote_a", Endpoint: "http://peer:9000", Status: "available"},
		},
		"tool_b": {
			{Capability: "cap-b", Status: "unavailable"},
		},
	}

	err := r.Apply(resolved, identityFuncID, true)
	require.NoError(t, err)

	keys := inj.Keys()
	assert.True(t, keys[DependencyKey("tool_a", 0)])
	assert.False(t, keys[DependencyKey("tool_b", 0)], "unavailable resolution must not be registered")
	assert.Len(t, keys, 1)

	// A second, narrower resolution should drop tool_a's proxy.
	err = r.Apply(map[string][]Resolution{"tool_b": {{Capability: "cap-b", Status: "unavailable"}}}, identityFuncID, true)
	require.NoError(t, err)
	assert.Len(t, inj.Keys(), 0, "dropped dependency must be unregistered")
}

func TestRewirer_UnchangedHashSkipsRewiring(t *testing.T) {
	inj := NewInjector()
	r := NewRewirer("agent-1", inj)
	resolved := map[string][]Resolution{
		"tool_a": {{Capability: "cap-a", AgentID: "agent-2", FunctionName: "remote_a", Endpoint: "http://peer:9000", Status: "available"}},
	}

	require.NoError(t, r.Apply(resolved, identityFuncID, true))
	firstHash := r.lastHash

	inj.Unregister(DependencyKey("tool_a", 0)) // simulate external tampering
	require.NoError(t, r.Apply(resolved, identityFuncID, true))

	assert.Equal(t, firstHash, r.lastHash)
	assert.Len(t, inj.Keys(), 0, "unchanged hash must short-circuit before re-registering")
}

func TestRewirer_SelfDependencyUsesRegisteredCallerNotHTTP(t *testing.T) {
	inj := NewInjector()
	r := NewRewirer("agent-1", inj)

	called := false
	r.RegisterSelfCaller("local_tool", func(args map[string]any) (any, error) {
		called = true
		return "local-result", nil
	})

	resolved := map[string][]Resolution{
		"tool_a": {{Capability: "cap-a", AgentID: "agent-1", FunctionName: "local_tool", Endpoint: "http://self:9000", Status: "available"}},
	}
	require.NoError(t, r.Apply(resolved, identityFuncID, true))

	proxy, ok := inj.Lookup(DependencyKey("tool_a", 0))
	require.True(t, ok)

	_, isSelfProxy := proxy.(*SelfProxy)
	assert.True(t, isSelfProxy, "a self-dependency with a registered caller must resolve to a SelfProxy, never opening a socket")

	val, err := proxy.Call(nil)
	require.NoError(t, err)
	assert.Equal(t, "local-result", val)
	assert.True(t, called)
}
