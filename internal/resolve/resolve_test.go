package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/store"
)

type fakeLookup struct {
	byCapability map[string][]store.CapabilityRecord
}

func (f *fakeLookup) FindProviders(capabilityName, namespace string) ([]store.CapabilityRecord, error) {
	return f.byCapability[capabilityName], nil
}

func rec(agentID, version string, tags ...string) store.CapabilityRecord {
	return recIn("ns1", agentID, version, tags...)
}

func recIn(namespace, agentID, version string, tags ...string) store.CapabilityRecord {
	return store.CapabilityRecord{
		Capability:     store.Capability{AgentID: agentID, Name: "summarize", Version: version, Tags: tags},
		AgentNamespace: namespace,
	}
}

func TestResolveTool_PicksHigherVersionOnTie(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-b", "1.0.0"), rec("agent-a", "2.0.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Available, out[0].Status)
	assert.Equal(t, "agent-a", out[0].AgentID)
}

func TestResolveTool_TieBreaksOnAgentID(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-z", "1.0.0"), rec("agent-a", "1.0.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-a", out[0].AgentID)
}

func TestResolveTool_PrefersSameNamespaceOverHigherVersionElsewhere(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {recIn("other-ns", "agent-a", "2.0.0"), recIn("ns1", "agent-b", "1.0.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "agent-b", out[0].AgentID)
}

func TestResolveTool_UnavailableWhenNoCandidates(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "missing"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Unavailable, out[0].Status)
	assert.Empty(t, out[0].AgentID)
}

func TestResolveTool_FiltersByVersionConstraint(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-a", "1.9.0"), rec("agent-b", "2.1.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize", VersionConstraint: ">=2.0.0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-b", out[0].AgentID)
}

func TestResolveTool_RequiredTagsMustAllMatch(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-a", "1.0.0", "fast"), rec("agent-b", "1.0.0", "fast", "gpu")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize", Tags: []string{"gpu"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-b", out[0].AgentID)
}

func TestResolveTool_TagAlternativesSatisfyAnyGroup(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-a", "1.0.0", "cpu"), rec("agent-b", "1.0.0", "gpu")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{
			Capability:      "summarize",
			TagAlternatives: [][]string{{"gpu"}, {"tpu"}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-b", out[0].AgentID)
}

func TestResolveTool_ResultOrderMatchesDeclarationOrder(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"first":  {rec("agent-a", "1.0.0")},
		"second": {rec("agent-b", "1.0.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{
			{Capability: "first"},
			{Capability: "second"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Capability)
	assert.Equal(t, "second", out[1].Capability)
}

func TestResolveTool_CaretZeroZeroStaysWithinZeroDotOneBand(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-a", "0.0.3"), rec("agent-b", "0.1.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{Capability: "summarize", VersionConstraint: "^0.0.3"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "agent-a", out[0].AgentID)
}

func TestResolveTool_KwargsPropagated(t *testing.T) {
	lookup := &fakeLookup{byCapability: map[string][]store.CapabilityRecord{
		"summarize": {rec("agent-a", "1.0.0")},
	}}
	e := New(lookup)

	out, err := e.ResolveTool("ns1", store.Tool{
		Dependencies: []store.Dependency{{
			Capability: "summarize",
			Kwargs:     map[string]any{"max_tokens": 256},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 256, out[0].Kwargs["max_tokens"])
}
