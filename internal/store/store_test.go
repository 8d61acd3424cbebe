package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		DatabaseURL:        "file::memory:?cache=shared",
		DBMaxOpenConns:     1,
		DBJournalMode:      "WAL",
		DBSynchronous:      "NORMAL",
		DBBusyTimeoutMs:    5000,
		EnableResponseCache: false,
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAgent(id string) *Agent {
	return &Agent{
		AgentID:           id,
		AgentType:         "worker",
		Name:              "agent-" + id,
		Namespace:         "default",
		Version:           "1.0.0",
		Endpoint:          "http://127.0.0.1:9000",
		Labels:            map[string]string{"env": "test"},
		HealthInterval:    30,
		TimeoutThreshold:  60,
		EvictionThreshold: 120,
		Capabilities: []Capability{
			{Name: "summarize", Version: "1.0.0", Stability: StabilityStable, Tags: []string{"fast"}},
		},
		Tools: []Tool{
			{FunctionName: "summarize_text", Capability: "summarize", Version: "1.0.0"},
		},
	}
}

func TestRegisterOrUpdate_NewAgentStartsPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))

	got, err := s.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, got.Capabilities, 1)
	assert.Len(t, got.Tools, 1)
}

func TestRegisterOrUpdate_RejectsDuplicateNameInNamespace(t *testing.T) {
	s := newTestStore(t)
	first := sampleAgent("a1")
	require.NoError(t, s.RegisterOrUpdate(first))

	second := sampleAgent("a2")
	second.Name = first.Name // same (name, namespace) pair, different agent_id
	err := s.RegisterOrUpdate(second)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestRegisterOrUpdate_ResourceVersionStrictlyIncreases(t *testing.T) {
	s := newTestStore(t)
	a := sampleAgent("a1")
	require.NoError(t, s.RegisterOrUpdate(a))
	first, err := s.GetAgent("a1")
	require.NoError(t, err)

	a.Version = "1.0.1"
	require.NoError(t, s.RegisterOrUpdate(a))
	second, err := s.GetAgent("a1")
	require.NoError(t, err)

	assert.Greater(t, second.ResourceVersion, first.ResourceVersion)
}

func TestUpdateHeartbeat_PromotesPendingToHealthy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))

	updated, err := s.UpdateHeartbeat("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, updated.Status)
	require.NotNil(t, updated.LastHeartbeat)
}

func TestUpdateHeartbeat_UnknownAgentIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateHeartbeat("missing")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestListAgents_FiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a2")))
	if _, err := s.UpdateHeartbeat("a2"); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents(ListFilter{Status: string(StatusHealthy)})
	require.NoError(t, err)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.AgentID)
	}
	assert.Contains(t, ids, "a2")
	assert.NotContains(t, ids, "a1") // still pending, not healthy
}

func TestUnregister_RemovesAgentAndEmitsDeleted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))
	require.NoError(t, s.Unregister("a1"))

	_, err := s.GetAgent("a1")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGetHealth_ComputesExpiryFromThresholds(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))
	_, err := s.UpdateHeartbeat("a1")
	require.NoError(t, err)

	snap, err := s.GetHealth("a1")
	require.NoError(t, err)
	require.NotNil(t, snap.TimeSinceHeartbeat)
	assert.False(t, snap.IsExpired)
	assert.Equal(t, 120, snap.EvictionThreshold)
}

func TestFindProviders_OnlyReturnsHealthyAgents(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterOrUpdate(sampleAgent("a1")))

	providers, err := s.FindProviders("summarize", "")
	require.NoError(t, err)
	assert.Empty(t, providers) // a1 is still pending

	_, err = s.UpdateHeartbeat("a1")
	require.NoError(t, err)

	providers, err = s.FindProviders("summarize", "")
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "a1", providers[0].AgentID)
}
