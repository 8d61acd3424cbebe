package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/changebus"
	"agentmesh/internal/config"
	"agentmesh/internal/health"
	"agentmesh/internal/logging"
	"agentmesh/internal/store"
	"agentmesh/internal/tracing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		DatabaseURL:              "file::memory:?cache=shared",
		DBMaxOpenConns:           1,
		DBJournalMode:            "WAL",
		DBSynchronous:            "NORMAL",
		DBBusyTimeoutMs:          5000,
		EnableResponseCache:      false,
		HealthCheckInterval:      1,
		DefaultTimeoutThreshold:  60,
		DefaultEvictionThreshold: 120,
		LogLevel:                 "ERROR",
		TrustDomain:              "agentmesh.internal",
	}
	log := logging.New(cfg)
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := changebus.New(log, 16, "")
	t.Cleanup(bus.Close)
	monitor := health.New(s, cfg, log, bus)
	tracer, err := tracing.Setup(context.Background(), tracing.Config{Enabled: false}, log)
	require.NoError(t, err)

	return New(s, cfg, log, monitor, bus, tracer)
}

func heartbeat(t *testing.T, srv *Server, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return heartbeatWithHeaders(t, srv, body, nil)
}

func heartbeatWithHeaders(t *testing.T, srv *Server, body map[string]any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/agents/heartbeat", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// Scenario 1: a solo agent registers and is discoverable within one tick.
func TestScenario_SoloAgentDiscoverable(t *testing.T) {
	srv := newTestServer(t)

	rec := heartbeat(t, srv, map[string]any{
		"agent_id":   "hello-abc12345",
		"agent_type": "mesh-agent",
		"name":       "hello",
		"version":    "1.0.0",
		"http_host":  "hello",
		"http_port":  8080,
		"namespace":  "default",
		"tools": []map[string]any{
			{"function_name": "greet", "capability": "greeting", "version": "1.0.0"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents?capability=greeting", nil)
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	var resp agentsListResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "hello-abc12345", resp.Agents[0].AgentID)
	assert.Equal(t, store.StatusHealthy, resp.Agents[0].Status)
}

// Scenario 2: a dependency provider registers first; the consumer's
// heartbeat response resolves the dependency to that provider.
func TestScenario_DependencyArrivesAfterProvider(t *testing.T) {
	srv := newTestServer(t)

	rec := heartbeat(t, srv, map[string]any{
		"agent_id":  "system-1",
		"name":      "system",
		"version":   "1.0.0",
		"http_host": "system",
		"http_port": 8080,
		"namespace": "default",
		"tools": []map[string]any{
			{"function_name": "get_info", "capability": "info", "version": "1.0.0"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := heartbeat(t, srv, map[string]any{
		"agent_id":  "hello-abc12345",
		"name":      "hello",
		"version":   "1.0.0",
		"http_host": "hello",
		"http_port": 8080,
		"namespace": "default",
		"tools": []map[string]any{
			{
				"function_name": "greet",
				"capability":    "greeting",
				"version":       "1.0.0",
				"dependencies": []map[string]any{
					{"capability": "info"},
				},
			},
		},
	})
	require.Equal(t, http.StatusOK, rec2.Code)

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	greetDeps := resp.DependenciesResolved["greet"]
	require.Len(t, greetDeps, 1)
	assert.Equal(t, "available", greetDeps[0].Status)
	assert.Equal(t, "system-1", greetDeps[0].AgentID)
	assert.Equal(t, "get_info", greetDeps[0].FunctionName)
	assert.Equal(t, "http://system:8080", greetDeps[0].Endpoint)
}

// Scenario 3: once the provider expires, the consumer's next heartbeat
// shows the dependency as unavailable with empty endpoint/function_name.
func TestScenario_ProviderExpiresConsumerUnwires(t *testing.T) {
	srv := newTestServer(t)

	heartbeat(t, srv, map[string]any{
		"agent_id": "system-1", "name": "system", "version": "1.0.0",
		"http_host": "system", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{"function_name": "get_info", "capability": "info", "version": "1.0.0"}},
	})
	heartbeat(t, srv, map[string]any{
		"agent_id": "hello-abc12345", "name": "hello", "version": "1.0.0",
		"http_host": "hello", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{
			"function_name": "greet", "capability": "greeting", "version": "1.0.0",
			"dependencies": []map[string]any{{"capability": "info"}},
		}},
	})

	require.NoError(t, srv.store.MarkUnhealthy([]string{"system-1"}, store.StatusExpired, "reaper"))

	rec := heartbeat(t, srv, map[string]any{
		"agent_id": "hello-abc12345", "name": "hello", "version": "1.0.0",
		"http_host": "hello", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{
			"function_name": "greet", "capability": "greeting", "version": "1.0.0",
			"dependencies": []map[string]any{{"capability": "info"}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	greetDeps := resp.DependenciesResolved["greet"]
	require.Len(t, greetDeps, 1)
	assert.Equal(t, "unavailable", greetDeps[0].Status)
	assert.Equal(t, "", greetDeps[0].Endpoint)
	assert.Equal(t, "", greetDeps[0].FunctionName)
}

// Scenario 4: of three providers matching a ^1.0.0 constraint, the highest
// in-range version wins regardless of registration order.
func TestScenario_VersionConstraintTieBreak(t *testing.T) {
	srv := newTestServer(t)

	for i, v := range []string{"2.0.0", "1.0.0", "1.2.3"} {
		heartbeat(t, srv, map[string]any{
			"agent_id": idFor(i), "name": idFor(i), "version": "1.0.0",
			"http_host": idFor(i), "http_port": 8080, "namespace": "default",
			"tools": []map[string]any{{"function_name": "compute", "capability": "math", "version": v}},
		})
	}

	rec := heartbeat(t, srv, map[string]any{
		"agent_id": "consumer-1", "name": "consumer", "version": "1.0.0",
		"http_host": "consumer", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{
			"function_name": "solve", "capability": "solver", "version": "1.0.0",
			"dependencies": []map[string]any{{"capability": "math", "version": "^1.0.0"}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	deps := resp.DependenciesResolved["solve"]
	require.Len(t, deps, 1)
	assert.Equal(t, "available", deps[0].Status)

	winner, err := srv.store.GetAgent(deps[0].AgentID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", winner.Capabilities[0].Version)
}

func idFor(i int) string { return "math-provider-" + string(rune('a'+i)) }

// Scenario 6: a reset agent's fast heartbeat returns 410, and a full POST
// re-registers it with a fresh resource_version.
func TestScenario_FastHeartbeat410TriggersReregister(t *testing.T) {
	srv := newTestServer(t)

	heartbeat(t, srv, map[string]any{
		"agent_id": "flaky-1", "name": "flaky", "version": "1.0.0",
		"http_host": "flaky", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{"function_name": "f", "capability": "c", "version": "1.0.0"}},
	})
	first, err := srv.store.GetAgent("flaky-1")
	require.NoError(t, err)

	require.NoError(t, srv.store.Unregister("flaky-1"))

	req := httptest.NewRequest(http.MethodHead, "/agents/heartbeat/flaky-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec2 := heartbeat(t, srv, map[string]any{
		"agent_id": "flaky-1", "name": "flaky", "version": "1.0.0",
		"http_host": "flaky", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{{"function_name": "f", "capability": "c", "version": "1.0.0"}},
	})
	require.Equal(t, http.StatusOK, rec2.Code)

	second, err := srv.store.GetAgent("flaky-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ResourceVersion, second.ResourceVersion)
}

// The registry-side half of the self-dependency shortcut: resolution must
// be able to return the consumer's own agent_id as the winning provider.
// The client-side shortcut (bypassing HTTP entirely) lives in pkg/meshclient.
func TestScenario_SelfDependencyResolvesToOwnAgentID(t *testing.T) {
	srv := newTestServer(t)

	rec := heartbeat(t, srv, map[string]any{
		"agent_id": "x-1", "name": "x", "version": "1.0.0",
		"http_host": "x", "http_port": 8080, "namespace": "default",
		"tools": []map[string]any{
			{"function_name": "f", "capability": "f_cap", "version": "1.0.0",
				"dependencies": []map[string]any{{"capability": "g_cap"}}},
			{"function_name": "g", "capability": "g_cap", "version": "1.0.0"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	fDeps := resp.DependenciesResolved["f"]
	require.Len(t, fDeps, 1)
	assert.Equal(t, "available", fDeps[0].Status)
	assert.Equal(t, "x-1", fDeps[0].AgentID)
}

func TestHandleHeartbeat_HighSecurityRequiresValidSpiffeID(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"agent_id": "secure-1", "name": "secure-1", "version": "1.0.0",
		"http_host": "secure-1", "http_port": 8080, "namespace": "default",
		"labels": map[string]string{"security.agentmesh/high-security": "true"},
		"tools":  []map[string]any{{"function_name": "f", "capability": "c1", "version": "1.0.0"}},
	}

	rec := heartbeat(t, srv, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = heartbeatWithHeaders(t, srv, body, map[string]string{"X-Spiffe-Id": "spiffe://other-domain.internal/ns/default/agent/secure-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = heartbeatWithHeaders(t, srv, body, map[string]string{"X-Spiffe-Id": "spiffe://agentmesh.internal/ns/default/agent/secure-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "secure-1", resp.AgentID)
}

func TestHandleAgentHealth_UnknownAgentIs404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/nobody", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListAgents_LabelSelectorFiltersEquality(t *testing.T) {
	srv := newTestServer(t)
	heartbeat(t, srv, map[string]any{
		"agent_id": "a1", "name": "a1", "version": "1.0.0",
		"http_host": "a1", "http_port": 8080, "namespace": "default",
		"labels": map[string]string{"team": "platform"},
		"tools":  []map[string]any{{"function_name": "f", "capability": "c1", "version": "1.0.0"}},
	})
	heartbeat(t, srv, map[string]any{
		"agent_id": "a2", "name": "a2", "version": "1.0.0",
		"http_host": "a2", "http_port": 8080, "namespace": "default",
		"labels": map[string]string{"team": "data"},
		"tools":  []map[string]any{{"function_name": "f", "capability": "c2", "version": "1.0.0"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/agents?label_selector=team%3Dplatform", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agentsListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "a1", resp.Agents[0].AgentID)
}
