package httpapi

import (
	"time"

	"agentmesh/internal/resolve"
	"agentmesh/internal/store"
)

// heartbeatRequest is the flattened registration/heartbeat payload (spec
// §4.D): the same schema serves both first registration and every
// subsequent heartbeat.
type heartbeatRequest struct {
	AgentID   string           `json:"agent_id" binding:"required"`
	AgentType string           `json:"agent_type"`
	Name      string           `json:"name" binding:"required"`
	Version   string           `json:"version"`
	HTTPHost  string           `json:"http_host"`
	HTTPPort  int              `json:"http_port"`
	Timestamp time.Time        `json:"timestamp"`
	Namespace string           `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	Tools     []toolPayload    `json:"tools"`
}

type toolPayload struct {
	FunctionName string             `json:"function_name" binding:"required"`
	Capability   string             `json:"capability"`
	Tags         []string           `json:"tags"`
	Version      string             `json:"version"`
	Description  string             `json:"description"`
	Dependencies []dependencyPayload `json:"dependencies"`
}

type dependencyPayload struct {
	Capability        string         `json:"capability" binding:"required"`
	Tags              []string       `json:"tags"`
	TagAlternatives   [][]string     `json:"tag_alternatives"`
	VersionConstraint string         `json:"version"`
	Namespace         string         `json:"namespace"`
	Kwargs            map[string]any `json:"kwargs"`
}

type heartbeatResponse struct {
	Status               string                      `json:"status"`
	Timestamp             time.Time                  `json:"timestamp"`
	Message              string                      `json:"message"`
	AgentID              string                      `json:"agent_id"`
	DependenciesResolved map[string][]resolutionEntry `json:"dependencies_resolved"`
}

// resolutionEntry mirrors resolve.Resolution's wire shape and always
// carries every field except kwargs (even when empty), matching scenario 3
// in spec §8 which expects an explicit `{status:"unavailable", endpoint:"", function_name:""}`.
// kwargs is omitted when empty.
type resolutionEntry struct {
	Capability   string         `json:"capability"`
	AgentID      string         `json:"agent_id"`
	FunctionName string         `json:"function_name"`
	Endpoint     string         `json:"endpoint"`
	Status       string         `json:"status"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

func toResolutionEntry(r resolve.Resolution) resolutionEntry {
	return resolutionEntry{
		Capability:   r.Capability,
		AgentID:      r.AgentID,
		FunctionName: r.FunctionName,
		Endpoint:     r.Endpoint,
		Status:       string(r.Status),
		Kwargs:       r.Kwargs,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type agentResponse struct {
	*store.Agent
}

type agentsListResponse struct {
	Agents []*store.Agent `json:"agents"`
	Count  int            `json:"count"`
}

type capabilitiesListResponse struct {
	Capabilities []store.CapabilityRecord `json:"capabilities"`
	Count        int                      `json:"count"`
}

type healthResponse struct {
	AgentID            string   `json:"agent_id"`
	Status             string   `json:"status"`
	LastHeartbeat      *time.Time `json:"last_heartbeat"`
	TimeSinceHeartbeat *float64 `json:"time_since_heartbeat"`
	TimeoutThreshold   int      `json:"timeout_threshold"`
	EvictionThreshold  int      `json:"eviction_threshold"`
	IsExpired          bool     `json:"is_expired"`
	Message            string   `json:"message,omitempty"`
}
