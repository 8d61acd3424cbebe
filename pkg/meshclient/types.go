// Package meshclient is the agent-side half of the mesh: it heartbeats an
// agent's declared tools to the registry, differentially rewires each
// tool's dependency proxies as the registry's resolution changes, and
// injects those proxies into registered wrapper functions (spec §4.E-H).
package meshclient

import "time"

// Dependency is one dependency a tool declares at registration time,
// mirroring the wire shape the registry's POST /agents/heartbeat expects.
type Dependency struct {
	Capability        string         `json:"capability"`
	Tags              []string       `json:"tags,omitempty"`
	TagAlternatives   [][]string     `json:"tag_alternatives,omitempty"`
	VersionConstraint string         `json:"version,omitempty"`
	Namespace         string         `json:"namespace,omitempty"`
	Kwargs            map[string]any `json:"kwargs,omitempty"`
}

// Tool is one function an agent exposes to the mesh, along with its
// dependencies. FuncID identifies the Go function for injector bookkeeping
// (e.g. "pkgpath.FuncName"); Name is the wire-facing function_name.
type Tool struct {
	FuncID       string
	Name         string
	Capability   string
	Version      string
	Tags         []string
	Description  string
	Dependencies []Dependency
}

type toolPayload struct {
	FunctionName string              `json:"function_name"`
	Capability   string              `json:"capability,omitempty"`
	Version      string              `json:"version,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Description  string              `json:"description,omitempty"`
	Dependencies []dependencyPayload `json:"dependencies,omitempty"`
}

type dependencyPayload struct {
	Capability      string         `json:"capability"`
	Tags            []string       `json:"tags,omitempty"`
	TagAlternatives [][]string     `json:"tag_alternatives,omitempty"`
	Version         string         `json:"version,omitempty"`
	Namespace       string         `json:"namespace,omitempty"`
	Kwargs          map[string]any `json:"kwargs,omitempty"`
}

type heartbeatPayload struct {
	AgentID   string            `json:"agent_id"`
	AgentType string            `json:"agent_type,omitempty"`
	Name      string            `json:"name"`
	Version   string            `json:"version,omitempty"`
	HTTPHost  string            `json:"http_host,omitempty"`
	HTTPPort  int               `json:"http_port,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Tools     []toolPayload     `json:"tools"`
}

// Resolution is one resolved dependency slot, in the exact shape the
// registry's heartbeat response carries it (spec §4.B/§4.F).
type Resolution struct {
	Capability   string         `json:"capability"`
	AgentID      string         `json:"agent_id,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Status       string         `json:"status"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

// heartbeatResponse mirrors internal/httpapi's heartbeatResponse on the
// wire; only the fields the client needs are declared.
type heartbeatResponse struct {
	Status               string                  `json:"status"`
	AgentID              string                  `json:"agent_id"`
	DependenciesResolved map[string][]Resolution `json:"dependencies_resolved"`
}
