// Package store owns the registry's canonical, persisted view of agents,
// capabilities and change history (component A of the design). All
// mutations go through one of the exported methods on *Store, which run
// inside a single transaction each; readers never block writers.
package store

import (
	"encoding/json"
	"time"
)

// Status is an agent's position in the health state machine (spec §3/§4.C).
type Status string

const (
	StatusPending  Status = "pending"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusExpired  Status = "expired"
	StatusOffline  Status = "offline"
)

// Stability is a capability's maturity tag.
type Stability string

const (
	StabilityStable     Stability = "stable"
	StabilityBeta       Stability = "beta"
	StabilityAlpha      Stability = "alpha"
	StabilityDeprecated Stability = "deprecated"
)

// Agent is the canonical row for one registered process.
type Agent struct {
	AgentID           string            `json:"agent_id" db:"agent_id"`
	AgentType         string            `json:"agent_type" db:"agent_type"`
	Name              string            `json:"name" db:"name"`
	Namespace         string            `json:"namespace" db:"namespace"`
	Version           string            `json:"version" db:"version"`
	Endpoint          string            `json:"endpoint" db:"endpoint"`
	Labels            map[string]string `json:"labels"`
	Status            Status            `json:"status" db:"status"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	LastHeartbeat     *time.Time        `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	ResourceVersion   string            `json:"resource_version" db:"resource_version"`
	HealthInterval    int               `json:"health_interval" db:"health_interval"`
	TimeoutThreshold  int               `json:"timeout_threshold" db:"timeout_threshold"`
	EvictionThreshold int               `json:"eviction_threshold" db:"eviction_threshold"`

	Capabilities []Capability `json:"capabilities,omitempty"`
	Tools        []Tool       `json:"tools,omitempty"`
}

// Capability describes one named, versioned contract an agent fulfills.
type Capability struct {
	ID          int64     `json:"-" db:"id"`
	AgentID     string    `json:"agent_id" db:"agent_id"`
	Name        string    `json:"name" db:"name"`
	Version     string    `json:"version" db:"version"`
	Description string    `json:"description,omitempty" db:"description"`
	Category    string    `json:"category,omitempty" db:"category"`
	Tags        []string  `json:"tags,omitempty"`
	Stability   Stability `json:"stability" db:"stability"`

	// InputSchema is stored verbatim and never interpreted by the registry
	// (payload schema validation is explicitly out of scope, spec §1).
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Persisted but never consulted by the resolver (spec §9 ambiguous
	// source behavior): kept for audit/export parity with the source system.
	SecurityRequirements  json.RawMessage `json:"security_requirements,omitempty"`
	PerformanceProfile    json.RawMessage `json:"performance_profile,omitempty"`
	CompatibilityVersions json.RawMessage `json:"compatibility_versions,omitempty"`
}

// Dependency is one declared reference from a Tool to a capability it
// consumes, with optional constraints.
type Dependency struct {
	Capability string `json:"capability"`
	// Tags must all be present on a candidate's capability tags.
	Tags []string `json:"tags,omitempty"`
	// TagAlternatives are OR-groups: a candidate must additionally satisfy
	// at least one group, when alternatives are declared.
	TagAlternatives  [][]string        `json:"tag_alternatives,omitempty"`
	VersionConstraint string           `json:"version_constraint,omitempty"`
	Namespace        string            `json:"namespace,omitempty"`
	Kwargs           map[string]any    `json:"kwargs,omitempty"`
}

// Tool is a function an agent exposes, carrying its own capability
// advertisement (if any) and its ordered dependency list.
type Tool struct {
	FunctionName string       `json:"function_name"`
	Capability   string       `json:"capability,omitempty"`
	Version      string       `json:"version,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Description  string       `json:"description,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// EventType distinguishes the three change-event kinds (spec §3).
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// ChangeEvent is one append-only record of a mutation to an Agent.
type ChangeEvent struct {
	EventType       EventType       `json:"type"`
	AgentID         string          `json:"agent_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ResourceVersion string          `json:"resource_version"`
	Snapshot        json.RawMessage `json:"object"`
}

// HealthEvent is one append-only status-transition record (spec §4.A).
type HealthEvent struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	OldStatus string    `json:"old_status,omitempty"`
	Source    string    `json:"source"` // "heartbeat" | "timeout" | "reaper"
	Timestamp time.Time `json:"timestamp"`
}

// ListFilter narrows a ListAgents query (spec §4.D GET /agents).
type ListFilter struct {
	Namespace           string
	Status              string // default "healthy" applied by the caller
	Capabilities        []string
	CapabilityCategory  string
	CapabilityStability string
	CapabilityTags      []string
	LabelSelector       map[string]string
	VersionConstraint   string
	FuzzyMatch          bool
}

// CapabilitySearchFilter narrows a SearchCapabilities query (spec §4.D
// GET /capabilities).
type CapabilitySearchFilter struct {
	Name                string
	DescriptionContains string
	Category            string
	Tags                []string
	Stability           string
	VersionConstraint   string
	FuzzyMatch          bool
	IncludeDeprecated   bool
	AgentNamespace      string
	AgentStatus         string // default "healthy"
}

// CapabilityRecord is one flattened row returned by SearchCapabilities and
// FindProviders, joining the owning agent's identity.
type CapabilityRecord struct {
	Capability
	AgentName      string `json:"agent_name"`
	AgentStatus    string `json:"agent_status"`
	AgentNamespace string `json:"agent_namespace"`
}
