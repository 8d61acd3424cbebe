package store

import (
	"encoding/json"
	"strings"
	"time"
)

// SearchCapabilities implements the GET /capabilities query semantics
// (spec §4.D), returning a flat list of capability records joined with
// their owning agent's identity.
func (s *Store) SearchCapabilities(filter CapabilitySearchFilter) ([]CapabilityRecord, error) {
	query := `SELECT c.agent_id, c.name, c.version, c.description, c.category, c.tags, c.stability,
		c.input_schema, a.name, a.status
		FROM capabilities c JOIN agents a ON a.agent_id = c.agent_id`
	var where []string
	var args []any

	agentStatus := filter.AgentStatus
	if agentStatus == "" {
		agentStatus = string(StatusHealthy)
	}
	where = append(where, "a.status = ?")
	args = append(args, agentStatus)

	if filter.AgentNamespace != "" {
		where = append(where, "a.namespace = ?")
		args = append(args, filter.AgentNamespace)
	}
	if filter.Category != "" {
		where = append(where, "c.category = ?")
		args = append(args, filter.Category)
	}
	if filter.Stability != "" {
		where = append(where, "c.stability = ?")
		args = append(args, filter.Stability)
	}
	if !filter.IncludeDeprecated && filter.Stability == "" {
		where = append(where, "c.stability != ?")
		args = append(args, string(StabilityDeprecated))
	}
	if filter.Name != "" {
		if filter.FuzzyMatch {
			where = append(where, "c.name LIKE ?")
			args = append(args, "%"+filter.Name+"%")
		} else {
			where = append(where, "c.name = ?")
			args = append(args, filter.Name)
		}
	}
	if filter.DescriptionContains != "" {
		where = append(where, "c.description LIKE ?")
		args = append(args, "%"+filter.DescriptionContains+"%")
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.name, a.name"

	rows, err := s.sqlx.Query(query, args...)
	if err != nil {
		return nil, Transient(err, "searching capabilities")
	}
	defer rows.Close()

	var out []CapabilityRecord
	for rows.Next() {
		var r CapabilityRecord
		var tagsJSON string
		if err := rows.Scan(&r.AgentID, &r.Name, &r.Version, &r.Description, &r.Category, &tagsJSON,
			&r.Stability, &r.InputSchema, &r.AgentName, &r.AgentStatus); err != nil {
			return nil, Transient(err, "scanning capability search row")
		}
		_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(err, "iterating capability search rows")
	}

	if len(filter.Tags) > 0 {
		filtered := out[:0]
		for _, r := range out {
			if hasAllTags(r.Tags, filter.Tags) {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	return out, nil
}

// HealthSnapshot is the per-agent view backing GET /health/{agent_id}
// (spec §4.D: status, last_heartbeat, time_since_heartbeat,
// timeout_threshold, eviction_threshold, is_expired, message).
type HealthSnapshot struct {
	AgentID           string     `json:"agent_id"`
	Status            Status     `json:"status"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	TimeSinceHeartbeat *float64  `json:"time_since_heartbeat,omitempty"`
	TimeoutThreshold  int        `json:"timeout_threshold"`
	EvictionThreshold int        `json:"eviction_threshold"`
	IsExpired         bool       `json:"is_expired"`
	Message           string     `json:"message,omitempty"`
}

// GetHealth computes the point-in-time health view for one agent, deriving
// time_since_heartbeat and is_expired from the agent's own thresholds rather
// than the reaper's cached status, so the answer is correct even between
// reaper sweeps.
func (s *Store) GetHealth(agentID string) (*HealthSnapshot, error) {
	agent, err := s.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	snap := &HealthSnapshot{
		AgentID:           agent.AgentID,
		Status:            agent.Status,
		LastHeartbeat:     agent.LastHeartbeat,
		TimeoutThreshold:  agent.TimeoutThreshold,
		EvictionThreshold: agent.EvictionThreshold,
	}
	if agent.LastHeartbeat != nil {
		elapsed := time.Since(*agent.LastHeartbeat).Seconds()
		snap.TimeSinceHeartbeat = &elapsed
		snap.IsExpired = elapsed > float64(agent.EvictionThreshold)
	} else {
		snap.Message = "agent has never sent a heartbeat"
	}
	return snap, nil
}

// ChangesSince returns change events with resource_version strictly greater
// than afterRV, in insertion order, for watchers joining mid-stream
// (spec §5 "a watcher that joins at rv=k receives every event with version
// >k in order").
func (s *Store) ChangesSince(afterRV string) ([]ChangeEvent, error) {
	rows, err := s.db.Query(`SELECT event_type, agent_id, timestamp, resource_version, snapshot
		FROM change_events WHERE resource_version > ? ORDER BY id`, afterRV)
	if err != nil {
		return nil, Transient(err, "loading change events")
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var e ChangeEvent
		var snapshot string
		if err := rows.Scan(&e.EventType, &e.AgentID, &e.Timestamp, &e.ResourceVersion, &snapshot); err != nil {
			return nil, Transient(err, "scanning change event row")
		}
		e.Snapshot = json.RawMessage(snapshot)
		out = append(out, e)
	}
	return out, rows.Err()
}
