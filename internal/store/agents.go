package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// RegisterOrUpdate upserts an agent by AgentID, replacing its capability and
// tool set atomically, and emits a MODIFIED change event (spec §4.A).
// A brand-new agent is created in StatusPending; re-registration of a known
// agent does not change its current status (only a heartbeat does that).
func (s *Store) RegisterOrUpdate(a *Agent) error {
	if a.AgentID == "" {
		return Validation("agent_id is required")
	}
	if a.Namespace == "" {
		a.Namespace = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Transient(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var existingName, existingNamespace string
	var existingStatus Status
	err = tx.QueryRow("SELECT name, namespace, status FROM agents WHERE agent_id = ?", a.AgentID).
		Scan(&existingName, &existingNamespace, &existingStatus)
	isNew := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return Transient(err, "looking up agent %s", a.AgentID)
	}

	// Uniqueness invariant: (name, namespace) must map to a single agent_id.
	var conflictingID string
	err = tx.QueryRow("SELECT agent_id FROM agents WHERE name = ? AND namespace = ? AND agent_id != ?",
		a.Name, a.Namespace, a.AgentID).Scan(&conflictingID)
	if err == nil {
		return Conflict("agent name %q already registered in namespace %q as %s", a.Name, a.Namespace, conflictingID)
	}
	if err != nil && err != sql.ErrNoRows {
		return Transient(err, "checking name/namespace uniqueness")
	}

	labelsJSON, err := json.Marshal(a.Labels)
	if err != nil {
		return Validation("invalid labels: %v", err)
	}

	rv := nextResourceVersion()
	status := a.Status
	if status == "" {
		if isNew {
			status = StatusPending
		} else {
			status = existingStatus
		}
	}

	if isNew {
		_, err = tx.Exec(`
			INSERT INTO agents (agent_id, agent_type, name, namespace, version, endpoint, labels,
				status, created_at, updated_at, resource_version, health_interval,
				timeout_threshold, eviction_threshold)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.AgentID, orDefault(a.AgentType, "mesh-agent"), a.Name, a.Namespace, a.Version, a.Endpoint,
			string(labelsJSON), status, now, now, rv,
			orDefaultInt(a.HealthInterval, 30), orDefaultInt(a.TimeoutThreshold, 60),
			orDefaultInt(a.EvictionThreshold, 120))
	} else {
		_, err = tx.Exec(`
			UPDATE agents SET agent_type=?, name=?, namespace=?, version=?, endpoint=?, labels=?,
				status=?, updated_at=?, resource_version=?, health_interval=?,
				timeout_threshold=?, eviction_threshold=?
			WHERE agent_id=?`,
			orDefault(a.AgentType, "mesh-agent"), a.Name, a.Namespace, a.Version, a.Endpoint,
			string(labelsJSON), status, now, rv, orDefaultInt(a.HealthInterval, 30),
			orDefaultInt(a.TimeoutThreshold, 60), orDefaultInt(a.EvictionThreshold, 120), a.AgentID)
	}
	if err != nil {
		return Transient(err, "upserting agent %s", a.AgentID)
	}

	if _, err := tx.Exec("DELETE FROM capabilities WHERE agent_id = ?", a.AgentID); err != nil {
		return Transient(err, "clearing capabilities for %s", a.AgentID)
	}
	for _, c := range a.Capabilities {
		if err := insertCapability(tx, a.AgentID, c); err != nil {
			return err
		}
	}

	if _, err := tx.Exec("DELETE FROM tools WHERE agent_id = ?", a.AgentID); err != nil {
		return Transient(err, "clearing tools for %s", a.AgentID)
	}
	for _, t := range a.Tools {
		if err := insertTool(tx, a.AgentID, t); err != nil {
			return err
		}
	}

	a.Status = status
	a.ResourceVersion = rv
	a.CreatedAt, a.UpdatedAt = now, now

	if err := emitChangeEvent(tx, EventModified, a, rv, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return Transient(err, "committing registration for %s", a.AgentID)
	}
	s.cache.invalidateAll()
	return nil
}

func insertCapability(tx *sql.Tx, agentID string, c Capability) error {
	tagsJSON, _ := json.Marshal(c.Tags)
	stability := c.Stability
	if stability == "" {
		stability = StabilityStable
	}
	inputSchema := c.InputSchema
	if len(inputSchema) == 0 {
		inputSchema = json.RawMessage("{}")
	}
	sec, perf, compat := orRaw(c.SecurityRequirements, "{}"), orRaw(c.PerformanceProfile, "{}"), orRaw(c.CompatibilityVersions, "[]")
	_, err := tx.Exec(`
		INSERT INTO capabilities (agent_id, name, version, description, category, tags, stability,
			input_schema, security_requirements, performance_profile, compatibility_versions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, c.Name, orDefault(c.Version, "1.0.0"), c.Description, c.Category, string(tagsJSON),
		stability, string(inputSchema), string(sec), string(perf), string(compat))
	if err != nil {
		return Transient(err, "inserting capability %s for %s", c.Name, agentID)
	}
	return nil
}

func insertTool(tx *sql.Tx, agentID string, t Tool) error {
	tagsJSON, _ := json.Marshal(t.Tags)
	depsJSON, err := json.Marshal(t.Dependencies)
	if err != nil {
		return Validation("invalid dependencies for tool %s: %v", t.FunctionName, err)
	}
	_, err = tx.Exec(`
		INSERT INTO tools (agent_id, function_name, capability, version, tags, description, dependencies)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, t.FunctionName, t.Capability, t.Version, string(tagsJSON), t.Description, string(depsJSON))
	if err != nil {
		return Transient(err, "inserting tool %s for %s", t.FunctionName, agentID)
	}
	return nil
}

// Unregister deletes an agent and cascades its capabilities/tools, emitting
// a DELETED change event.
func (s *Store) Unregister(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Transient(err, "beginning transaction")
	}
	defer tx.Rollback()

	agent, err := getAgentTx(tx, agentID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM agents WHERE agent_id = ?", agentID); err != nil {
		return Transient(err, "deleting agent %s", agentID)
	}

	rv := nextResourceVersion()
	if err := emitChangeEvent(tx, EventDeleted, agent, rv, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return Transient(err, "committing unregister for %s", agentID)
	}
	s.cache.invalidateAll()
	return nil
}

// GetAgent returns one agent with its capabilities and tools attached.
func (s *Store) GetAgent(agentID string) (*Agent, error) {
	return getAgentTx(s.db, agentID)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getAgentTx(q queryer, agentID string) (*Agent, error) {
	a, err := scanAgentRow(q.QueryRow(`
		SELECT agent_id, agent_type, name, namespace, version, endpoint, labels, status,
			created_at, updated_at, last_heartbeat, resource_version, health_interval,
			timeout_threshold, eviction_threshold
		FROM agents WHERE agent_id = ?`, agentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NotFound("agent %s not found", agentID)
		}
		return nil, Transient(err, "loading agent %s", agentID)
	}

	caps, err := loadCapabilities(q, agentID)
	if err != nil {
		return nil, err
	}
	a.Capabilities = caps

	tools, err := loadTools(q, agentID)
	if err != nil {
		return nil, err
	}
	a.Tools = tools
	return a, nil
}

func scanAgentRow(row *sql.Row) (*Agent, error) {
	var a Agent
	var labelsJSON string
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&a.AgentID, &a.AgentType, &a.Name, &a.Namespace, &a.Version, &a.Endpoint,
		&labelsJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt, &lastHeartbeat, &a.ResourceVersion,
		&a.HealthInterval, &a.TimeoutThreshold, &a.EvictionThreshold); err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Time
	}
	_ = json.Unmarshal([]byte(labelsJSON), &a.Labels)
	return &a, nil
}

func loadCapabilities(q queryer, agentID string) ([]Capability, error) {
	rows, err := q.Query(`SELECT agent_id, name, version, description, category, tags, stability,
		input_schema, security_requirements, performance_profile, compatibility_versions
		FROM capabilities WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, Transient(err, "loading capabilities for %s", agentID)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var c Capability
		var tagsJSON string
		if err := rows.Scan(&c.AgentID, &c.Name, &c.Version, &c.Description, &c.Category, &tagsJSON,
			&c.Stability, &c.InputSchema, &c.SecurityRequirements, &c.PerformanceProfile,
			&c.CompatibilityVersions); err != nil {
			return nil, Transient(err, "scanning capability row")
		}
		_ = json.Unmarshal([]byte(tagsJSON), &c.Tags)
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadTools(q queryer, agentID string) ([]Tool, error) {
	rows, err := q.Query(`SELECT function_name, capability, version, tags, description, dependencies
		FROM tools WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, Transient(err, "loading tools for %s", agentID)
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		var t Tool
		var tagsJSON, depsJSON string
		if err := rows.Scan(&t.FunctionName, &t.Capability, &t.Version, &tagsJSON, &t.Description, &depsJSON); err != nil {
			return nil, Transient(err, "scanning tool row")
		}
		_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
		_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAgents applies a ListFilter over the agents table (spec §4.D GET
// /agents semantics). An empty filter.Status means "all statuses"; callers
// implementing the HTTP default of "healthy" should set it explicitly.
func (s *Store) ListAgents(filter ListFilter) ([]*Agent, error) {
	query := `SELECT DISTINCT a.agent_id, a.agent_type, a.name, a.namespace, a.version, a.endpoint,
		a.labels, a.status, a.created_at, a.updated_at, a.last_heartbeat, a.resource_version,
		a.health_interval, a.timeout_threshold, a.eviction_threshold
		FROM agents a`
	var joins []string
	var where []string
	var args []any

	if len(filter.Capabilities) > 0 || filter.CapabilityCategory != "" || filter.CapabilityStability != "" || len(filter.CapabilityTags) > 0 {
		joins = append(joins, "JOIN capabilities c ON c.agent_id = a.agent_id")
	}
	if filter.Namespace != "" {
		where = append(where, "a.namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Status != "" {
		where = append(where, "a.status = ?")
		args = append(args, filter.Status)
	}
	if len(filter.Capabilities) > 0 {
		placeholders := make([]string, len(filter.Capabilities))
		for i, name := range filter.Capabilities {
			placeholders[i] = "?"
			args = append(args, name)
		}
		if filter.FuzzyMatch {
			var ors []string
			for _, name := range filter.Capabilities {
				ors = append(ors, "c.name LIKE ?")
				args = append(args, "%"+name+"%")
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		} else {
			where = append(where, "c.name IN ("+strings.Join(placeholders, ",")+")")
		}
	}
	if filter.CapabilityCategory != "" {
		where = append(where, "c.category = ?")
		args = append(args, filter.CapabilityCategory)
	}
	if filter.CapabilityStability != "" {
		where = append(where, "c.stability = ?")
		args = append(args, filter.CapabilityStability)
	}

	if len(joins) > 0 {
		query += " " + strings.Join(joins, " ")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Transient(err, "listing agents")
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, Transient(err, "scanning agent row")
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(err, "iterating agents")
	}

	// Post-filter on tags/label-selector/capability-tags — cheap in Go since
	// discovery result sets are small; avoids N more SQL dialects for JSON
	// containment.
	var filtered []*Agent
	for _, a := range agents {
		if len(filter.LabelSelector) > 0 && !labelsMatch(a.Labels, filter.LabelSelector) {
			continue
		}
		if len(filter.CapabilityTags) > 0 {
			caps, err := s.GetAgent(a.AgentID)
			if err != nil {
				continue
			}
			if !anyCapabilityHasTags(caps.Capabilities, filter.CapabilityTags) {
				continue
			}
		}
		filtered = append(filtered, a)
	}

	for i := range filtered {
		caps, err := loadCapabilities(s.db, filtered[i].AgentID)
		if err == nil {
			filtered[i].Capabilities = caps
		}
	}
	return filtered, nil
}

func anyCapabilityHasTags(caps []Capability, want []string) bool {
	for _, c := range caps {
		if hasAllTags(c.Tags, want) {
			return true
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func labelsMatch(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	var a Agent
	var labelsJSON string
	var lastHeartbeat sql.NullTime
	if err := rows.Scan(&a.AgentID, &a.AgentType, &a.Name, &a.Namespace, &a.Version, &a.Endpoint,
		&labelsJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt, &lastHeartbeat, &a.ResourceVersion,
		&a.HealthInterval, &a.TimeoutThreshold, &a.EvictionThreshold); err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Time
	}
	_ = json.Unmarshal([]byte(labelsJSON), &a.Labels)
	return &a, nil
}

// UpdateHeartbeat stamps last_heartbeat=now, transitions status to healthy
// (resurrection allowed from any prior status, spec §3 lifecycle), bumps
// resource_version, and appends a heartbeat health event. Returns
// store.NotFound if the agent is unknown so callers can upgrade that to a
// 410 on the fast path (spec §4.D).
func (s *Store) UpdateHeartbeat(agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, Transient(err, "beginning transaction")
	}
	defer tx.Rollback()

	agent, err := getAgentTx(tx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rv := nextResourceVersion()
	oldStatus := agent.Status

	_, err = tx.Exec(`UPDATE agents SET last_heartbeat=?, status=?, updated_at=?, resource_version=?
		WHERE agent_id=?`, now, StatusHealthy, now, rv, agentID)
	if err != nil {
		return nil, Transient(err, "updating heartbeat for %s", agentID)
	}

	_, err = tx.Exec(`INSERT INTO health_events (agent_id, status, old_status, source, timestamp)
		VALUES (?, ?, ?, 'heartbeat', ?)`, agentID, StatusHealthy, oldStatus, now)
	if err != nil {
		return nil, Transient(err, "recording health event for %s", agentID)
	}

	agent.LastHeartbeat = &now
	agent.Status = StatusHealthy
	agent.UpdatedAt = now
	agent.ResourceVersion = rv

	if err := emitChangeEvent(tx, EventModified, agent, rv, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, Transient(err, "committing heartbeat for %s", agentID)
	}
	if oldStatus != StatusHealthy {
		s.cache.invalidateAll()
	}
	return agent, nil
}

// FindProviders returns the capability rows (joined with their agent's name,
// status and namespace) of healthy agents offering capability name that
// satisfy the optional namespace restriction. Tag/version
// filtering happens one layer up in internal/resolve, which needs per-
// capability-row detail this method intentionally doesn't flatten away.
func (s *Store) FindProviders(capabilityName, namespace string) ([]CapabilityRecord, error) {
	query := `SELECT c.agent_id, c.name, c.version, c.description, c.category, c.tags, c.stability,
		c.input_schema, a.name, a.status, a.namespace
		FROM capabilities c JOIN agents a ON a.agent_id = c.agent_id
		WHERE c.name = ? AND a.status = ?`
	args := []any{capabilityName, StatusHealthy}
	if namespace != "" {
		query += " AND a.namespace = ?"
		args = append(args, namespace)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Transient(err, "finding providers for %s", capabilityName)
	}
	defer rows.Close()

	var out []CapabilityRecord
	for rows.Next() {
		var r CapabilityRecord
		var tagsJSON string
		if err := rows.Scan(&r.AgentID, &r.Name, &r.Version, &r.Description, &r.Category, &tagsJSON,
			&r.Stability, &r.InputSchema, &r.AgentName, &r.AgentStatus, &r.AgentNamespace); err != nil {
			return nil, Transient(err, "scanning provider row")
		}
		_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkUnhealthy bulk-transitions the given agents to newStatus, used by the
// health monitor reaper (spec §4.C).
func (s *Store) MarkUnhealthy(agentIDs []string, newStatus Status, source string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Transient(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, id := range agentIDs {
		agent, err := getAgentTx(tx, id)
		if err != nil {
			continue // agent may have been removed concurrently; skip, don't abort the batch
		}
		oldStatus := agent.Status
		rv := nextResourceVersion()
		if _, err := tx.Exec(`UPDATE agents SET status=?, updated_at=?, resource_version=? WHERE agent_id=?`,
			newStatus, now, rv, id); err != nil {
			return Transient(err, "marking %s %s", id, newStatus)
		}
		if _, err := tx.Exec(`INSERT INTO health_events (agent_id, status, old_status, source, timestamp)
			VALUES (?, ?, ?, ?, ?)`, id, newStatus, oldStatus, source, now); err != nil {
			return Transient(err, "recording health event for %s", id)
		}
		agent.Status = newStatus
		agent.UpdatedAt = now
		agent.ResourceVersion = rv
		if err := emitChangeEvent(tx, EventModified, agent, rv, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return Transient(err, "committing bulk status transition")
	}
	s.cache.invalidateAll()
	return nil
}

func emitChangeEvent(tx *sql.Tx, evt EventType, agent *Agent, rv string, ts time.Time) error {
	snapshot, err := json.Marshal(agent)
	if err != nil {
		return Validation("marshaling snapshot for %s: %v", agent.AgentID, err)
	}
	_, err = tx.Exec(`INSERT INTO change_events (event_type, agent_id, timestamp, resource_version, snapshot)
		VALUES (?, ?, ?, ?, ?)`, evt, agent.AgentID, ts, rv, string(snapshot))
	if err != nil {
		return Transient(err, "emitting change event for %s", agent.AgentID)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orRaw(v json.RawMessage, def string) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage(def)
	}
	return v
}

