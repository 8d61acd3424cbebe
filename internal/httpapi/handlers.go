package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/labels"

	"agentmesh/internal/identity"
	"agentmesh/internal/metrics"
	"agentmesh/internal/resolve"
	"agentmesh/internal/store"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "agentmesh-registry",
		"version": "1.0.0",
		"status":  "running",
		"endpoints": []string{
			"/agents/heartbeat", "/agents", "/capabilities", "/health/:agent_id", "/watch",
		},
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime_seconds": int(time.Since(s.startTime).Seconds())})
}

// handleHeartbeat implements POST /agents/heartbeat (spec §4.D): it both
// registers unknown agents and refreshes known ones, then resolves every
// declared tool's dependencies against the current provider set.
func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RecordHeartbeat("rejected")
		writeError(c, store.Validation("invalid heartbeat payload: %v", err))
		return
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}

	if req.Labels["security.agentmesh/high-security"] == "true" {
		if _, err := identity.ValidateHighSecurity(s.cfg.TrustDomain, c.GetHeader("X-Spiffe-Id")); err != nil {
			metrics.RecordHeartbeat("rejected")
			writeError(c, store.SecurityViolation("%v", err))
			return
		}
	}

	existing, err := s.store.GetAgent(req.AgentID)
	isNew := store.KindOf(err) == store.KindNotFound
	if err != nil && !isNew {
		metrics.RecordHeartbeat("rejected")
		writeError(c, err)
		return
	}

	endpoint := ""
	if req.HTTPHost != "" {
		endpoint = fmt.Sprintf("http://%s:%d", req.HTTPHost, req.HTTPPort)
	} else if !isNew {
		endpoint = existing.Endpoint
	}

	agent := &store.Agent{
		AgentID:   req.AgentID,
		AgentType: orDefault(req.AgentType, "mesh-agent"),
		Name:      req.Name,
		Namespace: namespace,
		Version:   req.Version,
		Endpoint:  endpoint,
		Labels:    req.Labels,
		Tools:     toStoreTools(req.Tools),
	}
	timeout, eviction := s.cfg.ThresholdsFor(agent.AgentType)
	agent.TimeoutThreshold = int(timeout / time.Second)
	agent.EvictionThreshold = int(eviction / time.Second)
	for _, t := range req.Tools {
		if t.Capability == "" {
			continue
		}
		agent.Capabilities = append(agent.Capabilities, store.Capability{
			Name:      t.Capability,
			Version:   orDefault(t.Version, "1.0.0"),
			Tags:      t.Tags,
			Stability: store.StabilityStable,
		})
	}

	if err := s.store.RegisterOrUpdate(agent); err != nil {
		metrics.RecordHeartbeat("rejected")
		writeError(c, err)
		return
	}
	updated, err := s.store.UpdateHeartbeat(req.AgentID)
	if err != nil {
		metrics.RecordHeartbeat("rejected")
		writeError(c, err)
		return
	}
	metrics.RecordHeartbeat("ok")
	s.publishAgentChange(updated, isNew)

	resolved := make(map[string][]resolutionEntry, len(updated.Tools))
	for _, tool := range updated.Tools {
		entries, err := s.resolver.ResolveTool(namespace, tool)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]resolutionEntry, len(entries))
		for i, e := range entries {
			metrics.RecordResolution(string(e.Status))
			out[i] = toResolutionEntry(s.fillProvider(e))
		}
		resolved[tool.FunctionName] = out
	}

	c.JSON(http.StatusOK, heartbeatResponse{
		Status:               "success",
		Timestamp:            time.Now().UTC(),
		Message:              "heartbeat received",
		AgentID:              req.AgentID,
		DependenciesResolved: resolved,
	})
}

// fillProvider looks up the winning provider's endpoint and the specific
// Tool that advertises the resolved capability: CapabilityRecord only
// carries the capability's own name and version, not the function name or
// endpoint a consumer needs to actually call it.
func (s *Server) fillProvider(r resolve.Resolution) resolve.Resolution {
	if r.Status != resolve.Available || r.AgentID == "" {
		return r
	}
	provider, err := s.store.GetAgent(r.AgentID)
	if err != nil {
		return r
	}
	r.Endpoint = provider.Endpoint
	for _, t := range provider.Tools {
		if t.Capability == r.Capability {
			r.FunctionName = t.FunctionName
			break
		}
	}
	return r
}

// publishAgentChange fans the just-applied registration/heartbeat out to
// GET /watch subscribers. The store already persisted the equivalent event
// for ChangesSince; this is the live-delivery side of spec §5.
func (s *Server) publishAgentChange(agent *store.Agent, isNew bool) {
	snapshot, err := json.Marshal(agent)
	if err != nil {
		return
	}
	evtType := store.EventModified
	if isNew {
		evtType = store.EventAdded
	}
	s.bus.Publish(store.ChangeEvent{
		EventType:       evtType,
		AgentID:         agent.AgentID,
		Timestamp:       agent.UpdatedAt,
		ResourceVersion: agent.ResourceVersion,
		Snapshot:        snapshot,
	})
}

func toStoreTools(tools []toolPayload) []store.Tool {
	out := make([]store.Tool, len(tools))
	for i, t := range tools {
		deps := make([]store.Dependency, len(t.Dependencies))
		for j, d := range t.Dependencies {
			deps[j] = store.Dependency{
				Capability:        d.Capability,
				Tags:              d.Tags,
				TagAlternatives:   d.TagAlternatives,
				VersionConstraint: d.VersionConstraint,
				Namespace:         d.Namespace,
				Kwargs:            d.Kwargs,
			}
		}
		out[i] = store.Tool{
			FunctionName: t.FunctionName,
			Capability:   t.Capability,
			Version:      t.Version,
			Tags:         t.Tags,
			Description:  t.Description,
			Dependencies: deps,
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// handleFastHeartbeat implements HEAD /agents/heartbeat/{agent_id} (spec
// §4.D): the status code alone is the payload. 410 signals the caller must
// fall back to a full POST /agents/heartbeat to re-register.
func (s *Server) handleFastHeartbeat(c *gin.Context) {
	agentID := c.Param("agent_id")
	before, err := s.store.GetAgent(agentID)
	if store.KindOf(err) == store.KindNotFound {
		c.Status(http.StatusGone)
		return
	}
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	after, err := s.store.UpdateHeartbeat(agentID)
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	if before.Status != after.Status {
		s.publishAgentChange(after, false)
		c.Status(http.StatusAccepted) // status changed, client should follow up with a full POST
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleListAgents(c *gin.Context) {
	status := orDefault(c.Query("status"), string(store.StatusHealthy))
	if status == "all" {
		status = "" // an empty status filter matches every status
	}
	filter := store.ListFilter{
		Namespace:           c.Query("namespace"),
		Status:              status,
		CapabilityCategory:  c.Query("capability_category"),
		CapabilityStability: c.Query("capability_stability"),
		VersionConstraint:   c.Query("version_constraint"),
		FuzzyMatch:          c.Query("fuzzy_match") == "true",
	}
	if caps := c.QueryArray("capability"); len(caps) > 0 {
		filter.Capabilities = caps
	}
	if tags := c.Query("capability_tags"); tags != "" {
		filter.CapabilityTags = strings.Split(tags, ",")
	}
	if sel := c.Query("label_selector"); sel != "" {
		set, err := labels.ConvertSelectorToLabelsMap(sel)
		if err != nil {
			writeError(c, store.Validation("malformed label_selector: %v", err))
			return
		}
		filter.LabelSelector = map[string]string(set)
	}

	agents, err := s.store.ListAgents(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentsListResponse{Agents: agents, Count: len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentResponse{agent})
}

func (s *Server) handleSearchCapabilities(c *gin.Context) {
	filter := store.CapabilitySearchFilter{
		Name:                c.Query("name"),
		DescriptionContains: c.Query("description_contains"),
		Category:            c.Query("category"),
		Stability:           c.Query("stability"),
		VersionConstraint:   c.Query("version_constraint"),
		FuzzyMatch:          c.Query("fuzzy_match") == "true",
		IncludeDeprecated:   c.Query("include_deprecated") == "true",
		AgentNamespace:      c.Query("agent_namespace"),
		AgentStatus:         c.Query("agent_status"),
	}
	if tags := c.Query("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	records, err := s.store.SearchCapabilities(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, capabilitiesListResponse{Capabilities: records, Count: len(records)})
}

func (s *Server) handleAgentHealth(c *gin.Context) {
	snap, err := s.store.GetHealth(c.Param("agent_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, healthResponse{
		AgentID:            snap.AgentID,
		Status:             string(snap.Status),
		LastHeartbeat:      snap.LastHeartbeat,
		TimeSinceHeartbeat: snap.TimeSinceHeartbeat,
		TimeoutThreshold:   snap.TimeoutThreshold,
		EvictionThreshold:  snap.EvictionThreshold,
		IsExpired:          snap.IsExpired,
		Message:            snap.Message,
	})
}

func (s *Server) handleMetricsJSON(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"store":          stats,
	})
}

// handleWatch implements GET /watch (spec §4.D, §5): a chunked,
// newline-delimited JSON stream of change events, fed by internal/changebus
// and ended when the client disconnects.
func (s *Server) handleWatch(c *gin.Context) {
	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	metrics.WatcherConnected()
	defer metrics.WatcherDisconnected()

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	enc := json.NewEncoder(c.Writer)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
