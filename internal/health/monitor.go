// Package health runs the passive health state machine (spec §4.C):
// pending only ever advances on a heartbeat; healthy degrades to degraded
// past the timeout threshold and to expired past the eviction threshold.
// The reaper never moves an agent to offline and skips agents already
// offline; the heartbeat payload has no field that sets offline.
package health

import (
	"encoding/json"
	"sync"
	"time"

	"agentmesh/internal/config"
	"agentmesh/internal/logging"
	"agentmesh/internal/store"
)

func jsonMarshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// publisher is the one changebus.Bus method the monitor needs, kept as a
// narrow interface so tests can run the reaper without a live bus.
type publisher interface {
	Publish(store.ChangeEvent)
}

// Monitor is a ticker-driven reaper that periodically reassesses every
// agent's status against its own (or its agent_type's, or the registry
// default) timeout/eviction thresholds.
type Monitor struct {
	store  *store.Store
	cfg    *config.Config
	log    *logging.Logger
	bus    publisher
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
}

// New builds a Monitor. bus may be nil, in which case reaper transitions are
// still persisted (for GET /health and ChangesSince) but not fanned out to
// live GET /watch subscribers.
func New(s *store.Store, cfg *config.Config, log *logging.Logger, bus publisher) *Monitor {
	return &Monitor{
		store:  s,
		cfg:    cfg,
		log:    log,
		bus:    bus,
		stopCh: make(chan struct{}),
	}
}

// Start begins the monitoring loop if it isn't already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return
	}

	interval := m.cfg.HealthCheckIntervalDuration()
	m.ticker = time.NewTicker(interval)
	m.isRunning = true

	m.wg.Add(1)
	go m.loop()
	m.log.Info("health monitor started, interval=%s", interval)
}

// Stop halts the monitoring loop and waits for the in-flight sweep, if any,
// to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.ticker.Stop()
	m.isRunning = false
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			if err := m.Sweep(); err != nil {
				m.log.Warning("health sweep failed: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Sweep assesses every agent once and applies any status transitions in a
// single batch per target status. It is exported so tests (and an eventual
// admin endpoint) can trigger an assessment deterministically instead of
// waiting on the ticker.
func (m *Monitor) Sweep() error {
	agents, err := m.store.ListAgents(store.ListFilter{})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	toDegraded := []string{}
	toExpired := []string{}

	for _, a := range agents {
		if a.Status == store.StatusPending || a.Status == store.StatusOffline {
			continue // pending only moves on heartbeat; offline is terminal until re-registration
		}
		if a.LastHeartbeat == nil {
			continue
		}
		timeout, eviction := m.thresholdsFor(a)
		elapsed := now.Sub(*a.LastHeartbeat)

		switch {
		case elapsed > eviction:
			if a.Status != store.StatusExpired {
				toExpired = append(toExpired, a.AgentID)
			}
		case elapsed > timeout:
			if a.Status != store.StatusDegraded {
				toDegraded = append(toDegraded, a.AgentID)
			}
		}
	}

	if len(toDegraded) > 0 {
		if err := m.store.MarkUnhealthy(toDegraded, store.StatusDegraded, "reaper"); err != nil {
			return err
		}
		m.log.Info("reaper marked %d agent(s) degraded", len(toDegraded))
		m.publishTransitions(toDegraded, store.StatusDegraded)
	}
	if len(toExpired) > 0 {
		if err := m.store.MarkUnhealthy(toExpired, store.StatusExpired, "reaper"); err != nil {
			return err
		}
		m.log.Info("reaper marked %d agent(s) expired", len(toExpired))
		m.publishTransitions(toExpired, store.StatusExpired)
	}
	return nil
}

// publishTransitions fans a batch of reaper-applied status changes out to
// GET /watch subscribers, best-effort: a lookup failure here never fails the
// sweep, since the transition is already durably recorded.
func (m *Monitor) publishTransitions(agentIDs []string, newStatus store.Status) {
	if m.bus == nil {
		return
	}
	for _, id := range agentIDs {
		agent, err := m.store.GetAgent(id)
		if err != nil {
			continue
		}
		snapshot, err := jsonMarshal(agent)
		if err != nil {
			continue
		}
		m.bus.Publish(store.ChangeEvent{
			EventType:       store.EventModified,
			AgentID:         agent.AgentID,
			Timestamp:       agent.UpdatedAt,
			ResourceVersion: agent.ResourceVersion,
			Snapshot:        snapshot,
		})
	}
}

// thresholdsFor resolves the effective timeout/eviction thresholds for one
// agent: the thresholds stored on its row take priority when both are set,
// otherwise its agent_type's configured override, then the registry-wide
// default. POST /agents/heartbeat stores the agent_type's thresholds on the
// row, and RegisterOrUpdate stores 60/120 when none are given, so the config
// lookup here only applies to rows without stored thresholds.
func (m *Monitor) thresholdsFor(a *store.Agent) (timeout, eviction time.Duration) {
	if a.TimeoutThreshold > 0 && a.EvictionThreshold > 0 {
		return time.Duration(a.TimeoutThreshold) * time.Second, time.Duration(a.EvictionThreshold) * time.Second
	}
	return m.cfg.ThresholdsFor(a.AgentType)
}
