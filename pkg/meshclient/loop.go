package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Client is one agent process's mesh connection: it heartbeats its
// declared tools to the registry and rewires their dependency proxies as
// resolutions change (spec §4.E-H).
type Client struct {
	AgentID      string
	AgentType    string
	Name         string
	Version      string
	Namespace    string
	HTTPHost     string
	HTTPPort     int
	Labels       map[string]string
	RegistryURL  string
	HealthInterval time.Duration

	Tools []Tool

	Injector *Injector
	Rewirer  *Rewirer

	httpClient *http.Client

	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	fastPath bool // alternate HEAD-then-POST once primed
}

// NewClient builds a Client with a fresh Injector and Rewirer. Callers that
// share an injector across multiple channels (e.g. LLM tools) may replace
// the exported Injector/Rewirer fields before Start.
func NewClient(agentID, name, registryURL string, tools []Tool) *Client {
	injector := NewInjector()
	return &Client{
		AgentID:        agentID,
		Name:           name,
		RegistryURL:    registryURL,
		Tools:          tools,
		HealthInterval: 30 * time.Second,
		Injector:       injector,
		Rewirer:        NewRewirer(agentID, injector),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Start launches the single-goroutine cooperative heartbeat loop (spec
// §4.E). It is idempotent.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop flags the loop and waits for the in-flight tick, if any, to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.started = false
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	c.Tick(ctx) // register immediately instead of waiting a full interval

	ticker := time.NewTicker(c.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one heartbeat cycle: the HEAD fast path when primed, falling
// through to a full POST on first tick, on a reported status change
// (202), or after a 410 forces re-registration.
func (c *Client) Tick(ctx context.Context) {
	if c.fastPath {
		status, err := c.headHeartbeat(ctx)
		if err == nil && status == http.StatusOK {
			return // unchanged, no rewiring needed
		}
		if err == nil && status == http.StatusGone {
			c.fastPath = false // re-register from scratch
		}
		// 202 (status changed) and transport errors both fall through to POST.
	}

	resolved, bodyPresent, err := c.postHeartbeat(ctx)
	if err != nil {
		return // transport failure or 5xx: do nothing, next tick retries
	}
	c.fastPath = true

	funcIDFor := func(functionName string) string {
		for _, t := range c.Tools {
			if t.Name == functionName {
				return t.FuncID
			}
		}
		return functionName
	}
	_ = c.Rewirer.Apply(resolved, funcIDFor, bodyPresent)
}

func (c *Client) headHeartbeat(ctx context.Context) (int, error) {
	url := fmt.Sprintf("%s/agents/heartbeat/%s", c.RegistryURL, c.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) postHeartbeat(ctx context.Context) (map[string][]Resolution, bool, error) {
	payload := c.buildPayload()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	url := c.RegistryURL + "/agents/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, false, fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("registry rejected heartbeat: %d", resp.StatusCode)
	}

	var decoded heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, nil // empty/unparseable body: resilience, skip rewiring this tick
	}
	return decoded.DependenciesResolved, true, nil
}

func (c *Client) buildPayload() heartbeatPayload {
	tools := make([]toolPayload, len(c.Tools))
	for i, t := range c.Tools {
		deps := make([]dependencyPayload, len(t.Dependencies))
		for j, d := range t.Dependencies {
			deps[j] = dependencyPayload{
				Capability:      d.Capability,
				Tags:            d.Tags,
				TagAlternatives: d.TagAlternatives,
				Version:         d.VersionConstraint,
				Namespace:       d.Namespace,
				Kwargs:          d.Kwargs,
			}
		}
		tools[i] = toolPayload{
			FunctionName: t.Name,
			Capability:   t.Capability,
			Version:      t.Version,
			Tags:         t.Tags,
			Description:  t.Description,
			Dependencies: deps,
		}
	}
	return heartbeatPayload{
		AgentID:   c.AgentID,
		AgentType: c.AgentType,
		Name:      c.Name,
		Version:   c.Version,
		HTTPHost:  c.HTTPHost,
		HTTPPort:  c.HTTPPort,
		Timestamp: time.Now().UTC(),
		Namespace: c.Namespace,
		Labels:    c.Labels,
		Tools:     tools,
	}
}
