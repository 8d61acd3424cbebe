package config

import (
	"fmt"
	"os"
)

// AgentRuntimeConfig holds the environment-driven settings an agent process
// uses to talk to the registry and advertise itself. See spec §6 for the
// recognized variable names.
type AgentRuntimeConfig struct {
	AgentName      string
	HTTPHost       string
	HTTPPort       int
	EnableHTTP     bool
	Namespace      string
	HealthInterval int // seconds
	RegistryURL    string
}

// LoadAgentRuntimeConfig reads MCP_MESH_* / POD_IP environment variables.
// Invalid values are a startup error, never silently ignored.
func LoadAgentRuntimeConfig() (*AgentRuntimeConfig, error) {
	cfg := &AgentRuntimeConfig{
		AgentName:      "agent",
		HTTPHost:       "0.0.0.0",
		HTTPPort:       8080,
		EnableHTTP:     true,
		Namespace:      "default",
		HealthInterval: 30,
		RegistryURL:    "http://localhost:8000",
	}

	overrideString(&cfg.AgentName, "MCP_MESH_AGENT_NAME")
	overrideString(&cfg.HTTPHost, "MCP_MESH_HTTP_HOST")
	if err := overrideInt(&cfg.HTTPPort, "MCP_MESH_HTTP_PORT"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.EnableHTTP, "MCP_MESH_ENABLE_HTTP"); err != nil {
		return nil, err
	}
	overrideString(&cfg.Namespace, "MCP_MESH_NAMESPACE")
	if err := overrideInt(&cfg.HealthInterval, "MCP_MESH_HEALTH_INTERVAL"); err != nil {
		return nil, err
	}
	overrideString(&cfg.RegistryURL, "MCP_MESH_REGISTRY_URL")

	// POD_IP, when present, overrides the advertised host for container
	// environments regardless of MCP_MESH_HTTP_HOST.
	if podIP := os.Getenv("POD_IP"); podIP != "" {
		cfg.HTTPHost = podIP
	}

	if cfg.HealthInterval < 1 {
		return nil, fmt.Errorf("MCP_MESH_HEALTH_INTERVAL must be >= 1 second, got %d", cfg.HealthInterval)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("MCP_MESH_HTTP_PORT out of range: %d", cfg.HTTPPort)
	}
	return cfg, nil
}

// AdvertisedEndpoint returns the base URL the agent should register with the
// registry.
func (c *AgentRuntimeConfig) AdvertisedEndpoint() string {
	return fmt.Sprintf("http://%s:%d", c.HTTPHost, c.HTTPPort)
}

// GeneratedAgentID builds the `<name>-<8 hex>` id format from spec §3.
func GeneratedAgentID(name, hex8 string) string {
	if len(hex8) > 8 {
		hex8 = hex8[:8]
	}
	return fmt.Sprintf("%s-%s", name, hex8)
}
