package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	var (
		registryURL string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "show one agent's detail, including health state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newRegistryClient(registryURL, defaultTimeout)
			agent, err := client.getAgent(args[0])
			if err != nil {
				return err
			}
			health, err := client.getHealth(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"agent": agent, "health": health})
			}
			printAgentDetail(agent, health)
			return nil
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry-url", defaultRegistryURL, "registry base URL")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output raw JSON instead of a formatted view")
	return cmd
}

func printAgentDetail(a *apiAgent, h *healthResponse) {
	fmt.Printf("Agent:     %s (%s)\n", a.Name, a.AgentID)
	fmt.Printf("Type:      %s\n", a.AgentType)
	fmt.Printf("Namespace: %s\n", a.Namespace)
	fmt.Printf("Version:   %s\n", a.Version)
	fmt.Printf("Endpoint:  %s\n", a.Endpoint)
	fmt.Printf("Status:    %s%s%s\n", statusColor(a.Status), a.Status, colorReset)
	if len(a.Labels) > 0 {
		fmt.Printf("Labels:    %v\n", a.Labels)
	}
	fmt.Printf("Created:   %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", a.UpdatedAt.Format(time.RFC3339))
	if a.LastHeartbeat != nil {
		fmt.Printf("Last seen: %s ago\n", formatDuration(time.Since(*a.LastHeartbeat)))
	}

	if h != nil {
		fmt.Println()
		fmt.Printf("Health:    %s%s%s\n", statusColor(h.Status), h.Status, colorReset)
		if h.TimeSinceHeartbeat != nil {
			fmt.Printf("Silence:   %.0fs\n", *h.TimeSinceHeartbeat)
		}
		if h.IsExpired {
			fmt.Println("Expired:   yes")
		}
	}

	if len(a.Tools) > 0 {
		fmt.Printf("\nTools (%d):\n", len(a.Tools))
		for _, t := range a.Tools {
			fmt.Printf("  - %s  capability=%s version=%s tags=%v\n", t.FunctionName, t.Capability, t.Version, t.Tags)
		}
	}
}
