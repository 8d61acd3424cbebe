package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

const defaultTimeout = 10 * time.Second

type watchEvent struct {
	EventType       string          `json:"type"`
	AgentID         string          `json:"agent_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ResourceVersion string          `json:"resource_version"`
	Snapshot        json.RawMessage `json:"object"`
}

func newWatchCommand() *cobra.Command {
	var registryURL string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "tail the registry's live change feed (ADDED/MODIFIED/DELETED)",
		Long: `watch opens a long-lived connection to GET /watch and prints each
newline-delimited change event as it arrives: agent registrations,
heartbeat-driven updates, and reaper-driven expirations all show up here
in real time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// No client timeout: this request is meant to hang open.
			client := &http.Client{}
			resp, err := client.Get(registryURL + "/watch")
			if err != nil {
				return fmt.Errorf("connecting to %s/watch: %w", registryURL, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registry returned %d", resp.StatusCode)
			}

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				var evt watchEvent
				if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
					continue
				}
				fmt.Printf("%s  %-8s %-24s rv=%s\n",
					evt.Timestamp.Format(time.RFC3339), evt.EventType, evt.AgentID, evt.ResourceVersion)
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry-url", defaultRegistryURL, "registry base URL")
	return cmd
}
