package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	var (
		registryURL   string
		namespace     string
		status        string
		labelSelector string
		jsonOutput    bool
		interactive   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list agents known to the registry",
		Long: `list shows every agent the registry currently tracks, in a
docker-compose-style table: name, type, status, endpoint, and how long
since its last heartbeat.

By default only healthy agents are shown; pass --status=all to see every
status including degraded and expired ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				ns, st, err := promptFilters()
				if err != nil {
					return err
				}
				namespace, status = ns, st
			}

			client := newRegistryClient(registryURL, defaultTimeout)
			resp, err := client.listAgents(namespace, status, labelSelector)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			return printAgentTable(resp.Agents)
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry-url", defaultRegistryURL, "registry base URL")
	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")
	cmd.Flags().StringVar(&status, "status", "healthy", "filter by status, or \"all\"")
	cmd.Flags().StringVar(&labelSelector, "label-selector", "", "equality-based label selector, e.g. tier=gold,region=us")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output raw JSON instead of a table")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "prompt for namespace/status filters instead of using flags")

	return cmd
}

func promptFilters() (namespace, status string, err error) {
	nsAnswer := ""
	if promptErr := survey.AskOne(&survey.Input{
		Message: "Namespace (blank for all):",
	}, &nsAnswer); promptErr != nil {
		return "", "", promptErr
	}

	statusAnswer := ""
	if promptErr := survey.AskOne(&survey.Select{
		Message: "Status filter:",
		Options: []string{"healthy", "all", "degraded", "expired"},
		Default: "healthy",
	}, &statusAnswer); promptErr != nil {
		return "", "", promptErr
	}

	return nsAnswer, statusAnswer, nil
}

func printAgentTable(agents []apiAgent) error {
	if len(agents) == 0 {
		fmt.Println("No agents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tTOOLS\tENDPOINT\tSINCE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s%s%s\t%d\t%s\t%s\n",
			a.Name, a.AgentType,
			statusColor(a.Status), a.Status, colorReset,
			len(a.Tools), a.Endpoint, formatSince(a.LastHeartbeat))
	}
	return w.Flush()
}

const defaultRegistryURL = "http://localhost:8000"
