package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check archivistd server health",
	Long: `Check the health of the archivistd server and its dependencies.

Examples:
  # Check health
  archivist health

  # Check health on a different server
  archivist health --server http://localhost:9292`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	health, herr := c.Health(cmd.Context())
	if health == nil {
		return herr
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), health); err != nil {
			return err
		}
		return herr
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Server Status: %s\n", health.Status)
	fmt.Fprintf(w, "Server URL: %s\n", serverURL)
	names := make([]string, 0, len(health.Services))
	for name := range health.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-24s %s\n", name, health.Services[name])
	}
	if len(health.Jobs) > 0 {
		statuses := make([]string, 0, len(health.Jobs))
		for st := range health.Jobs {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		fmt.Fprintln(w, "Jobs:")
		for _, st := range statuses {
			fmt.Fprintf(w, "  %-24s %d\n", st, health.Jobs[st])
		}
	}
	return herr
}
