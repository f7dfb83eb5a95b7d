package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/client"
	"github.com/fyrsmithlabs/archivist/internal/events"
	"github.com/fyrsmithlabs/archivist/internal/monitor"
)

var (
	watchInterval time.Duration
	watchNATS     string
	watchPrefix   string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	for _, cmd := range []*cobra.Command{watchCmd, uploadCmd} {
		cmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "polling interval")
		cmd.Flags().StringVar(&watchNATS, "nats", "", "NATS URL for pushed job events (polling only when empty)")
		cmd.Flags().StringVar(&watchPrefix, "subject-prefix", "archivist.jobs", "NATS subject prefix of job events")
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Follow jobs in a live dashboard",
	Long: `Open a live dashboard of ingestion progress.

With a job id the dashboard follows that job and exits when it finishes;
without one it lists the most recent jobs until you quit. Progress is
polled from the server, and with --nats job events are applied as they
are published.

Examples:
  # Follow one job
  archivist watch 0f8fad5b-d9cb-469f-a165-70867728950e

  # Follow all recent jobs with pushed events
  archivist watch --nats nats://localhost:4222`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var jobID string
		if len(args) == 1 {
			jobID = args[0]
		}
		return watchJob(cmd, c, jobID)
	},
}

// watchJob runs the dashboard. Following one job, it returns an error when
// the job ends failed.
func watchJob(cmd *cobra.Command, c *client.Client, jobID string) error {
	opts := monitor.Options{
		JobID:      jobID,
		Interval:   watchInterval,
		ExitOnDone: jobID != "",
	}

	if watchNATS != "" {
		nc, err := nats.Connect(watchNATS, nats.Name("archivist-cli"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", watchNATS, err)
		}
		defer nc.Close()
		sub, err := events.Subscribe(nc, watchPrefix, c.Owner())
		if err != nil {
			return err
		}
		defer sub.Close()
		opts.Events = sub.Events()
	}

	p := tea.NewProgram(monitor.NewModel(c, opts),
		tea.WithContext(cmd.Context()),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}

	m, ok := final.(monitor.Model)
	if !ok || jobID == "" {
		return nil
	}
	job := m.Job()
	if job == nil {
		return m.Err()
	}
	printJob(cmd.OutOrStdout(), job)
	if job.Status == archive.StatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}
