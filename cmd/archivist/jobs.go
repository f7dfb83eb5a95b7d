package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/archivist/internal/http"
	"github.com/fyrsmithlabs/archivist/internal/monitor"
)

var (
	uploadWatch bool
	listLimit   int
	listOffset  int
)

func init() {
	rootCmd.AddCommand(uploadCmd, statusCmd, listCmd, cancelCmd, deleteCmd, reprocessCmd)

	uploadCmd.Flags().BoolVarP(&uploadWatch, "watch", "w", false, "follow the job until it finishes")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of jobs")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "number of jobs to skip")
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an export archive for ingestion",
	Long: `Upload a ChatGPT, Claude, Telegram, Meta or Claude Code export.

The server answers as soon as the file is stored; the job then runs in the
background. Use --watch to follow it.

Examples:
  # Upload and return immediately
  archivist upload chatgpt-export.zip

  # Upload and follow progress
  archivist upload --watch result.json`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's status and counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete an archive with its messages, vectors and unshared media",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id>",
	Short: "Retry failed media and embed messages that have no vector",
	Long: `Re-run the recoverable stages of a completed job. Media that failed to
extract is retried from the retained upload, missing thumbnails are
regenerated, and messages without a vector are embedded. Running it twice
changes nothing the second time.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func runUpload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Upload(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	if jsonOutput && !uploadWatch {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s (%s, %s)\n", job.ID, job.Filename, monitor.FormatBytes(uint64(max(job.Size, 0))))
	if !uploadWatch {
		return nil
	}
	return watchJob(cmd, c, job.ID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), job)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.Jobs(cmd.Context(), listLimit, listOffset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list.Jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archives.")
		return nil
	}
	rows := make([][]string, 0, len(list.Jobs))
	for _, j := range list.Jobs {
		rows = append(rows, []string{
			j.ID,
			j.Filename,
			j.Platform,
			string(j.Status),
			monitor.FormatPercentage(j.Progress),
			fmt.Sprint(j.Counters.MessagesParsed),
			j.CreatedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "FILE", "PLATFORM", "STATUS", "PROGRESS", "MESSAGES", "CREATED"}, rows))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", job.ID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted archive %s (%d media blobs removed, %s freed)\n",
		args[0], res.BlobsRemoved, monitor.FormatBytes(uint64(max(res.BytesFreed, 0))))
	return nil
}

func runReprocess(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Reprocess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Reprocessed job %s\n", args[0])
	fmt.Fprintf(w, "  Media retried:     %d (%d recovered, %s written)\n",
		res.MediaRetried, res.MediaRecovered, monitor.FormatBytes(uint64(max(res.BytesWritten, 0))))
	if res.SourceMissing {
		fmt.Fprintln(w, "  Upload no longer retained; failed media could not be retried")
	}
	fmt.Fprintf(w, "  Thumbnails:        %d regenerated\n", res.ThumbnailsRegenerated)
	fmt.Fprintf(w, "  Messages embedded: %d (%d failed)\n", res.MessagesEmbedded, res.EmbeddingFailed)
	return nil
}

// printJob writes a human-readable job summary.
func printJob(w io.Writer, job *api.JobResponse) {
	fmt.Fprintf(w, "Job:       %s\n", job.ID)
	fmt.Fprintf(w, "File:      %s (%s)\n", job.Filename, monitor.FormatBytes(uint64(max(job.Size, 0))))
	if job.Platform != "" {
		fmt.Fprintf(w, "Platform:  %s\n", job.Platform)
	}
	fmt.Fprintf(w, "Status:    %s (%s)\n", job.Status, monitor.FormatPercentage(job.Progress))
	if job.Reason != nil {
		fmt.Fprintf(w, "Reason:    %s: %s\n", job.Reason.Kind, job.Reason.Message)
	}
	if job.Empty {
		fmt.Fprintln(w, "Empty:     no messages found")
	}
	if job.FirstMessageAt != nil && job.LastMessageAt != nil {
		fmt.Fprintf(w, "Range:     %s to %s\n",
			job.FirstMessageAt.Local().Format(time.DateTime), job.LastMessageAt.Local().Format(time.DateTime))
	}
	c := job.Counters
	fmt.Fprintf(w, "Messages:  %d parsed, %d skipped, %d conversations\n", c.MessagesParsed, c.MessagesSkipped, c.Conversations)
	fmt.Fprintf(w, "Media:     %d referenced, %d extracted, %d deduplicated, %d failed, %s written\n",
		c.MediaReferenced, c.MediaExtracted, c.MediaDeduplicated, c.MediaFailed,
		monitor.FormatBytes(uint64(max(c.MediaBytesWritten, 0))))
	fmt.Fprintf(w, "Embedded:  %d (%d failed)\n", c.MessagesEmbedded, c.EmbeddingFailed)
}
