package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/archivist/internal/client"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/monitor"
)

var (
	queryArchive      string
	queryConversation string
	queryAuthor       string
	querySince        string
	queryUntil        string
	queryLimit        int
	queryOffset       int

	searchSemantic bool
	searchK        int

	mediaThumbnail bool
	mediaOutput    string
)

func init() {
	rootCmd.AddCommand(conversationsCmd, messagesCmd, searchCmd, mediaCmd)

	conversationsCmd.Flags().IntVar(&queryLimit, "limit", 50, "maximum number of conversations")
	conversationsCmd.Flags().IntVar(&queryOffset, "offset", 0, "number of conversations to skip")

	for _, cmd := range []*cobra.Command{messagesCmd, searchCmd} {
		f := cmd.Flags()
		f.StringVar(&queryArchive, "archive", "", "restrict to one archive (job id)")
		f.StringVar(&queryConversation, "conversation", "", "restrict to one conversation")
		f.StringVar(&queryAuthor, "author", "", "restrict to one author")
		f.StringVar(&querySince, "since", "", "only messages at or after this RFC 3339 time")
		f.StringVar(&queryUntil, "until", "", "only messages before this RFC 3339 time")
		f.IntVar(&queryLimit, "limit", 50, "maximum number of messages")
		f.IntVar(&queryOffset, "offset", 0, "number of messages to skip")
	}
	searchCmd.Flags().BoolVar(&searchSemantic, "semantic", false, "rank by embedding similarity instead of matching text")
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 10, "number of semantic results")

	mediaCmd.Flags().BoolVar(&mediaThumbnail, "thumbnail", false, "fetch the thumbnail instead of the original")
	mediaCmd.Flags().StringVarP(&mediaOutput, "output", "o", "", "write to file instead of stdout")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations <job-id>",
	Short: "List the conversations of an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversations,
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List stored messages",
	Long: `List normalized messages, filtered by archive, conversation, author and
time range. Messages of one archive come in conversation order; otherwise
they are ordered by timestamp.

Examples:
  # One conversation in order
  archivist messages --archive 0f8fad5b-... --conversation 3c2a...

  # Everything from March 2024
  archivist messages --since 2024-03-01T00:00:00Z --until 2024-04-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runMessages,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search messages by text or meaning",
	Long: `Search stored messages. By default messages containing the query text
are listed (case-insensitive). With --semantic the query is embedded and the
k most similar messages are returned with their scores.

Examples:
  archivist search "kubernetes ingress"
  archivist search --semantic -k 5 "that recipe with lentils"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var mediaCmd = &cobra.Command{
	Use:   "media <checksum>",
	Short: "Download a media asset by its SHA-256 checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runMedia,
}

// messageQuery builds the filter from the query flags.
func messageQuery() (client.MessageQuery, error) {
	q := client.MessageQuery{
		ArchiveID:      queryArchive,
		ConversationID: queryConversation,
		Author:         queryAuthor,
		Limit:          queryLimit,
		Offset:         queryOffset,
	}
	var err error
	if querySince != "" {
		if q.Since, err = time.Parse(time.RFC3339, querySince); err != nil {
			return q, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if queryUntil != "" {
		if q.Until, err = time.Parse(time.RFC3339, queryUntil); err != nil {
			return q, fmt.Errorf("invalid --until: %w", err)
		}
	}
	return q, nil
}

func runConversations(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.Conversations(cmd.Context(), args[0], queryLimit, queryOffset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list.Conversations) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
		return nil
	}
	rows := make([][]string, 0, len(list.Conversations))
	for _, conv := range list.Conversations {
		started := ""
		if conv.StartedAt != nil {
			started = conv.StartedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{conv.ID, truncate(conv.Title, 48), started, fmt.Sprint(conv.MessageCount)})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "TITLE", "STARTED", "MESSAGES"}, rows))
	return nil
}

func runMessages(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	q, err := messageQuery()
	if err != nil {
		return err
	}
	page, err := c.Messages(cmd.Context(), q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), page)
	}
	w := cmd.OutOrStdout()
	for _, m := range page.Messages {
		printMessage(w, m, "")
	}
	fmt.Fprintf(w, "%d of %d messages\n", len(page.Messages), page.Total)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	w := cmd.OutOrStdout()

	if searchSemantic {
		res, err := c.SearchSemantic(cmd.Context(), text, searchK, queryArchive)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(w, res)
		}
		for _, h := range res.Hits {
			printMessage(w, h.Message, fmt.Sprintf("%.3f", h.Score))
		}
		fmt.Fprintf(w, "%d results\n", len(res.Hits))
		return nil
	}

	q, err := messageQuery()
	if err != nil {
		return err
	}
	res, err := c.SearchText(cmd.Context(), text, q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, res)
	}
	if res.Page == nil {
		fmt.Fprintln(w, "0 results")
		return nil
	}
	for _, m := range res.Page.Messages {
		printMessage(w, m, "")
	}
	fmt.Fprintf(w, "%d of %d results\n", len(res.Page.Messages), res.Page.Total)
	return nil
}

func runMedia(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var out io.Writer = cmd.OutOrStdout()
	if mediaOutput != "" {
		f, err := os.Create(mediaOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	n, err := c.Media(cmd.Context(), args[0], mediaThumbnail, out)
	if err != nil {
		if mediaOutput != "" {
			_ = os.Remove(mediaOutput)
		}
		return err
	}
	if mediaOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to %s\n", monitor.FormatBytes(uint64(n)), mediaOutput)
	}
	return nil
}

// printMessage writes one message as a header line plus its content.
func printMessage(w io.Writer, m *conversation.Message, score string) {
	if m == nil {
		return
	}
	header := fmt.Sprintf("[%s] %s (%s)", m.Timestamp.Local().Format(time.DateTime), m.Author, m.Role)
	if score != "" {
		header = score + "  " + header
	}
	fmt.Fprintln(w, header)
	if m.Content != "" {
		fmt.Fprintln(w, "  "+strings.ReplaceAll(m.Content, "\n", "\n  "))
	}
	for _, p := range m.Media {
		fmt.Fprintf(w, "  [media] %s\n", p.Ref)
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
