// Package main implements the archivist CLI for the archivistd HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/archivist/internal/client"
)

var (
	// serverURL is the base URL of the archivistd HTTP server
	serverURL string
	// ownerID scopes every request
	ownerID string
	// jsonOutput prints raw API responses
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "archivist",
	Short: "CLI for the archivistd archive ingestion server",
	Long: `archivist uploads chat-platform exports to archivistd, follows their
ingestion jobs, and queries the resulting conversations, media and indexes.

Every command acts on behalf of one owner (--owner or ARCHIVIST_OWNER).`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	defServer := os.Getenv("ARCHIVIST_SERVER")
	if defServer == "" {
		defServer = client.DefaultURL
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defServer, "archivistd server URL (env ARCHIVIST_SERVER)")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("ARCHIVIST_OWNER"), "owner id (env ARCHIVIST_OWNER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
}

// newClient builds an API client from the persistent flags.
func newClient() (*client.Client, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("an owner is required: pass --owner or set ARCHIVIST_OWNER")
	}
	return client.New(serverURL, ownerID)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var headerCellStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// renderTable lays rows out under headers.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
	return t.String()
}
