package main

import (
	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running sourcelibrary server via HTTP.

These commands require a running server (sourcelibrary serve).
Use --server to specify a custom server URL.

Examples:
  sourcelibrary api health                # Check server health
  sourcelibrary api jobs list             # List all jobs
  sourcelibrary api jobs advance <id>     # Process a slice of a job`,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Provider batch commands",
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Book commands",
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Page commands",
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Snapshot history commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))

	for _, ep := range endpoints.JobCommands() {
		jobsCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.BatchCommands() {
		batchCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.BookCommands() {
		booksCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.PageCommands() {
		pagesCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.SnapshotCommands() {
		snapshotsCmd.AddCommand(ep.Command(getServerURL))
	}

	apiCmd.AddCommand(jobsCmd)
	apiCmd.AddCommand(batchCmd)
	apiCmd.AddCommand(booksCmd)
	apiCmd.AddCommand(pagesCmd)
	apiCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(apiCmd)
}
