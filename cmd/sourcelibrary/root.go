package main

import (
	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sourcelibrary",
	Short: "AI reading pipeline for archival book scans",
	Long: `sourcelibrary generates readable text layers for archival book scans
using an AI completion service.

The pipeline covers:
  - Page transcription from scan images
  - Translation of transcribed text
  - Page summaries
  - Snapshot history with restore for every generated field`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sourcelibrary/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "sourcelibrary home directory (default: ~/.sourcelibrary)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
