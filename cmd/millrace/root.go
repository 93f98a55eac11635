package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "millrace",
	Short: "Control plane for a resumable document processing pipeline",
	Long: `Millrace is the control plane for a multi-stage document processing
pipeline. Executors submit their work through it and it decides what runs,
what waits, and what resumes after a crash.

It provides:
  - Stage input contracts with versioned compatibility windows
  - A crash-safe execution ledger with resume planning
  - Circuit breakers shared per downstream dependency
  - Cost-aware admission, backpressure, and scaling recommendations
  - Idempotent stage submission with response replay`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.millrace/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "millrace home directory (default: ~/.millrace)",
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

// resolveHome returns the millrace home directory, creating it if needed.
func resolveHome() (string, error) {
	path := homeDir
	if path == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(userHome, ".millrace")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create home directory: %w", err)
	}
	return path, nil
}
