package main

import (
	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running millrace server via HTTP.

These commands require a running server (millrace serve).
Use --server to specify a custom server URL.

Examples:
  millrace api health                        # Check server health
  millrace api contracts                     # List stage contracts
  millrace api documents resume <id>         # Show a document's resume point
  millrace api costs summary                 # Show today's spend`,
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Document ledger and trace commands",
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Stage execution lifecycle commands",
}

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Circuit breaker commands",
}

var scalingCmd = &cobra.Command{
	Use:   "scaling",
	Short: "Backpressure and scaling commands",
}

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Cost tracking and admission commands",
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

	// Contracts at top level as well
	apiCmd.AddCommand((&endpoints.ListContractsEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ValidateEndpoint{}).Command(getServerURL))

	// Documents as subcommand group
	documentsCmd.AddCommand((&endpoints.ResumeEndpoint{}).Command(getServerURL))
	documentsCmd.AddCommand((&endpoints.StepsEndpoint{}).Command(getServerURL))
	documentsCmd.AddCommand((&endpoints.DocumentTraceEndpoint{}).Command(getServerURL))

	// Stage lifecycle as subcommand group
	stagesCmd.AddCommand((&endpoints.StageStartEndpoint{}).Command(getServerURL))
	stagesCmd.AddCommand((&endpoints.StageCompleteEndpoint{}).Command(getServerURL))

	// Breakers as subcommand group
	breakersCmd.AddCommand((&endpoints.ListBreakersEndpoint{}).Command(getServerURL))
	breakersCmd.AddCommand((&endpoints.ResetBreakerEndpoint{}).Command(getServerURL))

	// Scaling as subcommand group
	scalingCmd.AddCommand((&endpoints.BackpressureEndpoint{}).Command(getServerURL))
	scalingCmd.AddCommand((&endpoints.ScalingDecisionEndpoint{}).Command(getServerURL))

	// Costs as subcommand group
	costsCmd.AddCommand((&endpoints.CostSummaryEndpoint{}).Command(getServerURL))
	costsCmd.AddCommand((&endpoints.CostProjectionEndpoint{}).Command(getServerURL))
	costsCmd.AddCommand((&endpoints.CostAlertsEndpoint{}).Command(getServerURL))
	costsCmd.AddCommand((&endpoints.AdmissionEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(documentsCmd)
	apiCmd.AddCommand(stagesCmd)
	apiCmd.AddCommand(breakersCmd)
	apiCmd.AddCommand(scalingCmd)
	apiCmd.AddCommand(costsCmd)
	rootCmd.AddCommand(apiCmd)
}
