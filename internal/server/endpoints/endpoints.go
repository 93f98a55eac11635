// Package endpoints defines every HTTP route the millrace server exposes.
// Each endpoint also carries a cobra command so the full API surface is
// reachable from the CLI.
package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/store"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// DockerManager is set when the server manages the Postgres container.
	DockerManager *store.DockerManager
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DockerManager: cfg.DockerManager},

		// Contract endpoints
		&ListContractsEndpoint{},
		&ValidateEndpoint{},

		// Document endpoints
		&ResumeEndpoint{},
		&StepsEndpoint{},
		&DocumentTraceEndpoint{},

		// Stage lifecycle endpoints
		&StageStartEndpoint{},
		&StageCompleteEndpoint{},

		// Circuit breaker endpoints
		&ListBreakersEndpoint{},
		&ResetBreakerEndpoint{},

		// Scaling endpoints
		&BackpressureEndpoint{},
		&ScalingDecisionEndpoint{},

		// Cost endpoints
		&CostSummaryEndpoint{},
		&CostProjectionEndpoint{},
		&CostAlertsEndpoint{},
		&AdmissionEndpoint{},
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
