package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/scaling"
	"github.com/millrace/millrace/internal/svcctx"
)

// BackpressureEndpoint handles GET /api/scaling/{stage}/backpressure.
type BackpressureEndpoint struct{}

func (e *BackpressureEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/scaling/{stage}/backpressure", e.handler
}

func (e *BackpressureEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Stage backpressure state
//	@Description	Map a reported queue depth onto the stage's throttle bands
//	@Tags			scaling
//	@Produce		json
//	@Param			stage	path		string	true	"Stage name"
//	@Param			depth	query		int		true	"Current queue depth"
//	@Success		200		{object}	scaling.BackpressureState
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/scaling/{stage}/backpressure [get]
func (e *BackpressureEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")

	depthParam := r.URL.Query().Get("depth")
	if depthParam == "" {
		writeError(w, http.StatusBadRequest, "depth query parameter is required")
		return
	}
	depth, err := strconv.Atoi(depthParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "depth must be an integer")
		return
	}

	engine := svcctx.EngineFrom(r.Context())
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scaling engine not initialized")
		return
	}

	state, err := engine.Backpressure(stage, depth)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (e *BackpressureEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "backpressure <stage> <depth>",
		Short: "Show a stage's backpressure state for a queue depth",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("depth must be an integer: %q", args[1])
			}
			client := api.NewClient(getServerURL())
			var resp scaling.BackpressureState
			path := "/api/scaling/" + args[0] + "/backpressure?depth=" + args[1]
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DecisionRequest is the body for POST /api/scaling/{stage}/decision.
type DecisionRequest struct {
	CurrentWorkers int     `json:"currentWorkers"`
	QueueDepth     int     `json:"queueDepth"`
	AvgLatencyMs   int64   `json:"avgLatencyMs"`
	ErrorRate      float64 `json:"errorRate"`
}

// ScalingDecisionEndpoint handles POST /api/scaling/{stage}/decision.
type ScalingDecisionEndpoint struct{}

func (e *ScalingDecisionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/scaling/{stage}/decision", e.handler
}

func (e *ScalingDecisionEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Recommend a worker-count change
//	@Description	Compute a scale up, scale down, or maintain recommendation from live stage counters
//	@Tags			scaling
//	@Accept			json
//	@Produce		json
//	@Param			stage	path		string			true	"Stage name"
//	@Param			request	body		DecisionRequest	true	"Live stage counters"
//	@Success		200		{object}	scaling.Decision
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/scaling/{stage}/decision [post]
func (e *ScalingDecisionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentWorkers < 0 || req.QueueDepth < 0 || req.ErrorRate < 0 || req.ErrorRate > 1 {
		writeError(w, http.StatusBadRequest, "counters out of range")
		return
	}

	engine := svcctx.EngineFrom(r.Context())
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scaling engine not initialized")
		return
	}

	decision, err := engine.Decide(stage, req.CurrentWorkers, req.QueueDepth, req.AvgLatencyMs, req.ErrorRate)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func (e *ScalingDecisionEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req DecisionRequest

	cmd := &cobra.Command{
		Use:   "decide <stage>",
		Short: "Recommend a worker-count change for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp scaling.Decision
			if err := client.Post(cmd.Context(), "/api/scaling/"+args[0]+"/decision", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().IntVar(&req.CurrentWorkers, "workers", 1, "Current worker count")
	cmd.Flags().IntVar(&req.QueueDepth, "queue-depth", 0, "Current queue depth")
	cmd.Flags().Int64Var(&req.AvgLatencyMs, "latency-ms", 0, "Average execution latency in milliseconds")
	cmd.Flags().Float64Var(&req.ErrorRate, "error-rate", 0, "Failed fraction of recent executions, 0 to 1")
	return cmd
}
