package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/scaling"
	"github.com/millrace/millrace/internal/svcctx"
)

// CostSummaryEndpoint handles GET /api/costs/summary.
type CostSummaryEndpoint struct{}

func (e *CostSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/costs/summary", e.handler
}

func (e *CostSummaryEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Daily spend summary
//	@Description	Per-stage and total spend for one day, defaulting to today
//	@Tags			costs
//	@Produce		json
//	@Param			date	query		string	false	"Day to summarize (YYYY-MM-DD)"
//	@Success		200		{object}	cost.Summary
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/costs/summary [get]
func (e *CostSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if dateParam := r.URL.Query().Get("date"); dateParam != "" {
		parsed, err := time.Parse("2006-01-02", dateParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	costs := svcctx.CostFrom(r.Context())
	if costs == nil {
		writeError(w, http.StatusServiceUnavailable, "cost service not initialized")
		return
	}

	summary, err := costs.DailySummary(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (e *CostSummaryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a day's spend summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/costs/summary"
			if date != "" {
				path += "?date=" + url.QueryEscape(date)
			}
			client := api.NewClient(getServerURL())
			var resp cost.Summary
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Day to summarize (YYYY-MM-DD), defaults to today")
	return cmd
}

// CostProjectionEndpoint handles GET /api/costs/projection.
type CostProjectionEndpoint struct{}

func (e *CostProjectionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/costs/projection", e.handler
}

func (e *CostProjectionEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Project today's spend
//	@Description	Extrapolate spend so far to a full-day total against the daily budget
//	@Tags			costs
//	@Produce		json
//	@Success		200	{object}	cost.Projection
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/costs/projection [get]
func (e *CostProjectionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	costs := svcctx.CostFrom(r.Context())
	if costs == nil {
		writeError(w, http.StatusServiceUnavailable, "cost service not initialized")
		return
	}

	projection, err := costs.Projection(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, projection)
}

func (e *CostProjectionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "projection",
		Short: "Project today's spend to a full-day total",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp cost.Projection
			if err := client.Get(cmd.Context(), "/api/costs/projection", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CostAlertsEndpoint handles GET /api/costs/alerts.
type CostAlertsEndpoint struct{}

func (e *CostAlertsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/costs/alerts", e.handler
}

func (e *CostAlertsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Budget utilization alerts
//	@Description	Warning and critical alerts for system, stage, and spike utilization
//	@Tags			costs
//	@Produce		json
//	@Success		200	{array}		cost.Alert
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/costs/alerts [get]
func (e *CostAlertsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	costs := svcctx.CostFrom(r.Context())
	if costs == nil {
		writeError(w, http.StatusServiceUnavailable, "cost service not initialized")
		return
	}

	alerts, err := costs.CheckAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []cost.Alert{}
	}

	writeJSON(w, http.StatusOK, alerts)
}

func (e *CostAlertsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show budget utilization alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []cost.Alert
			if err := client.Get(cmd.Context(), "/api/costs/alerts", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// AdmissionRequest is the body for POST /api/costs/admission.
type AdmissionRequest struct {
	Stage          string `json:"stage"`
	ProjectID      string `json:"projectId,omitempty"`
	InputSizeBytes int64  `json:"inputSizeBytes"`
	QueueDepth     int    `json:"queueDepth"`
}

// AdmissionEndpoint handles POST /api/costs/admission. It runs the full
// admission check without starting anything, for callers that want a dry run.
type AdmissionEndpoint struct{}

func (e *AdmissionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/costs/admission", e.handler
}

func (e *AdmissionEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Check admission
//	@Description	Run backpressure, circuit, and budget checks for a prospective execution
//	@Tags			costs
//	@Accept			json
//	@Produce		json
//	@Param			request	body		AdmissionRequest	true	"Prospective execution"
//	@Success		200		{object}	scaling.Admission
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/costs/admission [post]
func (e *AdmissionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Stage == "" {
		writeError(w, http.StatusBadRequest, "stage is required")
		return
	}

	engine := svcctx.EngineFrom(r.Context())
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scaling engine not initialized")
		return
	}

	admission, err := engine.Admit(r.Context(), req.Stage, req.ProjectID, req.InputSizeBytes, req.QueueDepth)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, admission)
}

func (e *AdmissionEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req AdmissionRequest

	cmd := &cobra.Command{
		Use:   "admission <stage>",
		Short: "Dry-run the admission check for a stage execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Stage = args[0]
			client := api.NewClient(getServerURL())
			var resp scaling.Admission
			if err := client.Post(cmd.Context(), "/api/costs/admission", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&req.ProjectID, "project", "", "Project the document belongs to")
	cmd.Flags().Int64Var(&req.InputSizeBytes, "input-size", 0, "Input size in bytes")
	cmd.Flags().IntVar(&req.QueueDepth, "queue-depth", 0, "Current queue depth")
	return cmd
}
