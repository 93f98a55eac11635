package endpoints

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/store"
	"github.com/millrace/millrace/internal/svcctx"
)

// ResumeResponse is the body for GET /api/documents/{id}/resume.
type ResumeResponse struct {
	DocumentID string              `json:"documentId"`
	Complete   bool                `json:"complete"`
	Plan       pipeline.ResumePlan `json:"plan"`
}

// ResumeEndpoint handles GET /api/documents/{id}/resume.
type ResumeEndpoint struct{}

func (e *ResumeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/resume", e.handler
}

func (e *ResumeEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Determine resume point
//	@Description	Scan the step ledger and report where processing picks back up
//	@Tags			documents
//	@Produce		json
//	@Param			id		path		string	true	"Document ID"
//	@Param			target	query		string	false	"Force resumption from this stage"
//	@Success		200		{object}	ResumeResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/documents/{id}/resume [get]
func (e *ResumeEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	target := r.URL.Query().Get("target")

	ledger := svcctx.LedgerFrom(r.Context())
	if ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "step ledger not initialized")
		return
	}

	plan, err := ledger.Plan(r.Context(), documentID, target)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ResumeResponse{
		DocumentID: documentID,
		Complete:   plan.Complete(),
		Plan:       plan,
	})
}

func (e *ResumeEndpoint) Command(getServerURL func() string) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "resume <document-id>",
		Short: "Show where a document's processing resumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/documents/" + args[0] + "/resume"
			if target != "" {
				path += "?target=" + url.QueryEscape(target)
			}
			client := api.NewClient(getServerURL())
			var resp ResumeResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Force resumption from this stage")
	return cmd
}

// StepsResponse is the body for GET /api/documents/{id}/steps.
type StepsResponse struct {
	DocumentID string             `json:"documentId"`
	Steps      []store.StepRecord `json:"steps"`
}

// StepsEndpoint handles GET /api/documents/{id}/steps.
type StepsEndpoint struct{}

func (e *StepsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/steps", e.handler
}

func (e *StepsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List ledger steps
//	@Description	Every recorded step for a document in stage order
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		200	{object}	StepsResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/documents/{id}/steps [get]
func (e *StepsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")

	ledger := svcctx.LedgerFrom(r.Context())
	if ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "step ledger not initialized")
		return
	}

	steps, err := ledger.Steps(r.Context(), documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if steps == nil {
		steps = []store.StepRecord{}
	}

	writeJSON(w, http.StatusOK, StepsResponse{DocumentID: documentID, Steps: steps})
}

func (e *StepsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <document-id>",
		Short: "List the recorded pipeline steps for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StepsResponse
			if err := client.Get(cmd.Context(), "/api/documents/"+args[0]+"/steps", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
