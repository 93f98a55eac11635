package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/contract"
	"github.com/millrace/millrace/internal/svcctx"
)

// ListContractsEndpoint handles GET /api/contracts.
type ListContractsEndpoint struct{}

func (e *ListContractsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/contracts", e.handler
}

func (e *ListContractsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List stage contracts
//	@Description	Version window for every pipeline stage
//	@Tags			contracts
//	@Produce		json
//	@Success		200	{array}		contract.Contract
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/contracts [get]
func (e *ListContractsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	contracts := svcctx.ContractsFrom(r.Context())
	if contracts == nil {
		writeError(w, http.StatusServiceUnavailable, "contract registry not initialized")
		return
	}
	writeJSON(w, http.StatusOK, contracts.List())
}

func (e *ListContractsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "contracts",
		Short: "List stage contracts and version windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []contract.Contract
			if err := client.Get(cmd.Context(), "/api/contracts", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ValidateRequest is the body for POST /api/validate/{stage}.
type ValidateRequest struct {
	// ExecutorVersion is checked against the stage's version window when set.
	ExecutorVersion string          `json:"executorVersion,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// ValidateResponse reports schema and version checks for a payload.
type ValidateResponse struct {
	Stage             string              `json:"stage"`
	Validation        contract.Validation `json:"validation"`
	VersionCompatible *bool               `json:"versionCompatible,omitempty"`
	VersionError      string              `json:"versionError,omitempty"`
}

// ValidateEndpoint handles POST /api/validate/{stage}.
type ValidateEndpoint struct{}

func (e *ValidateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/validate/{stage}", e.handler
}

func (e *ValidateEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Validate stage input
//	@Description	Check a payload against the stage's input schema, and optionally an executor version against its window
//	@Tags			contracts
//	@Accept			json
//	@Produce		json
//	@Param			stage	path		string			true	"Stage name"
//	@Param			request	body		ValidateRequest	true	"Payload to validate"
//	@Success		200		{object}	ValidateResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/validate/{stage} [post]
func (e *ValidateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")

	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	contracts := svcctx.ContractsFrom(r.Context())
	if contracts == nil {
		writeError(w, http.StatusServiceUnavailable, "contract registry not initialized")
		return
	}

	validation, err := contracts.ValidateInput(stage, req.Payload)
	if err != nil {
		if errors.Is(err, contract.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ValidateResponse{Stage: stage, Validation: validation}
	if req.ExecutorVersion != "" {
		compatible := true
		if err := contracts.CheckVersion(stage, req.ExecutorVersion); err != nil {
			compatible = false
			resp.VersionError = err.Error()
		}
		resp.VersionCompatible = &compatible
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ValidateEndpoint) Command(getServerURL func() string) *cobra.Command {
	var executorVersion, payloadFile string

	cmd := &cobra.Command{
		Use:   "validate <stage> [json-payload]",
		Short: "Validate a payload against a stage contract",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case len(args) == 2:
				payload = []byte(args[1])
			case payloadFile != "":
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("failed to read payload file: %w", err)
				}
				payload = data
			default:
				return errors.New("provide a JSON payload argument or --file")
			}

			client := api.NewClient(getServerURL())
			var resp ValidateResponse
			err := client.Post(cmd.Context(), "/api/validate/"+args[0], ValidateRequest{
				ExecutorVersion: executorVersion,
				Payload:         json.RawMessage(payload),
			}, &resp)
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&executorVersion, "executor-version", "", "Executor version to check against the stage window")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the JSON payload from a file")
	return cmd
}
