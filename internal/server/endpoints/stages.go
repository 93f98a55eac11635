package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/contract"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/scaling"
	"github.com/millrace/millrace/internal/store"
	"github.com/millrace/millrace/internal/svcctx"
)

// StageStartRequest is the body for POST /api/documents/{id}/stages/{stage}/start.
type StageStartRequest struct {
	ExecutorVersion string          `json:"executorVersion"`
	ProjectID       string          `json:"projectId,omitempty"`
	Input           json.RawMessage `json:"input"`
	InputSizeBytes  int64           `json:"inputSizeBytes,omitempty"`
	QueueDepth      int             `json:"queueDepth,omitempty"`
}

// StageStartResponse reports an admitted stage execution.
type StageStartResponse struct {
	DocumentID string              `json:"documentId"`
	Stage      string              `json:"stage"`
	TraceID    string              `json:"traceId"`
	Step       *store.StepRecord   `json:"step,omitempty"`
	Admission  scaling.Admission   `json:"admission"`
	Validation contract.Validation `json:"validation"`
}

// StageStartEndpoint handles POST /api/documents/{id}/stages/{stage}/start.
// The route is idempotency-aware: requests carrying an Idempotency-Key header
// run at most once.
type StageStartEndpoint struct{}

func (e *StageStartEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{id}/stages/{stage}/start", e.handler
}

func (e *StageStartEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start a stage execution
//	@Description	Validate the input contract, check the executor version window, run admission control, and mark the ledger step running
//	@Tags			stages
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Document ID"
//	@Param			stage	path		string				true	"Stage name"
//	@Param			request	body		StageStartRequest	true	"Execution request"
//	@Success		200		{object}	StageStartResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		422		{object}	StageStartResponse
//	@Failure		429		{object}	StageStartResponse
//	@Router			/api/documents/{id}/stages/{stage}/start [post]
func (e *StageStartEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("id")
	stage := r.PathValue("stage")

	var req StageStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExecutorVersion == "" {
		writeError(w, http.StatusBadRequest, "executorVersion is required")
		return
	}

	svcs := svcctx.ServicesFrom(ctx)
	if svcs == nil || svcs.Contracts == nil || svcs.Engine == nil || svcs.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "services not initialized")
		return
	}

	if !pipeline.KnownStage(stage) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown stage: %s", stage))
		return
	}

	if err := svcs.Contracts.CheckVersion(stage, req.ExecutorVersion); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	resp := StageStartResponse{DocumentID: documentID, Stage: stage}

	validation, err := svcs.Contracts.ValidateInput(stage, req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Validation = validation
	if !validation.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	inputSize := req.InputSizeBytes
	if inputSize == 0 {
		inputSize = int64(len(req.Input))
	}
	admission, err := svcs.Engine.Admit(ctx, stage, req.ProjectID, inputSize, req.QueueDepth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Admission = admission
	if !admission.Allowed {
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	doc, err := loadOrCreateDocument(ctx, svcs.Store, documentID, req.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.TraceID = doc.TraceID

	step, err := svcs.Ledger.MarkRunning(ctx, documentID, stage, req.ExecutorVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Step = step

	if tracer := svcctx.TracerFor(ctx, documentID, doc.TraceID); tracer != nil {
		tracer.LogStageStart(stage)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StageStartEndpoint) Command(getServerURL func() string) *cobra.Command {
	var executorVersion, projectID, inputFile, idempotencyKey string
	var queueDepth int

	cmd := &cobra.Command{
		Use:   "start <document-id> <stage> [json-input]",
		Short: "Start a stage execution for a document",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input []byte
			switch {
			case len(args) == 3:
				input = []byte(args[2])
			case inputFile != "":
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("failed to read input file: %w", err)
				}
				input = data
			default:
				return errors.New("provide a JSON input argument or --file")
			}

			client := api.NewClient(getServerURL())
			path := "/api/documents/" + args[0] + "/stages/" + args[1] + "/start"
			body := StageStartRequest{
				ExecutorVersion: executorVersion,
				ProjectID:       projectID,
				Input:           json.RawMessage(input),
				QueueDepth:      queueDepth,
			}

			var resp StageStartResponse
			var err error
			if idempotencyKey != "" {
				err = client.PostIdempotent(cmd.Context(), path, idempotencyKey, body, &resp)
			} else {
				err = client.Post(cmd.Context(), path, body, &resp)
			}
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&executorVersion, "executor-version", "", "Executor contract version (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "Project the document belongs to")
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Read the JSON input from a file")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for at-most-once submission")
	cmd.Flags().IntVar(&queueDepth, "queue-depth", 0, "Reported queue depth for admission control")
	_ = cmd.MarkFlagRequired("executor-version")
	return cmd
}

// StageCompleteResponse reports a recorded stage outcome.
type StageCompleteResponse struct {
	DocumentID string            `json:"documentId"`
	Stage      string            `json:"stage"`
	Step       *store.StepRecord `json:"step,omitempty"`
	Usage      store.UsageTotals `json:"usage"`
}

// StageCompleteEndpoint handles POST /api/documents/{id}/stages/{stage}/complete.
// The body is the uniform stage result envelope the executor produced.
type StageCompleteEndpoint struct{}

func (e *StageCompleteEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{id}/stages/{stage}/complete", e.handler
}

func (e *StageCompleteEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Record a stage outcome
//	@Description	Close the running ledger step from a stage result envelope, record its cost, and roll usage into the document
//	@Tags			stages
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Document ID"
//	@Param			stage	path		string			true	"Stage name"
//	@Param			result	body		contract.Result	true	"Stage result envelope"
//	@Success		200		{object}	StageCompleteResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/documents/{id}/stages/{stage}/complete [post]
func (e *StageCompleteEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("id")
	stage := r.PathValue("stage")

	var result contract.Result
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid result envelope")
		return
	}
	if !result.Success && result.Error == nil {
		writeError(w, http.StatusBadRequest, "failed result must carry an error")
		return
	}

	svcs := svcctx.ServicesFrom(ctx)
	if svcs == nil || svcs.Ledger == nil || svcs.Cost == nil {
		writeError(w, http.StatusServiceUnavailable, "services not initialized")
		return
	}

	if !pipeline.KnownStage(stage) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown stage: %s", stage))
		return
	}

	doc, err := svcs.Store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown document: %s", documentID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tracer := svcctx.TracerFor(ctx, documentID, doc.TraceID)

	var step *store.StepRecord
	if result.Success {
		step, err = svcs.Ledger.MarkCompleted(ctx, documentID, stage, pipeline.HashArtifact(result.Data))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if tracer != nil {
			tracer.LogStageComplete(stage, result.Metrics.DurationMs, result.Usage)
		}
	} else {
		step, err = svcs.Ledger.MarkFailed(ctx, documentID, stage, result.Error.Error(), result.Error.Retryable)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if tracer != nil {
			if terr := tracer.LogStageError(ctx, stage, result.Error); terr != nil {
				svcs.Logger.Error("failed to record stage error trace", "error", terr)
			}
		}
	}

	if err := svcs.Cost.RecordStage(ctx, &store.CostRecord{
		ID:               uuid.NewString(),
		ProjectID:        doc.ProjectID,
		DocumentID:       documentID,
		Stage:            stage,
		Model:            result.Usage.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		CostUSD:          result.Usage.EstimatedCostUSD,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	doc.Usage.PromptTokens += result.Usage.PromptTokens
	doc.Usage.CompletionTokens += result.Usage.CompletionTokens
	doc.Usage.TotalTokens += result.Usage.TotalTokens
	doc.Usage.CostUSD += result.Usage.EstimatedCostUSD
	if err := svcs.Store.UpdateDocumentUsage(ctx, documentID, doc.Usage); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StageCompleteResponse{
		DocumentID: documentID,
		Stage:      stage,
		Step:       step,
		Usage:      doc.Usage,
	})
}

func (e *StageCompleteEndpoint) Command(getServerURL func() string) *cobra.Command {
	var resultFile, idempotencyKey string

	cmd := &cobra.Command{
		Use:   "complete <document-id> <stage> [json-result]",
		Short: "Record a stage execution's result envelope",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case len(args) == 3:
				payload = []byte(args[2])
			case resultFile != "":
				data, err := os.ReadFile(resultFile)
				if err != nil {
					return fmt.Errorf("failed to read result file: %w", err)
				}
				payload = data
			default:
				return errors.New("provide a JSON result argument or --file")
			}

			var result contract.Result
			if err := json.Unmarshal(payload, &result); err != nil {
				return fmt.Errorf("invalid result envelope: %w", err)
			}

			client := api.NewClient(getServerURL())
			path := "/api/documents/" + args[0] + "/stages/" + args[1] + "/complete"

			var resp StageCompleteResponse
			var err error
			if idempotencyKey != "" {
				err = client.PostIdempotent(cmd.Context(), path, idempotencyKey, result, &resp)
			} else {
				err = client.Post(cmd.Context(), path, result, &resp)
			}
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVarP(&resultFile, "file", "f", "", "Read the result envelope from a file")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for at-most-once submission")
	return cmd
}

// loadOrCreateDocument returns the document record, creating one with a fresh
// trace ID on first sight.
func loadOrCreateDocument(ctx context.Context, s store.Store, documentID, projectID string) (*store.DocumentRecord, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	doc = &store.DocumentRecord{
		ID:        documentID,
		ProjectID: projectID,
		Status:    "processing",
		TraceID:   uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
