package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/store"
	"github.com/millrace/millrace/internal/svcctx"
)

// DocumentTraceResponse is the body for GET /api/documents/{id}/trace.
type DocumentTraceResponse struct {
	DocumentID string             `json:"documentId"`
	TraceID    string             `json:"traceId,omitempty"`
	Usage      store.UsageTotals  `json:"usage"`
	Entries    []store.TraceEntry `json:"entries"`
}

// DocumentTraceEndpoint handles GET /api/documents/{id}/trace.
type DocumentTraceEndpoint struct{}

func (e *DocumentTraceEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/trace", e.handler
}

func (e *DocumentTraceEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Document trace
//	@Description	Recorded pipeline events and usage totals for a document
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		200	{object}	DocumentTraceResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/documents/{id}/trace [get]
func (e *DocumentTraceEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("id")

	s := svcctx.StoreFrom(ctx)
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	// Flush buffered entries so the answer includes everything recorded.
	if sink := svcctx.SinkFrom(ctx); sink != nil {
		if err := sink.Flush(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	resp := DocumentTraceResponse{DocumentID: documentID, Entries: []store.TraceEntry{}}

	doc, err := s.GetDocument(ctx, documentID)
	switch {
	case err == nil:
		resp.TraceID = doc.TraceID
		resp.Usage = doc.Usage
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.TraceByDocument(ctx, documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries != nil {
		resp.Entries = entries
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *DocumentTraceEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <document-id>",
		Short: "Show a document's recorded pipeline events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp DocumentTraceResponse
			if err := client.Get(cmd.Context(), "/api/documents/"+args[0]+"/trace", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
