package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/svcctx"
)

// ListBreakersEndpoint handles GET /api/breakers.
type ListBreakersEndpoint struct{}

func (e *ListBreakersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/breakers", e.handler
}

func (e *ListBreakersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List circuit breakers
//	@Description	Snapshot of every registered breaker's state and counters
//	@Tags			breakers
//	@Produce		json
//	@Success		200	{array}		breaker.Snapshot
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/breakers [get]
func (e *ListBreakersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	breakers := svcctx.BreakersFrom(r.Context())
	if breakers == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker registry not initialized")
		return
	}
	writeJSON(w, http.StatusOK, breakers.List())
}

func (e *ListBreakersEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []breaker.Snapshot
			if err := client.Get(cmd.Context(), "/api/breakers", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ResetBreakerEndpoint handles POST /api/breakers/{name}/reset.
type ResetBreakerEndpoint struct{}

func (e *ResetBreakerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/breakers/{name}/reset", e.handler
}

func (e *ResetBreakerEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Reset a circuit breaker
//	@Description	Force the named breaker back to closed with cleared counters
//	@Tags			breakers
//	@Produce		json
//	@Param			name	path		string	true	"Breaker name"
//	@Success		200		{object}	breaker.Snapshot
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/breakers/{name}/reset [post]
func (e *ResetBreakerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	breakers := svcctx.BreakersFrom(r.Context())
	if breakers == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker registry not initialized")
		return
	}

	if !breakers.Reset(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown breaker: %s", name))
		return
	}

	b, _ := breakers.Get(name)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (e *ResetBreakerEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Reset a circuit breaker to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp breaker.Snapshot
			if err := client.Post(cmd.Context(), "/api/breakers/"+args[0]+"/reset", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
