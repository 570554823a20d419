package endpoints

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/pipeline"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// AdvanceJobRequest is the request body for advancing a job.
type AdvanceJobRequest struct {
	// BudgetSeconds caps the wall-clock time spent processing items in
	// this call (0 = server default).
	BudgetSeconds int `json:"budget_seconds,omitempty"`
}

// AdvanceJobEndpoint handles POST /api/jobs/{id}/advance.
type AdvanceJobEndpoint struct{}

func (e *AdvanceJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/advance", e.handler
}

func (e *AdvanceJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Advance a job
//	@Description	Synchronously process items of a pending or processing job for up to the budgeted time
//	@Tags			jobs
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Job ID"
//	@Param			request	body		AdvanceJobRequest	false	"Advance options"
//	@Success		200		{object}	pipeline.AdvanceResult
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/jobs/{id}/advance [post]
func (e *AdvanceJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	var req AdvanceJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.BudgetSeconds < 0 {
		writeError(w, http.StatusBadRequest, "budget must not be negative")
		return
	}

	processor := svcctx.ProcessorFrom(r.Context())
	if processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not initialized")
		return
	}

	result, err := processor.Advance(r.Context(), id, time.Duration(req.BudgetSeconds)*time.Second)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (e *AdvanceJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Process a slice of a job",
		Long: `Synchronously process items of a job for up to --budget seconds.

Each call picks up where the last one left off; items that already have
an outcome are never reprocessed. Repeat until the job reports a
terminal status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp pipeline.AdvanceResult
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/advance", AdvanceJobRequest{BudgetSeconds: budget}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "Time budget in seconds for this call (0 = server default)")
	return cmd
}
