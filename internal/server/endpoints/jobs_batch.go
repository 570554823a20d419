package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/pipeline"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// SubmitBatchResponse is the response for submitting a job as a batch.
type SubmitBatchResponse struct {
	Submission *pipeline.Submission `json:"submission"`
}

// SubmitBatchEndpoint handles POST /api/jobs/{id}/batch.
type SubmitBatchEndpoint struct{}

func (e *SubmitBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/batch", e.handler
}

func (e *SubmitBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Submit a job as a batch
//	@Description	Send all unfinished items of a pending job to the provider's bulk interface
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		202	{object}	SubmitBatchResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/batch [post]
func (e *SubmitBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	coordinator := svcctx.CoordinatorFrom(r.Context())
	if coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not initialized")
		return
	}

	sub, err := coordinator.Submit(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitBatchResponse{Submission: sub})
}

func (e *SubmitBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit a job to the provider's batch interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SubmitBatchResponse
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/batch", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PollBatchEndpoint handles GET /api/jobs/{id}/batch.
type PollBatchEndpoint struct{}

func (e *PollBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/batch", e.handler
}

func (e *PollBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Poll a job's batch
//	@Description	Check the remote batch state; a finished batch is reconciled in the same call
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	pipeline.PollResult
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/batch [get]
func (e *PollBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	coordinator := svcctx.CoordinatorFrom(r.Context())
	if coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not initialized")
		return
	}

	result, err := coordinator.Poll(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (e *PollBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "poll <job-id>",
		Short: "Poll a job's remote batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp pipeline.PollResult
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/batch", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReconcileBatchEndpoint handles POST /api/jobs/{id}/batch/reconcile.
type ReconcileBatchEndpoint struct{}

func (e *ReconcileBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/batch/reconcile", e.handler
}

func (e *ReconcileBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Reconcile a job's batch results
//	@Description	Fetch results for a succeeded batch and record per-item outcomes. Safe to repeat.
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	pipeline.PollResult
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/batch/reconcile [post]
func (e *ReconcileBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	coordinator := svcctx.CoordinatorFrom(r.Context())
	if coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not initialized")
		return
	}

	result, err := coordinator.Reconcile(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (e *ReconcileBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <job-id>",
		Short: "Reconcile a succeeded batch into per-item outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp pipeline.PollResult
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/batch/reconcile", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
