package endpoints

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// ControlJobResponse returns the job after a lifecycle transition.
type ControlJobResponse struct {
	Job *jobs.Record `json:"job"`
}

// controlHandler serves a lifecycle transition endpoint. The transition
// itself validates the current status, so an illegal request comes back as
// a conflict rather than a silent overwrite.
func controlHandler(transition func(context.Context, *jobs.Manager, string) (*jobs.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "job id is required")
			return
		}

		jm := svcctx.JobManagerFrom(r.Context())
		if jm == nil {
			writeError(w, http.StatusServiceUnavailable, "job manager not initialized")
			return
		}

		job, err := transition(r.Context(), jm, id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ControlJobResponse{Job: job})
	}
}

func controlCommand(getServerURL func() string, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ControlJobResponse
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/"+verb, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CancelJobEndpoint handles POST /api/jobs/{id}/cancel.
type CancelJobEndpoint struct{}

func (e *CancelJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/cancel", controlHandler(func(ctx context.Context, jm *jobs.Manager, id string) (*jobs.Record, error) {
		return jm.Cancel(ctx, id)
	})
}

func (e *CancelJobEndpoint) RequiresInit() bool { return true }

func (e *CancelJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return controlCommand(getServerURL, "cancel", "Cancel a job")
}

// PauseJobEndpoint handles POST /api/jobs/{id}/pause.
type PauseJobEndpoint struct{}

func (e *PauseJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/pause", controlHandler(func(ctx context.Context, jm *jobs.Manager, id string) (*jobs.Record, error) {
		return jm.Pause(ctx, id)
	})
}

func (e *PauseJobEndpoint) RequiresInit() bool { return true }

func (e *PauseJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return controlCommand(getServerURL, "pause", "Pause a job")
}

// ResumeJobEndpoint handles POST /api/jobs/{id}/resume.
type ResumeJobEndpoint struct{}

func (e *ResumeJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/resume", controlHandler(func(ctx context.Context, jm *jobs.Manager, id string) (*jobs.Record, error) {
		return jm.Resume(ctx, id)
	})
}

func (e *ResumeJobEndpoint) RequiresInit() bool { return true }

func (e *ResumeJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return controlCommand(getServerURL, "resume", "Resume a paused job")
}

// RetryJobEndpoint handles POST /api/jobs/{id}/retry.
type RetryJobEndpoint struct{}

func (e *RetryJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/retry", controlHandler(func(ctx context.Context, jm *jobs.Manager, id string) (*jobs.Record, error) {
		return jm.Retry(ctx, id)
	})
}

func (e *RetryJobEndpoint) RequiresInit() bool { return true }

func (e *RetryJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return controlCommand(getServerURL, "retry", "Retry a failed or cancelled job")
}
