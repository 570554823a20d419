package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// RestoreSnapshotRequest is the request body for restoring a snapshot.
type RestoreSnapshotRequest struct {
	// Actor identifies who requested the restore, recorded on the fresh
	// snapshot the restore takes.
	Actor string `json:"actor,omitempty"`
}

// RestoreSnapshotEndpoint handles POST /api/snapshots/{id}/restore.
type RestoreSnapshotEndpoint struct{}

func (e *RestoreSnapshotEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/snapshots/{id}/restore", e.handler
}

func (e *RestoreSnapshotEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Restore a snapshot
//	@Description	Write a snapshot's value back to its page. The current value is snapshotted first, so restores are themselves undoable.
//	@Tags			snapshots
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Snapshot ID"
//	@Param			request	body		RestoreSnapshotRequest	false	"Restore options"
//	@Success		200		{object}	apply.Result
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/snapshots/{id}/restore [post]
func (e *RestoreSnapshotEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "snapshot id is required")
		return
	}

	var req RestoreSnapshotRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	applier := svcctx.ApplierFrom(r.Context())
	if applier == nil {
		writeError(w, http.StatusServiceUnavailable, "applier not initialized")
		return
	}

	result, err := applier.RestoreSnapshot(r.Context(), id, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (e *RestoreSnapshotEndpoint) Command(getServerURL func() string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot to its page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp apply.Result
			if err := client.Post(cmd.Context(), "/api/snapshots/"+args[0]+"/restore", RestoreSnapshotRequest{Actor: actor}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who is requesting the restore")
	return cmd
}
