package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// GetPageEndpoint handles GET /api/pages/{id}.
type GetPageEndpoint struct{}

func (e *GetPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{id}", e.handler
}

func (e *GetPageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get page by ID
//	@Description	Get a page record including its generated text fields
//	@Tags			pages
//	@Produce		json
//	@Param			id	path		string	true	"Page ID"
//	@Success		200	{object}	library.Page
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/pages/{id} [get]
func (e *GetPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "page id is required")
		return
	}

	lib := svcctx.LibraryFrom(r.Context())
	if lib == nil {
		writeError(w, http.StatusServiceUnavailable, "library not initialized")
		return
	}

	page, err := lib.GetPage(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (e *GetPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a page by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp library.Page
			if err := client.Get(cmd.Context(), "/api/pages/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListSnapshotsResponse is the response for listing a page's snapshots.
type ListSnapshotsResponse struct {
	Snapshots []*snapshots.Snapshot `json:"snapshots"`
	Count     int                   `json:"count"`
}

// ListSnapshotsEndpoint handles GET /api/pages/{id}/snapshots.
type ListSnapshotsEndpoint struct{}

func (e *ListSnapshotsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{id}/snapshots", e.handler
}

func (e *ListSnapshotsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List page snapshots
//	@Description	List the before-images taken for a page's fields, newest first
//	@Tags			snapshots
//	@Produce		json
//	@Param			id	path		string	true	"Page ID"
//	@Success		200	{object}	ListSnapshotsResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/pages/{id}/snapshots [get]
func (e *ListSnapshotsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "page id is required")
		return
	}

	store := svcctx.SnapshotsFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot store not initialized")
		return
	}

	snaps, err := store.List(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListSnapshotsResponse{Snapshots: snaps, Count: len(snaps)})
}

func (e *ListSnapshotsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <page-id>",
		Short: "List snapshots for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListSnapshotsResponse
			if err := client.Get(cmd.Context(), "/api/pages/"+args[0]+"/snapshots", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
