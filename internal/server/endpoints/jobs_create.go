package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
)

// CreateJobRequest is the request body for creating a job.
type CreateJobRequest struct {
	JobType        string   `json:"job_type"`
	BookID         string   `json:"book_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	TargetLanguage string   `json:"target_language,omitempty"`
	// ItemIDs lists the page documents to process. When empty and BookID
	// is set, the job covers every page of the book.
	ItemIDs []string `json:"item_ids,omitempty"`
	// Dispatch selects how the job runs: "single" for synchronous per-item
	// processing, "batch" for the provider's bulk interface, or empty to
	// decide by item count.
	Dispatch string `json:"dispatch,omitempty"`
}

// CreateJobResponse is the response for creating a job.
type CreateJobResponse struct {
	Job      *jobs.Record `json:"job"`
	Dispatch string       `json:"dispatch"`
}

// CreateJobEndpoint handles POST /api/jobs.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Create a job
//	@Description	Create a new processing job over a set of pages, or a whole book
//	@Tags			jobs
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateJobRequest	true	"Job creation request"
//	@Success		201		{object}	CreateJobResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/jobs [post]
func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	switch req.Dispatch {
	case "", "single", "batch":
	default:
		writeError(w, http.StatusBadRequest, "dispatch must be \"single\" or \"batch\"")
		return
	}

	jm := svcctx.JobManagerFrom(r.Context())
	if jm == nil {
		writeError(w, http.StatusServiceUnavailable, "job manager not initialized")
		return
	}

	itemIDs := req.ItemIDs
	if len(itemIDs) == 0 && req.BookID != "" {
		lib := svcctx.LibraryFrom(r.Context())
		if lib == nil {
			writeError(w, http.StatusServiceUnavailable, "library not initialized")
			return
		}
		ids, err := lib.ListBookPageIDs(r.Context(), req.BookID)
		if err != nil {
			writeFault(w, err)
			return
		}
		itemIDs = ids
	}

	job, err := jm.Create(r.Context(), jobs.CreateInput{
		Type:           jobs.JobType(req.JobType),
		BookID:         req.BookID,
		Model:          req.Model,
		TargetLanguage: req.TargetLanguage,
		ItemIDs:        itemIDs,
	})
	if err != nil {
		writeFault(w, err)
		return
	}

	dispatch := e.pickDispatch(r, req.Dispatch, job)
	if dispatch == "batch" {
		coordinator := svcctx.CoordinatorFrom(r.Context())
		if coordinator == nil {
			writeError(w, http.StatusServiceUnavailable, "coordinator not initialized")
			return
		}
		if _, err := coordinator.Submit(r.Context(), job.ID); err != nil {
			writeFault(w, err)
			return
		}
		// Reflect the submission's status change in the response.
		if refreshed, err := jm.Get(r.Context(), job.ID); err == nil {
			job = refreshed
		}
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{Job: job, Dispatch: dispatch})
}

// pickDispatch resolves the run mode. Derive-image jobs never batch; an
// explicit request wins; otherwise jobs at or above the configured threshold
// go through the bulk interface.
func (e *CreateJobEndpoint) pickDispatch(r *http.Request, requested string, job *jobs.Record) string {
	if job.Type == jobs.JobDeriveImage {
		return "single"
	}
	if requested != "" {
		return requested
	}
	if cfg := svcctx.ConfigFrom(r.Context()); cfg != nil && cfg.Pipeline.BatchThreshold > 0 {
		if job.Total >= cfg.Pipeline.BatchThreshold {
			return "batch"
		}
	}
	return "single"
}

func (e *CreateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		jobType  string
		bookID   string
		model    string
		language string
		items    string
		dispatch string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new job",
		Long: `Create a processing job.

Target pages with --items (comma-separated page IDs) or a whole book
with --book. Jobs over many pages are sent through the provider's
batch interface unless --dispatch says otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobType == "" {
				return fmt.Errorf("--type is required")
			}
			req := CreateJobRequest{
				JobType:        jobType,
				BookID:         bookID,
				Model:          model,
				TargetLanguage: language,
				Dispatch:       dispatch,
			}
			if items != "" {
				req.ItemIDs = strings.Split(items, ",")
			}
			client := api.NewClient(getServerURL())
			var resp CreateJobResponse
			if err := client.Post(cmd.Context(), "/api/jobs", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "Job type: transcribe, translate, summarize, derive-image (required)")
	cmd.Flags().StringVar(&bookID, "book", "", "Book ID (targets every page when --items is not set)")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&language, "language", "", "Target language (translate jobs)")
	cmd.Flags().StringVar(&items, "items", "", "Comma-separated page IDs")
	cmd.Flags().StringVar(&dispatch, "dispatch", "", "Run mode: single or batch (default: by item count)")
	return cmd
}
