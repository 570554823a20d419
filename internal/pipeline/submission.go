package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// Remote states tracked on a submission record. These mirror the provider's
// view; the job's own status stays authoritative for the state machine.
const (
	RemoteQueued    = "queued"
	RemoteRunning   = "running"
	RemoteSucceeded = "succeeded"
	RemoteFailed    = "failed"
	RemoteLost      = "lost"
)

// Submission records one provider-side batch for a job.
type Submission struct {
	ID                string    `json:"id"`
	JobID             string    `json:"job_id"`
	RemoteHandle      string    `json:"remote_handle"`
	RemoteState       string    `json:"remote_state"`
	SubmittedItemKeys []string  `json:"submitted_item_keys"`
	Reconciled        bool      `json:"reconciled"`
	ProviderError     string    `json:"provider_error,omitempty"`
	SubmittedAt       time.Time `json:"submitted_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SubmissionStore persists batch submissions in DefraDB.
type SubmissionStore struct {
	client *defra.Client
}

// NewSubmissionStore creates a submission store.
func NewSubmissionStore(client *defra.Client) *SubmissionStore {
	return &SubmissionStore{client: client}
}

const submissionCollection = "BatchSubmission"

// Create persists a new submission record for the job.
func (s *SubmissionStore) Create(ctx context.Context, jobID, handle string, itemKeys []string) (*Submission, error) {
	now := time.Now().UTC()
	doc := map[string]any{
		"job_id":              jobID,
		"remote_handle":       handle,
		"remote_state":        RemoteQueued,
		"submitted_item_keys": itemKeys,
		"reconciled":          false,
		"provider_error":      "",
		"submitted_at":        now.Format(time.RFC3339Nano),
		"updated_at":          now.Format(time.RFC3339Nano),
	}

	docID, err := s.client.Create(ctx, submissionCollection, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create submission: %w", err)
	}

	return &Submission{
		ID:                docID,
		JobID:             jobID,
		RemoteHandle:      handle,
		RemoteState:       RemoteQueued,
		SubmittedItemKeys: itemKeys,
		SubmittedAt:       now,
		UpdatedAt:         now,
	}, nil
}

// GetByJob returns the submission for a job. Each job has at most one.
func (s *SubmissionStore) GetByJob(ctx context.Context, jobID string) (*Submission, error) {
	query := fmt.Sprintf(`{
		BatchSubmission(filter: {job_id: {_eq: %q}}) {
			_docID
			job_id
			remote_handle
			remote_state
			submitted_item_keys
			reconciled
			provider_error
			submitted_at
			updated_at
		}
	}`, jobID)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("submission query error: %s", errMsg)
	}

	docs, _ := resp.Data[submissionCollection].([]any)
	if len(docs) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "no batch submission for job %s", jobID)
	}

	return parseSubmission(docs[0].(map[string]any)), nil
}

// SetState updates the remote state and provider error on a submission.
func (s *SubmissionStore) SetState(ctx context.Context, submissionID, state, providerError string) error {
	err := s.client.Update(ctx, submissionCollection, submissionID, map[string]any{
		"remote_state":   state,
		"provider_error": providerError,
		"updated_at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to update submission state: %w", err)
	}
	return nil
}

// MarkReconciled flags the submission as fully reconciled. Set only after
// every submitted item key has an outcome.
func (s *SubmissionStore) MarkReconciled(ctx context.Context, submissionID string) error {
	err := s.client.Update(ctx, submissionCollection, submissionID, map[string]any{
		"reconciled": true,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to mark submission reconciled: %w", err)
	}
	return nil
}

func parseSubmission(data map[string]any) *Submission {
	sub := &Submission{}
	if v, ok := data["_docID"].(string); ok {
		sub.ID = v
	}
	if v, ok := data["job_id"].(string); ok {
		sub.JobID = v
	}
	if v, ok := data["remote_handle"].(string); ok {
		sub.RemoteHandle = v
	}
	if v, ok := data["remote_state"].(string); ok {
		sub.RemoteState = v
	}
	if keys, ok := data["submitted_item_keys"].([]any); ok {
		sub.SubmittedItemKeys = make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := k.(string); ok {
				sub.SubmittedItemKeys = append(sub.SubmittedItemKeys, s)
			}
		}
	}
	if v, ok := data["reconciled"].(bool); ok {
		sub.Reconciled = v
	}
	if v, ok := data["provider_error"].(string); ok {
		sub.ProviderError = v
	}
	if v, ok := data["submitted_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sub.SubmittedAt = t
		}
	}
	if v, ok := data["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sub.UpdatedAt = t
		}
	}
	return sub
}
