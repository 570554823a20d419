package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

const (
	jobCollection     = "Job"
	outcomeCollection = "JobItem"
)

// Manager persists jobs and item outcomes.
type Manager struct {
	client *defra.Client
	logger *slog.Logger
}

// NewManager creates a job manager.
func NewManager(client *defra.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{client: client, logger: logger}
}

// CreateInput describes a new job.
type CreateInput struct {
	Type           JobType
	BookID         string
	Model          string
	TargetLanguage string
	ItemIDs        []string
}

// Create persists a new pending job and returns it.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if !in.Type.Valid() {
		return nil, fault.Newf(fault.KindValidation, "unknown job type %q", in.Type)
	}
	if len(in.ItemIDs) == 0 {
		return nil, fault.New(fault.KindValidation, "job has no items")
	}
	if in.Type == JobTranslate && in.TargetLanguage == "" {
		return nil, fault.New(fault.KindValidation, "translate job requires a target language")
	}
	seen := make(map[string]bool, len(in.ItemIDs))
	for _, id := range in.ItemIDs {
		if id == "" {
			return nil, fault.New(fault.KindValidation, "job contains an empty item id")
		}
		if seen[id] {
			return nil, fault.Newf(fault.KindValidation, "duplicate item id %q", id)
		}
		seen[id] = true
	}

	now := time.Now().UTC()
	doc := map[string]any{
		"job_type":        string(in.Type),
		"status":          string(StatusPending),
		"book_id":         in.BookID,
		"model":           in.Model,
		"target_language": in.TargetLanguage,
		"item_ids":        in.ItemIDs,
		"total":           len(in.ItemIDs),
		"completed":       0,
		"failed":          0,
		"error":           "",
		"created_at":      now.Format(time.RFC3339Nano),
		"updated_at":      now.Format(time.RFC3339Nano),
	}

	docID, err := m.client.Create(ctx, jobCollection, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("job created",
		"job_id", docID,
		"job_type", in.Type,
		"items", len(in.ItemIDs))

	return &Record{
		ID:             docID,
		Type:           in.Type,
		Status:         StatusPending,
		BookID:         in.BookID,
		Model:          in.Model,
		TargetLanguage: in.TargetLanguage,
		ItemIDs:        in.ItemIDs,
		Total:          len(in.ItemIDs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

const jobFields = `_docID
			job_type
			status
			book_id
			model
			target_language
			item_ids
			total
			completed
			failed
			error
			created_at
			updated_at
			started_at
			finished_at`

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, jobID string) (*Record, error) {
	id, err := defra.SafeID(jobID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid job id", err)
	}

	query := fmt.Sprintf(`{
		Job(docID: %q) {
			%s
		}
	}`, id, jobFields)

	resp, err := m.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("job query error: %s", errMsg)
	}

	docs, ok := resp.Data[jobCollection].([]any)
	if !ok || len(docs) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "job not found: %s", jobID)
	}

	return parseJob(docs[0].(map[string]any)), nil
}

// ListFilter narrows a job listing. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   JobType
	BookID string
}

// List returns jobs matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	var clauses []string
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fault.Newf(fault.KindValidation, "unknown status %q", filter.Status)
		}
		clauses = append(clauses, fmt.Sprintf("status: {_eq: %q}", filter.Status))
	}
	if filter.Type != "" {
		if !filter.Type.Valid() {
			return nil, fault.Newf(fault.KindValidation, "unknown job type %q", filter.Type)
		}
		clauses = append(clauses, fmt.Sprintf("job_type: {_eq: %q}", filter.Type))
	}
	if filter.BookID != "" {
		id, err := defra.SafeID(filter.BookID)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "invalid book id", err)
		}
		clauses = append(clauses, fmt.Sprintf("book_id: {_eq: %q}", id))
	}

	filterArg := ""
	if len(clauses) > 0 {
		filterArg = fmt.Sprintf("filter: {%s}, ", strings.Join(clauses, ", "))
	}

	query := fmt.Sprintf(`{
		Job(%sorder: {created_at: DESC}) {
			%s
		}
	}`, filterArg, jobFields)

	resp, err := m.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("job list error: %s", errMsg)
	}

	docs, _ := resp.Data[jobCollection].([]any)
	out := make([]*Record, 0, len(docs))
	for _, d := range docs {
		if doc, ok := d.(map[string]any); ok {
			out = append(out, parseJob(doc))
		}
	}
	return out, nil
}

// UpdateStatus moves a job to the given status and stamps the transition.
// Moving into processing sets started_at; any terminal status sets
// finished_at. The error message is only persisted for failed jobs.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	if !status.Valid() {
		return fault.Newf(fault.KindValidation, "unknown status %q", status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	input := map[string]any{
		"status":     string(status),
		"updated_at": now,
	}
	if status == StatusProcessing {
		input["started_at"] = now
	}
	if status.Terminal() {
		input["finished_at"] = now
	}
	if status == StatusFailed {
		input["error"] = errMsg
	} else if errMsg == "" {
		input["error"] = ""
	}

	if err := m.client.Update(ctx, jobCollection, jobID, input); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	m.logger.Info("job status updated", "job_id", jobID, "status", status)
	return nil
}

// Checkpoint persists the job's progress counters. Called after every item
// so a crash never loses more than the in-flight item.
func (m *Manager) Checkpoint(ctx context.Context, jobID string, completed, failed int) error {
	err := m.client.Update(ctx, jobCollection, jobID, map[string]any{
		"completed":  completed,
		"failed":     failed,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint job: %w", err)
	}
	return nil
}

// OutcomeExists reports whether the item already has a recorded outcome.
// This read-before-call check is what keeps resumed jobs from re-invoking
// the completion service for finished items.
func (m *Manager) OutcomeExists(ctx context.Context, jobID, itemID string) (bool, error) {
	n, err := m.client.Count(ctx, outcomeCollection, outcomeFilter(jobID, itemID))
	if err != nil {
		return false, fmt.Errorf("failed to check outcome: %w", err)
	}
	return n > 0, nil
}

// RecordOutcome persists one item outcome unless one already exists.
// First write wins; the bool reports whether this call recorded it.
// The write is a conditional upsert on (job_id, item_id) with an empty
// update, so a writer that loses the race leaves the existing outcome
// untouched instead of creating a duplicate.
func (m *Manager) RecordOutcome(ctx context.Context, o Outcome) (bool, error) {
	exists, err := m.OutcomeExists(ctx, o.JobID, o.ItemID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = m.client.Upsert(ctx, outcomeCollection, outcomeFilter(o.JobID, o.ItemID), outcomeDoc(o), map[string]any{})
	if err != nil {
		return false, fmt.Errorf("failed to record outcome: %w", err)
	}
	return true, nil
}

// RecordOutcomes persists a set of outcomes, skipping items that already
// have one. Each write goes through the same conditional upsert as
// RecordOutcome, so a concurrent writer cannot double-record an item.
// Returns how many were recorded.
func (m *Manager) RecordOutcomes(ctx context.Context, jobID string, outcomes []Outcome) (int, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}

	existing, err := m.outcomeItemIDs(ctx, jobID)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, o := range outcomes {
		if o.JobID != jobID {
			return recorded, fault.Newf(fault.KindValidation, "outcome for job %q in batch for job %q", o.JobID, jobID)
		}
		if existing[o.ItemID] {
			continue
		}
		if _, err := m.client.Upsert(ctx, outcomeCollection, outcomeFilter(jobID, o.ItemID), outcomeDoc(o), map[string]any{}); err != nil {
			return recorded, fmt.Errorf("failed to record outcome for %s: %w", o.ItemID, err)
		}
		recorded++
	}
	return recorded, nil
}

// outcomeFilter is the (job_id, item_id) key every outcome write and
// existence check is conditioned on.
func outcomeFilter(jobID, itemID string) map[string]any {
	return map[string]any{
		"job_id":  map[string]any{"_eq": jobID},
		"item_id": map[string]any{"_eq": itemID},
	}
}

// Outcomes returns all recorded outcomes for a job, keyed by item ID.
func (m *Manager) Outcomes(ctx context.Context, jobID string) (map[string]*Outcome, error) {
	query := fmt.Sprintf(`{
		JobItem(filter: {job_id: {_eq: %q}}) {
			job_id
			item_id
			success
			output
			error
			note
			source
			recorded_at
		}
	}`, jobID)

	resp, err := m.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("outcome query error: %s", errMsg)
	}

	docs, _ := resp.Data[outcomeCollection].([]any)
	out := make(map[string]*Outcome, len(docs))
	for _, d := range docs {
		if doc, ok := d.(map[string]any); ok {
			o := parseOutcome(doc)
			out[o.ItemID] = o
		}
	}
	return out, nil
}

// Cancel moves a non-terminal job to cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Record, error) {
	return m.transition(ctx, jobID, StatusCancelled, CancelFrom)
}

// Pause moves a pending or processing job to paused. A processing job
// finishes its in-flight item before the pause takes effect.
func (m *Manager) Pause(ctx context.Context, jobID string) (*Record, error) {
	return m.transition(ctx, jobID, StatusPaused, PauseFrom)
}

// Resume moves a paused job back to pending.
func (m *Manager) Resume(ctx context.Context, jobID string) (*Record, error) {
	return m.transition(ctx, jobID, StatusPending, ResumeFrom)
}

// Retry reopens a failed or cancelled job. Failed item outcomes are
// deleted so those items run again; successful outcomes stay, so finished
// work is never redone.
func (m *Manager) Retry(ctx context.Context, jobID string) (*Record, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := RetryFrom(job.Status); err != nil {
		return nil, err
	}

	if err := m.deleteFailedOutcomes(ctx, jobID); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = m.client.Update(ctx, jobCollection, jobID, map[string]any{
		"status":     string(StatusPending),
		"failed":     0,
		"error":      "",
		"updated_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	m.logger.Info("job reopened for retry", "job_id", jobID, "kept_completed", job.Completed)
	return m.Get(ctx, jobID)
}

// transition loads, validates, and persists a simple status change.
func (m *Manager) transition(ctx context.Context, jobID string, to Status, check func(Status) error) (*Record, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := check(job.Status); err != nil {
		return nil, err
	}
	if err := m.UpdateStatus(ctx, jobID, to, ""); err != nil {
		return nil, err
	}
	job.Status = to
	return job, nil
}

// outcomeItemIDs returns the set of item IDs that already have outcomes.
func (m *Manager) outcomeItemIDs(ctx context.Context, jobID string) (map[string]bool, error) {
	query := fmt.Sprintf(`{
		JobItem(filter: {job_id: {_eq: %q}}) {
			item_id
		}
	}`, jobID)

	resp, err := m.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("outcome query error: %s", errMsg)
	}

	docs, _ := resp.Data[outcomeCollection].([]any)
	out := make(map[string]bool, len(docs))
	for _, d := range docs {
		if doc, ok := d.(map[string]any); ok {
			if id, ok := doc["item_id"].(string); ok {
				out[id] = true
			}
		}
	}
	return out, nil
}

// deleteFailedOutcomes removes failed item outcomes so a retry reruns them.
func (m *Manager) deleteFailedOutcomes(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`{
		JobItem(filter: {job_id: {_eq: %q}, success: {_eq: false}}) {
			_docID
		}
	}`, jobID)

	resp, err := m.client.Query(ctx, query)
	if err != nil {
		return err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return fmt.Errorf("outcome query error: %s", errMsg)
	}

	docs, _ := resp.Data[outcomeCollection].([]any)
	for _, d := range docs {
		doc, ok := d.(map[string]any)
		if !ok {
			continue
		}
		docID, ok := doc["_docID"].(string)
		if !ok {
			continue
		}
		if err := m.client.Delete(ctx, outcomeCollection, docID); err != nil {
			return fmt.Errorf("failed to delete outcome %s: %w", docID, err)
		}
	}
	return nil
}

func outcomeDoc(o Outcome) map[string]any {
	recordedAt := o.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	return map[string]any{
		"job_id":      o.JobID,
		"item_id":     o.ItemID,
		"success":     o.Success,
		"output":      o.Output,
		"error":       o.Error,
		"note":        o.Note,
		"source":      o.Source,
		"recorded_at": recordedAt.Format(time.RFC3339Nano),
	}
}

func parseJob(data map[string]any) *Record {
	job := &Record{}
	if v, ok := data["_docID"].(string); ok {
		job.ID = v
	}
	if v, ok := data["job_type"].(string); ok {
		job.Type = JobType(v)
	}
	if v, ok := data["status"].(string); ok {
		job.Status = Status(v)
	}
	if v, ok := data["book_id"].(string); ok {
		job.BookID = v
	}
	if v, ok := data["model"].(string); ok {
		job.Model = v
	}
	if v, ok := data["target_language"].(string); ok {
		job.TargetLanguage = v
	}
	if items, ok := data["item_ids"].([]any); ok {
		job.ItemIDs = make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				job.ItemIDs = append(job.ItemIDs, s)
			}
		}
	}
	if v, ok := data["total"].(float64); ok {
		job.Total = int(v)
	}
	if v, ok := data["completed"].(float64); ok {
		job.Completed = int(v)
	}
	if v, ok := data["failed"].(float64); ok {
		job.Failed = int(v)
	}
	if v, ok := data["error"].(string); ok {
		job.Error = v
	}
	job.CreatedAt = parseTime(data["created_at"])
	job.UpdatedAt = parseTime(data["updated_at"])
	job.StartedAt = parseTime(data["started_at"])
	job.FinishedAt = parseTime(data["finished_at"])
	return job
}

func parseOutcome(data map[string]any) *Outcome {
	o := &Outcome{}
	if v, ok := data["job_id"].(string); ok {
		o.JobID = v
	}
	if v, ok := data["item_id"].(string); ok {
		o.ItemID = v
	}
	if v, ok := data["success"].(bool); ok {
		o.Success = v
	}
	if v, ok := data["output"].(string); ok {
		o.Output = v
	}
	if v, ok := data["error"].(string); ok {
		o.Error = v
	}
	if v, ok := data["note"].(string); ok {
		o.Note = v
	}
	if v, ok := data["source"].(string); ok {
		o.Source = v
	}
	o.RecordedAt = parseTime(data["recorded_at"])
	return o
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
