package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/providers"
)

// Submissions is the slice of the submission store the coordinator needs.
type Submissions interface {
	Create(ctx context.Context, jobID, handle string, itemKeys []string) (*Submission, error)
	GetByJob(ctx context.Context, jobID string) (*Submission, error)
	SetState(ctx context.Context, submissionID, state, providerError string) error
	MarkReconciled(ctx context.Context, submissionID string) error
}

// Coordinator runs a job through a provider-side batch: submit once, poll
// until terminal, then reconcile results into outcomes and page writes.
type Coordinator struct {
	jobs    JobStore
	pages   PageReader
	subs    Submissions
	runner  providers.BatchRunner
	applier FieldApplier
	logger  *slog.Logger
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(store JobStore, pages PageReader, subs Submissions, runner providers.BatchRunner, applier FieldApplier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		jobs:    store,
		pages:   pages,
		subs:    subs,
		runner:  runner,
		applier: applier,
		logger:  logger,
	}
}

// Submit packages the job's unfinished items into one provider batch and
// records the submission. The job moves to processing; results arrive
// later through Poll and Reconcile.
func (c *Coordinator) Submit(ctx context.Context, jobID string) (*Submission, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusPending {
		return nil, fault.Newf(fault.KindPrecondition, "cannot submit job in state %q", job.Status)
	}
	if job.Type == jobs.JobDeriveImage {
		return nil, fault.New(fault.KindValidation, "image derivation does not batch")
	}

	if existing, err := c.subs.GetByJob(ctx, jobID); err == nil {
		return nil, fault.Newf(fault.KindPrecondition, "job already has batch submission %s", existing.ID)
	} else if !fault.IsNotFound(err) {
		return nil, err
	}

	outcomes, err := c.jobs.Outcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Items that cannot produce a request get their outcome now; only
	// viable work goes to the provider.
	var reqs []*providers.CompletionRequest
	var preResolved []jobs.Outcome
	for _, itemID := range job.ItemIDs {
		if _, done := outcomes[itemID]; done {
			continue
		}
		req, outcome := c.buildBatchItem(ctx, job, itemID)
		if outcome != nil {
			preResolved = append(preResolved, *outcome)
			continue
		}
		if req == nil {
			// Store failure loading the page; abort before submitting.
			return nil, fmt.Errorf("failed to prepare item %s", itemID)
		}
		reqs = append(reqs, req)
	}

	if len(preResolved) > 0 {
		if _, err := c.jobs.RecordOutcomes(ctx, jobID, preResolved); err != nil {
			return nil, err
		}
	}

	if len(reqs) == 0 {
		return nil, fault.New(fault.KindPrecondition, "job has no items eligible for batching")
	}

	handle, err := c.runner.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("batch submit failed: %w", err)
	}

	keys := make([]string, len(reqs))
	for i, req := range reqs {
		keys[i] = req.ItemID
	}
	sub, err := c.subs.Create(ctx, jobID, handle, keys)
	if err != nil {
		// The remote batch exists but the local record does not. Surface
		// the handle so an operator can recover it.
		return nil, fmt.Errorf("batch %s submitted but submission record failed: %w", handle, err)
	}

	if err := c.jobs.UpdateStatus(ctx, jobID, jobs.StatusProcessing, ""); err != nil {
		return nil, err
	}

	c.logger.Info("batch submitted",
		"job_id", jobID, "handle", handle, "items", len(keys), "pre_resolved", len(preResolved))
	return sub, nil
}

// buildBatchItem prepares one item. Exactly one of the returns is set: a
// request to submit, or an outcome that settles the item locally. Both nil
// means a store error.
func (c *Coordinator) buildBatchItem(ctx context.Context, job *jobs.Record, itemID string) (*providers.CompletionRequest, *jobs.Outcome) {
	page, err := c.pages.GetPage(ctx, itemID)
	if err != nil {
		if fault.IsNotFound(err) {
			return nil, &jobs.Outcome{
				JobID:      job.ID,
				ItemID:     itemID,
				Success:    true,
				Note:       "page no longer exists",
				Source:     apply.SourceBatch,
				RecordedAt: time.Now().UTC(),
			}
		}
		c.logger.Error("failed to load page for batch", "item_id", itemID, "error", err)
		return nil, nil
	}

	req, err := buildRequest(job, page)
	if err != nil {
		return nil, &jobs.Outcome{
			JobID:      job.ID,
			ItemID:     itemID,
			Success:    false,
			Error:      err.Error(),
			Source:     apply.SourceBatch,
			RecordedAt: time.Now().UTC(),
		}
	}
	return req, nil
}

// PollResult is the outcome of one poll.
type PollResult struct {
	Submission *Submission `json:"submission"`
	JobStatus  jobs.Status `json:"job_status"`
}

// Poll checks the remote batch and advances the job accordingly. A batch
// that succeeded is reconciled in the same call; one the provider no
// longer knows is marked lost and fails the job.
func (c *Coordinator) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	sub, err := c.subs.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if sub.Reconciled || job.Status.Terminal() {
		return &PollResult{Submission: sub, JobStatus: job.Status}, nil
	}

	status, err := c.runner.PollBatch(ctx, sub.RemoteHandle)
	if err != nil {
		if fault.IsNotFound(err) {
			return c.markLost(ctx, sub, job)
		}
		return nil, err
	}

	switch status.State {
	case providers.BatchQueued:
		err = c.subs.SetState(ctx, sub.ID, RemoteQueued, "")
		sub.RemoteState = RemoteQueued
	case providers.BatchRunning:
		err = c.subs.SetState(ctx, sub.ID, RemoteRunning, "")
		sub.RemoteState = RemoteRunning
	case providers.BatchSucceeded:
		if err := c.subs.SetState(ctx, sub.ID, RemoteSucceeded, ""); err != nil {
			return nil, err
		}
		sub.RemoteState = RemoteSucceeded
		return c.reconcile(ctx, sub, job)
	case providers.BatchFailed:
		return c.failBatch(ctx, sub, job, status.Message)
	}
	if err != nil {
		return nil, err
	}

	return &PollResult{Submission: sub, JobStatus: job.Status}, nil
}

// Reconcile applies a succeeded batch's results. Safe to call again after
// a partial failure: items with outcomes are skipped, and the reconciled
// flag is only set once every submitted item is covered. A job already in
// a terminal state is left alone, so reconciling after a cancel cannot
// resurrect it.
func (c *Coordinator) Reconcile(ctx context.Context, jobID string) (*PollResult, error) {
	sub, err := c.subs.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if sub.Reconciled || job.Status.Terminal() {
		return &PollResult{Submission: sub, JobStatus: job.Status}, nil
	}
	return c.reconcile(ctx, sub, job)
}

func (c *Coordinator) reconcile(ctx context.Context, sub *Submission, job *jobs.Record) (*PollResult, error) {
	results, err := c.runner.FetchBatchResults(ctx, sub.RemoteHandle)
	if err != nil {
		if fault.IsNotFound(err) {
			return c.markLost(ctx, sub, job)
		}
		return nil, err
	}

	outcomes, err := c.jobs.Outcomes(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	field, hasField := job.Type.Field()
	if !hasField {
		return nil, fault.Newf(fault.KindValidation, "job type %q cannot be reconciled", job.Type)
	}

	var newOutcomes []jobs.Outcome
	for _, key := range sub.SubmittedItemKeys {
		if _, done := outcomes[key]; done {
			continue
		}

		res, ok := results[key]
		if !ok {
			// The provider returned neither output nor error for this
			// item. Settle it as failed so the job can still terminate.
			newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, false, "", "no result returned for item"))
			continue
		}
		if res.Err != "" {
			newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, false, "", res.Err))
			continue
		}

		applied, err := c.applier.Apply(ctx, apply.Input{
			PageID: key,
			Field:  field,
			Text:   res.Output,
			Model:  job.Model,
			Source: apply.SourceBatch,
			Actor:  job.ID,
		})
		if err != nil {
			if fault.IsValidation(err) {
				newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, false, "", err.Error()))
				continue
			}
			return nil, fmt.Errorf("failed to apply batch result for %s: %w", key, err)
		}

		if applied.Skipped {
			newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, true, "", applied.SkipReason))
		} else {
			newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, true, res.Output, ""))
		}
	}

	// Conditional writes, so a racing reconciler cannot double-record.
	if _, err := c.jobs.RecordOutcomes(ctx, job.ID, newOutcomes); err != nil {
		return nil, err
	}
	for i := range newOutcomes {
		outcomes[newOutcomes[i].ItemID] = &newOutcomes[i]
	}

	completed, failed := tally(outcomes)
	if err := c.jobs.Checkpoint(ctx, job.ID, completed, failed); err != nil {
		return nil, err
	}

	if err := c.subs.MarkReconciled(ctx, sub.ID); err != nil {
		return nil, err
	}
	sub.Reconciled = true

	if len(outcomes) >= len(job.ItemIDs) {
		status := jobs.StatusCompleted
		errMsg := ""
		if completed == 0 && failed > 0 {
			status = jobs.StatusFailed
			errMsg = "all items failed"
		}
		if err := c.jobs.UpdateStatus(ctx, job.ID, status, errMsg); err != nil {
			return nil, err
		}
		job.Status = status
	}

	c.logger.Info("batch reconciled",
		"job_id", job.ID, "handle", sub.RemoteHandle,
		"completed", completed, "failed", failed, "job_status", job.Status)
	return &PollResult{Submission: sub, JobStatus: job.Status}, nil
}

// failBatch settles every outstanding submitted item as failed and fails
// the job with the provider's error attached.
func (c *Coordinator) failBatch(ctx context.Context, sub *Submission, job *jobs.Record, message string) (*PollResult, error) {
	if message == "" {
		message = "batch failed"
	}
	if err := c.subs.SetState(ctx, sub.ID, RemoteFailed, message); err != nil {
		return nil, err
	}
	sub.RemoteState = RemoteFailed
	sub.ProviderError = message

	return c.settleOutstanding(ctx, sub, job, fmt.Sprintf("batch failed: %s", message))
}

// markLost handles a handle the provider no longer recognizes.
func (c *Coordinator) markLost(ctx context.Context, sub *Submission, job *jobs.Record) (*PollResult, error) {
	c.logger.Error("batch submission lost", "job_id", job.ID, "handle", sub.RemoteHandle)
	if err := c.subs.SetState(ctx, sub.ID, RemoteLost, "submission lost"); err != nil {
		return nil, err
	}
	sub.RemoteState = RemoteLost
	sub.ProviderError = "submission lost"

	return c.settleOutstanding(ctx, sub, job, "batch submission lost")
}

// settleOutstanding records a failure outcome for every submitted item
// that has none, then fails the job with the reason attached. A batch the
// provider rejected or forgot is a failed job regardless of how many
// items happened to succeed before it went down; the successes stay
// visible in the outcomes.
func (c *Coordinator) settleOutstanding(ctx context.Context, sub *Submission, job *jobs.Record, reason string) (*PollResult, error) {
	outcomes, err := c.jobs.Outcomes(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	var newOutcomes []jobs.Outcome
	for _, key := range sub.SubmittedItemKeys {
		if _, done := outcomes[key]; done {
			continue
		}
		newOutcomes = append(newOutcomes, batchOutcome(job.ID, key, false, "", reason))
	}
	if _, err := c.jobs.RecordOutcomes(ctx, job.ID, newOutcomes); err != nil {
		return nil, err
	}
	for i := range newOutcomes {
		outcomes[newOutcomes[i].ItemID] = &newOutcomes[i]
	}

	completed, failed := tally(outcomes)
	if err := c.jobs.Checkpoint(ctx, job.ID, completed, failed); err != nil {
		return nil, err
	}

	if err := c.jobs.UpdateStatus(ctx, job.ID, jobs.StatusFailed, reason); err != nil {
		return nil, err
	}
	job.Status = jobs.StatusFailed

	return &PollResult{Submission: sub, JobStatus: job.Status}, nil
}

// batchOutcome builds one batch-sourced outcome. The detail lands in Note
// for successes and Error for failures; an outcome only ever carries an
// error when it failed.
func batchOutcome(jobID, itemID string, success bool, output, detail string) jobs.Outcome {
	o := jobs.Outcome{
		JobID:      jobID,
		ItemID:     itemID,
		Success:    success,
		Output:     output,
		Source:     apply.SourceBatch,
		RecordedAt: time.Now().UTC(),
	}
	if success {
		o.Note = detail
	} else {
		o.Error = detail
	}
	return o
}
