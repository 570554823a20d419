// Package pipeline drives jobs to completion, synchronously one item at a
// time or through a provider-side batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/providers"
)

// JobStore is the slice of the job manager the pipeline needs.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, errMsg string) error
	Checkpoint(ctx context.Context, jobID string, completed, failed int) error
	RecordOutcome(ctx context.Context, o jobs.Outcome) (bool, error)
	RecordOutcomes(ctx context.Context, jobID string, outcomes []jobs.Outcome) (int, error)
	OutcomeExists(ctx context.Context, jobID, itemID string) (bool, error)
	Outcomes(ctx context.Context, jobID string) (map[string]*jobs.Outcome, error)
}

// PageReader loads pages and records derived assets.
type PageReader interface {
	GetPage(ctx context.Context, pageID string) (*library.Page, error)
	SetDerivedImage(ctx context.Context, pageID, assetURL string) error
}

// FieldApplier is the write path for generated text.
type FieldApplier interface {
	Apply(ctx context.Context, in apply.Input) (*apply.Result, error)
}

// Config tunes the processor's retry and pacing behavior.
type Config struct {
	// MaxAttempts bounds provider calls per item, first try included.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per
	// attempt with jitter.
	BackoffBase time.Duration
	// ItemTimeout caps one provider invocation.
	ItemTimeout time.Duration
	// DefaultBudget is the wall-clock time one Advance call may spend
	// when the caller passes budget <= 0.
	DefaultBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 5 * time.Minute
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = 5 * time.Minute
	}
	return c
}

// Processor runs jobs synchronously, one provider call at a time.
type Processor struct {
	jobs      JobStore
	pages     PageReader
	applier   FieldApplier
	completer providers.Completer
	deriver   providers.ImageDeriver
	cfg       Config
	logger    *slog.Logger
}

// NewProcessor creates a synchronous processor.
func NewProcessor(store JobStore, pages PageReader, applier FieldApplier, completer providers.Completer, deriver providers.ImageDeriver, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		jobs:      store,
		pages:     pages,
		applier:   applier,
		completer: completer,
		deriver:   deriver,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// AdvanceResult reports what one bounded invocation did.
type AdvanceResult struct {
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Remaining int         `json:"remaining"`
	Status    jobs.Status `json:"status"`
}

// Advance processes items of the job until the wall-clock budget runs out,
// then returns with the job still in processing. Items that already have
// an outcome are skipped, so calling Advance repeatedly, from any process,
// walks the job to completion exactly once per item.
//
// The job status and the item's outcome are re-read before each provider
// call; a cancel or pause issued while an item is in flight takes effect
// before the next one starts, and an outcome recorded by an overlapping
// invocation is never paid for twice.
func (p *Processor) Advance(ctx context.Context, jobID string, budget time.Duration) (*AdvanceResult, error) {
	if budget <= 0 {
		budget = p.cfg.DefaultBudget
	}
	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || job.Status == jobs.StatusPaused {
		return p.result(ctx, job)
	}
	if job.Status == jobs.StatusPending {
		if err := p.jobs.UpdateStatus(ctx, jobID, jobs.StatusProcessing, ""); err != nil {
			return nil, err
		}
		job.Status = jobs.StatusProcessing
	}

	outcomes, err := p.jobs.Outcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for _, itemID := range job.ItemIDs {
		if !time.Now().Before(deadline) {
			p.logger.Info("budget exhausted, stopping run", "job_id", jobID)
			break
		}
		if _, done := outcomes[itemID]; done {
			continue
		}

		// Observe external transitions before starting the next item.
		current, err := p.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.Status != jobs.StatusProcessing {
			p.logger.Info("stopping run, job left processing state",
				"job_id", jobID, "status", current.Status)
			if err := p.checkpoint(ctx, jobID, outcomes); err != nil {
				return nil, err
			}
			return p.result(ctx, current)
		}

		// The outcome map is a snapshot from the start of the run; an
		// overlapping invocation may have finished this item since. Re-read
		// the durable record before spending a provider call on it.
		recorded, err := p.jobs.OutcomeExists(ctx, jobID, itemID)
		if err != nil {
			return nil, err
		}
		if recorded {
			refreshed, err := p.jobs.Outcomes(ctx, jobID)
			if err != nil {
				return nil, err
			}
			outcomes = refreshed
			continue
		}

		outcome, abort := p.processItem(ctx, job, itemID)
		if abort != nil {
			if err := p.checkpoint(ctx, jobID, outcomes); err != nil {
				p.logger.Error("checkpoint failed during abort", "job_id", jobID, "error", err)
			}
			return nil, abort
		}

		if _, err := p.jobs.RecordOutcome(ctx, outcome.Outcome); err != nil {
			return nil, err
		}
		outcomes[itemID] = &outcome.Outcome

		if err := p.checkpoint(ctx, jobID, outcomes); err != nil {
			return nil, err
		}

		// A permanent provider error means every further call would fail
		// the same way. Fail the job now rather than burning the budget.
		if outcome.permanent {
			if err := p.jobs.UpdateStatus(ctx, jobID, jobs.StatusFailed, outcome.Error); err != nil {
				return nil, err
			}
			job.Status = jobs.StatusFailed
			return p.result(ctx, job)
		}
	}

	if err := p.finalizeIfDone(ctx, job, outcomes); err != nil {
		return nil, err
	}
	return p.result(ctx, job)
}

// processItem runs one item end to end and returns its outcome. The second
// return value is non-nil only for infrastructure failures that should
// abort the run without recording anything.
func (p *Processor) processItem(ctx context.Context, job *jobs.Record, itemID string) (*itemOutcome, error) {
	page, err := p.pages.GetPage(ctx, itemID)
	if err != nil {
		if fault.IsNotFound(err) {
			// A vanished page is finished work, not a failure.
			p.logger.Info("item skipped, page no longer exists", "job_id", job.ID, "item_id", itemID)
			return p.successOutcome(job, itemID, "", "page no longer exists"), nil
		}
		return nil, err
	}

	if job.Type == jobs.JobDeriveImage {
		return p.deriveItem(ctx, job, page)
	}
	return p.completeItem(ctx, job, page)
}

// completeItem invokes the completion provider with retry and applies the
// generated text.
func (p *Processor) completeItem(ctx context.Context, job *jobs.Record, page *library.Page) (*itemOutcome, error) {
	req, err := buildRequest(job, page)
	if err != nil {
		return p.failureOutcome(job, page.ID, err), nil
	}

	result, err := p.completeWithRetry(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.failureOutcome(job, page.ID, err), nil
	}

	field, _ := job.Type.Field()
	applied, err := p.applier.Apply(ctx, apply.Input{
		PageID: page.ID,
		Field:  field,
		Text:   result.Text,
		Model:  result.Model,
		Source: apply.SourceSingle,
		Actor:  job.ID,
	})
	if err != nil {
		if fault.IsValidation(err) {
			return p.failureOutcome(job, page.ID, err), nil
		}
		// A store failure is an infrastructure problem. Abort without an
		// outcome so the item is retried on the next run.
		return nil, fmt.Errorf("failed to apply item %s: %w", page.ID, err)
	}
	if applied.Skipped {
		return p.successOutcome(job, page.ID, "", applied.SkipReason), nil
	}

	return p.successOutcome(job, page.ID, result.Text, ""), nil
}

// deriveItem produces the derived image asset for one page.
func (p *Processor) deriveItem(ctx context.Context, job *jobs.Record, page *library.Page) (*itemOutcome, error) {
	if p.deriver == nil {
		return p.failureOutcome(job, page.ID, fault.New(fault.KindPermanent, "no image deriver configured")), nil
	}
	if page.ImageURL == "" {
		return p.failureOutcome(job, page.ID, fault.New(fault.KindValidation, "page has no source image")), nil
	}

	derived, err := p.deriver.DeriveImage(ctx, page.ImageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.failureOutcome(job, page.ID, err), nil
	}
	if err := p.pages.SetDerivedImage(ctx, page.ID, derived); err != nil {
		return nil, fmt.Errorf("failed to store derived image for %s: %w", page.ID, err)
	}

	return p.successOutcome(job, page.ID, derived, ""), nil
}

// completeWithRetry calls the provider, retrying transient failures with
// exponential backoff and jitter. Anything else fails immediately.
func (p *Processor) completeWithRetry(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResult, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.BackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
		result, err := p.completer.Complete(itemCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !fault.IsTransient(err) {
			return nil, err
		}
		p.logger.Warn("transient provider failure, will retry",
			"item_id", req.ItemID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// finalizeIfDone moves the job to a terminal state once every item has an
// outcome. A job only fails when nothing at all succeeded; partial failure
// is a completed job with failed items recorded on it.
func (p *Processor) finalizeIfDone(ctx context.Context, job *jobs.Record, outcomes map[string]*jobs.Outcome) error {
	if len(outcomes) < len(job.ItemIDs) {
		return nil
	}

	completed, failed := tally(outcomes)
	status := jobs.StatusCompleted
	errMsg := ""
	if completed == 0 && failed > 0 {
		status = jobs.StatusFailed
		errMsg = "all items failed"
	}

	if err := p.jobs.UpdateStatus(ctx, job.ID, status, errMsg); err != nil {
		return err
	}
	job.Status = status
	p.logger.Info("job finished",
		"job_id", job.ID, "status", status, "completed", completed, "failed", failed)
	return nil
}

func (p *Processor) checkpoint(ctx context.Context, jobID string, outcomes map[string]*jobs.Outcome) error {
	completed, failed := tally(outcomes)
	return p.jobs.Checkpoint(ctx, jobID, completed, failed)
}

// result assembles the caller-facing view of the run.
func (p *Processor) result(ctx context.Context, job *jobs.Record) (*AdvanceResult, error) {
	outcomes, err := p.jobs.Outcomes(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	completed, failed := tally(outcomes)
	return &AdvanceResult{
		Processed: completed,
		Failed:    failed,
		Remaining: len(job.ItemIDs) - len(outcomes),
		Status:    job.Status,
	}, nil
}

func tally(outcomes map[string]*jobs.Outcome) (completed, failed int) {
	for _, o := range outcomes {
		if o.Success {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// itemOutcome wraps a jobs.Outcome with run-control flags that are not
// persisted.
type itemOutcome struct {
	jobs.Outcome
	permanent bool
}

func (p *Processor) successOutcome(job *jobs.Record, itemID, output, note string) *itemOutcome {
	return &itemOutcome{Outcome: jobs.Outcome{
		JobID:      job.ID,
		ItemID:     itemID,
		Success:    true,
		Output:     output,
		Note:       note,
		Source:     apply.SourceSingle,
		RecordedAt: time.Now().UTC(),
	}}
}

func (p *Processor) failureOutcome(job *jobs.Record, itemID string, err error) *itemOutcome {
	return &itemOutcome{
		Outcome: jobs.Outcome{
			JobID:      job.ID,
			ItemID:     itemID,
			Success:    false,
			Error:      err.Error(),
			Source:     apply.SourceSingle,
			RecordedAt: time.Now().UTC(),
		},
		permanent: fault.IsPermanent(err),
	}
}
