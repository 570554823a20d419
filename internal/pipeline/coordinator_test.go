package pipeline

import (
	"context"
	"testing"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/providers"
)

func newCoordinator(store *fakeJobStore, lib *fakeLibrary, runner providers.BatchRunner) (*Coordinator, *memSubmissions) {
	subs := newMemSubmissions()
	applier := apply.New(lib, newMemSnapshots(), nil)
	return NewCoordinator(store, lib, subs, runner, applier, nil), subs
}

func TestSubmitCreatesSubmissionAndStartsJob(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2"))
	lib := newFakeLibrary(testPages("p1", "p2")...)
	runner := providers.NewMockBatchRunner()

	coord, subs := newCoordinator(store, lib, runner)
	sub, err := coord.Submit(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if sub.RemoteHandle != "batch-mock-1" {
		t.Errorf("handle = %q", sub.RemoteHandle)
	}
	if len(sub.SubmittedItemKeys) != 2 {
		t.Errorf("submitted keys = %v", sub.SubmittedItemKeys)
	}
	if len(runner.Submitted) != 1 || len(runner.Submitted[0]) != 2 {
		t.Errorf("runner saw %v submissions", runner.Submitted)
	}

	job, _ := store.Get(context.Background(), "job-1")
	if job.Status != jobs.StatusProcessing {
		t.Errorf("job status = %s, want processing", job.Status)
	}

	// Submitting again is a precondition failure, not a second batch.
	if _, err := coord.Submit(context.Background(), "job-1"); !fault.IsPrecondition(err) {
		t.Fatalf("second submit: want precondition error, got %v", err)
	}
	if got, _ := subs.GetByJob(context.Background(), "job-1"); got.ID != sub.ID {
		t.Error("submission record changed on rejected resubmit")
	}
}

func TestSubmitSkipsItemsWithOutcomes(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2", "p3"))
	store.outcomes["p1"] = &jobs.Outcome{JobID: "job-1", ItemID: "p1", Success: true}
	lib := newFakeLibrary(testPages("p1", "p2", "p3")...)
	runner := providers.NewMockBatchRunner()

	coord, _ := newCoordinator(store, lib, runner)
	sub, err := coord.Submit(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(sub.SubmittedItemKeys) != 2 {
		t.Errorf("submitted %v, finished items must not resubmit", sub.SubmittedItemKeys)
	}
	for _, key := range sub.SubmittedItemKeys {
		if key == "p1" {
			t.Error("item with outcome was submitted")
		}
	}
}

func TestSubmitSettlesMissingPagesLocally(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "gone"))
	lib := newFakeLibrary(testPages("p1")...)
	runner := providers.NewMockBatchRunner()

	coord, _ := newCoordinator(store, lib, runner)
	sub, err := coord.Submit(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(sub.SubmittedItemKeys) != 1 || sub.SubmittedItemKeys[0] != "p1" {
		t.Errorf("submitted keys = %v, want just p1", sub.SubmittedItemKeys)
	}
	outcomes, _ := store.Outcomes(context.Background(), "job-1")
	if o := outcomes["gone"]; o == nil || !o.Success {
		t.Error("missing page should settle as done before submission")
	}
}

func TestPollReconcilesSucceededBatch(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2"))
	lib := newFakeLibrary(testPages("p1", "p2")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchSucceeded}}
	runner.Results = map[string]providers.BatchItemResult{
		"p1": {Output: "text one"},
		"p2": {Output: "text two"},
	}

	coord, subs := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if result.JobStatus != jobs.StatusCompleted {
		t.Errorf("job status = %s, want completed", result.JobStatus)
	}
	if !result.Submission.Reconciled {
		t.Error("submission should be reconciled")
	}
	if got := lib.pages["p1"].OCRText; got != "text one" {
		t.Errorf("page p1 text = %q", got)
	}

	sub, _ := subs.GetByJob(context.Background(), "job-1")
	if sub.RemoteState != RemoteSucceeded {
		t.Errorf("remote state = %s", sub.RemoteState)
	}
}

func TestReconcileMissingResultSettlesAsFailed(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2"))
	lib := newFakeLibrary(testPages("p1", "p2")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchSucceeded}}
	// The provider only returned a result for p1.
	runner.Results = map[string]providers.BatchItemResult{
		"p1": {Output: "text one"},
	}

	coord, _ := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	// One success is enough for the job to complete.
	if result.JobStatus != jobs.StatusCompleted {
		t.Errorf("job status = %s, want completed", result.JobStatus)
	}
	outcomes, _ := store.Outcomes(context.Background(), "job-1")
	o := outcomes["p2"]
	if o == nil || o.Success {
		t.Fatal("item without a result should settle as failed")
	}
	if o.Error != "no result returned for item" {
		t.Errorf("outcome error = %q", o.Error)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1"))
	lib := newFakeLibrary(testPages("p1")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchSucceeded}}
	runner.Results = map[string]providers.BatchItemResult{"p1": {Output: "text"}}

	coord, _ := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := coord.Reconcile(context.Background(), "job-1"); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}

	lib.pages["p1"].OCRText = "edited after reconcile"
	result, err := coord.Reconcile(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if result.JobStatus != jobs.StatusCompleted {
		t.Errorf("job status = %s", result.JobStatus)
	}
	if got := lib.pages["p1"].OCRText; got != "edited after reconcile" {
		t.Error("reconciled submission must not re-apply results")
	}
}

func TestPollFailedBatchFailsOutstandingItems(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2"))
	lib := newFakeLibrary(testPages("p1", "p2")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchFailed, Message: "token limit exceeded"}}

	coord, subs := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if result.JobStatus != jobs.StatusFailed {
		t.Errorf("job status = %s, want failed", result.JobStatus)
	}
	sub, _ := subs.GetByJob(context.Background(), "job-1")
	if sub.RemoteState != RemoteFailed || sub.ProviderError != "token limit exceeded" {
		t.Errorf("submission = %+v", sub)
	}

	outcomes, _ := store.Outcomes(context.Background(), "job-1")
	for _, id := range []string{"p1", "p2"} {
		if o := outcomes[id]; o == nil || o.Success {
			t.Errorf("item %s should be settled as failed", id)
		}
	}
}

func TestPollLostSubmissionFailsJob(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1"))
	lib := newFakeLibrary(testPages("p1")...)
	runner := providers.NewMockBatchRunner()

	coord, subs := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The provider forgot the batch.
	runner.Handle = "some-other-batch"

	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if result.JobStatus != jobs.StatusFailed {
		t.Errorf("job status = %s, want failed", result.JobStatus)
	}

	sub, _ := subs.GetByJob(context.Background(), "job-1")
	if sub.RemoteState != RemoteLost {
		t.Errorf("remote state = %s, want lost", sub.RemoteState)
	}
	job, _ := store.Get(context.Background(), "job-1")
	if job.Error != "batch submission lost" {
		t.Errorf("job error = %q", job.Error)
	}
}

func TestPollRunningBatchUpdatesState(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1"))
	lib := newFakeLibrary(testPages("p1")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchRunning}}

	coord, _ := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if result.Submission.RemoteState != RemoteRunning {
		t.Errorf("remote state = %s, want running", result.Submission.RemoteState)
	}
	if result.JobStatus != jobs.StatusProcessing {
		t.Errorf("job status = %s, want processing", result.JobStatus)
	}
}

func TestSubmitRejectsNonPendingJob(t *testing.T) {
	job := testJob("job-1", jobs.JobTranscribe, "p1")
	job.Status = jobs.StatusProcessing
	store := newFakeJobStore(job)

	coord, _ := newCoordinator(store, newFakeLibrary(testPages("p1")...), providers.NewMockBatchRunner())
	_, err := coord.Submit(context.Background(), "job-1")
	if !fault.IsPrecondition(err) {
		t.Fatalf("want precondition error, got %v", err)
	}
}

func TestSubmitRejectsDeriveImageJob(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobDeriveImage, "p1"))

	coord, _ := newCoordinator(store, newFakeLibrary(testPages("p1")...), providers.NewMockBatchRunner())
	_, err := coord.Submit(context.Background(), "job-1")
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestPollFailedBatchFailsJobDespiteEarlierSuccess(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1", "p2"))
	store.outcomes["p1"] = &jobs.Outcome{JobID: "job-1", ItemID: "p1", Success: true}
	lib := newFakeLibrary(testPages("p1", "p2")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchFailed, Message: "capacity"}}

	coord, _ := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	result, err := coord.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	// A batch the provider rejected fails the job even though p1 succeeded
	// earlier; the success stays visible in the outcomes.
	if result.JobStatus != jobs.StatusFailed {
		t.Errorf("job status = %s, want failed", result.JobStatus)
	}
	job, _ := store.Get(context.Background(), "job-1")
	if job.Error != "batch failed: capacity" {
		t.Errorf("job error = %q, want provider message attached", job.Error)
	}
	outcomes, _ := store.Outcomes(context.Background(), "job-1")
	if o := outcomes["p1"]; o == nil || !o.Success {
		t.Error("earlier success must survive the batch failure")
	}
	if o := outcomes["p2"]; o == nil || o.Success {
		t.Error("outstanding item should settle as failed")
	}
}

func TestReconcileLeavesCancelledJobAlone(t *testing.T) {
	store := newFakeJobStore(testJob("job-1", jobs.JobTranscribe, "p1"))
	lib := newFakeLibrary(testPages("p1")...)
	runner := providers.NewMockBatchRunner()
	runner.Statuses = []providers.BatchStatus{{State: providers.BatchSucceeded}}
	runner.Results = map[string]providers.BatchItemResult{"p1": {Output: "text"}}

	coord, subs := newCoordinator(store, lib, runner)
	if _, err := coord.Submit(context.Background(), "job-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), "job-1", jobs.StatusCancelled, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	result, err := coord.Reconcile(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.JobStatus != jobs.StatusCancelled {
		t.Errorf("job status = %s, a terminal job must stay put", result.JobStatus)
	}
	if got := lib.pages["p1"].OCRText; got != "" {
		t.Errorf("page written after cancel: %q", got)
	}
	outcomes, _ := store.Outcomes(context.Background(), "job-1")
	if len(outcomes) != 0 {
		t.Errorf("outcomes recorded after cancel: %v", outcomes)
	}
	sub, _ := subs.GetByJob(context.Background(), "job-1")
	if sub.Reconciled {
		t.Error("cancelled job's submission must not be marked reconciled")
	}
}
