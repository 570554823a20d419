package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/config"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/pipeline"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/svcctx"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/testutil"
)

type fakeAdvancer struct {
	result    *pipeline.AdvanceResult
	err       error
	gotJob    string
	gotBudget time.Duration
}

func (f *fakeAdvancer) Advance(ctx context.Context, jobID string, budget time.Duration) (*pipeline.AdvanceResult, error) {
	f.gotJob = jobID
	f.gotBudget = budget
	return f.result, f.err
}

type fakeCoordinator struct {
	sub       *pipeline.Submission
	poll      *pipeline.PollResult
	err       error
	submitted []string
}

func (f *fakeCoordinator) Submit(ctx context.Context, jobID string) (*pipeline.Submission, error) {
	f.submitted = append(f.submitted, jobID)
	return f.sub, f.err
}

func (f *fakeCoordinator) Poll(ctx context.Context, jobID string) (*pipeline.PollResult, error) {
	return f.poll, f.err
}

func (f *fakeCoordinator) Reconcile(ctx context.Context, jobID string) (*pipeline.PollResult, error) {
	return f.poll, f.err
}

type fakeRestorer struct {
	result   *apply.Result
	err      error
	gotID    string
	gotActor string
}

func (f *fakeRestorer) RestoreSnapshot(ctx context.Context, snapshotID, actor string) (*apply.Result, error) {
	f.gotID = snapshotID
	f.gotActor = actor
	return f.result, f.err
}

// newTestServer mounts all endpoints with the given services injected into
// every request context, the way the real server middleware does.
func newTestServer(t *testing.T, svcs *svcctx.Services) *httptest.Server {
	t.Helper()

	reg := api.NewRegistry()
	for _, ep := range All(Config{}) {
		reg.Register(ep)
	}
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux, func(h http.HandlerFunc) http.HandlerFunc { return h })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(svcctx.WithServices(r.Context(), svcs)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &svcctx.Services{})

	resp, body := doJSON(t, "GET", srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestCreateJobRequiresType(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t)
	srv := newTestServer(t, &svcctx.Services{
		JobManager: jobs.NewManager(client, nil),
	})

	resp, _ := doJSON(t, "POST", srv.URL+"/api/jobs", CreateJobRequest{ItemIDs: []string{"p1"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateJobSingleDispatch(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{
		"create_Job": []any{map[string]any{"_docID": "job-1"}},
	})
	srv := newTestServer(t, &svcctx.Services{
		JobManager: jobs.NewManager(client, nil),
		Config:     config.DefaultConfig(),
	})

	resp, body := doJSON(t, "POST", srv.URL+"/api/jobs", CreateJobRequest{
		JobType: "transcribe",
		BookID:  "book-1",
		ItemIDs: []string{"page-1", "page-2"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var created CreateJobResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Dispatch != "single" {
		t.Errorf("dispatch = %q, small jobs run synchronously", created.Dispatch)
	}
	if created.Job.ID != "job-1" || created.Job.Status != jobs.StatusPending {
		t.Errorf("unexpected job: %+v", created.Job)
	}
}

func TestCreateJobBatchesPastThreshold(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t,
		map[string]any{"create_Job": []any{map[string]any{"_docID": "job-1"}}},
		// Refresh after the batch submission.
		map[string]any{"Job": []any{map[string]any{
			"_docID":     "job-1",
			"job_type":   "transcribe",
			"status":     "processing",
			"item_ids":   []any{"p1", "p2", "p3"},
			"total":      float64(3),
			"created_at": "2026-08-20T10:00:00Z",
			"updated_at": "2026-08-20T10:00:00Z",
		}}},
	)
	coordinator := &fakeCoordinator{sub: &pipeline.Submission{ID: "sub-1", JobID: "job-1"}}

	cfg := config.DefaultConfig()
	cfg.Pipeline.BatchThreshold = 3
	srv := newTestServer(t, &svcctx.Services{
		JobManager:  jobs.NewManager(client, nil),
		Coordinator: coordinator,
		Config:      cfg,
	})

	resp, body := doJSON(t, "POST", srv.URL+"/api/jobs", CreateJobRequest{
		JobType: "transcribe",
		ItemIDs: []string{"p1", "p2", "p3"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var created CreateJobResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Dispatch != "batch" {
		t.Errorf("dispatch = %q, threshold-sized jobs go through the batch interface", created.Dispatch)
	}
	if len(coordinator.submitted) != 1 || coordinator.submitted[0] != "job-1" {
		t.Errorf("submitted = %v", coordinator.submitted)
	}
	if created.Job.Status != jobs.StatusProcessing {
		t.Errorf("status = %s, response should reflect the submission", created.Job.Status)
	}
}

func TestCreateJobDeriveImageNeverBatches(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{
		"create_Job": []any{map[string]any{"_docID": "job-1"}},
	})
	coordinator := &fakeCoordinator{}

	cfg := config.DefaultConfig()
	cfg.Pipeline.BatchThreshold = 1
	srv := newTestServer(t, &svcctx.Services{
		JobManager:  jobs.NewManager(client, nil),
		Coordinator: coordinator,
		Config:      cfg,
	})

	resp, body := doJSON(t, "POST", srv.URL+"/api/jobs", CreateJobRequest{
		JobType: "derive-image",
		ItemIDs: []string{"p1", "p2"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	if len(coordinator.submitted) != 0 {
		t.Error("derive-image jobs must not reach the batch interface")
	}
}

func TestGetJobNotFound(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{"Job": []any{}})
	srv := newTestServer(t, &svcctx.Services{
		JobManager: jobs.NewManager(client, nil),
	})

	resp, _ := doJSON(t, "GET", srv.URL+"/api/jobs/bafymissing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdvancePassesBudget(t *testing.T) {
	advancer := &fakeAdvancer{result: &pipeline.AdvanceResult{
		Processed: 5,
		Remaining: 2,
		Status:    jobs.StatusProcessing,
	}}
	srv := newTestServer(t, &svcctx.Services{Processor: advancer})

	resp, body := doJSON(t, "POST", srv.URL+"/api/jobs/job-1/advance", AdvanceJobRequest{BudgetSeconds: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	if advancer.gotJob != "job-1" || advancer.gotBudget != 5*time.Second {
		t.Errorf("advance called with (%q, %s)", advancer.gotJob, advancer.gotBudget)
	}

	var result pipeline.AdvanceResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Processed != 5 || result.Remaining != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAdvanceRejectsNegativeBudget(t *testing.T) {
	srv := newTestServer(t, &svcctx.Services{Processor: &fakeAdvancer{}})

	resp, _ := doJSON(t, "POST", srv.URL+"/api/jobs/job-1/advance", AdvanceJobRequest{BudgetSeconds: -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{
		"Job": []any{map[string]any{
			"_docID":     "job-1",
			"job_type":   "transcribe",
			"status":     "completed",
			"item_ids":   []any{"p1"},
			"total":      float64(1),
			"completed":  float64(1),
			"created_at": "2026-08-20T10:00:00Z",
			"updated_at": "2026-08-20T10:00:00Z",
		}},
	})
	srv := newTestServer(t, &svcctx.Services{
		JobManager: jobs.NewManager(client, nil),
	})

	resp, _ := doJSON(t, "POST", srv.URL+"/api/jobs/job-1/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPollBatch(t *testing.T) {
	coordinator := &fakeCoordinator{poll: &pipeline.PollResult{
		Submission: &pipeline.Submission{ID: "sub-1", JobID: "job-1", RemoteState: pipeline.RemoteRunning},
		JobStatus:  jobs.StatusProcessing,
	}}
	srv := newTestServer(t, &svcctx.Services{Coordinator: coordinator})

	resp, body := doJSON(t, "GET", srv.URL+"/api/jobs/job-1/batch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var result pipeline.PollResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Submission.RemoteState != pipeline.RemoteRunning {
		t.Errorf("state = %q", result.Submission.RemoteState)
	}
}

func TestRestoreDefaultsActor(t *testing.T) {
	restorer := &fakeRestorer{result: &apply.Result{SnapshotID: "snap-2"}}
	srv := newTestServer(t, &svcctx.Services{Applier: restorer})

	resp, body := doJSON(t, "POST", srv.URL+"/api/snapshots/snap-1/restore", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	if restorer.gotID != "snap-1" {
		t.Errorf("restore id = %q", restorer.gotID)
	}
	if restorer.gotActor != "api" {
		t.Errorf("actor = %q, unattributed restores default to api", restorer.gotActor)
	}
}

func TestListSnapshots(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{
		"Snapshot": []any{map[string]any{
			"_docID":         "snap-1",
			"page_id":        "page-1",
			"field":          "ocr",
			"previous_value": "old",
			"taken_at":       "2026-08-20T10:00:00Z",
		}},
	})
	srv := newTestServer(t, &svcctx.Services{
		Snapshots: snapshots.NewStore(client, nil),
	})

	resp, body := doJSON(t, "GET", srv.URL+"/api/pages/page-1/snapshots", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var list ListSnapshotsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 || list.Snapshots[0].ID != "snap-1" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestGetPage(t *testing.T) {
	client, _ := testutil.NewScriptedDefra(t, map[string]any{
		"Page": []any{map[string]any{
			"_docID":   "page-1",
			"book_id":  "book-1",
			"page_num": float64(4),
			"ocr_text": "text",
		}},
	})
	srv := newTestServer(t, &svcctx.Services{
		Library: library.NewStore(client, nil, nil),
	})

	resp, body := doJSON(t, "GET", srv.URL+"/api/pages/page-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var page library.Page
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.ID != "page-1" || page.OCRText != "text" {
		t.Errorf("unexpected page: %+v", page)
	}
}
