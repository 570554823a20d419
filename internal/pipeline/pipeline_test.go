package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
)

// fakeJobStore is an in-memory JobStore. The afterRecord hook lets tests
// simulate external transitions landing between items.
type fakeJobStore struct {
	mu          sync.Mutex
	job         *jobs.Record
	outcomes    map[string]*jobs.Outcome
	afterRecord func(*fakeJobStore)
}

func newFakeJobStore(job *jobs.Record) *fakeJobStore {
	return &fakeJobStore{job: job, outcomes: make(map[string]*jobs.Outcome)}
}

func (s *fakeJobStore) Get(ctx context.Context, jobID string) (*jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ID != jobID {
		return nil, fault.Newf(fault.KindNotFound, "job not found: %s", jobID)
	}
	copied := *s.job
	return &copied, nil
}

func (s *fakeJobStore) UpdateStatus(ctx context.Context, jobID string, status jobs.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = status
	s.job.Error = errMsg
	return nil
}

func (s *fakeJobStore) Checkpoint(ctx context.Context, jobID string, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Completed = completed
	s.job.Failed = failed
	return nil
}

func (s *fakeJobStore) RecordOutcome(ctx context.Context, o jobs.Outcome) (bool, error) {
	s.mu.Lock()
	if _, exists := s.outcomes[o.ItemID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.outcomes[o.ItemID] = &o
	hook := s.afterRecord
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return true, nil
}

func (s *fakeJobStore) RecordOutcomes(ctx context.Context, jobID string, outcomes []jobs.Outcome) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range outcomes {
		o := outcomes[i]
		if _, exists := s.outcomes[o.ItemID]; exists {
			continue
		}
		s.outcomes[o.ItemID] = &o
		n++
	}
	return n, nil
}

func (s *fakeJobStore) OutcomeExists(ctx context.Context, jobID, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outcomes[itemID]
	return ok, nil
}

func (s *fakeJobStore) Outcomes(ctx context.Context, jobID string) (map[string]*jobs.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*jobs.Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out, nil
}

// fakeLibrary backs both the pipeline's PageReader and the applier's
// PageStore, so tests run the real apply path end to end.
type fakeLibrary struct {
	mu       sync.Mutex
	pages    map[string]*library.Page
	recounts int
}

func newFakeLibrary(pages ...*library.Page) *fakeLibrary {
	l := &fakeLibrary{pages: make(map[string]*library.Page)}
	for _, p := range pages {
		l.pages[p.ID] = p
	}
	return l
}

func (l *fakeLibrary) GetPage(ctx context.Context, pageID string) (*library.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	page, ok := l.pages[pageID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}
	copied := *page
	return &copied, nil
}

func (l *fakeLibrary) SetDerivedImage(ctx context.Context, pageID, assetURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	page, ok := l.pages[pageID]
	if !ok {
		return fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}
	page.DerivedImageURL = assetURL
	return nil
}

func (l *fakeLibrary) WritePageField(ctx context.Context, pageID string, field library.Field, text, model, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	page, ok := l.pages[pageID]
	if !ok {
		return fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}
	switch field {
	case library.FieldOCR:
		page.OCRText = text
		page.OCRModel = model
	case library.FieldTranslation:
		page.TranslationText = text
		page.TranslationModel = model
	case library.FieldSummary:
		page.SummaryText = text
		page.SummaryModel = model
	}
	return nil
}

func (l *fakeLibrary) RecountBookCounters(ctx context.Context, bookID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recounts++
	return nil
}

// memSnapshots is an in-memory snapshot store for the applier.
type memSnapshots struct {
	mu     sync.Mutex
	snaps  map[string]*snapshots.Snapshot
	nextID int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]*snapshots.Snapshot)}
}

func (s *memSnapshots) Take(ctx context.Context, pageID, field, previousValue, previousModel, actor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("snap-%d", s.nextID)
	s.snaps[id] = &snapshots.Snapshot{
		ID:            id,
		PageID:        pageID,
		Field:         field,
		PreviousValue: previousValue,
		PreviousModel: previousModel,
		Actor:         actor,
		TakenAt:       time.Now().UTC(),
	}
	return id, nil
}

func (s *memSnapshots) Get(ctx context.Context, snapshotID string) (*snapshots.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[snapshotID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "snapshot not found: %s", snapshotID)
	}
	return snap, nil
}

// memSubmissions is an in-memory Submissions store.
type memSubmissions struct {
	mu     sync.Mutex
	byJob  map[string]*Submission
	nextID int
}

func newMemSubmissions() *memSubmissions {
	return &memSubmissions{byJob: make(map[string]*Submission)}
}

func (s *memSubmissions) Create(ctx context.Context, jobID, handle string, itemKeys []string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &Submission{
		ID:                fmt.Sprintf("sub-%d", s.nextID),
		JobID:             jobID,
		RemoteHandle:      handle,
		RemoteState:       RemoteQueued,
		SubmittedItemKeys: itemKeys,
		SubmittedAt:       time.Now().UTC(),
	}
	s.byJob[jobID] = sub
	return sub, nil
}

func (s *memSubmissions) GetByJob(ctx context.Context, jobID string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byJob[jobID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no batch submission for job %s", jobID)
	}
	copied := *sub
	return &copied, nil
}

func (s *memSubmissions) SetState(ctx context.Context, submissionID, state, providerError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byJob {
		if sub.ID == submissionID {
			sub.RemoteState = state
			sub.ProviderError = providerError
			return nil
		}
	}
	return fault.Newf(fault.KindNotFound, "submission not found: %s", submissionID)
}

func (s *memSubmissions) MarkReconciled(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byJob {
		if sub.ID == submissionID {
			sub.Reconciled = true
			return nil
		}
	}
	return fault.Newf(fault.KindNotFound, "submission not found: %s", submissionID)
}

func testJob(id string, jobType jobs.JobType, itemIDs ...string) *jobs.Record {
	return &jobs.Record{
		ID:      id,
		Type:    jobType,
		Status:  jobs.StatusPending,
		BookID:  "book-1",
		Model:   "gpt-4o",
		ItemIDs: itemIDs,
		Total:   len(itemIDs),
	}
}

func testPages(ids ...string) []*library.Page {
	pages := make([]*library.Page, len(ids))
	for i, id := range ids {
		pages[i] = &library.Page{
			ID:       id,
			BookID:   "book-1",
			PageNum:  i + 1,
			ImageURL: fmt.Sprintf("https://assets.example/%s.jpg", id),
		}
	}
	return pages
}

func fastConfig() Config {
	return Config{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		ItemTimeout:   time.Second,
		DefaultBudget: time.Minute,
	}
}
