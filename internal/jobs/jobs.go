// Package jobs holds the job state machine and the job record store.
//
// State transitions are pure functions over Status so they can be reasoned
// about and tested without a store. The Manager persists records and item
// outcomes in DefraDB.
package jobs

import (
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
)

// JobType identifies the kind of work a job performs.
type JobType string

const (
	JobTranscribe  JobType = "transcribe"
	JobTranslate   JobType = "translate"
	JobSummarize   JobType = "summarize"
	JobDeriveImage JobType = "derive-image"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTranscribe, JobTranslate, JobSummarize, JobDeriveImage:
		return true
	}
	return false
}

// Field returns the page text field this job type writes, when it writes one.
// Image derivation does not go through the text path.
func (t JobType) Field() (library.Field, bool) {
	switch t {
	case JobTranscribe:
		return library.FieldOCR, true
	case JobTranslate:
		return library.FieldTranslation, true
	case JobSummarize:
		return library.FieldSummary, true
	}
	return "", false
}

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is an end state. Terminal jobs never move again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CancelFrom validates a cancel request against the current status.
// Any non-terminal job can be cancelled.
func CancelFrom(s Status) error {
	if s.Terminal() {
		return fault.Newf(fault.KindPrecondition, "cannot cancel job in terminal state %q", s)
	}
	return nil
}

// PauseFrom validates a pause request. Only jobs that are waiting or
// actively running can pause.
func PauseFrom(s Status) error {
	if s != StatusPending && s != StatusProcessing {
		return fault.Newf(fault.KindPrecondition, "cannot pause job in state %q", s)
	}
	return nil
}

// ResumeFrom validates a resume request. Resuming returns the job to
// pending; it does not jump straight back to processing.
func ResumeFrom(s Status) error {
	if s != StatusPaused {
		return fault.Newf(fault.KindPrecondition, "cannot resume job in state %q", s)
	}
	return nil
}

// RetryFrom validates a retry request. Only failed and cancelled jobs can
// be retried; completed jobs have nothing left to redo.
func RetryFrom(s Status) error {
	if s != StatusFailed && s != StatusCancelled {
		return fault.Newf(fault.KindPrecondition, "cannot retry job in state %q", s)
	}
	return nil
}

// Record is one job.
type Record struct {
	ID             string   `json:"id"`
	Type           JobType  `json:"job_type"`
	Status         Status   `json:"status"`
	BookID         string   `json:"book_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	TargetLanguage string   `json:"target_language,omitempty"`
	ItemIDs        []string `json:"item_ids"`

	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Remaining returns the number of items without a recorded outcome.
func (r *Record) Remaining() int {
	n := r.Total - r.Completed - r.Failed
	if n < 0 {
		return 0
	}
	return n
}

// Outcome is the durable per-item result of a job. An item with an outcome
// is never processed again, which is what makes resumption idempotent.
// Error is set exactly when Success is false; Note carries non-error
// detail on successes, like why an item was skipped.
type Outcome struct {
	JobID      string    `json:"job_id"`
	ItemID     string    `json:"item_id"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Note       string    `json:"note,omitempty"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recorded_at"`
}
