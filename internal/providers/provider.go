// Package providers contains clients for the external AI completion service,
// at both cadences the pipeline uses: synchronous per-item calls and
// asynchronous bulk batches.
package providers

import (
	"context"
	"time"
)

// CompletionRequest is one item's worth of work for the completion service.
type CompletionRequest struct {
	// ItemID keys the request so responses can be matched regardless of
	// arrival order. For page work this is the page document ID.
	ItemID string

	// Model is the model identifier to use.
	Model string

	// Prompt is the instruction text (transcribe, translate to X, etc).
	Prompt string

	// Text is the source text for text-in tasks (translate, summarize).
	Text string

	// ImageURL is the page image reference for vision tasks (transcribe).
	ImageURL string

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int
}

// CompletionResult is the response for one item.
type CompletionResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	ExecutionTime    time.Duration
}

// Completer is the synchronous completion client: one call per item.
// Errors are classified via the fault package so callers can distinguish
// transient failures (retry with backoff) from permanent ones (abort).
type Completer interface {
	// Complete sends one completion request.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// Name returns the client identifier (e.g. "openai").
	Name() string
}

// BatchState is the remote state of an asynchronous batch.
type BatchState string

const (
	BatchQueued    BatchState = "queued"
	BatchRunning   BatchState = "running"
	BatchSucceeded BatchState = "succeeded"
	BatchFailed    BatchState = "failed"
)

// Terminal reports whether the state is final.
func (s BatchState) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// BatchStatus is one poll's view of a remote batch.
type BatchStatus struct {
	State BatchState
	// Message carries the provider error description when State is failed.
	Message string
}

// BatchItemResult is one keyed result from a completed batch.
type BatchItemResult struct {
	// Output is the generated text. Empty when Err is set.
	Output string
	// Err is the upstream failure reason for this item, if any.
	Err string
}

// BatchRunner is the asynchronous bulk client: submit many items as one
// remote batch, poll its state by handle, and fetch the keyed result set.
type BatchRunner interface {
	// SubmitBatch sends all requests as a single remote batch and returns
	// the opaque remote handle.
	SubmitBatch(ctx context.Context, reqs []*CompletionRequest) (string, error)

	// PollBatch fetches the remote state for a handle. A handle the
	// provider no longer knows yields a fault.KindNotFound error.
	PollBatch(ctx context.Context, handle string) (*BatchStatus, error)

	// FetchBatchResults returns the result set for a succeeded batch as a
	// mapping from item key to result. Keys absent from the map mean the
	// provider returned nothing for that item.
	FetchBatchResults(ctx context.Context, handle string) (map[string]BatchItemResult, error)
}

// ImageDeriver is the external image service collaborator used by
// derive-image jobs. It produces a derived asset (resized/cropped page
// image) and returns its blob store reference.
type ImageDeriver interface {
	// DeriveImage produces a derived asset for the source image and
	// returns its reference.
	DeriveImage(ctx context.Context, sourceURL string) (string, error)
}
