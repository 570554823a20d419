package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// MockCompleter is a scriptable Completer for tests.
// Responses are keyed by item ID; each call consumes the next scripted step
// for that item, so transient-then-success sequences can be exercised.
type MockCompleter struct {
	mu sync.Mutex

	// Default output used when an item has no script.
	DefaultOutput string

	// Latency is how long each Complete call takes, for tests that
	// exercise time budgets.
	Latency time.Duration

	scripts map[string][]mockStep
	calls   map[string]int
}

type mockStep struct {
	output string
	err    error
}

// NewMockCompleter creates a mock completer.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{
		DefaultOutput: "mock output",
		scripts:       make(map[string][]mockStep),
		calls:         make(map[string]int),
	}
}

// ScriptSuccess appends a successful response for the item.
func (m *MockCompleter) ScriptSuccess(itemID, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[itemID] = append(m.scripts[itemID], mockStep{output: output})
}

// ScriptError appends a failing response for the item.
func (m *MockCompleter) ScriptError(itemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[itemID] = append(m.scripts[itemID], mockStep{err: err})
}

// ScriptTransient appends n transient failures for the item.
func (m *MockCompleter) ScriptTransient(itemID string, n int) {
	for i := 0; i < n; i++ {
		m.ScriptError(itemID, fault.New(fault.KindTransient, "scripted transient failure"))
	}
}

// Calls returns how many times the item was requested.
func (m *MockCompleter) Calls(itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[itemID]
}

// Name returns the mock identifier.
func (m *MockCompleter) Name() string { return "mock" }

// Complete returns the next scripted step for the item.
func (m *MockCompleter) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	n := m.calls[req.ItemID]
	m.calls[req.ItemID] = n + 1
	script := m.scripts[req.ItemID]
	m.mu.Unlock()

	if n < len(script) {
		step := script[n]
		if step.err != nil {
			return nil, step.err
		}
		return &CompletionResult{Text: step.output, Model: req.Model}, nil
	}

	return &CompletionResult{Text: m.DefaultOutput, Model: req.Model}, nil
}

// MockBatchRunner is a scriptable BatchRunner for tests.
type MockBatchRunner struct {
	mu sync.Mutex

	// Handle returned by SubmitBatch (default "batch-mock-1").
	Handle string

	// Statuses are returned by PollBatch in order; the last repeats.
	Statuses []BatchStatus

	// Results returned by FetchBatchResults.
	Results map[string]BatchItemResult

	// PollErr, when set, is returned by PollBatch instead of a status.
	PollErr error

	Submitted [][]*CompletionRequest
	polls     int
}

// NewMockBatchRunner creates a mock batch runner.
func NewMockBatchRunner() *MockBatchRunner {
	return &MockBatchRunner{
		Handle:  "batch-mock-1",
		Results: make(map[string]BatchItemResult),
	}
}

// SubmitBatch records the submission and returns the scripted handle.
func (m *MockBatchRunner) SubmitBatch(ctx context.Context, reqs []*CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, reqs)
	return m.Handle, nil
}

// PollBatch returns the next scripted status.
func (m *MockBatchRunner) PollBatch(ctx context.Context, handle string) (*BatchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PollErr != nil {
		return nil, m.PollErr
	}
	if handle != m.Handle {
		return nil, fault.Newf(fault.KindNotFound, "unknown batch handle %q", handle)
	}
	if len(m.Statuses) == 0 {
		return &BatchStatus{State: BatchQueued}, nil
	}

	idx := m.polls
	if idx >= len(m.Statuses) {
		idx = len(m.Statuses) - 1
	}
	m.polls++
	status := m.Statuses[idx]
	return &status, nil
}

// FetchBatchResults returns the scripted result set.
func (m *MockBatchRunner) FetchBatchResults(ctx context.Context, handle string) (map[string]BatchItemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle != m.Handle {
		return nil, fault.Newf(fault.KindNotFound, "unknown batch handle %q", handle)
	}
	out := make(map[string]BatchItemResult, len(m.Results))
	for k, v := range m.Results {
		out[k] = v
	}
	return out, nil
}

// MockImageDeriver is a scriptable ImageDeriver for tests.
type MockImageDeriver struct {
	Err error
}

// DeriveImage returns a deterministic derived reference.
func (m *MockImageDeriver) DeriveImage(ctx context.Context, sourceURL string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("%s?derived=1", sourceURL), nil
}
