package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// batchRequestLine is one line of the JSONL batch input file.
// The custom_id carries the item key so responses can be matched back.
type batchRequestLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     any    `json:"body"`
}

// batchResponseLine is one line of the JSONL batch output or error file.
type batchResponseLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitBatch uploads all requests as one JSONL file and creates a remote
// batch against the chat completions endpoint. Returns the batch ID as the
// opaque handle.
func (c *OpenAIClient) SubmitBatch(ctx context.Context, reqs []*CompletionRequest) (string, error) {
	if len(reqs) == 0 {
		return "", fault.New(fault.KindValidation, "batch has no items")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, req := range reqs {
		params, err := c.chatParams(req)
		if err != nil {
			return "", fmt.Errorf("item %s: %w", req.ItemID, err)
		}
		line := batchRequestLine{
			CustomID: req.ItemID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     params,
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("failed to encode batch line for %s: %w", req.ItemID, err)
		}
	}

	// Unique file name per submission so uploads are distinguishable in
	// the provider dashboard.
	name := fmt.Sprintf("batch-input-%s.jsonl", uuid.New().String())
	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(buf.Bytes()), name, "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", classifyOpenAIError("batch upload", err)
	}

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", classifyOpenAIError("batch create", err)
	}

	return batch.ID, nil
}

// PollBatch fetches the remote batch state by handle.
func (c *OpenAIClient) PollBatch(ctx context.Context, handle string) (*BatchStatus, error) {
	batch, err := c.client.Batches.Get(ctx, handle)
	if err != nil {
		return nil, classifyOpenAIError("batch poll", err)
	}

	switch batch.Status {
	case openai.BatchStatusValidating:
		return &BatchStatus{State: BatchQueued}, nil
	case openai.BatchStatusInProgress, openai.BatchStatusFinalizing, openai.BatchStatusCancelling:
		return &BatchStatus{State: BatchRunning}, nil
	case openai.BatchStatusCompleted:
		return &BatchStatus{State: BatchSucceeded}, nil
	case openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled:
		return &BatchStatus{
			State:   BatchFailed,
			Message: batchErrorMessage(batch),
		}, nil
	default:
		return nil, fault.Newf(fault.KindTransient, "unknown batch status %q", batch.Status)
	}
}

// FetchBatchResults downloads and parses the output and error files of a
// completed batch into a keyed result map.
func (c *OpenAIClient) FetchBatchResults(ctx context.Context, handle string) (map[string]BatchItemResult, error) {
	batch, err := c.client.Batches.Get(ctx, handle)
	if err != nil {
		return nil, classifyOpenAIError("batch fetch", err)
	}

	results := make(map[string]BatchItemResult)

	if batch.OutputFileID != "" {
		if err := c.readBatchFile(ctx, batch.OutputFileID, results); err != nil {
			return nil, err
		}
	}
	if batch.ErrorFileID != "" {
		if err := c.readBatchFile(ctx, batch.ErrorFileID, results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// readBatchFile streams one JSONL result file into the result map.
func (c *OpenAIClient) readBatchFile(ctx context.Context, fileID string, results map[string]BatchItemResult) error {
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return classifyOpenAIError("batch result download", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		lineBytes := scanner.Bytes()
		if len(bytes.TrimSpace(lineBytes)) == 0 {
			continue
		}

		var line batchResponseLine
		if err := json.Unmarshal(lineBytes, &line); err != nil {
			return fmt.Errorf("failed to parse batch result line: %w", err)
		}
		if line.CustomID == "" {
			continue
		}

		results[line.CustomID] = parseBatchLine(line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read batch result file: %w", err)
	}
	return nil
}

// parseBatchLine converts one response line into a tagged result, so
// downstream code never branches on untyped presence checks.
func parseBatchLine(line batchResponseLine) BatchItemResult {
	if line.Error != nil && line.Error.Message != "" {
		return BatchItemResult{Err: line.Error.Message}
	}

	if line.Response == nil {
		return BatchItemResult{Err: "empty response"}
	}
	if line.Response.StatusCode != 200 {
		return BatchItemResult{Err: fmt.Sprintf("request failed with status %d", line.Response.StatusCode)}
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(line.Response.Body, &completion); err != nil {
		return BatchItemResult{Err: fmt.Sprintf("unparseable completion: %v", err)}
	}
	if len(completion.Choices) == 0 {
		return BatchItemResult{Err: "completion returned no choices"}
	}

	return BatchItemResult{Output: completion.Choices[0].Message.Content}
}

// batchErrorMessage extracts a human-readable failure reason from a batch.
func batchErrorMessage(batch *openai.Batch) string {
	if len(batch.Errors.Data) > 0 && batch.Errors.Data[0].Message != "" {
		return batch.Errors.Data[0].Message
	}
	return fmt.Sprintf("batch ended in state %q", batch.Status)
}
