// Package snapshots persists immutable before-images of page text fields.
//
// A snapshot is taken before every destructive field write and is never
// mutated afterward. Restores go back through the normal write path, which
// takes a fresh snapshot of the value being replaced, so history is never
// rewritten by a restore.
package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// Snapshot is an immutable record of a field value before an overwrite.
type Snapshot struct {
	ID            string    `json:"id"`
	PageID        string    `json:"page_id"`
	Field         string    `json:"field"`
	PreviousValue string    `json:"previous_value"`
	PreviousModel string    `json:"previous_model,omitempty"`
	Actor         string    `json:"actor"`
	TakenAt       time.Time `json:"taken_at"`
}

// Store persists snapshots in DefraDB.
type Store struct {
	client *defra.Client
	logger *slog.Logger
}

// NewStore creates a snapshot store.
func NewStore(client *defra.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Take records the current value of a page field before it is overwritten
// and returns the new snapshot's document ID. Empty previous values are
// snapshotted too, so a restore can return a page to its blank state.
func (s *Store) Take(ctx context.Context, pageID, field, previousValue, previousModel, actor string) (string, error) {
	doc := map[string]any{
		"page_id":        pageID,
		"field":          field,
		"previous_value": previousValue,
		"previous_model": previousModel,
		"actor":          actor,
		"taken_at":       time.Now().UTC().Format(time.RFC3339Nano),
	}

	docID, err := s.client.Create(ctx, "Snapshot", doc)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}

	s.logger.Debug("snapshot taken",
		"snapshot_id", docID,
		"page_id", pageID,
		"field", field,
		"actor", actor)
	return docID, nil
}

// Get returns a snapshot by document ID.
func (s *Store) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	id, err := defra.SafeID(snapshotID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid snapshot id", err)
	}

	query := fmt.Sprintf(`{
		Snapshot(docID: %q) {
			_docID
			page_id
			field
			previous_value
			previous_model
			actor
			taken_at
		}
	}`, id)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("snapshot query error: %s", errMsg)
	}

	docs, ok := resp.Data["Snapshot"].([]any)
	if !ok || len(docs) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "snapshot not found: %s", snapshotID)
	}

	return parseSnapshot(docs[0].(map[string]any)), nil
}

// List returns all snapshots for a page, newest first.
func (s *Store) List(ctx context.Context, pageID string) ([]*Snapshot, error) {
	id, err := defra.SafeID(pageID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid page id", err)
	}

	query := fmt.Sprintf(`{
		Snapshot(filter: {page_id: {_eq: %q}}, order: {taken_at: DESC}) {
			_docID
			page_id
			field
			previous_value
			previous_model
			actor
			taken_at
		}
	}`, id)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("snapshot list error: %s", errMsg)
	}

	docs, _ := resp.Data["Snapshot"].([]any)
	out := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		if doc, ok := d.(map[string]any); ok {
			out = append(out, parseSnapshot(doc))
		}
	}
	return out, nil
}

func parseSnapshot(data map[string]any) *Snapshot {
	snap := &Snapshot{}
	if v, ok := data["_docID"].(string); ok {
		snap.ID = v
	}
	if v, ok := data["page_id"].(string); ok {
		snap.PageID = v
	}
	if v, ok := data["field"].(string); ok {
		snap.Field = v
	}
	if v, ok := data["previous_value"].(string); ok {
		snap.PreviousValue = v
	}
	if v, ok := data["previous_model"].(string); ok {
		snap.PreviousModel = v
	}
	if v, ok := data["actor"].(string); ok {
		snap.Actor = v
	}
	if v, ok := data["taken_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			snap.TakenAt = t
		}
	}
	return snap
}
