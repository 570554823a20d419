// Package apply is the single write path for generated page text.
//
// Every write, whether from the synchronous processor, a batch
// reconciliation, or a snapshot restore, goes through the same sequence:
// validate, clean, snapshot the value being replaced, write, recount.
package apply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
)

// Write sources recorded on the page alongside the text.
const (
	SourceSingle  = "single"
	SourceBatch   = "batch"
	SourceRestore = "restore"
)

// PageStore is the slice of the library store the applier needs.
type PageStore interface {
	GetPage(ctx context.Context, pageID string) (*library.Page, error)
	WritePageField(ctx context.Context, pageID string, field library.Field, text, model, source string) error
	RecountBookCounters(ctx context.Context, bookID string) error
}

// SnapshotStore is the slice of the snapshot store the applier needs.
type SnapshotStore interface {
	Take(ctx context.Context, pageID, field, previousValue, previousModel, actor string) (string, error)
	Get(ctx context.Context, snapshotID string) (*snapshots.Snapshot, error)
}

// Input describes one field write.
type Input struct {
	PageID string
	Field  library.Field
	Text   string
	Model  string
	Source string // single, batch, or restore
	Actor  string // job ID or user identity, recorded on the snapshot
}

// Result reports what a write did.
type Result struct {
	// Skipped is true when the target page no longer exists. A missing
	// page is an expected outcome of concurrent deletion, not an error.
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`

	SnapshotID     string `json:"snapshot_id,omitempty"`
	DefectsRemoved int    `json:"defects_removed"`
}

// Applier validates, cleans, and persists generated text.
type Applier struct {
	pages     PageStore
	snapshots SnapshotStore
	logger    *slog.Logger
}

// New creates an applier.
func New(pages PageStore, snapshots SnapshotStore, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{pages: pages, snapshots: snapshots, logger: logger}
}

// Apply performs one field write.
//
// Restore-sourced writes skip cleaning: the snapshot holds exactly what was
// on the page before, and a restore puts it back byte for byte.
func (a *Applier) Apply(ctx context.Context, in Input) (*Result, error) {
	if !in.Field.Valid() {
		return nil, fault.Newf(fault.KindValidation, "unknown field %q", in.Field)
	}
	if in.Source != SourceSingle && in.Source != SourceBatch && in.Source != SourceRestore {
		return nil, fault.Newf(fault.KindValidation, "unknown write source %q", in.Source)
	}

	text := in.Text
	defects := 0
	if in.Source != SourceRestore {
		text, defects = CleanOutput(in.Text)
		if text == "" {
			return nil, fault.New(fault.KindValidation, "generated text is empty after cleaning")
		}
	}

	page, err := a.pages.GetPage(ctx, in.PageID)
	if err != nil {
		if fault.IsNotFound(err) {
			a.logger.Info("skipping write, page no longer exists", "page_id", in.PageID)
			return &Result{Skipped: true, SkipReason: "page no longer exists"}, nil
		}
		return nil, fmt.Errorf("failed to load page %s: %w", in.PageID, err)
	}

	snapID, err := a.snapshots.Take(ctx, page.ID, string(in.Field), page.FieldText(in.Field), page.FieldModel(in.Field), in.Actor)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page %s: %w", page.ID, err)
	}

	if err := a.pages.WritePageField(ctx, page.ID, in.Field, text, in.Model, in.Source); err != nil {
		return nil, fmt.Errorf("failed to write %s for page %s: %w", in.Field, page.ID, err)
	}

	// Summaries do not feed a book counter; OCR and translation do.
	if in.Field != library.FieldSummary {
		if err := a.pages.RecountBookCounters(ctx, page.BookID); err != nil {
			return nil, fmt.Errorf("failed to recount counters for book %s: %w", page.BookID, err)
		}
	}

	a.logger.Debug("field applied",
		"page_id", page.ID,
		"field", in.Field,
		"source", in.Source,
		"defects_removed", defects,
		"snapshot_id", snapID)

	return &Result{SnapshotID: snapID, DefectsRemoved: defects}, nil
}

// RestoreSnapshot writes a snapshot's preserved value back to its page
// through the normal apply path. The write takes a fresh snapshot of the
// value it replaces, so restores are themselves undoable.
func (a *Applier) RestoreSnapshot(ctx context.Context, snapshotID, actor string) (*Result, error) {
	snap, err := a.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	return a.Apply(ctx, Input{
		PageID: snap.PageID,
		Field:  library.Field(snap.Field),
		Text:   snap.PreviousValue,
		Model:  snap.PreviousModel,
		Source: SourceRestore,
		Actor:  actor,
	})
}
