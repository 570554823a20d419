package apply

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
)

type fakePageStore struct {
	pages    map[string]*library.Page
	recounts []string
	writes   int
}

func newFakePageStore(pages ...*library.Page) *fakePageStore {
	s := &fakePageStore{pages: make(map[string]*library.Page)}
	for _, p := range pages {
		s.pages[p.ID] = p
	}
	return s
}

func (s *fakePageStore) GetPage(ctx context.Context, pageID string) (*library.Page, error) {
	page, ok := s.pages[pageID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}
	copied := *page
	return &copied, nil
}

func (s *fakePageStore) WritePageField(ctx context.Context, pageID string, field library.Field, text, model, source string) error {
	page, ok := s.pages[pageID]
	if !ok {
		return fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}
	s.writes++
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

func (s *fakePageStore) RecountBookCounters(ctx context.Context, bookID string) error {
	s.recounts = append(s.recounts, bookID)
	return nil
}

type fakeSnapshotStore struct {
	snaps  map[string]*snapshots.Snapshot
	nextID int
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snaps: make(map[string]*snapshots.Snapshot)}
}

func (s *fakeSnapshotStore) Take(ctx context.Context, pageID, field, previousValue, previousModel, actor string) (string, error) {
	s.nextID++
	id := fmt.Sprintf("snap-%d", s.nextID)
	s.snaps[id] = &snapshots.Snapshot{
		ID:            id,
		PageID:        pageID,
		Field:         field,
		PreviousValue: previousValue,
		PreviousModel: previousModel,
		Actor:         actor,
	}
	return id, nil
}

func (s *fakeSnapshotStore) Get(ctx context.Context, snapshotID string) (*snapshots.Snapshot, error) {
	snap, ok := s.snaps[snapshotID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "snapshot not found: %s", snapshotID)
	}
	return snap, nil
}

func TestApplySnapshotsBeforeWrite(t *testing.T) {
	pages := newFakePageStore(&library.Page{
		ID:       "page-1",
		BookID:   "book-1",
		OCRText:  "old ocr text",
		OCRModel: "gpt-4o-2024",
	})
	snaps := newFakeSnapshotStore()
	applier := New(pages, snaps, nil)

	result, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldOCR,
		Text:   "new ocr text",
		Model:  "gpt-4o",
		Source: SourceSingle,
		Actor:  "job-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Skipped {
		t.Fatal("expected write, got skip")
	}

	snap, err := snaps.Get(context.Background(), result.SnapshotID)
	if err != nil {
		t.Fatalf("snapshot not recorded: %v", err)
	}
	if snap.PreviousValue != "old ocr text" {
		t.Errorf("snapshot holds %q, want the pre-write value", snap.PreviousValue)
	}
	if snap.PreviousModel != "gpt-4o-2024" {
		t.Errorf("snapshot model = %q, want gpt-4o-2024", snap.PreviousModel)
	}

	if pages.pages["page-1"].OCRText != "new ocr text" {
		t.Errorf("page text = %q, want new ocr text", pages.pages["page-1"].OCRText)
	}
	if len(pages.recounts) != 1 || pages.recounts[0] != "book-1" {
		t.Errorf("recounts = %v, want one recount for book-1", pages.recounts)
	}
}

func TestApplySnapshotCarriesTranslationModel(t *testing.T) {
	pages := newFakePageStore(&library.Page{
		ID:               "page-1",
		BookID:           "book-1",
		OCRText:          "source text",
		TranslationText:  "old translation",
		TranslationModel: "gpt-4o-mini",
	})
	snaps := newFakeSnapshotStore()
	applier := New(pages, snaps, nil)

	result, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldTranslation,
		Text:   "new translation",
		Model:  "gpt-4o",
		Source: SourceSingle,
		Actor:  "job-2",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	snap, err := snaps.Get(context.Background(), result.SnapshotID)
	if err != nil {
		t.Fatalf("snapshot not recorded: %v", err)
	}
	if snap.PreviousValue != "old translation" {
		t.Errorf("snapshot holds %q, want the pre-write value", snap.PreviousValue)
	}
	if snap.PreviousModel != "gpt-4o-mini" {
		t.Errorf("snapshot model = %q, want the overwritten translation model", snap.PreviousModel)
	}
}

func TestApplyCleansGeneratedText(t *testing.T) {
	pages := newFakePageStore(&library.Page{ID: "page-1", BookID: "book-1"})
	applier := New(pages, newFakeSnapshotStore(), nil)

	result, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldOCR,
		Text:   "```\nSome transcribed text.** **\n```",
		Model:  "gpt-4o",
		Source: SourceSingle,
		Actor:  "job-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.DefectsRemoved == 0 {
		t.Error("expected defects to be counted")
	}
	if got := pages.pages["page-1"].OCRText; got != "Some transcribed text." {
		t.Errorf("cleaned text = %q", got)
	}
}

func TestApplyRejectsTextThatCleansToEmpty(t *testing.T) {
	pages := newFakePageStore(&library.Page{ID: "page-1", BookID: "book-1"})
	applier := New(pages, newFakeSnapshotStore(), nil)

	_, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldOCR,
		Text:   "** **\n```\n```",
		Source: SourceSingle,
	})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if pages.writes != 0 {
		t.Error("no write should happen for rejected text")
	}
}

func TestApplyMissingPageSkips(t *testing.T) {
	pages := newFakePageStore()
	applier := New(pages, newFakeSnapshotStore(), nil)

	result, err := applier.Apply(context.Background(), Input{
		PageID: "gone",
		Field:  library.FieldOCR,
		Text:   "text for a deleted page",
		Source: SourceBatch,
	})
	if err != nil {
		t.Fatalf("missing page should not be an error: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected skip for missing page")
	}
	if result.SkipReason == "" {
		t.Error("skip should carry a reason")
	}
}

func TestApplySummarySkipsRecount(t *testing.T) {
	pages := newFakePageStore(&library.Page{ID: "page-1", BookID: "book-1"})
	applier := New(pages, newFakeSnapshotStore(), nil)

	_, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldSummary,
		Text:   "A short summary.",
		Source: SourceSingle,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(pages.recounts) != 0 {
		t.Errorf("summary write triggered recount: %v", pages.recounts)
	}
}

func TestRestoreGoesThroughApplyPath(t *testing.T) {
	pages := newFakePageStore(&library.Page{
		ID:      "page-1",
		BookID:  "book-1",
		OCRText: "original",
	})
	snaps := newFakeSnapshotStore()
	applier := New(pages, snaps, nil)

	first, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.FieldOCR,
		Text:   "overwritten",
		Source: SourceSingle,
		Actor:  "job-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	result, err := applier.RestoreSnapshot(context.Background(), first.SnapshotID, "user-1")
	if err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	if got := pages.pages["page-1"].OCRText; got != "original" {
		t.Errorf("restored text = %q, want original", got)
	}
	// The restore itself must be undoable.
	undo, err := snaps.Get(context.Background(), result.SnapshotID)
	if err != nil {
		t.Fatalf("restore did not take a snapshot: %v", err)
	}
	if undo.PreviousValue != "overwritten" {
		t.Errorf("restore snapshot holds %q, want overwritten", undo.PreviousValue)
	}
}

func TestRestorePreservesRawValue(t *testing.T) {
	// Snapshot values are written back byte for byte, even when they would
	// be mangled by the output cleaner.
	raw := "```\nkeep the fences\n```"
	pages := newFakePageStore(&library.Page{ID: "page-1", BookID: "book-1"})
	snaps := newFakeSnapshotStore()
	applier := New(pages, snaps, nil)

	id, err := snaps.Take(context.Background(), "page-1", "ocr", raw, "", "user-1")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if _, err := applier.RestoreSnapshot(context.Background(), id, "user-1"); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if got := pages.pages["page-1"].OCRText; got != raw {
		t.Errorf("restored text = %q, want raw snapshot value", got)
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	applier := New(newFakePageStore(), newFakeSnapshotStore(), nil)

	_, err := applier.RestoreSnapshot(context.Background(), "snap-missing", "user-1")
	if !fault.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestApplyRejectsUnknownField(t *testing.T) {
	applier := New(newFakePageStore(), newFakeSnapshotStore(), nil)

	_, err := applier.Apply(context.Background(), Input{
		PageID: "page-1",
		Field:  library.Field("margins"),
		Text:   "text",
		Source: SourceSingle,
	})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		defects int
	}{
		{
			name:    "clean text untouched",
			input:   "Plain transcription with **bold words** kept.",
			want:    "Plain transcription with **bold words** kept.",
			defects: 0,
		},
		{
			name:    "empty bold removed",
			input:   "Before ** ** after",
			want:    "Before  after",
			defects: 1,
		},
		{
			name:    "empty italics removed",
			input:   "Before __ __ after",
			want:    "Before  after",
			defects: 1,
		},
		{
			name:    "empty html tag removed",
			input:   "Text <p>  </p> more",
			want:    "Text  more",
			defects: 1,
		},
		{
			name:    "code fences stripped",
			input:   "```markdown\nThe page content.\n```",
			want:    "The page content.",
			defects: 2,
		},
		{
			name:    "blank runs collapsed",
			input:   "First paragraph.\n\n\n\nSecond paragraph.",
			want:    "First paragraph.\n\nSecond paragraph.",
			defects: 1,
		},
		{
			name:    "mismatched pair kept without hiding later matches",
			input:   "before <a></b> middle <i></i> after",
			want:    "before <a></b> middle  after",
			defects: 1,
		},
		{
			name:    "pairs made adjacent by removal are caught",
			input:   "x <p><i></i></p> y",
			want:    "x  y",
			defects: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, defects := CleanOutput(tc.input)
			if got != tc.want {
				t.Errorf("CleanOutput(%q) = %q, want %q", tc.input, got, tc.want)
			}
			if defects != tc.defects {
				t.Errorf("defects = %d, want %d", defects, tc.defects)
			}
		})
	}
}

func TestCleanOutputLargeInput(t *testing.T) {
	body := strings.Repeat("A line of perfectly ordinary page text.\n", 500)
	got, defects := CleanOutput(body)
	if defects != 0 {
		t.Errorf("clean body reported %d defects", defects)
	}
	if !strings.HasPrefix(got, "A line of perfectly ordinary page text.") {
		t.Error("body was altered")
	}
}
