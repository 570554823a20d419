package library

import (
	"context"
	"strings"
	"testing"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/testutil"
)

func newScriptedStore(t *testing.T, responses ...map[string]any) (*Store, *testutil.ScriptedDefra) {
	t.Helper()
	client, stub := testutil.NewScriptedDefra(t, responses...)
	return NewStore(client, nil, nil), stub
}

func TestFieldColumns(t *testing.T) {
	f := FieldTranslation
	if f.Column() != "translation_text" {
		t.Errorf("Column() = %s", f.Column())
	}
	if f.ModelColumn() != "translation_model" {
		t.Errorf("ModelColumn() = %s", f.ModelColumn())
	}
	if f.SourceColumn() != "translation_source" {
		t.Errorf("SourceColumn() = %s", f.SourceColumn())
	}
	if Field("chapter").Valid() {
		t.Error("unknown field must not validate")
	}
}

func TestGetPageNotFound(t *testing.T) {
	store, _ := newScriptedStore(t, map[string]any{"Page": []any{}})

	_, err := store.GetPage(context.Background(), "page-gone")
	if !fault.IsNotFound(err) {
		t.Fatalf("want not-found, got %v", err)
	}
}

func TestGetPageParsesRecord(t *testing.T) {
	store, _ := newScriptedStore(t, map[string]any{
		"Page": []any{map[string]any{
			"_docID":            "page-1",
			"book_id":           "book-1",
			"page_num":          float64(12),
			"image_url":         "https://assets.example/page-1.jpg",
			"ocr_text":          "transcribed text",
			"ocr_model":         "gpt-4o",
			"translation_text":  "translated text",
			"translation_model": "gpt-4o-mini",
		}},
	})

	page, err := store.GetPage(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if page.PageNum != 12 || page.BookID != "book-1" {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.FieldText(FieldOCR) != "transcribed text" {
		t.Errorf("FieldText(ocr) = %q", page.FieldText(FieldOCR))
	}
	if page.FieldModel(FieldOCR) != "gpt-4o" {
		t.Errorf("FieldModel(ocr) = %q", page.FieldModel(FieldOCR))
	}
	if page.FieldModel(FieldTranslation) != "gpt-4o-mini" {
		t.Errorf("FieldModel(translation) = %q", page.FieldModel(FieldTranslation))
	}
	if page.FieldText(FieldSummary) != "" {
		t.Errorf("absent field should read empty, got %q", page.FieldText(FieldSummary))
	}
	if page.FieldModel(FieldSummary) != "" {
		t.Errorf("absent model should read empty, got %q", page.FieldModel(FieldSummary))
	}
}

func TestWritePageFieldSetsMetadataColumns(t *testing.T) {
	store, stub := newScriptedStore(t, map[string]any{
		"update_Page": []any{map[string]any{"_docID": "page-1"}},
	})

	err := store.WritePageField(context.Background(), "page-1", FieldOCR, "new text", "gpt-4o", "single")
	if err != nil {
		t.Fatalf("WritePageField failed: %v", err)
	}

	q := stub.Queries()[0]
	for _, want := range []string{`ocr_text: "new text"`, `ocr_model: "gpt-4o"`, `ocr_source: "single"`, "ocr_updated_at"} {
		if !strings.Contains(q, want) {
			t.Errorf("update missing %s: %s", want, q)
		}
	}
}

func TestWritePageFieldRejectsUnknownField(t *testing.T) {
	store, stub := newScriptedStore(t)

	err := store.WritePageField(context.Background(), "page-1", Field("margin"), "x", "m", "single")
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if len(stub.Queries()) != 0 {
		t.Error("invalid field must not reach the store")
	}
}

func TestListBookPageIDsOrdersByPageNum(t *testing.T) {
	store, stub := newScriptedStore(t, map[string]any{
		"Page": []any{
			map[string]any{"_docID": "page-a"},
			map[string]any{"_docID": "page-b"},
		},
	})

	ids, err := store.ListBookPageIDs(context.Background(), "book-1")
	if err != nil {
		t.Fatalf("ListBookPageIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "page-a" {
		t.Errorf("unexpected ids: %v", ids)
	}
	if !strings.Contains(stub.Queries()[0], "order: {page_num: ASC}") {
		t.Errorf("list should be in page order: %s", stub.Queries()[0])
	}
}

func pageDocs(n int) []any {
	docs := make([]any, n)
	for i := range docs {
		docs[i] = map[string]any{"_docID": "page"}
	}
	return docs
}

func TestRecountBookCounters(t *testing.T) {
	store, stub := newScriptedStore(t,
		map[string]any{"Page": pageDocs(7)},
		map[string]any{"Page": pageDocs(3)},
		map[string]any{"update_Book": []any{map[string]any{"_docID": "book-1"}}},
	)

	if err := store.RecountBookCounters(context.Background(), "book-1"); err != nil {
		t.Fatalf("RecountBookCounters failed: %v", err)
	}

	update := stub.Queries()[2]
	if !strings.Contains(update, "pages_with_ocr: 7") || !strings.Contains(update, "pages_with_translation: 3") {
		t.Errorf("counters not written from direct counts: %s", update)
	}
}
