// Package library provides record-store operations on books and pages.
//
// The pipeline never assumes exclusive ownership of a page record: every
// write is field-scoped, and book counters are recomputed from direct counts
// rather than incremented.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// Field identifies a page text field the pipeline can write.
type Field string

const (
	FieldOCR         Field = "ocr"
	FieldTranslation Field = "translation"
	FieldSummary     Field = "summary"
)

// Valid reports whether f is a known text field.
func (f Field) Valid() bool {
	switch f {
	case FieldOCR, FieldTranslation, FieldSummary:
		return true
	}
	return false
}

// Column returns the Page collection column holding the field's text.
func (f Field) Column() string {
	return string(f) + "_text"
}

// ModelColumn returns the column holding the model that produced the text.
func (f Field) ModelColumn() string { return string(f) + "_model" }

// SourceColumn returns the column recording single vs batch provenance.
func (f Field) SourceColumn() string { return string(f) + "_source" }

// UpdatedAtColumn returns the column holding the write timestamp.
func (f Field) UpdatedAtColumn() string { return string(f) + "_updated_at" }

// Book is a book record.
type Book struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Author               string `json:"author"`
	Language             string `json:"language"`
	PageCount            int    `json:"page_count"`
	PagesWithOCR         int    `json:"pages_with_ocr"`
	PagesWithTranslation int    `json:"pages_with_translation"`
}

// Page is a page record. Only the fields the pipeline touches are mapped.
type Page struct {
	ID              string `json:"id"`
	BookID          string `json:"book_id"`
	PageNum         int    `json:"page_num"`
	ImageURL        string `json:"image_url"`
	DerivedImageURL string `json:"derived_image_url,omitempty"`

	OCRText          string `json:"ocr_text,omitempty"`
	OCRModel         string `json:"ocr_model,omitempty"`
	TranslationText  string `json:"translation_text,omitempty"`
	TranslationModel string `json:"translation_model,omitempty"`
	SummaryText      string `json:"summary_text,omitempty"`
	SummaryModel     string `json:"summary_model,omitempty"`
}

// FieldText returns the current value of the given text field.
func (p *Page) FieldText(f Field) string {
	switch f {
	case FieldOCR:
		return p.OCRText
	case FieldTranslation:
		return p.TranslationText
	case FieldSummary:
		return p.SummaryText
	}
	return ""
}

// FieldModel returns the model recorded for the given text field.
func (p *Page) FieldModel(f Field) string {
	switch f {
	case FieldOCR:
		return p.OCRModel
	case FieldTranslation:
		return p.TranslationModel
	case FieldSummary:
		return p.SummaryModel
	}
	return ""
}

// Store performs book and page operations against DefraDB.
// When a write sink is configured, page field updates route through it so
// writes issued inside a reconciliation loop batch together.
type Store struct {
	client *defra.Client
	sink   *defra.Sink
	logger *slog.Logger
}

// NewStore creates a library store.
func NewStore(client *defra.Client, sink *defra.Sink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, sink: sink, logger: logger}
}

// GetPage returns a page by document ID.
// A missing page yields a fault.KindNotFound error; callers treat this as an
// expected race with deletion, not an exceptional condition.
func (s *Store) GetPage(ctx context.Context, pageID string) (*Page, error) {
	id, err := defra.SafeID(pageID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid page id", err)
	}

	query := fmt.Sprintf(`{
		Page(docID: %q) {
			_docID
			book_id
			page_num
			image_url
			derived_image_url
			ocr_text
			ocr_model
			translation_text
			translation_model
			summary_text
			summary_model
		}
	}`, id)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("page query error: %s", errMsg)
	}

	pages, ok := resp.Data["Page"].([]any)
	if !ok || len(pages) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "page not found: %s", pageID)
	}

	return parsePage(pages[0].(map[string]any)), nil
}

// GetBook returns a book by document ID.
func (s *Store) GetBook(ctx context.Context, bookID string) (*Book, error) {
	id, err := defra.SafeID(bookID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid book id", err)
	}

	query := fmt.Sprintf(`{
		Book(docID: %q) {
			_docID
			title
			author
			language
			page_count
			pages_with_ocr
			pages_with_translation
		}
	}`, id)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("book query error: %s", errMsg)
	}

	books, ok := resp.Data["Book"].([]any)
	if !ok || len(books) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "book not found: %s", bookID)
	}

	return parseBook(books[0].(map[string]any)), nil
}

// ListBookPageIDs returns the document IDs of a book's pages in page order.
func (s *Store) ListBookPageIDs(ctx context.Context, bookID string) ([]string, error) {
	id, err := defra.SafeID(bookID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid book id", err)
	}

	query := fmt.Sprintf(`{
		Page(filter: {book_id: {_eq: %q}}, order: {page_num: ASC}) {
			_docID
		}
	}`, id)

	resp, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, fmt.Errorf("page list error: %s", errMsg)
	}

	pages, _ := resp.Data["Page"].([]any)
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		if doc, ok := p.(map[string]any); ok {
			if docID, ok := doc["_docID"].(string); ok {
				ids = append(ids, docID)
			}
		}
	}
	return ids, nil
}

// WritePageField overwrites one text field plus its metadata columns.
func (s *Store) WritePageField(ctx context.Context, pageID string, field Field, text, model, source string) error {
	if !field.Valid() {
		return fault.Newf(fault.KindValidation, "unknown field %q", field)
	}

	input := map[string]any{
		field.Column():          text,
		field.ModelColumn():     model,
		field.SourceColumn():    source,
		field.UpdatedAtColumn(): time.Now().UTC().Format(time.RFC3339),
	}
	return s.updatePage(ctx, pageID, input)
}

// SetDerivedImage records the derived asset reference on a page.
func (s *Store) SetDerivedImage(ctx context.Context, pageID, assetURL string) error {
	return s.updatePage(ctx, pageID, map[string]any{"derived_image_url": assetURL})
}

// updatePage issues a field-scoped update, through the sink when present.
func (s *Store) updatePage(ctx context.Context, pageID string, input map[string]any) error {
	if s.sink != nil {
		_, err := s.sink.SendSync(ctx, defra.WriteOp{
			Collection: "Page",
			DocID:      pageID,
			Document:   input,
			Op:         defra.OpUpdate,
		})
		return err
	}
	return s.client.Update(ctx, "Page", pageID, input)
}

// CountPagesWithText counts the book's pages with a non-empty value in the
// given field. This is the direct count used for counter self-healing.
func (s *Store) CountPagesWithText(ctx context.Context, bookID string, field Field) (int, error) {
	if !field.Valid() {
		return 0, fault.Newf(fault.KindValidation, "unknown field %q", field)
	}
	return s.client.Count(ctx, "Page", map[string]any{
		"book_id":      map[string]any{"_eq": bookID},
		field.Column(): map[string]any{"_ne": ""},
	})
}

// RecountBookCounters recomputes pages_with_ocr and pages_with_translation
// from direct counts and writes them back to the book record.
func (s *Store) RecountBookCounters(ctx context.Context, bookID string) error {
	withOCR, err := s.CountPagesWithText(ctx, bookID, FieldOCR)
	if err != nil {
		return fmt.Errorf("failed to count OCR pages: %w", err)
	}
	withTranslation, err := s.CountPagesWithText(ctx, bookID, FieldTranslation)
	if err != nil {
		return fmt.Errorf("failed to count translation pages: %w", err)
	}

	err = s.client.Update(ctx, "Book", bookID, map[string]any{
		"pages_with_ocr":         withOCR,
		"pages_with_translation": withTranslation,
		"updated_at":             time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to update book counters: %w", err)
	}

	s.logger.Debug("book counters recomputed",
		"book_id", bookID,
		"pages_with_ocr", withOCR,
		"pages_with_translation", withTranslation)
	return nil
}

func parsePage(data map[string]any) *Page {
	page := &Page{}
	if id, ok := data["_docID"].(string); ok {
		page.ID = id
	}
	if v, ok := data["book_id"].(string); ok {
		page.BookID = v
	}
	if v, ok := data["page_num"].(float64); ok {
		page.PageNum = int(v)
	}
	if v, ok := data["image_url"].(string); ok {
		page.ImageURL = v
	}
	if v, ok := data["derived_image_url"].(string); ok {
		page.DerivedImageURL = v
	}
	if v, ok := data["ocr_text"].(string); ok {
		page.OCRText = v
	}
	if v, ok := data["ocr_model"].(string); ok {
		page.OCRModel = v
	}
	if v, ok := data["translation_text"].(string); ok {
		page.TranslationText = v
	}
	if v, ok := data["translation_model"].(string); ok {
		page.TranslationModel = v
	}
	if v, ok := data["summary_text"].(string); ok {
		page.SummaryText = v
	}
	if v, ok := data["summary_model"].(string); ok {
		page.SummaryModel = v
	}
	return page
}

func parseBook(data map[string]any) *Book {
	book := &Book{}
	if id, ok := data["_docID"].(string); ok {
		book.ID = id
	}
	if v, ok := data["title"].(string); ok {
		book.Title = v
	}
	if v, ok := data["author"].(string); ok {
		book.Author = v
	}
	if v, ok := data["language"].(string); ok {
		book.Language = v
	}
	if v, ok := data["page_count"].(float64); ok {
		book.PageCount = int(v)
	}
	if v, ok := data["pages_with_ocr"].(float64); ok {
		book.PagesWithOCR = int(v)
	}
	if v, ok := data["pages_with_translation"].(float64); ok {
		book.PagesWithTranslation = int(v)
	}
	return book
}
