package pipeline

import (
	"fmt"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/providers"
)

const transcribePrompt = `Transcribe the text on this book page exactly as printed.
Preserve the original line breaks, spelling, and punctuation, including archaic forms.
Mark text you cannot read as [illegible]. Return only the transcription.`

const translatePromptFmt = `Translate the following book page into %s.
Preserve paragraph structure. Keep proper names and titles in their original form.
Return only the translation.`

const summarizePrompt = `Summarize the following book page in a short paragraph.
State the main subject and any notable names, places, or claims. Return only the summary.`

// buildRequest assembles the provider request for one page. Transcription
// is a vision call against the page image; translation and summarization
// consume text already on the page.
func buildRequest(job *jobs.Record, page *library.Page) (*providers.CompletionRequest, error) {
	switch job.Type {
	case jobs.JobTranscribe:
		imageURL := page.ImageURL
		if page.DerivedImageURL != "" {
			imageURL = page.DerivedImageURL
		}
		if imageURL == "" {
			return nil, fault.New(fault.KindValidation, "page has no image to transcribe")
		}
		return &providers.CompletionRequest{
			ItemID:   page.ID,
			Model:    job.Model,
			Prompt:   transcribePrompt,
			ImageURL: imageURL,
		}, nil

	case jobs.JobTranslate:
		if page.OCRText == "" {
			return nil, fault.New(fault.KindValidation, "page has no transcription to translate")
		}
		return &providers.CompletionRequest{
			ItemID: page.ID,
			Model:  job.Model,
			Prompt: fmt.Sprintf(translatePromptFmt, job.TargetLanguage),
			Text:   page.OCRText,
		}, nil

	case jobs.JobSummarize:
		// Prefer the translation when present; summaries read better from
		// the reader-facing text.
		text := page.TranslationText
		if text == "" {
			text = page.OCRText
		}
		if text == "" {
			return nil, fault.New(fault.KindValidation, "page has no text to summarize")
		}
		return &providers.CompletionRequest{
			ItemID: page.ID,
			Model:  job.Model,
			Prompt: summarizePrompt,
			Text:   text,
		}, nil
	}

	return nil, fault.Newf(fault.KindValidation, "job type %q has no completion request", job.Type)
}
