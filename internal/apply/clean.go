package apply

import (
	"regexp"
	"strings"
)

// Patterns for markup artifacts models tend to emit around empty content.
var (
	emptyBoldPattern    = regexp.MustCompile(`\*\*\s*\*\*`)
	emptyItalicPattern  = regexp.MustCompile(`__\s*__`)
	emptyHTMLTagPattern = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?>\s*</([a-zA-Z][a-zA-Z0-9]*)>`)
	codeFencePattern    = regexp.MustCompile("(?m)^```[a-zA-Z]*[ \t]*$\n?")
	multiBlankPattern   = regexp.MustCompile(`\n{3,}`)
)

// CleanOutput strips model markup artifacts from generated text and reports
// how many defects were removed. The text itself is otherwise preserved.
func CleanOutput(text string) (string, int) {
	defects := 0

	if n := len(emptyBoldPattern.FindAllString(text, -1)); n > 0 {
		text = emptyBoldPattern.ReplaceAllString(text, "")
		defects += n
	}

	if n := len(emptyItalicPattern.FindAllString(text, -1)); n > 0 {
		text = emptyItalicPattern.ReplaceAllString(text, "")
		defects += n
	}

	// Empty HTML tags only count when opening and closing names match;
	// Go regexp has no backreferences so the pair is checked per match.
	// A mismatched pair is stepped over so later matches are still seen.
	start := 0
	for start < len(text) {
		m := emptyHTMLTagPattern.FindStringSubmatchIndex(text[start:])
		if m == nil {
			break
		}
		open := text[start+m[2] : start+m[3]]
		closing := text[start+m[4] : start+m[5]]
		if !strings.EqualFold(open, closing) {
			start += m[1]
			continue
		}
		text = text[:start+m[0]] + text[start+m[1]:]
		defects++
	}

	if n := len(codeFencePattern.FindAllString(text, -1)); n > 0 {
		text = codeFencePattern.ReplaceAllString(text, "")
		defects += n
	}

	if multiBlankPattern.MatchString(text) {
		text = multiBlankPattern.ReplaceAllString(text, "\n\n")
		defects++
	}

	return strings.TrimSpace(text), defects
}
