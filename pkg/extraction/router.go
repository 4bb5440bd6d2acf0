package extraction

import "strings"

// RouteMeta is the document metadata the model router decides on.
type RouteMeta struct {
	Language  string // "en" or "fa"
	Pages     int
	HasTables bool
	Quality   string // "high" or "low"
}

// SelectModel picks the extraction model for a document. The rules are
// static; telemetry-driven routing would replace them without changing
// callers.
func SelectModel(meta RouteMeta) string {
	if meta.Language == "fa" {
		if meta.HasTables {
			return "qwen2.5-7b-instruct"
		}
		return "gemma-3-4b-persian"
	}
	if meta.HasTables || meta.Pages > 3 {
		return "qwen2.5-7b-instruct"
	}
	return "qwen2.5-7b-instruct"
}

// DetectLanguage guesses the document language from its filename.
func DetectLanguage(filename string) string {
	lower := strings.ToLower(filename)
	for _, k := range []string{"fa", "farsi", "persian", "فارسی"} {
		if strings.Contains(lower, k) {
			return "fa"
		}
	}
	return "en"
}

// hasTableHints reports whether the text or filename suggests line items.
func hasTableHints(text, filename string) bool {
	lowName := strings.ToLower(filename)
	for _, k := range []string{"table", "items", "lines"} {
		if strings.Contains(lowName, k) {
			return true
		}
	}
	lowText := strings.ToLower(text)
	for _, k := range []string{"qty", "quantity", "unit price", "line item", "item", "table", "rows"} {
		if strings.Contains(lowText, k) {
			return true
		}
	}
	return false
}
