package extraction

import (
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// digitFolder maps Persian and Arabic-Indic digits (and their thousands
// separators) to ASCII so the numeric and date regexes match either script.
var digitFolder = runes.Map(func(r rune) rune {
	switch {
	case r >= '۰' && r <= '۹': // U+06F0..U+06F9 extended Arabic-Indic
		return '0' + (r - '۰')
	case r >= '٠' && r <= '٩': // U+0660..U+0669 Arabic-Indic
		return '0' + (r - '٠')
	case r == '٬', r == '،':
		return ','
	}
	return r
})

// NormalizeDigits folds non-ASCII digits in text to their ASCII equivalents.
func NormalizeDigits(text string) string {
	if text == "" {
		return text
	}
	out, _, err := transform.String(digitFolder, text)
	if err != nil {
		return text
	}
	return out
}
